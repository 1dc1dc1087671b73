// Command throughput-test measures the throughput and latency guests see
// through a shaped netemu gateway and compares them with the configured caps.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/proxy"
	"github.com/codefionn/netemu/netemu-srv/radio"
	"github.com/codefionn/netemu/netemu-srv/resolver"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/codefionn/netemu/netemu-srv/stats"
)

var (
	numRequests  = flag.Int("numRequests", 8, "Total number of requests to send")
	concurrency  = flag.Int("concurrency", 2, "Number of concurrent workers")
	testTimeout  = flag.Duration("timeout", 60*time.Second, "Overall test timeout")
	dataSize     = flag.Int("dataSize", 256*1024, "Size of payload in bytes per request")
	standardName = flag.String("standard", "umts", "Radio standard whose preset applies")
	downloadKbps = flag.Float64("download", 0, "Download cap in kbit/s, 0 uses the preset")
	tolerance    = flag.Float64("tolerance", 0.25, "Allowed relative deviation above the cap")
)

type result struct {
	bytes   int64
	elapsed time.Duration
	err     error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// sendRequest fetches the payload over a fresh connection so every request
// is a flow of its own.
func sendRequest(ctx context.Context, targetURL string, results chan<- result) {
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		results <- result{err: fmt.Errorf("new request: %w", err)}
		return
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		results <- result{err: fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		results <- result{err: fmt.Errorf("status %d", resp.StatusCode)}
		return
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		results <- result{bytes: n, err: fmt.Errorf("read body: %w", err)}
		return
	}
	if n != int64(*dataSize) {
		results <- result{bytes: n, err: fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
		return
	}
	results <- result{bytes: n, elapsed: time.Since(start)}
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	std, err := radio.ParseStandard(*standardName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initial := radio.DefaultState()
	initial.Standard = std
	model, err := radio.NewModel(radio.DefaultPresets(), initial)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cond, err := shaping.NewConditioner(model, shaping.Config{
		DownloadBps: int64(*downloadKbps * 1000 / 8),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "data server: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			logger.Error("Data server error: %v", err)
		}
	}()

	// The guest side connects to a redirect listener forwarding to the
	// data server, the same way emulated guests reach the host.
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{
		Type:          config.ServerTypeRedirect,
		ListenAddress: "127.0.0.1:0",
		Target:        targetLn.Addr().String(),
		Enabled:       true,
	}}
	p, err := proxy.NewProxy(cfg, cond, resolver.New(config.FamilyAny, config.DNSConfig{}), stats.NewDummyCollector())
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	if err := p.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = p.Stop() }()

	targetURL := "http://" + p.Servers()[0].Addr().String() + "/data"
	capBps := cond.EffectiveBandwidth(shaping.Download)
	lo, hi := cond.LatencyRange()
	fmt.Printf("Standard: %s, download cap: %d B/s, latency: %s-%s\n", std, capBps, lo, hi)

	results := make(chan result, *numRequests)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *numRequests; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			sendRequest(ctx, targetURL, results)
		}()
	}
	wg.Wait()
	close(results)

	success, failures, total := 0, 0, int64(0)
	var slowest time.Duration
	for res := range results {
		if res.err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "request failed: %v\n", res.err)
			continue
		}
		success++
		total += res.bytes
		slowest = max(slowest, res.elapsed)
	}
	dur := time.Since(start)
	achieved := float64(total) / dur.Seconds()

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d, Slowest: %s\n", dur.Seconds(), success, failures, slowest)
	fmt.Printf("Throughput: %.0f B/s (%.2f KB/s)\n", achieved, achieved/1024)

	// the token bucket starts full, so the first second may exceed the cap
	if capBps > 0 && achieved > float64(capBps)*(1+*tolerance)+float64(capBps)/dur.Seconds() {
		fmt.Fprintf(os.Stderr, "Test failed: throughput %.0f B/s above cap %d B/s\n", achieved, capBps)
		os.Exit(1)
	}
	if failures > 0 || ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
