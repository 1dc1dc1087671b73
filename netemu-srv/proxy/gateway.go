package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/httpline"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/metrics"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/codefionn/netemu/netemu-srv/resolver"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/codefionn/netemu/netemu-srv/stats"
)

const (
	DefaultClassifyWindow  = 1024
	DefaultClassifyTimeout = 500 * time.Millisecond
)

// errFlowClosed ends a flow without a failure: its context was cancelled
// by the caller or by Stop.
var errFlowClosed = errors.New("flow closed")

// Options configures a Gateway.
type Options struct {
	// Name labels the flows of this gateway in stats and logs.
	Name            string
	Upstream        config.UpstreamConfig
	DialTimeout     time.Duration
	ClassifyTimeout time.Duration
	ClassifyWindow  int
	// MaxConnections bounds concurrent flows, 0 means unbounded.
	MaxConnections int
}

// OptionsFromConfig builds the options of the gateway serving server.
func OptionsFromConfig(cfg *config.Config, server config.ServerConfig) Options {
	limit := server.MaxConnections
	if limit <= 0 {
		limit = cfg.MaxConcurrentConnections
	}
	return Options{
		Name:            string(server.Type) + "@" + server.ListenAddress,
		Upstream:        cfg.Upstream,
		DialTimeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		ClassifyTimeout: time.Duration(cfg.ClassifyTimeoutMs) * time.Millisecond,
		ClassifyWindow:  cfg.ClassifyWindow,
		MaxConnections:  limit,
	}
}

// Gateway owns the lifecycle of guest flows: it classifies the leading
// bytes, resolves and connects the destination (directly or through the
// upstream proxy) and pumps both directions through the conditioner.
// A Gateway never writes shaping or radio state.
type Gateway struct {
	opts        Options
	conditioner *shaping.Conditioner
	resolver    *resolver.Resolver
	collector   stats.Collector
	classifier  *httpline.Classifier
	bypass      *bypassList
	dialer      *net.Dialer
	slots       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	observer atomic.Pointer[func(StateChange)]
}

// NewGateway creates a gateway. collector may be nil.
func NewGateway(opts Options, conditioner *shaping.Conditioner, res *resolver.Resolver, collector stats.Collector) *Gateway {
	if opts.ClassifyWindow <= 0 {
		opts.ClassifyWindow = DefaultClassifyWindow
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = DefaultClassifyTimeout
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	g := &Gateway{
		opts:        opts,
		conditioner: conditioner,
		resolver:    res,
		collector:   collector,
		classifier:  httpline.NewClassifier(),
		bypass:      newBypassList(opts.Upstream.Bypass),
		dialer:      &net.Dialer{Timeout: opts.DialTimeout},
	}
	if opts.MaxConnections > 0 {
		g.slots = make(chan struct{}, opts.MaxConnections)
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())

	if opts.Upstream.Enabled() {
		logger.Debug("Gateway %s uses upstream %s (%d bypass entries)", opts.Name, opts.Upstream, g.bypass.Len())
	}
	return g
}

// OnStateChange registers fn to be called on every flow transition. fn is
// called synchronously from the flow goroutine.
func (g *Gateway) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		g.observer.Store(nil)
		return
	}
	g.observer.Store(&fn)
}

func (g *Gateway) notify(sc StateChange) {
	if fn := g.observer.Load(); fn != nil {
		(*fn)(sc)
	}
}

func (g *Gateway) acquire() bool {
	if g.slots == nil {
		return true
	}
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *Gateway) release() {
	if g.slots != nil {
		<-g.slots
	}
}

// begin registers a flow unless the gateway is stopped.
func (g *Gateway) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.wg.Add(1)
	return true
}

// Handle runs the flow of conn, whose original destination is dst
// (host:port), until it closes. conn is always closed on return. The error
// is nil for a flow that closed normally and a *neterr.Error for a failed
// one.
func (g *Gateway) Handle(ctx context.Context, conn net.Conn, dst string) error {
	if !g.begin() {
		_ = conn.Close()
		return neterr.Errorf(neterr.ErrCodeGatewayStopped, "flow to %s", dst)
	}
	defer g.wg.Done()

	if !g.acquire() {
		_ = conn.Close()
		metrics.FlowsTotal.WithLabelValues("rejected").Inc()
		metrics.FlowFailures.WithLabelValues(neterr.ErrCodeConcurrencyLimitReached).Inc()
		logger.Warn("Gateway %s rejected flow to %s: %d flows open", g.opts.Name, dst, g.opts.MaxConnections)
		return neterr.Errorf(neterr.ErrCodeConcurrencyLimitReached, "%d flows open", g.opts.MaxConnections)
	}
	defer g.release()

	metrics.ActiveFlows.Inc()
	defer metrics.ActiveFlows.Dec()

	f := newFlow(conn, dst, g.opts.Name, g.notify)
	statsCtx := context.WithoutCancel(ctx)

	statsID, err := g.collector.StartFlow(statsCtx, stats.FlowStart{
		UUID:          f.ID,
		ClientAddr:    f.Peer,
		Destination:   dst,
		Listener:      g.opts.Name,
		RadioStandard: g.conditioner.RadioState().Standard.String(),
	})
	if err != nil {
		f.log.Warn("Failed to start flow tracking: %v", err)
	}
	f.statsID = statsID

	flowCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnGateway := context.AfterFunc(g.ctx, cancel)
	defer stopOnGateway()

	fc := &flowConns{guest: conn}
	context.AfterFunc(flowCtx, fc.closeAll)

	f.log.Debug("Accepted %s -> %s", f.Peer, dst)
	runErr := g.run(flowCtx, f, fc, statsCtx)

	if runErr == nil || errors.Is(runErr, errFlowClosed) {
		fc.setCloseReason("normal")
		fc.closeAll()
		if !fc.hasDest() {
			_ = g.collector.EndFlow(statsCtx, f.statsID, 0, 0, time.Since(f.Started), "closed")
		}
		f.transition(StateClosed, nil)
		metrics.FlowsTotal.WithLabelValues("closed").Inc()
		return nil
	}

	nerr := asNetError(runErr)
	fc.setCloseReason(nerr.Code)
	fc.closeAll()
	_ = g.collector.RecordFailure(statsCtx, f.statsID, nerr.Code, nerr.Error())
	if !fc.hasDest() {
		_ = g.collector.EndFlow(statsCtx, f.statsID, 0, 0, time.Since(f.Started), nerr.Code)
	}
	f.fail(nerr)
	metrics.FlowsTotal.WithLabelValues("failed").Inc()
	metrics.FlowFailures.WithLabelValues(nerr.Code).Inc()
	f.log.Warn("Flow to %s failed: %v", dst, nerr)
	return nerr
}

func asNetError(err error) *neterr.Error {
	var nerr *neterr.Error
	if errors.As(err, &nerr) {
		return nerr
	}
	return neterr.Wrap(neterr.ErrCodeInternalError, err)
}

func (g *Gateway) run(ctx context.Context, f *Flow, fc *flowConns, statsCtx context.Context) error {
	f.transition(StateClassifying, nil)
	if err := g.classify(ctx, fc.guest, f); err != nil {
		return err
	}

	label := f.Classification.String()
	if f.Degraded {
		label += "_degraded"
	}
	metrics.Classifications.WithLabelValues(label).Inc()
	_ = g.collector.RecordClassification(statsCtx, f.statsID, f.Classification.String(), f.Degraded)

	target := f.Destination
	var line httpline.RequestLine
	if f.Classification == httpline.HTTPRequest {
		line, _ = g.classifier.Parse(f.Window)
		target = requestTarget(line, f.Destination)
		f.transition(StateResolving, nil)
	} else {
		f.transition(StateTunnelingDirect, nil)
	}

	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	r := g.selectRoute(f.Classification, host)
	f.log.Debug("Routing %s %s", r, target)

	dest, err := g.connect(ctx, f, r, target, line)
	if err != nil {
		if ctx.Err() != nil {
			return errFlowClosed
		}
		return err
	}

	tracked := newTrackedConn(statsCtx, dest, g.collector, f.statsID)
	if !fc.setDest(tracked) {
		return errFlowClosed
	}

	f.transition(StateShaping, nil)
	return g.tunnel(ctx, f, fc)
}

// classify reads the leading window of the guest connection.
func (g *Gateway) classify(ctx context.Context, conn net.Conn, f *Flow) error {
	buf := make([]byte, g.opts.ClassifyWindow)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.ClassifyTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	n := 0
	res := httpline.Incomplete
	for res == httpline.Incomplete && n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		res = g.classifier.Classify(buf[:n])
		if err == nil || res != httpline.Incomplete {
			continue
		}
		if ctx.Err() != nil {
			return errFlowClosed
		}
		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout():
			f.Degraded = true
			f.log.Warn("Tunneling as opaque: %v", neterr.Errorf(neterr.ErrCodeClassificationTimeout, "%d bytes after %s", n, g.opts.ClassifyTimeout))
		case errors.Is(err, io.EOF):
		default:
			return neterr.Errorf(neterr.ErrCodeClassificationRead, "read from %s: %w", f.Peer, err)
		}
		break
	}
	if res == httpline.Incomplete {
		if n == len(buf) {
			f.Degraded = true
			f.log.Warn("Tunneling as opaque: %v", neterr.Errorf(neterr.ErrCodeClassificationTimeout, "window of %d bytes full", n))
		}
		res = httpline.Opaque
	}

	f.Window = buf[:n]
	f.Classification = res
	return nil
}

// connect establishes the destination side of a flow.
func (g *Gateway) connect(ctx context.Context, f *Flow, r route, target string, line httpline.RequestLine) (net.Conn, error) {
	if g.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.DialTimeout)
		defer cancel()
	}

	switch r {
	case routeHTTPUpstream:
		conn, err := g.dialUpstream(ctx)
		if err != nil {
			return nil, err
		}
		f.Window = rewriteForUpstream(f.Window, line, target, g.proxyAuthorization())
		return conn, nil
	case routeConnect:
		return g.dialConnect(ctx, target)
	case routeSocks5:
		return g.dialSocks5(ctx, target)
	default:
		start := time.Now()
		addr, err := g.resolver.ResolveHostPort(ctx, target)
		metrics.DNSLookupSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		f.log.Debug("Resolved %s to %s", target, addr)
		return g.dialDirect(ctx, addr)
	}
}

// tunnel pumps both directions until both are done. The captured window is
// replayed ahead of the rest of the guest stream.
func (g *Gateway) tunnel(ctx context.Context, f *Flow, fc *flowConns) error {
	var wg sync.WaitGroup
	pump := func(dst net.Conn, src io.Reader, dir shaping.Direction) {
		defer wg.Done()
		n, err := g.conditioner.Pump(ctx, dst, src, dir)
		f.log.Trace("%s done after %d bytes: %v", dir, n, err)
		if err != nil {
			if ctx.Err() == nil {
				fc.setCloseReason(err.Error())
			}
			fc.closeAll()
			return
		}
		if closeWrite(dst) != nil {
			fc.closeAll()
		}
	}

	wg.Add(2)
	go pump(fc.dest, io.MultiReader(bytes.NewReader(f.Window), fc.guest), shaping.Upload)
	go pump(fc.guest, fc.dest, shaping.Download)
	wg.Wait()
	return nil
}

func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}

// Stop cancels every flow, closing both of its connections, and waits for
// them to return. Handle fails once Stop was called.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}

// flowConns closes both ends of a flow exactly once.
type flowConns struct {
	mu     sync.Mutex
	guest  net.Conn
	dest   *trackedConn
	closed bool
}

// setDest installs the destination, or closes it when the flow already ended.
func (fc *flowConns) setDest(c *trackedConn) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		_ = c.Conn.Close()
		return false
	}
	fc.dest = c
	return true
}

func (fc *flowConns) hasDest() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.dest != nil
}

func (fc *flowConns) setCloseReason(reason string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.dest != nil {
		fc.dest.SetCloseReason(reason)
	}
}

func (fc *flowConns) closeAll() {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return
	}
	fc.closed = true
	dest := fc.dest
	fc.mu.Unlock()

	_ = fc.guest.Close()
	if dest != nil {
		_ = dest.Close()
	}
}
