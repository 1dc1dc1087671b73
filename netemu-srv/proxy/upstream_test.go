package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startConnectProxy runs a minimal CONNECT proxy answering with status.
func startConnectProxy(t *testing.T, status int) (string, <-chan *http.Request) {
	requests := make(chan *http.Request, 4)
	addr := serveTCP(t, func(c *net.TCPConn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		requests <- req

		if status != http.StatusOK {
			fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", status, http.StatusText(status))
			return
		}

		target, err := net.Dial("tcp", req.Host)
		if err != nil {
			fmt.Fprintf(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
			return
		}
		defer target.Close()
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = io.Copy(target, br)
			_ = target.(*net.TCPConn).CloseWrite()
		}()
		_, _ = io.Copy(c, target)
		_ = c.CloseWrite()
		wg.Wait()
	})
	return addr, requests
}

func TestConnectTunnelForOpaqueFlows(t *testing.T) {
	echoAddr := startEchoServer(t)
	proxyAddr, requests := startConnectProxy(t, http.StatusOK)

	gw := newTestGateway(t, Options{Upstream: config.UpstreamConfig{
		Type:         config.UpstreamHTTP,
		Address:      proxyAddr,
		Username:     strPtr("user"),
		Password:     strPtr("pass"),
		TunnelOpaque: true,
	}}, nil)

	client, guest := guestPair(t)
	done := handleAsync(gw, guest, echoAddr)
	roundTripOpaque(t, client, tlsHello)
	require.NoError(t, waitHandle(t, done))

	req := <-requests
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, echoAddr, req.Host)
	assert.Equal(t, "Basic dXNlcjpwYXNz", req.Header.Get("Proxy-Authorization"))
}

func TestConnectRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
	}{
		{"auth required", http.StatusProxyAuthRequired, neterr.ErrCodeProxyAuthRequired},
		{"forbidden", http.StatusForbidden, neterr.ErrCodeCONNECTRefused},
		{"bad gateway", http.StatusBadGateway, neterr.ErrCodeCONNECTRefused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxyAddr, _ := startConnectProxy(t, tt.status)
			gw := newTestGateway(t, Options{Upstream: config.UpstreamConfig{
				Type:         config.UpstreamHTTP,
				Address:      proxyAddr,
				TunnelOpaque: true,
			}}, nil)

			client, guest := guestPair(t)
			done := handleAsync(gw, guest, "203.0.113.7:443")
			_, err := client.Write(tlsHello)
			require.NoError(t, err)

			err = waitHandle(t, done)
			assert.Equal(t, tt.code, neterr.Code(err))
		})
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	gw := newTestGateway(t, Options{Upstream: config.UpstreamConfig{
		Type:    config.UpstreamHTTP,
		Address: closedPort(t),
	}}, nil)

	client, guest := guestPair(t)
	done := handleAsync(gw, guest, "example.test:80")
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, neterr.ErrCodeUpstreamDialFailed, neterr.Code(waitHandle(t, done)))
}

func startSocks5(t *testing.T, conf *go_socks5.Config) string {
	t.Helper()
	socksServer, err := go_socks5.New(conf)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = socksServer.Serve(ln) }()
	return ln.Addr().String()
}

func TestSocks5Upstream(t *testing.T) {
	echoAddr := startEchoServer(t)
	socksAddr := startSocks5(t, &go_socks5.Config{
		Credentials: go_socks5.StaticCredentials{"user": "pass"},
	})

	gw := newTestGateway(t, Options{Upstream: config.UpstreamConfig{
		Type:     config.UpstreamSocks5,
		Address:  socksAddr,
		Username: strPtr("user"),
		Password: strPtr("pass"),
	}}, nil)

	client, guest := guestPair(t)
	done := handleAsync(gw, guest, echoAddr)
	roundTripOpaque(t, client, tlsHello)
	require.NoError(t, waitHandle(t, done))
	assert.Equal(t, []State{StateClassifying, StateTunnelingDirect, StateShaping, StateClosed}, gw.states.path())
}

func TestSocks5CarriesHTTPUnchanged(t *testing.T) {
	echoAddr := startEchoServer(t)
	socksAddr := startSocks5(t, &go_socks5.Config{})

	gw := newTestGateway(t, Options{Upstream: config.UpstreamConfig{
		Type:    config.UpstreamSocks5,
		Address: socksAddr,
	}}, nil)

	client, guest := guestPair(t)
	done := handleAsync(gw, guest, echoAddr)
	// the echo server returns the request line exactly as the upstream saw it
	roundTripOpaque(t, client, []byte("GET /raw HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, waitHandle(t, done))
}

func TestSocks5BadCredentials(t *testing.T) {
	socksAddr := startSocks5(t, &go_socks5.Config{
		Credentials: go_socks5.StaticCredentials{"user": "pass"},
	})

	gw := newTestGateway(t, Options{
		DialTimeout: 2 * time.Second,
		Upstream: config.UpstreamConfig{
			Type:     config.UpstreamSocks5,
			Address:  socksAddr,
			Username: strPtr("user"),
			Password: strPtr("wrong"),
		},
	}, nil)

	client, guest := guestPair(t)
	done := handleAsync(gw, guest, "127.0.0.1:9")
	_, err := client.Write(tlsHello)
	require.NoError(t, err)
	assert.Equal(t, neterr.ErrCodeSOCKS5ConnectFailed, neterr.Code(waitHandle(t, done)))
}
