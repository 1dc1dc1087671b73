package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/codec"
	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/httpline"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/codefionn/netemu/netemu-srv/resolver"
	"golang.org/x/net/proxy"
)

var errNoHalfClose = errors.New("connection does not support half-close")

// route is the way a flow reaches its destination.
type route int

const (
	routeDirect route = iota
	routeHTTPUpstream
	routeConnect
	routeSocks5
)

func (r route) String() string {
	switch r {
	case routeHTTPUpstream:
		return "http-upstream"
	case routeConnect:
		return "connect"
	case routeSocks5:
		return "socks5"
	default:
		return "direct"
	}
}

// selectRoute picks the route of a classified flow towards target.
func (g *Gateway) selectRoute(class httpline.Result, targetHost string) route {
	up := g.opts.Upstream
	if !up.Enabled() || g.bypass.Match(targetHost) {
		return routeDirect
	}
	switch up.Type {
	case config.UpstreamSocks5:
		return routeSocks5
	case config.UpstreamHTTP:
		if class == httpline.HTTPRequest {
			return routeHTTPUpstream
		}
		if up.TunnelOpaque {
			return routeConnect
		}
	}
	return routeDirect
}

func (g *Gateway) proxyAuthorization() string {
	up := g.opts.Upstream
	if !up.HasCredentials() {
		return ""
	}
	pass := ""
	if up.Password != nil {
		pass = *up.Password
	}
	return codec.BasicAuth(*up.Username, pass)
}

// dialDirect connects to a resolved destination.
func (g *Gateway) dialDirect(ctx context.Context, addr resolver.ResolvedAddress) (net.Conn, error) {
	conn, err := g.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, neterr.Errorf(neterr.ErrCodeDialFailed, "direct dial to %s: %w", addr, err)
	}
	return conn, nil
}

// dialUpstream connects to the upstream proxy itself.
func (g *Gateway) dialUpstream(ctx context.Context) (net.Conn, error) {
	addr, err := g.resolver.ResolveHostPort(ctx, g.opts.Upstream.Address)
	if err != nil {
		return nil, err
	}
	conn, err := g.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, neterr.Errorf(neterr.ErrCodeUpstreamDialFailed, "proxy server %s: %w", addr, err)
	}
	return conn, nil
}

// dialSocks5 establishes a connection to the target via the SOCKS5 upstream.
func (g *Gateway) dialSocks5(ctx context.Context, target string) (net.Conn, error) {
	up := g.opts.Upstream

	var auth *proxy.Auth
	if up.HasCredentials() {
		auth = &proxy.Auth{User: *up.Username}
		if up.Password != nil {
			auth.Password = *up.Password
		}
	}

	proxyAddr, err := g.resolver.ResolveHostPort(ctx, up.Address)
	if err != nil {
		return nil, err
	}

	forward := &recordingDialer{dialer: g.dialer}
	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr.String(), auth, forward)
	if err != nil {
		return nil, neterr.Errorf(neterr.ErrCodeSOCKS5ConnectFailed, "proxy %s: %w", up.Address, err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		var conn net.Conn
		var err error
		if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, "tcp", target)
		} else {
			conn, err = socksDialer.Dial("tcp", target)
		}
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, neterr.Errorf(neterr.ErrCodeSOCKS5ConnectFailed, "target %s via SOCKS5 proxy %s: %w", target, up.Address, res.err)
		}
		return &socksConn{Conn: res.conn, raw: forward.last()}, nil
	case <-ctx.Done():
		// the dial goroutine closes a late connection
		go func() {
			if res := <-resultChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, neterr.Errorf(neterr.ErrCodeSOCKS5ConnectFailed, "target %s via SOCKS5 proxy %s: %w", target, up.Address, ctx.Err())
	}
}

// recordingDialer remembers the connection to the SOCKS5 server so the
// tunnel can be half-closed underneath the SOCKS5 wrapper.
type recordingDialer struct {
	dialer *net.Dialer
	mu     sync.Mutex
	conn   net.Conn
}

func (r *recordingDialer) Dial(network, addr string) (net.Conn, error) {
	return r.DialContext(context.Background(), network, addr)
}

func (r *recordingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := r.dialer.DialContext(ctx, network, addr)
	if err == nil {
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
	}
	return conn, err
}

func (r *recordingDialer) last() net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

type socksConn struct {
	net.Conn
	raw net.Conn
}

func (c *socksConn) CloseWrite() error {
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}

// dialConnect opens a tunnel to target through the HTTP upstream using CONNECT.
func (g *Gateway) dialConnect(ctx context.Context, target string) (net.Conn, error) {
	up := g.opts.Upstream
	logger.Debug("Dialing HTTP proxy %s to reach %s", up.Address, target)

	proxyConn, err := g.dialUpstream(ctx)
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	connectReq.Header.Set("User-Agent", "netemu/1.0")
	if auth := g.proxyAuthorization(); auth != "" {
		connectReq.Header.Set("Proxy-Authorization", auth)
	}

	// the handshake is bounded by the dial timeout
	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	} else if g.dialer.Timeout > 0 {
		_ = proxyConn.SetDeadline(time.Now().Add(g.dialer.Timeout))
	}

	if err := connectReq.Write(proxyConn); err != nil {
		_ = proxyConn.Close()
		return nil, neterr.Errorf(neterr.ErrCodeUpstreamDialFailed, "sending CONNECT to proxy %s: %w", up.Address, err)
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		_ = proxyConn.Close()
		return nil, neterr.Errorf(neterr.ErrCodeUpstreamDialFailed, "reading CONNECT response from proxy %s: %w", up.Address, err)
	}

	// the body of a successful CONNECT is the tunnel, it is never read
	switch connectResp.StatusCode {
	case http.StatusOK:
	case http.StatusProxyAuthRequired:
		_ = proxyConn.Close()
		return nil, neterr.Errorf(neterr.ErrCodeProxyAuthRequired, "proxy %s: %s", up.Address, connectResp.Status)
	default:
		_ = proxyConn.Close()
		return nil, neterr.Errorf(neterr.ErrCodeCONNECTRefused, "proxy %s denied CONNECT to %s with status %s", up.Address, target, connectResp.Status)
	}

	_ = proxyConn.SetDeadline(time.Time{})
	logger.Debug("CONNECT tunnel established via proxy %s to %s", up.Address, target)

	if proxyReader.Buffered() > 0 {
		return &bufferConn{Conn: proxyConn, reader: proxyReader}, nil
	}
	return proxyConn, nil
}

// bufferConn replays bytes that were read ahead of the tunnel.
type bufferConn struct {
	net.Conn
	reader io.Reader
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	return bc.reader.Read(b)
}

func (bc *bufferConn) CloseWrite() error {
	if cw, ok := bc.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}

// requestTarget returns the host:port an HTTP request line addresses: the
// authority of an absolute-form http URI, or fallback otherwise.
func requestTarget(line httpline.RequestLine, fallback string) string {
	uri := string(line.URI)
	if len(uri) == 0 || uri[0] == '/' {
		return fallback
	}
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fallback
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// rewriteForUpstream converts an origin-form request line into absolute
// form for authority and inserts a Proxy-Authorization header right after
// the request line when auth is set. The rest of the window is unchanged.
func rewriteForUpstream(window []byte, line httpline.RequestLine, authority, auth string) []byte {
	uri := line.URI
	if len(uri) > 0 && uri[0] == '/' {
		uri = append([]byte("http://"+authority), uri...)
	}

	out := make([]byte, 0, len(window)+len(uri)+len(auth)+32)
	out = append(out, line.Method...)
	out = append(out, ' ')
	out = append(out, uri...)
	out = append(out, ' ')
	out = append(out, line.Version...)
	out = append(out, '\r', '\n')
	if auth != "" {
		out = append(out, "Proxy-Authorization: "...)
		out = append(out, auth...)
		out = append(out, '\r', '\n')
	}
	return append(out, window[line.Len:]...)
}
