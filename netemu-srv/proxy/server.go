package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/codefionn/netemu/netemu-srv/resolver"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/codefionn/netemu/netemu-srv/stats"
)

// Server accepts guest connections on one listen address and hands them
// to its gateway together with their original destination.
type Server struct {
	serverConfig config.ServerConfig
	gateway      *Gateway
	destination  func(net.Conn) (string, error)

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer validates sc and creates a server feeding gateway.
func NewServer(sc config.ServerConfig, gateway *Gateway) (*Server, error) {
	s := &Server{serverConfig: sc, gateway: gateway}
	switch sc.Type {
	case config.ServerTypeRedirect:
		if _, _, err := resolver.ParseHostPort(sc.Target); err != nil {
			return nil, neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "redirect target %q of %s: %w", sc.Target, sc.ListenAddress, err)
		}
		target := sc.Target
		s.destination = func(net.Conn) (string, error) { return target, nil }
	case config.ServerTypeTransparent:
		if !transparentSupported {
			return nil, neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "listener %s: %v", sc.ListenAddress,
				neterr.Errorf(neterr.ErrCodeUnsupportedPlatform, "transparent listeners need SO_ORIGINAL_DST"))
		}
		s.destination = originalDestination
	default:
		return nil, neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "unknown server type %q", sc.Type)
	}
	return s, nil
}

// Gateway returns the gateway flows of this server run on.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.serverConfig.ListenAddress)
	if err != nil {
		return neterr.Errorf(neterr.ErrCodeListenerCreateFailed, "listen on %s: %w", s.serverConfig.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on an existing listener in the background.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return fmt.Errorf("server on %s already started", s.serverConfig.ListenAddress)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("Starting %s listener on %s", s.serverConfig.Type, listener.Addr())

	s.wg.Add(1)
	go s.serve(listener)
	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			logger.Error("Accept on %s failed: %v; retrying in %s", listener.Addr(), err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	dst, err := s.destination(conn)
	if err != nil {
		logger.Warn("Dropping connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	if dst == conn.LocalAddr().String() {
		logger.Warn("Dropping connection from %s: addressed to the listener itself", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	if err := s.gateway.Handle(s.ctx, conn, dst); err != nil {
		logger.Debug("Flow from %s to %s ended: %v", conn.RemoteAddr(), dst, err)
	}
}

// Stop closes the listener and tears down every open flow.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	var err error
	if listener != nil {
		cancel()
		err = listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	s.gateway.Stop()
	s.wg.Wait()
	return err
}

// Proxy is the set of listeners built from a configuration.
type Proxy struct {
	config  *config.Config
	servers []*Server
}

// NewProxy creates one server and gateway per enabled listener of cfg.
func NewProxy(cfg *config.Config, conditioner *shaping.Conditioner, res *resolver.Resolver, collector stats.Collector) (*Proxy, error) {
	p := &Proxy{config: cfg}
	for _, sc := range cfg.Servers {
		if !sc.Enabled {
			continue
		}
		gw := NewGateway(OptionsFromConfig(cfg, sc), conditioner, res, collector)
		s, err := NewServer(sc, gw)
		if err != nil {
			return nil, err
		}
		p.servers = append(p.servers, s)
	}
	if len(p.servers) == 0 {
		return nil, neterr.Errorf(neterr.ErrCodeNoEnabledServers, "%d servers configured", len(cfg.Servers))
	}
	return p, nil
}

// Servers returns the servers of the proxy.
func (p *Proxy) Servers() []*Server {
	return p.servers
}

// OnStateChange registers fn on every gateway.
func (p *Proxy) OnStateChange(fn func(StateChange)) {
	for _, s := range p.servers {
		s.gateway.OnStateChange(fn)
	}
}

// Start starts every server. If one fails the started ones are stopped.
func (p *Proxy) Start() error {
	for i, s := range p.servers {
		if err := s.Start(); err != nil {
			for _, started := range p.servers[:i] {
				_ = started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops every server and returns the last error.
func (p *Proxy) Stop() error {
	var lastErr error
	for _, s := range p.servers {
		if err := s.Stop(); err != nil {
			lastErr = err
			logger.Error("Failed to stop listener on %s: %v", s.serverConfig.ListenAddress, err)
		}
	}
	return lastErr
}
