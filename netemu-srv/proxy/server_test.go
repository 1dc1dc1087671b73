package proxy

import (
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/codefionn/netemu/netemu-srv/resolver"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectServer(t *testing.T) {
	echoAddr := startEchoServer(t)
	gw := newTestGateway(t, Options{}, nil)

	s, err := NewServer(config.ServerConfig{
		Type:          config.ServerTypeRedirect,
		ListenAddress: "127.0.0.1:0",
		Target:        echoAddr,
		Enabled:       true,
	}, gw.Gateway)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()
	require.NotNil(t, s.Addr())

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	roundTripOpaque(t, conn.(*net.TCPConn), tlsHello)
}

func TestServerStopEndsFlows(t *testing.T) {
	echoAddr := startEchoServer(t)
	gw := newTestGateway(t, Options{}, nil)

	s, err := NewServer(config.ServerConfig{
		Type:          config.ServerTypeRedirect,
		ListenAddress: "127.0.0.1:0",
		Target:        echoAddr,
	}, gw.Gateway)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(tlsHello)
	require.NoError(t, err)
	gw.states.waitFor(t, StateShaping)

	require.NoError(t, s.Stop())

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.ReadAll(conn)
	_, err = net.DialTimeout("tcp", s.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestNewServerValidation(t *testing.T) {
	gw := newTestGateway(t, Options{}, nil)

	tests := []struct {
		name string
		sc   config.ServerConfig
	}{
		{"redirect without target", config.ServerConfig{Type: config.ServerTypeRedirect, ListenAddress: "127.0.0.1:0"}},
		{"redirect bad port", config.ServerConfig{Type: config.ServerTypeRedirect, ListenAddress: "127.0.0.1:0", Target: "10.0.0.1:99999"}},
		{"unknown type", config.ServerConfig{Type: "socks", ListenAddress: "127.0.0.1:0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.sc, gw.Gateway)
			assert.Equal(t, neterr.ErrCodeInvalidServerConfig, neterr.Code(err))
			assert.True(t, neterr.IsConfigError(err))
		})
	}
}

func TestTransparentServerPlatform(t *testing.T) {
	gw := newTestGateway(t, Options{}, nil)
	_, err := NewServer(config.ServerConfig{Type: config.ServerTypeTransparent, ListenAddress: "127.0.0.1:0"}, gw.Gateway)
	if runtime.GOOS == "linux" {
		assert.NoError(t, err)
	} else {
		assert.Equal(t, neterr.ErrCodeInvalidServerConfig, neterr.Code(err))
	}
}

func TestStartOnBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gw := newTestGateway(t, Options{}, nil)
	s, err := NewServer(config.ServerConfig{
		Type:          config.ServerTypeRedirect,
		ListenAddress: ln.Addr().String(),
		Target:        "127.0.0.1:9",
	}, gw.Gateway)
	require.NoError(t, err)
	assert.Equal(t, neterr.ErrCodeListenerCreateFailed, neterr.Code(s.Start()))
}

func TestNewProxy(t *testing.T) {
	cond, err := shaping.NewConditioner(nil, shaping.Config{})
	require.NoError(t, err)
	res := resolver.NewWithLookuper(config.FamilyAny, testHosts)

	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{
		{Type: config.ServerTypeRedirect, ListenAddress: "127.0.0.1:0", Target: "127.0.0.1:9", Enabled: true, MaxConnections: 3},
		{Type: config.ServerTypeRedirect, ListenAddress: "127.0.0.1:0", Target: "127.0.0.1:9", Enabled: false},
	}
	p, err := NewProxy(cfg, cond, res, nil)
	require.NoError(t, err)
	require.Len(t, p.Servers(), 1)
	assert.Equal(t, 3, p.Servers()[0].Gateway().opts.MaxConnections)

	require.NoError(t, p.Start())
	require.NoError(t, p.Stop())

	cfg.Servers[0].Enabled = false
	_, err = NewProxy(cfg, cond, res, nil)
	assert.Equal(t, neterr.ErrCodeNoEnabledServers, neterr.Code(err))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TimeoutSeconds = 7
	cfg.ClassifyTimeoutMs = 250
	cfg.ClassifyWindow = 512
	cfg.MaxConcurrentConnections = 40

	opts := OptionsFromConfig(cfg, config.ServerConfig{Type: config.ServerTypeRedirect, ListenAddress: "127.0.0.1:9000"})
	assert.Equal(t, "redirect@127.0.0.1:9000", opts.Name)
	assert.Equal(t, 7*time.Second, opts.DialTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.ClassifyTimeout)
	assert.Equal(t, 512, opts.ClassifyWindow)
	assert.Equal(t, 40, opts.MaxConnections)
}
