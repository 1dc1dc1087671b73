package proxy

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/resolver"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/codefionn/netemu/netemu-srv/stats"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeLookuper map[string][]netip.Addr

func (f fakeLookuper) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

var testHosts = fakeLookuper{
	"origin.test": {netip.MustParseAddr("127.0.0.1")},
}

type testGateway struct {
	*Gateway
	states *stateRecorder
}

func newTestGateway(t *testing.T, opts Options, collector stats.Collector) *testGateway {
	t.Helper()
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	cond, err := shaping.NewConditioner(nil, shaping.Config{})
	require.NoError(t, err)
	res := resolver.NewWithLookuper(config.FamilyAny, testHosts)

	gw := NewGateway(opts, cond, res, collector)
	rec := newStateRecorder()
	gw.OnStateChange(rec.record)
	t.Cleanup(gw.Stop)
	return &testGateway{Gateway: gw, states: rec}
}

// stateRecorder collects the transitions of all flows of a gateway.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
	reached chan StateChange
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{reached: make(chan StateChange, 64)}
}

func (r *stateRecorder) record(sc StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, sc)
	r.mu.Unlock()
	select {
	case r.reached <- sc:
	default:
	}
}

// path returns the states entered by the first flow.
func (r *stateRecorder) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, sc := range r.changes {
		if sc.FlowID == r.changes[0].FlowID {
			out = append(out, sc.To)
		}
	}
	return out
}

func (r *stateRecorder) waitFor(t *testing.T, state State) StateChange {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case sc := <-r.reached:
			if sc.To == state {
				return sc
			}
		case <-timeout:
			t.Fatalf("no flow reached %s", state)
		}
	}
}

// guestPair returns both ends of a loopback TCP connection. The server end
// stands in for a connection handed over by the virtual NIC.
func guestPair(t *testing.T) (client, guest *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	s, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})
	return c.(*net.TCPConn), s.(*net.TCPConn)
}

func serveTCP(t *testing.T, handle func(c *net.TCPConn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c.(*net.TCPConn))
			}()
		}
	}()
	return ln.Addr().String()
}

func echo(c *net.TCPConn) {
	buf := make([]byte, 4096)
	_, _ = io.CopyBuffer(struct{ io.Writer }{c}, struct{ io.Reader }{c}, buf)
	_ = c.CloseWrite()
}

func startEchoServer(t *testing.T) string {
	return serveTCP(t, echo)
}

// closedPort returns an address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func handleAsync(gw *testGateway, guest net.Conn, dst string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- gw.Handle(context.Background(), guest, dst)
	}()
	return done
}

func waitHandle(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("flow did not finish")
		return nil
	}
}

func strPtr(s string) *string {
	return &s
}

// mockCollector is a mock implementation of stats.Collector for testing
type mockCollector struct {
	mock.Mock
}

func (m *mockCollector) StartFlow(ctx context.Context, flow stats.FlowStart) (int64, error) {
	args := m.Called(ctx, flow)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCollector) EndFlow(ctx context.Context, flowID, bytesUp, bytesDown int64, duration time.Duration, closeReason string) error {
	return m.Called(ctx, flowID, bytesUp, bytesDown, duration, closeReason).Error(0)
}

func (m *mockCollector) RecordClassification(ctx context.Context, flowID int64, result string, degraded bool) error {
	return m.Called(ctx, flowID, result, degraded).Error(0)
}

func (m *mockCollector) RecordFailure(ctx context.Context, flowID int64, code, message string) error {
	return m.Called(ctx, flowID, code, message).Error(0)
}

func (m *mockCollector) RecordDataTransfer(ctx context.Context, flowID, bytesUp, bytesDown int64) error {
	return m.Called(ctx, flowID, bytesUp, bytesDown).Error(0)
}

func (m *mockCollector) GetOverview(ctx context.Context) (*stats.Overview, error) {
	return &stats.Overview{}, nil
}

func (m *mockCollector) GetRecentFailures(ctx context.Context, limit int) ([]stats.FailureSummary, error) {
	return nil, nil
}

func (m *mockCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *mockCollector) Close() error {
	return nil
}

// newPermissiveCollector returns a mock accepting every write; flows get ID 1.
func newPermissiveCollector() *mockCollector {
	m := &mockCollector{}
	m.On("StartFlow", mock.Anything, mock.Anything).Return(int64(1), nil).Maybe()
	m.On("EndFlow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("RecordClassification", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("RecordFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("RecordDataTransfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}
