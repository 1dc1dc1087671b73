package proxy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// pipeConn is one end of net.Pipe with a no-op peer reader.
func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestTrackedConnCountsAndEnds(t *testing.T) {
	ctx := context.Background()
	a, b := pipeConn(t)

	collector := &mockCollector{}
	collector.On("RecordDataTransfer", ctx, int64(42), int64(5), int64(3)).Return(nil).Once()
	collector.On("EndFlow", ctx, int64(42), int64(5), int64(3), mock.AnythingOfType("time.Duration"), "normal").Return(nil).Once()

	tc := newTrackedConn(ctx, a, collector, 42)

	go func() {
		buf := make([]byte, 5)
		_, _ = b.Read(buf)
		_, _ = b.Write([]byte("abc"))
	}()

	n, err := tc.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 8)
	n, err = tc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	up, down := tc.Totals()
	assert.Equal(t, int64(5), up)
	assert.Equal(t, int64(3), down)

	require.NoError(t, tc.Close())
	// a second close does not record again
	_ = tc.Close()
	collector.AssertExpectations(t)
}

func TestTrackedConnReportsPeriodically(t *testing.T) {
	ctx := context.Background()
	a, b := pipeConn(t)

	collector := &mockCollector{}
	collector.On("RecordDataTransfer", ctx, int64(7), int64(reportInterval), int64(0)).Return(nil).Once()
	collector.On("RecordDataTransfer", ctx, int64(7), int64(10), int64(0)).Return(nil).Once()
	collector.On("EndFlow", ctx, int64(7), int64(reportInterval+10), int64(0), mock.AnythingOfType("time.Duration"), "normal").Return(nil).Once()

	tc := newTrackedConn(ctx, a, collector, 7)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := tc.Write(make([]byte, reportInterval))
	require.NoError(t, err)
	_, err = tc.Write(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, tc.Close())
	collector.AssertExpectations(t)
}

func TestTrackedConnCloseReason(t *testing.T) {
	ctx := context.Background()
	a, _ := pipeConn(t)

	collector := &mockCollector{}
	collector.On("EndFlow", ctx, int64(1), int64(0), int64(0), mock.AnythingOfType("time.Duration"), "E3001").Return(nil).Once()

	tc := newTrackedConn(ctx, a, collector, 1)
	tc.SetCloseReason("E3001")
	tc.SetCloseReason("normal")
	require.NoError(t, tc.Close())
	collector.AssertExpectations(t)
}

func TestTrackedConnCloseWrite(t *testing.T) {
	a, _ := pipeConn(t)
	tc := newTrackedConn(context.Background(), a, newPermissiveCollector(), 1)
	assert.True(t, errors.Is(tc.CloseWrite(), errNoHalfClose))

	client, guest := guestPair(t)
	tc = newTrackedConn(context.Background(), guest, newPermissiveCollector(), 1)
	require.NoError(t, tc.CloseWrite())

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}
