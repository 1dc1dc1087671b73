package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/netemu/netemu-srv/stats"
)

// reportInterval is the number of bytes after which a tracked connection
// reports a transfer delta.
const reportInterval = 64 * 1024

// trackedConn wraps the destination side of a flow. Bytes written are
// upload, bytes read are download.
type trackedConn struct {
	net.Conn
	collector stats.Collector
	flowID    int64
	ctx       context.Context
	startTime time.Time

	bytesUp   atomic.Int64
	bytesDown atomic.Int64

	// last reported totals
	reportMu   sync.Mutex
	reportedUp int64
	reportedDn int64

	closeReason atomic.Pointer[string]
	endOnce     sync.Once
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, flowID int64) *trackedConn {
	return &trackedConn{
		Conn:      conn,
		collector: collector,
		flowID:    flowID,
		ctx:       ctx,
		startTime: time.Now(),
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesDown.Add(int64(n))
		c.maybeReport(false)
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesUp.Add(int64(n))
		c.maybeReport(false)
	}
	return n, err
}

// maybeReport records the delta since the last report once it crosses
// reportInterval, or unconditionally when final is set.
func (c *trackedConn) maybeReport(final bool) {
	c.reportMu.Lock()
	up := c.bytesUp.Load() - c.reportedUp
	down := c.bytesDown.Load() - c.reportedDn
	if up+down == 0 || (!final && up+down < reportInterval) {
		c.reportMu.Unlock()
		return
	}
	c.reportedUp += up
	c.reportedDn += down
	c.reportMu.Unlock()

	_ = c.collector.RecordDataTransfer(c.ctx, c.flowID, up, down)
}

// CloseWrite half-closes the destination when the underlying conn supports it.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}

// SetCloseReason sets the reason recorded when the connection closes. The
// first reason set wins.
func (c *trackedConn) SetCloseReason(reason string) {
	c.closeReason.CompareAndSwap(nil, &reason)
}

// Close closes the connection and records the final statistics.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		reason := "normal"
		if r := c.closeReason.Load(); r != nil {
			reason = *r
		} else if err != nil {
			reason = err.Error()
		}
		c.maybeReport(true)
		_ = c.collector.EndFlow(c.ctx, c.flowID, c.bytesUp.Load(), c.bytesDown.Load(), time.Since(c.startTime), reason)
	})
	return err
}

// Totals returns the bytes written and read so far.
func (c *trackedConn) Totals() (up, down int64) {
	return c.bytesUp.Load(), c.bytesDown.Load()
}
