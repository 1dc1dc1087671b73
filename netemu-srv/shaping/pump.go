package shaping

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/metrics"
)

const (
	// BufferSize is the size of the pooled read buffers (32KB), the same
	// as io.Copy uses.
	BufferSize = 32 * 1024

	// pipelineDepth bounds the chunks read ahead of delivery per direction.
	pipelineDepth = 16
)

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, BufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

// Wait blocks until n bytes may be sent under the decision's bucket. Waits
// larger than the bucket's burst are split, re-reading the burst each time
// since the bucket may be retuned meanwhile.
func (d Decision) Wait(ctx context.Context, n int) error {
	if d.Limiter == nil {
		return nil
	}
	for n > 0 {
		take := min(n, d.Limiter.Burst())
		if err := d.Limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

type chunk struct {
	buf       *[]byte
	n         int
	decision  Decision
	deliverAt time.Time
}

// Pump copies src to dst through the conditioner. Each read takes one
// shaping decision; the chunk is delivered no earlier than its latency
// draw and no earlier than the chunk before it, and is written in one piece
// once its tokens are available. Byte order is preserved.
//
// Cancelling ctx unblocks every wait but not a Read already blocked in
// src; callers close src to stop the pump. Pump returns the bytes written
// to dst and nil on EOF.
func (c *Conditioner) Pump(ctx context.Context, dst io.Writer, src io.Reader, dir Direction) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan chunk, pipelineDepth)
	type result struct {
		written int64
		err     error
	}
	done := make(chan result, 1)

	go func() {
		var res result
		for ck := range chunks {
			if res.err == nil {
				var n int
				n, res.err = c.deliver(ctx, dst, ck)
				res.written += int64(n)
				if res.err != nil {
					cancel()
				}
			}
			putBuffer(ck.buf)
		}
		done <- res
	}()

	readErr := c.readChunks(ctx, src, dir, chunks)
	close(chunks)
	res := <-done

	if res.err != nil {
		return res.written, res.err
	}
	return res.written, readErr
}

func (c *Conditioner) readChunks(ctx context.Context, src io.Reader, dir Direction, chunks chan<- chunk) error {
	var last time.Time
	for {
		buf := getBuffer()
		n, err := src.Read(*buf)
		if n > 0 {
			d, derr := c.Decide(ctx, dir)
			if derr != nil {
				putBuffer(buf)
				return derr
			}
			at := c.now().Add(d.Latency)
			if at.Before(last) {
				at = last
			}
			last = at

			select {
			case chunks <- chunk{buf: buf, n: n, decision: d, deliverAt: at}:
			case <-ctx.Done():
				putBuffer(buf)
				return ctx.Err()
			}
		} else {
			putBuffer(buf)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Conditioner) deliver(ctx context.Context, dst io.Writer, ck chunk) (int, error) {
	if wait := ck.deliverAt.Sub(c.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}

	data := (*ck.buf)[:ck.n]
	d := ck.decision
	label := d.Direction.String()
	if d.Limiter != nil {
		start := time.Now()
		if err := d.Wait(ctx, len(data)); err != nil {
			return 0, err
		}
		metrics.TokenWaitSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}

	n, err := dst.Write(data)
	metrics.ShapedBytes.WithLabelValues(label).Add(float64(n))
	return n, err
}
