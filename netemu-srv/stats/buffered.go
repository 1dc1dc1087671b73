package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/logger"
)

// BufferedCollector batches writes to an underlying collector and flushes
// them on an interval. Flow starts go straight through since callers need
// the flow ID.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	buffer struct {
		classifications []classificationData
		transfers       []dataTransferData
		failures        []failureData
		ended           []endedFlowData
		mu              sync.Mutex
	}

	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type classificationData struct {
	flowID   int64
	result   string
	degraded bool
}

type dataTransferData struct {
	flowID    int64
	bytesUp   int64
	bytesDown int64
}

type failureData struct {
	flowID  int64
	code    string
	message string
}

type endedFlowData struct {
	flowID      int64
	bytesUp     int64
	bytesDown   int64
	duration    time.Duration
	closeReason string
}

// NewBufferedCollector creates a buffered collector flushing every interval.
func NewBufferedCollector(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

// flusher runs in the background and flushes data every interval
func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// StartFlow records the start of a flow on the underlying collector
func (b *BufferedCollector) StartFlow(ctx context.Context, flow FlowStart) (int64, error) {
	return b.underlying.StartFlow(ctx, flow)
}

func (b *BufferedCollector) EndFlow(ctx context.Context, flowID, bytesUp, bytesDown int64, duration time.Duration, closeReason string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.ended = append(b.buffer.ended, endedFlowData{
		flowID:      flowID,
		bytesUp:     bytesUp,
		bytesDown:   bytesDown,
		duration:    duration,
		closeReason: closeReason,
	})
	return nil
}

func (b *BufferedCollector) RecordClassification(ctx context.Context, flowID int64, result string, degraded bool) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.classifications = append(b.buffer.classifications, classificationData{flowID, result, degraded})
	return nil
}

func (b *BufferedCollector) RecordFailure(ctx context.Context, flowID int64, code, message string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.failures = append(b.buffer.failures, failureData{flowID, code, message})
	return nil
}

// RecordDataTransfer merges the delta into a pending transfer of the same
// flow when there is one.
func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, flowID, bytesUp, bytesDown int64) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	for i := range b.buffer.transfers {
		if b.buffer.transfers[i].flowID == flowID {
			b.buffer.transfers[i].bytesUp += bytesUp
			b.buffer.transfers[i].bytesDown += bytesDown
			return nil
		}
	}
	b.buffer.transfers = append(b.buffer.transfers, dataTransferData{flowID, bytesUp, bytesDown})
	return nil
}

// HealthCheck checks if the underlying collector is healthy
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// flush writes all buffered data to the underlying collector. Classifications
// and transfers go before flow ends so a flow's final counts win.
func (b *BufferedCollector) flush() {
	b.buffer.mu.Lock()
	classifications := b.buffer.classifications
	transfers := b.buffer.transfers
	failures := b.buffer.failures
	ended := b.buffer.ended
	b.buffer.classifications = nil
	b.buffer.transfers = nil
	b.buffer.failures = nil
	b.buffer.ended = nil
	b.buffer.mu.Unlock()

	sum := len(classifications) + len(transfers) + len(failures) + len(ended)
	if sum == 0 {
		return
	}
	logger.Debug("Flushing stats data %d", sum)

	ctx := context.Background()
	for _, c := range classifications {
		if err := b.underlying.RecordClassification(ctx, c.flowID, c.result, c.degraded); err != nil {
			logger.Warn("Failed to flush classification: %v", err)
		}
	}
	for _, t := range transfers {
		if err := b.underlying.RecordDataTransfer(ctx, t.flowID, t.bytesUp, t.bytesDown); err != nil {
			logger.Warn("Failed to flush data transfer: %v", err)
		}
	}
	for _, f := range failures {
		if err := b.underlying.RecordFailure(ctx, f.flowID, f.code, f.message); err != nil {
			logger.Warn("Failed to flush failure: %v", err)
		}
	}
	for _, e := range ended {
		if err := b.underlying.EndFlow(ctx, e.flowID, e.bytesUp, e.bytesDown, e.duration, e.closeReason); err != nil {
			logger.Warn("Failed to flush flow end: %v", err)
		}
	}
}

// ForceFlush immediately flushes all buffered data
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// Close stops the flusher and writes any remaining data
func (b *BufferedCollector) Close() error {
	b.closeOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.underlying.Close()
}

// GetOverview delegates to underlying collector
func (b *BufferedCollector) GetOverview(ctx context.Context) (*Overview, error) {
	return b.underlying.GetOverview(ctx)
}

// GetRecentFailures delegates to underlying collector
func (b *BufferedCollector) GetRecentFailures(ctx context.Context, limit int) ([]FailureSummary, error) {
	return b.underlying.GetRecentFailures(ctx, limit)
}
