package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartFlow(ctx context.Context, flow FlowStart) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndFlow(ctx context.Context, flowID, bytesUp, bytesDown int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordClassification(ctx context.Context, flowID int64, result string, degraded bool) error {
	return nil
}

func (d *DummyCollector) RecordFailure(ctx context.Context, flowID int64, code, message string) error {
	return nil
}

func (d *DummyCollector) RecordDataTransfer(ctx context.Context, flowID, bytesUp, bytesDown int64) error {
	return nil
}

// GetOverview returns empty stats for dummy collector
func (d *DummyCollector) GetOverview(ctx context.Context) (*Overview, error) {
	return &Overview{}, nil
}

// GetRecentFailures returns no failures for dummy collector
func (d *DummyCollector) GetRecentFailures(ctx context.Context, limit int) ([]FailureSummary, error) {
	return []FailureSummary{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
