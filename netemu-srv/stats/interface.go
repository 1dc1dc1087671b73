package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting flow statistics
type Collector interface {
	// Flow tracking
	StartFlow(ctx context.Context, flow FlowStart) (int64, error)
	EndFlow(ctx context.Context, flowID int64, bytesUp, bytesDown int64, duration time.Duration, closeReason string) error

	// Classification of the leading bytes; degraded marks a timeout fallback
	RecordClassification(ctx context.Context, flowID int64, result string, degraded bool) error

	// Failure tracking, code is a neterr code
	RecordFailure(ctx context.Context, flowID int64, code, message string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, flowID int64, bytesUp, bytesDown int64) error

	// Queries
	GetOverview(ctx context.Context) (*Overview, error)
	GetRecentFailures(ctx context.Context, limit int) ([]FailureSummary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// FlowStart describes a flow when it is accepted
type FlowStart struct {
	UUID          string
	ClientAddr    string
	Destination   string
	Listener      string
	RadioStandard string
}

// Overview provides high-level statistics
type Overview struct {
	TotalFlows              int64  `json:"total_flows"`
	ActiveFlows             int64  `json:"active_flows"`
	FailedFlows             int64  `json:"failed_flows"`
	HTTPFlows               int64  `json:"http_flows"`
	OpaqueFlows             int64  `json:"opaque_flows"`
	DegradedClassifications int64  `json:"degraded_classifications"`
	TotalBytesUp            int64  `json:"total_bytes_up"`
	TotalBytesDown          int64  `json:"total_bytes_down"`
	Uptime                  string `json:"uptime"`
}

// FailureSummary represents failure statistics per error code
type FailureSummary struct {
	Code         string    `json:"code"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}
