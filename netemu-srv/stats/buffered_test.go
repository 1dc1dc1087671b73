package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCollector struct {
	mock.Mock
}

func (m *mockCollector) StartFlow(ctx context.Context, flow FlowStart) (int64, error) {
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

func (m *mockCollector) GetOverview(ctx context.Context) (*Overview, error) {
	args := m.Called(ctx)
	return args.Get(0).(*Overview), args.Error(1)
}

func (m *mockCollector) GetRecentFailures(ctx context.Context, limit int) ([]FailureSummary, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]FailureSummary), args.Error(1)
}

func (m *mockCollector) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCollector) Close() error {
	return m.Called().Error(0)
}

func TestBufferedStartFlowIsSynchronous(t *testing.T) {
	ctx := context.Background()
	m := &mockCollector{}
	m.On("StartFlow", ctx, FlowStart{UUID: "x"}).Return(int64(7), nil).Once()
	m.On("Close").Return(nil).Once()

	b := NewBufferedCollector(m, time.Hour)
	id, err := b.StartFlow(ctx, FlowStart{UUID: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	require.NoError(t, b.Close())
	m.AssertExpectations(t)
}

func TestBufferedHoldsWritesUntilFlush(t *testing.T) {
	ctx := context.Background()
	m := &mockCollector{}
	b := NewBufferedCollector(m, time.Hour)

	require.NoError(t, b.RecordClassification(ctx, 1, "opaque", true))
	require.NoError(t, b.RecordDataTransfer(ctx, 1, 10, 20))
	require.NoError(t, b.RecordDataTransfer(ctx, 1, 5, 5))
	require.NoError(t, b.RecordFailure(ctx, 1, "E3001", "refused"))
	require.NoError(t, b.EndFlow(ctx, 1, 15, 25, time.Second, "normal"))

	m.AssertNotCalled(t, "RecordDataTransfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	var order []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { order = append(order, name) }
	}
	m.On("RecordClassification", mock.Anything, int64(1), "opaque", true).Return(nil).Run(record("classification")).Once()
	m.On("RecordDataTransfer", mock.Anything, int64(1), int64(15), int64(25)).Return(nil).Run(record("transfer")).Once()
	m.On("RecordFailure", mock.Anything, int64(1), "E3001", "refused").Return(nil).Run(record("failure")).Once()
	m.On("EndFlow", mock.Anything, int64(1), int64(15), int64(25), time.Second, "normal").Return(nil).Run(record("end")).Once()

	b.ForceFlush()
	assert.Equal(t, []string{"classification", "transfer", "failure", "end"}, order)

	// nothing left to write
	b.ForceFlush()

	m.On("Close").Return(nil).Once()
	require.NoError(t, b.Close())
	m.AssertExpectations(t)
}

func TestBufferedCloseFlushesRemaining(t *testing.T) {
	ctx := context.Background()
	m := &mockCollector{}
	b := NewBufferedCollector(m, time.Hour)

	require.NoError(t, b.RecordFailure(ctx, 3, "E2002", "no such host"))
	m.On("RecordFailure", mock.Anything, int64(3), "E2002", "no such host").Return(nil).Once()
	m.On("Close").Return(nil).Once()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	m.AssertExpectations(t)
}

func TestBufferedFlushesOnInterval(t *testing.T) {
	ctx := context.Background()
	m := &mockCollector{}
	done := make(chan struct{})
	m.On("RecordDataTransfer", mock.Anything, int64(2), int64(1), int64(1)).Return(nil).Run(func(mock.Arguments) { close(done) }).Once()
	m.On("Close").Return(nil).Once()

	b := NewBufferedCollector(m, 10*time.Millisecond)
	require.NoError(t, b.RecordDataTransfer(ctx, 2, 1, 1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("buffered data was not flushed")
	}
	require.NoError(t, b.Close())
	m.AssertExpectations(t)
}

func TestBufferedQueriesDelegate(t *testing.T) {
	ctx := context.Background()
	m := &mockCollector{}
	m.On("GetOverview", ctx).Return(&Overview{TotalFlows: 4}, nil).Once()
	m.On("GetRecentFailures", ctx, 5).Return([]FailureSummary{{Code: "E3001", Count: 1}}, nil).Once()
	m.On("HealthCheck", ctx).Return(nil).Once()
	m.On("Close").Return(nil).Once()

	b := NewBufferedCollector(m, time.Hour)
	o, err := b.GetOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), o.TotalFlows)

	f, err := b.GetRecentFailures(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, f, 1)
	require.NoError(t, b.HealthCheck(ctx))

	require.NoError(t, b.Close())
	m.AssertExpectations(t)
}
