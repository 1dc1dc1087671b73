package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteCollector {
	t.Helper()
	c, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSQLiteFlowLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLite(t)

	id, err := c.StartFlow(ctx, FlowStart{
		UUID:          "5f0c2a44-0000-4000-8000-000000000001",
		ClientAddr:    "127.0.0.1:50000",
		Destination:   "93.184.216.34:80",
		Listener:      "redirect",
		RadioStandard: "gprs",
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	overview, err := c.GetOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalFlows)
	assert.Equal(t, int64(1), overview.ActiveFlows)

	require.NoError(t, c.RecordClassification(ctx, id, "http", false))
	require.NoError(t, c.RecordDataTransfer(ctx, id, 100, 2000))
	require.NoError(t, c.RecordDataTransfer(ctx, id, 20, 300))
	require.NoError(t, c.EndFlow(ctx, id, 120, 2300, 250*time.Millisecond, "normal"))

	overview, err = c.GetOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalFlows)
	assert.Equal(t, int64(0), overview.ActiveFlows)
	assert.Equal(t, int64(1), overview.HTTPFlows)
	assert.Equal(t, int64(0), overview.OpaqueFlows)
	assert.Equal(t, int64(0), overview.FailedFlows)
	assert.Equal(t, int64(120), overview.TotalBytesUp)
	assert.Equal(t, int64(2300), overview.TotalBytesDown)
	assert.NotEmpty(t, overview.Uptime)
}

func TestSQLiteDegradedClassification(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLite(t)

	first, err := c.StartFlow(ctx, FlowStart{UUID: "a"})
	require.NoError(t, err)
	second, err := c.StartFlow(ctx, FlowStart{UUID: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, c.RecordClassification(ctx, first, "opaque", true))
	require.NoError(t, c.RecordClassification(ctx, second, "opaque", false))

	overview, err := c.GetOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), overview.OpaqueFlows)
	assert.Equal(t, int64(1), overview.DegradedClassifications)
}

func TestSQLiteRecentFailures(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLite(t)

	id, err := c.StartFlow(ctx, FlowStart{UUID: "f"})
	require.NoError(t, err)

	require.NoError(t, c.RecordFailure(ctx, id, "E2002", "lookup nowhere.invalid: no such host"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.RecordFailure(ctx, id, "E2002", "lookup gone.invalid: no such host"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.RecordFailure(ctx, id, "E3001", "connection refused"))

	failures, err := c.GetRecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)

	assert.Equal(t, "E3001", failures[0].Code)
	assert.Equal(t, int64(1), failures[0].Count)
	assert.Equal(t, "E2002", failures[1].Code)
	assert.Equal(t, int64(2), failures[1].Count)
	assert.Equal(t, "lookup gone.invalid: no such host", failures[1].LastMessage)
	assert.False(t, failures[1].LastOccurred.IsZero())

	limited, err := c.GetRecentFailures(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	overview, err := c.GetOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.FailedFlows)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stats.db")

	c, err := NewSQLiteCollector(path)
	require.NoError(t, err)
	_, err = c.StartFlow(ctx, FlowStart{UUID: "persist"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = NewSQLiteCollector(path)
	require.NoError(t, err)
	defer c.Close()

	overview, err := c.GetOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalFlows)
	require.NoError(t, c.HealthCheck(ctx))
}

func TestRebind(t *testing.T) {
	q := "UPDATE flows SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "UPDATE flows SET a = $1, b = $2 WHERE id = $3", postgresDialect.rebind(q))
}
