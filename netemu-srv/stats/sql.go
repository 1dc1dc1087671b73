package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name       string
	idColumn   string
	returning  bool // INSERT ... RETURNING id instead of LastInsertId
	dollarArgs bool // $1 placeholders instead of ?
}

var (
	sqliteDialect = dialect{
		name:     "sqlite3",
		idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:       "postgres",
		idColumn:   "BIGSERIAL PRIMARY KEY",
		returning:  true,
		dollarArgs: true,
	}
)

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id ` + d.idColumn + `,
			flow_uuid TEXT NOT NULL,
			client_addr TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			listener TEXT NOT NULL DEFAULT '',
			radio_standard TEXT NOT NULL DEFAULT '',
			classification TEXT NOT NULL DEFAULT '',
			degraded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL,
			ended_at BIGINT,
			bytes_up BIGINT NOT NULL DEFAULT 0,
			bytes_down BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id ` + d.idColumn + `,
			flow_id BIGINT NOT NULL,
			code TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			occurred_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_uuid ON flows(flow_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_code ON failures(code)`,
	}
}

// sqlCollector implements Collector on database/sql. Timestamps are stored
// as unix milliseconds so aggregates scan the same on every backend.
type sqlCollector struct {
	db        *sql.DB
	dialect   dialect
	startedAt time.Time
}

func newSQLCollector(db *sql.DB, d dialect) (*sqlCollector, error) {
	s := &sqlCollector{db: db, dialect: d, startedAt: time.Now()}
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return s, nil
}

func (s *sqlCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

// StartFlow records the start of a flow
func (s *sqlCollector) StartFlow(ctx context.Context, flow FlowStart) (int64, error) {
	query := `INSERT INTO flows (flow_uuid, client_addr, destination, listener, radio_standard, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{flow.UUID, flow.ClientAddr, flow.Destination, flow.Listener, flow.RadioStandard, time.Now().UnixMilli()}

	if s.dialect.returning {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.dialect.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to record flow start: %w", err)
		}
		return id, nil
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to record flow start: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get flow ID: %w", err)
	}
	return id, nil
}

// EndFlow records the end of a flow with its final byte counts
func (s *sqlCollector) EndFlow(ctx context.Context, flowID, bytesUp, bytesDown int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE flows
		 SET ended_at = ?, bytes_up = ?, bytes_down = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UnixMilli(), bytesUp, bytesDown, duration.Milliseconds(), closeReason, flowID)
	if err != nil {
		return fmt.Errorf("failed to record flow end: %w", err)
	}
	return nil
}

func (s *sqlCollector) RecordClassification(ctx context.Context, flowID int64, result string, degraded bool) error {
	d := 0
	if degraded {
		d = 1
	}
	if err := s.exec(ctx, `UPDATE flows SET classification = ?, degraded = ? WHERE id = ?`, result, d, flowID); err != nil {
		return fmt.Errorf("failed to record classification: %w", err)
	}
	return nil
}

// RecordFailure records a failure and marks the flow failed
func (s *sqlCollector) RecordFailure(ctx context.Context, flowID int64, code, message string) error {
	if err := s.exec(ctx,
		`INSERT INTO failures (flow_id, code, message, occurred_at) VALUES (?, ?, ?, ?)`,
		flowID, code, message, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if err := s.exec(ctx, `UPDATE flows SET failed = 1 WHERE id = ?`, flowID); err != nil {
		return fmt.Errorf("failed to mark flow failed: %w", err)
	}
	return nil
}

// RecordDataTransfer adds byte deltas to a flow
func (s *sqlCollector) RecordDataTransfer(ctx context.Context, flowID, bytesUp, bytesDown int64) error {
	err := s.exec(ctx,
		`UPDATE flows
		 SET bytes_up = bytes_up + ?, bytes_down = bytes_down + ?
		 WHERE id = ?`,
		bytesUp, bytesDown, flowID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// GetOverview returns aggregate flow statistics
func (s *sqlCollector) GetOverview(ctx context.Context) (*Overview, error) {
	o := &Overview{Uptime: time.Since(s.startedAt).Round(time.Second).String()}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN classification = 'http' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN classification = 'opaque' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(degraded), 0),
			COALESCE(SUM(bytes_up), 0),
			COALESCE(SUM(bytes_down), 0)
		FROM flows`).Scan(
		&o.TotalFlows, &o.ActiveFlows, &o.FailedFlows, &o.HTTPFlows, &o.OpaqueFlows,
		&o.DegradedClassifications, &o.TotalBytesUp, &o.TotalBytesDown)
	if err != nil {
		return nil, fmt.Errorf("failed to query overview: %w", err)
	}
	return o, nil
}

// GetRecentFailures returns failures grouped by code, most recent first
func (s *sqlCollector) GetRecentFailures(ctx context.Context, limit int) ([]FailureSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT f.code, COUNT(*), MAX(f.occurred_at),
			(SELECT f2.message FROM failures f2 WHERE f2.code = f.code ORDER BY f2.occurred_at DESC, f2.id DESC LIMIT 1)
		FROM failures f
		GROUP BY f.code
		ORDER BY MAX(f.occurred_at) DESC, f.code
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	out := []FailureSummary{}
	for rows.Next() {
		var fs FailureSummary
		var last int64
		if err := rows.Scan(&fs.Code, &fs.Count, &last, &fs.LastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		fs.LastOccurred = time.UnixMilli(last)
		out = append(out, fs)
	}
	return out, rows.Err()
}

// HealthCheck pings the database
func (s *sqlCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *sqlCollector) Close() error {
	return s.db.Close()
}
