// Package journal is the append-only SQLite audit trail for the bridge:
// one row per completed dispatch, one row per circuit transition. It is
// strictly an observability sink. Journal writes never fail a dispatch;
// errors are logged and dropped.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/bascule/internal/dispatch"
	"github.com/mattjoyce/bascule/internal/log"
)

// maxMessageBytes caps the diagnostic excerpt stored per failed dispatch.
const maxMessageBytes = 2048

// Journal records dispatch outcomes and circuit transitions. Safe for
// concurrent use; SQLite serializes writers via busy_timeout.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Journal over an already-bootstrapped database.
func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		logger: log.WithComponent("journal"),
	}
}

// Entry is one dispatch_log row.
type Entry struct {
	RequestID  string    `json:"request_id"`
	Caller     string    `json:"caller"`
	Category   string    `json:"category"`
	Template   string    `json:"template"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats summarizes the journal for status reporting.
type Stats struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// DispatchCompleted implements dispatch.Recorder.
func (j *Journal) DispatchCompleted(rec dispatch.Record) {
	outcome := "failed"
	if rec.Success {
		outcome = "succeeded"
	}
	msg := rec.Message
	if len(msg) > maxMessageBytes {
		msg = msg[:maxMessageBytes]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
INSERT INTO dispatch_log(
  id, caller, category, template, outcome, error_kind, message, timed_out,
  attempts, duration_ms, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.RequestID, rec.Caller, string(rec.Category), rec.Template, outcome,
		nullable(rec.ErrorKind), nullable(msg), boolInt(rec.TimedOut),
		rec.Attempts, rec.Duration.Milliseconds(), rec.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		j.logger.Warn("dispatch journal write failed", "request_id", rec.RequestID, "error", err)
	}
}

// CircuitChanged records one breaker transition. Wire it as the breaker's
// OnTransition callback.
func (j *Journal) CircuitChanged(tr dispatch.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
INSERT INTO circuit_log(category, from_state, to_state, failures, occurred_at)
VALUES(?, ?, ?, ?, ?);
`, string(tr.Category), string(tr.From), string(tr.To), tr.Failures,
		tr.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		j.logger.Warn("circuit journal write failed", "category", tr.Category, "error", err)
	}
}

// Recent returns the newest dispatch entries, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, caller, category, template, outcome, error_kind, message, timed_out,
       attempts, duration_ms, finished_at
FROM dispatch_log
ORDER BY finished_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			errorKind   sql.NullString
			message     sql.NullString
			timedOut    int
			finishedAtS string
		)
		if err := rows.Scan(&e.RequestID, &e.Caller, &e.Category, &e.Template,
			&e.Outcome, &errorKind, &message, &timedOut,
			&e.Attempts, &e.DurationMS, &finishedAtS); err != nil {
			return nil, fmt.Errorf("scan dispatch_log: %w", err)
		}
		e.ErrorKind = errorKind.String
		e.Message = message.String
		e.TimedOut = timedOut != 0
		if t, err := time.Parse(time.RFC3339Nano, finishedAtS); err == nil {
			e.FinishedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats counts dispatch outcomes over the whole retained window.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := j.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN outcome = 'succeeded' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0)
FROM dispatch_log;
`).Scan(&st.Total, &st.Succeeded, &st.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("query journal stats: %w", err)
	}
	return st, nil
}

// Prune deletes rows older than the retention window from both tables and
// returns the number of dispatch rows removed.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	res, err := j.db.ExecContext(ctx, `DELETE FROM dispatch_log WHERE finished_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch_log: %w", err)
	}
	pruned, _ := res.RowsAffected()

	if _, err := j.db.ExecContext(ctx, `DELETE FROM circuit_log WHERE occurred_at < ?;`, cutoff); err != nil {
		return pruned, fmt.Errorf("prune circuit_log: %w", err)
	}
	return pruned, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
