package result

import (
	"context"
	"database/sql"
	_ "embed"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const DBFile = "results.db"

//go:embed schema.sql
var schemaSQL string

// SQLiteSink indexes a run's results in <run dir>/results.db so they can be
// queried without parsing every trace.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(ctx context.Context, runDir string) (*SQLiteSink, error) {
	path := filepath.Join(runDir, DBFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating results schema")
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Record(ctx context.Context, t *Trace) error {
	var promptTok, complTok any
	if t.Usage != nil {
		promptTok, complTok = t.Usage.PromptTokens, t.Usage.CompletionTokens
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(model, provider_id, test_id, task, score, latency_ms, queue_delay_ms, attempts,
		   estimated_tokens, prompt_tokens, completion_tokens, err, prompt, response)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(model, test_id) DO UPDATE SET
		   score=excluded.score, latency_ms=excluded.latency_ms, queue_delay_ms=excluded.queue_delay_ms,
		   attempts=excluded.attempts, err=excluded.err, response=excluded.response`,
		t.Model, t.ProviderID, t.TestID, nullStr(t.Task), t.Score, t.LatencyMS, t.QueueDelayMS, t.Attempts,
		t.EstimatedTokens, promptTok, complTok, nullStr(t.Error), t.Prompt, t.Response,
	)
	return errors.Wrapf(err, "recording %s/%s", t.Model, t.TestID)
}

func (s *SQLiteSink) Finalize(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning finalize")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(id, suite, started_at, ended_at, overall_avg, total, errors) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET ended_at=excluded.ended_at, overall_avg=excluded.overall_avg,
		   total=excluded.total, errors=excluded.errors`,
		run.ID, nullStr(run.Suite), run.StartedAt.Format(time.RFC3339Nano), run.EndedAt.Format(time.RFC3339Nano),
		run.Summary.OverallAvg, run.Summary.Total, run.Summary.Errors,
	)
	if err != nil {
		return errors.Wrap(err, "writing run row")
	}
	for name, m := range run.Summary.ByModel {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO model_summaries(model, count, avg, passed, errors, mean_latency_ms, total_tokens) VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(model) DO UPDATE SET count=excluded.count, avg=excluded.avg, passed=excluded.passed,
			   errors=excluded.errors, mean_latency_ms=excluded.mean_latency_ms, total_tokens=excluded.total_tokens`,
			name, m.Count, m.Avg, m.Passed, m.Errors, m.MeanLatencyMS, m.TotalTokens,
		)
		if err != nil {
			return errors.Wrapf(err, "writing summary for %s", name)
		}
	}
	return errors.Wrap(tx.Commit(), "committing finalize")
}

func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
