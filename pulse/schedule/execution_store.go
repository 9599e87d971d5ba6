package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/agentpulse/errors"
)

// Run is one persisted execution of a primary or dependent job
type Run struct {
	ID           string    `json:"id"`
	JobName      string    `json:"job_name"`
	TriggerJob   string    `json:"trigger_job,omitempty"` // set for dependent runs
	Outcome      Outcome   `json:"outcome"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OutputSize   int       `json:"output_size"`
}

// ExecutionStore handles persistence of job execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// RecordRun inserts a finished run
func (s *ExecutionStore) RecordRun(ctx context.Context, run *Run) error {
	var errorMessage interface{}
	if run.ErrorMessage != "" {
		errorMessage = run.ErrorMessage
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (
			id, job_name, trigger_job, outcome,
			started_at, completed_at, duration_ms,
			error_message, output_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobName, run.TriggerJob, string(run.Outcome),
		run.StartedAt.UTC(), run.CompletedAt.UTC(), run.DurationMS,
		errorMessage, run.OutputSize,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record run %s of %s", run.ID, run.JobName)
	}
	return nil
}

const runColumns = `id, job_name, trigger_job, outcome, started_at, completed_at, duration_ms, error_message, output_size`

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	var run Run
	var outcome string
	var errorMessage sql.NullString
	if err := row.Scan(&run.ID, &run.JobName, &run.TriggerJob, &outcome,
		&run.StartedAt, &run.CompletedAt, &run.DurationMS,
		&errorMessage, &run.OutputSize); err != nil {
		return nil, err
	}
	run.Outcome = Outcome(outcome)
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *ExecutionStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("run %s", id)
		}
		return nil, errors.Wrap(err, "failed to get run")
	}
	return run, nil
}

// ListRuns returns jobName's most recent runs, newest first
func (s *ExecutionStore) ListRuns(ctx context.Context, jobName string, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM agent_runs
		WHERE job_name = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		jobName, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list runs of %s", jobName)
	}
	return collectRuns(rows)
}

// LatestRuns returns the newest run of every job name, sorted by job name
func (s *ExecutionStore) LatestRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM agent_runs r
		WHERE started_at = (
			SELECT MAX(started_at) FROM agent_runs WHERE job_name = r.job_name
		)
		ORDER BY job_name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list latest runs")
	}
	return collectRuns(rows)
}

// OutcomeCounts returns the number of runs per outcome since the given time
func (s *ExecutionStore) OutcomeCounts(ctx context.Context, since time.Time) (map[Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*)
		FROM agent_runs
		WHERE started_at >= ?
		GROUP BY outcome`,
		since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to count outcomes")
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan outcome count")
		}
		counts[Outcome(outcome)] = n
	}
	return counts, errors.Wrap(rows.Err(), "iterate outcome counts")
}

// CleanupOldRuns deletes runs started before cutoff, returning the count
func (s *ExecutionStore) CleanupOldRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "iterate runs")
}
