// Package postgres implements the job state store on PostgreSQL.
//
// The store is the single source of truth for job records. Every mutation
// runs as one transaction: SELECT ... FOR UPDATE, state-machine check,
// UPDATE, and the audit entry the change generates. Either everything
// commits or nothing does.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/cncaiprojem/jobcore/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, class, state, priority, progress, attempts, retry_count, cancel_requested,
	input, output, metrics, COALESCE(error_code,''), COALESCE(error_message,''), COALESCE(task_id,''),
	created_at, started_at, finished_at, updated_at`

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = ulid.Make().String()
	}
	if j.State == "" {
		j.State = domain.StatePending
	}
	if j.Priority == "" {
		j.Priority = domain.PriorityNormal
	}
	if j.Attempts < 1 {
		j.Attempts = 1
	}
	metrics, err := json.Marshal(orEmpty(j.Metrics))
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, class, state, priority, progress, attempts, retry_count, cancel_requested,
		input, output, metrics, error_code, error_message, task_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = r.Pool.Exec(ctx, q, id, j.Class, j.State, j.Priority, j.Progress, j.Attempts, j.RetryCount,
		j.CancelRequested, j.Input, j.Output, metrics, j.ErrorCode, j.ErrorMessage, j.TaskID, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Transition moves a job to a new state under a row lock, applying patch and
// writing the audit entry in the same transaction. Illegal transitions fail
// with domain.ErrIllegalTransition and the current state in the message.
func (r *JobRepo) Transition(ctx domain.Context, id string, to domain.State, patch domain.Patch) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	var out domain.Job
	err := r.withLockedJob(ctx, id, func(tx pgx.Tx, j domain.Job) error {
		if j.State == to {
			// Re-entering the same state is tolerated for running/queued so a
			// redelivered message does not error out; it is not audited.
			if to == domain.StateRunning || to == domain.StateQueued {
				out = j
				return nil
			}
		}
		if !domain.CanTransition(j.State, to) {
			return fmt.Errorf("op=job.transition: %w: %s -> %s", domain.ErrIllegalTransition, j.State, to)
		}
		from := j.State
		j.State = to
		applyPatch(&j, to, patch)
		if err := updateJob(ctx, tx, &j); err != nil {
			return fmt.Errorf("op=job.transition: %w", err)
		}
		if err := insertAudit(ctx, tx, j.ID, string(from), string(to), j.Attempts, patch.Message); err != nil {
			return fmt.Errorf("op=job.transition: %w", err)
		}
		out = j
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

// UpdateProgress enforces progress monotonicity under the same row lock.
// A decrease fails with domain.ErrProgressDecrease; an equal percent with no
// step change is a no-op returning the unchanged record.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, percent int, step, message string, metrics map[string]string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	var out domain.Job
	err := r.withLockedJob(ctx, id, func(tx pgx.Tx, j domain.Job) error {
		if j.State.Terminal() {
			return fmt.Errorf("op=job.update_progress: %w: %s is terminal", domain.ErrIllegalTransition, j.State)
		}
		if percent < j.Progress {
			return fmt.Errorf("op=job.update_progress: %w: %d < %d", domain.ErrProgressDecrease, percent, j.Progress)
		}
		if percent == j.Progress && (step == "" || step == j.Metrics["step"]) {
			out = j
			return nil
		}
		j.Progress = percent
		mergeMetrics(&j, step, message, metrics)
		if err := updateJob(ctx, tx, &j); err != nil {
			return fmt.Errorf("op=job.update_progress: %w", err)
		}
		out = j
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

// MarkCancelRequested sets the monotone cancel flag. Terminal jobs return
// unchanged; repeated calls are no-ops.
func (r *JobRepo) MarkCancelRequested(ctx domain.Context, id, reason string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelRequested")
	defer span.End()
	var out domain.Job
	err := r.withLockedJob(ctx, id, func(tx pgx.Tx, j domain.Job) error {
		if j.State.Terminal() || j.CancelRequested {
			out = j
			return nil
		}
		j.CancelRequested = true
		if reason != "" {
			mergeMetrics(&j, "", "", map[string]string{"cancel_reason": reason})
		}
		if err := updateJob(ctx, tx, &j); err != nil {
			return fmt.Errorf("op=job.mark_cancel: %w", err)
		}
		if err := insertAudit(ctx, tx, j.ID, string(j.State), string(j.State), j.Attempts, "cancel_requested"); err != nil {
			return fmt.Errorf("op=job.mark_cancel: %w", err)
		}
		out = j
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

// SweepRunning returns running jobs whose started_at is older than cutoff.
// Used by the stuck-job sweeper to time out work whose worker disappeared.
func (r *JobRepo) SweepRunning(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SweepRunning")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE state=$1 AND started_at < $2 ORDER BY started_at LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.StateRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.sweep_running: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.sweep_running: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.sweep_running: %w", err)
	}
	return jobs, nil
}

// withLockedJob runs fn with the job row locked FOR UPDATE inside a
// transaction; the transaction commits only if fn succeeds.
func (r *JobRepo) withLockedJob(ctx context.Context, id string, fn func(tx pgx.Tx, j domain.Job) error) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.begin_tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.lock: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.lock: %w", err)
	}
	if err := fn(tx, j); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.commit: %w", err)
	}
	return nil
}

// applyPatch applies patch fields and the state-entry side effects: first
// running stamps started_at, terminal entry stamps finished_at, completed
// forces progress 100, retrying bumps retry_count.
func applyPatch(j *domain.Job, to domain.State, patch domain.Patch) {
	now := time.Now().UTC()
	if patch.Progress != nil && *patch.Progress > j.Progress {
		j.Progress = *patch.Progress
	}
	if patch.TaskID != "" {
		j.TaskID = patch.TaskID
	}
	if patch.ErrorCode != "" {
		j.ErrorCode = patch.ErrorCode
	}
	if patch.ErrorMessage != "" {
		j.ErrorMessage = patch.ErrorMessage
	}
	if len(patch.Output) > 0 {
		j.Output = patch.Output
	}
	if patch.IncAttempts {
		j.Attempts++
	}
	mergeMetrics(j, patch.Step, patch.Message, patch.Metrics)
	switch {
	case to == domain.StateRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case to == domain.StateRetrying:
		j.RetryCount++
	case to.Terminal():
		if j.FinishedAt == nil {
			j.FinishedAt = &now
		}
		if to == domain.StateCompleted {
			j.Progress = 100
		}
	}
}

func updateJob(ctx context.Context, tx pgx.Tx, j *domain.Job) error {
	j.UpdatedAt = time.Now().UTC()
	metrics, err := json.Marshal(orEmpty(j.Metrics))
	if err != nil {
		return err
	}
	q := `UPDATE jobs SET state=$2, progress=$3, attempts=$4, retry_count=$5, cancel_requested=$6,
		output=$7, metrics=$8, error_code=$9, error_message=$10, task_id=$11,
		started_at=$12, finished_at=$13, updated_at=$14 WHERE id=$1`
	_, err = tx.Exec(ctx, q, j.ID, j.State, j.Progress, j.Attempts, j.RetryCount, j.CancelRequested,
		j.Output, metrics, j.ErrorCode, j.ErrorMessage, j.TaskID, j.StartedAt, j.FinishedAt, j.UpdatedAt)
	return err
}

func insertAudit(ctx context.Context, tx pgx.Tx, jobID, from, to string, attempt int, detail string) error {
	q := `INSERT INTO job_audit (job_id, from_state, to_state, attempt, detail, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := tx.Exec(ctx, q, jobID, from, to, attempt, detail, time.Now().UTC())
	return err
}

func mergeMetrics(j *domain.Job, step, message string, metrics map[string]string) {
	if step == "" && message == "" && len(metrics) == 0 {
		return
	}
	if j.Metrics == nil {
		j.Metrics = map[string]string{}
	}
	if step != "" {
		j.Metrics["step"] = step
	}
	if message != "" {
		j.Metrics["message"] = message
	}
	for k, v := range metrics {
		j.Metrics[k] = v
	}
	j.Metrics["last_update"] = time.Now().UTC().Format(time.RFC3339)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var metricsRaw []byte
	if err := row.Scan(&j.ID, &j.Class, &j.State, &j.Priority, &j.Progress, &j.Attempts, &j.RetryCount,
		&j.CancelRequested, &j.Input, &j.Output, &metricsRaw, &j.ErrorCode, &j.ErrorMessage, &j.TaskID,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if len(metricsRaw) > 0 {
		if err := json.Unmarshal(metricsRaw, &j.Metrics); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}
