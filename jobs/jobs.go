// Package jobs implements the Job Manager (spec §4.G): async job
// records, state transitions, and idempotency by client message id.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gioiasoftware/wine-inventory/model"
)

var ErrNotFound = errors.New("jobs: job not found")

type Manager struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// CreateJob implements §4.G's create_job: inserts a pending record with
// a freshly minted opaque identifier and ensures the owning tenant row
// exists.
func (m *Manager) CreateJob(ctx context.Context, tenant model.Tenant, fileType, fileName string, fileSize int64, clientMsgID *string) (string, error) {
	jobID := uuid.NewString()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("jobs: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO tenants (user_id, business_name) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET business_name = EXCLUDED.business_name`,
		tenant.UserID, tenant.BusinessName)
	if err != nil {
		return "", fmt.Errorf("jobs: upsert tenant: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO jobs (job_id, user_id, business_name, status, file_type, file_name, file_size, client_msg_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		jobID, tenant.UserID, tenant.BusinessName, model.JobPending, fileType, fileName, fileSize, clientMsgID)
	if err != nil {
		return "", fmt.Errorf("jobs: insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("jobs: commit: %w", err)
	}
	return jobID, nil
}

// IdempotencyOutcome is the idempotency-probe result (spec §4.G).
type IdempotencyOutcome struct {
	Job      *model.Job
	FromCache bool
}

// GetJobByClientMsgID implements the idempotency probe: an existing
// completed or processing job is returned as a cache hit; an existing
// error job falls through (caller should create a new job).
func (m *Manager) GetJobByClientMsgID(ctx context.Context, tenant model.Tenant, clientMsgID string) (*IdempotencyOutcome, error) {
	job, err := m.getJobByClientMsgID(ctx, tenant.UserID, clientMsgID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.JobCompleted, model.JobProcessing:
		return &IdempotencyOutcome{Job: job, FromCache: true}, nil
	case model.JobError:
		return nil, nil
	default:
		return &IdempotencyOutcome{Job: job, FromCache: true}, nil
	}
}

func (m *Manager) getJobByClientMsgID(ctx context.Context, userID, clientMsgID string) (*model.Job, error) {
	row := m.pool.QueryRow(ctx, jobSelectColumns+` FROM jobs WHERE user_id = $1 AND client_msg_id = $2
ORDER BY created_at DESC LIMIT 1`, userID, clientMsgID)
	return scanJob(row)
}

const jobSelectColumns = `
SELECT job_id, user_id, business_name, status, file_type, file_name, file_size,
	total_wines, processed_wines, saved_wines, error_count, result_data, error_message,
	client_msg_id, processing_method, stage_used, created_at, started_at, completed_at`

func (m *Manager) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := m.pool.QueryRow(ctx, jobSelectColumns+` FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func scanJob(row pgx.Row) (*model.Job, error) {
	j := &model.Job{Tenant: model.Tenant{}}
	var resultData []byte
	var errMsg, clientMsgID *string
	if err := row.Scan(&j.JobID, &j.Tenant.UserID, &j.Tenant.BusinessName, &j.Status, &j.FileType, &j.FileName,
		&j.FileSize, &j.TotalWines, &j.ProcessedWines, &j.SavedWines, &j.ErrorCount, &resultData, &errMsg,
		&clientMsgID, &j.ProcessingMethod, &j.StageUsed, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: scan: %w", err)
	}
	j.ResultData = resultData
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	j.ClientMsgID = clientMsgID
	return j, nil
}

// Update holds the subset of job fields a status transition may set.
type Update struct {
	Status           model.JobStatus
	TotalWines       *int
	ProcessedWines   *int
	SavedWines       *int
	ErrorCount       *int
	ResultData       interface{}
	ErrorMessage     *string
	ProcessingMethod *string
	StageUsed        *string
}

// UpdateJobStatus implements §4.G's update_job_status, enforcing
// invariant I6 (terminal states are final) and stamping started_at /
// completed_at on the relevant transitions.
func (m *Manager) UpdateJobStatus(ctx context.Context, jobID string, upd Update) error {
	current, err := m.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("jobs: job %s already in terminal state %s", jobID, current.Status)
	}

	var resultJSON []byte
	if upd.ResultData != nil {
		resultJSON, err = json.Marshal(upd.ResultData)
		if err != nil {
			return fmt.Errorf("jobs: marshal result_data: %w", err)
		}
	}

	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	if upd.Status == model.JobProcessing && current.Status == model.JobPending {
		startedAt = &now
	}
	if upd.Status.Terminal() {
		completedAt = &now
	}

	_, err = m.pool.Exec(ctx, `
UPDATE jobs SET
	status = $2,
	total_wines = COALESCE($3, total_wines),
	processed_wines = COALESCE($4, processed_wines),
	saved_wines = COALESCE($5, saved_wines),
	error_count = COALESCE($6, error_count),
	result_data = COALESCE($7, result_data),
	error_message = COALESCE($8, error_message),
	processing_method = COALESCE($9, processing_method),
	stage_used = COALESCE($10, stage_used),
	started_at = COALESCE(started_at, $11),
	completed_at = COALESCE(completed_at, $12)
WHERE job_id = $1`,
		jobID, upd.Status, upd.TotalWines, upd.ProcessedWines, upd.SavedWines, upd.ErrorCount,
		nullableJSON(resultJSON), upd.ErrorMessage, upd.ProcessingMethod, upd.StageUsed, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("jobs: update status: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
