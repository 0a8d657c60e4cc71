package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// BulkJobStore persists approval_bulk_jobs so asynchronous batches
// survive restarts and can be picked up by any worker.
type BulkJobStore struct {
	db *database.DB
}

// NewBulkJobStore creates a new BulkJobStore.
func NewBulkJobStore(db *database.DB) *BulkJobStore {
	return &BulkJobStore{db: db}
}

const bulkJobColumns = `
	id, action, approvable_type, actor_id, actor_role, actor_institution_id,
	comments, item_ids, status, total, processed, successful, failed,
	results, errors, estimated_completion, created_at, started_at, finished_at`

// CreateJob inserts a queued job.
func (r *BulkJobStore) CreateJob(ctx context.Context, job *BulkJob) error {
	itemsJSON, resultsJSON, errorsJSON, err := marshalJob(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_bulk_jobs
		    (id, action, approvable_type, actor_id, actor_role, actor_institution_id,
		     comments, item_ids, status, total, results, errors, estimated_completion)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`
	err = r.db.QueryRow(ctx, query,
		job.ID,
		job.Action,
		job.ApprovableType,
		job.Actor.UserID,
		job.Actor.Role,
		job.Actor.InstitutionID,
		job.Comments,
		itemsJSON,
		job.Status,
		job.Total,
		resultsJSON,
		errorsJSON,
		job.EstimatedCompletion,
	).Scan(&job.CreatedAt)
	return mapPgError(err, "failed to create bulk job")
}

// GetJob retrieves a job by id.
func (r *BulkJobStore) GetJob(ctx context.Context, id string) (*BulkJob, error) {
	query := `SELECT ` + bulkJobColumns + ` FROM approval_bulk_jobs WHERE id = $1`
	job, err := scanBulkJob(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("bulk_job", id)
	}
	return job, mapPgError(err, "failed to get bulk job")
}

// UpdateJob persists progress. A job cancelled in the meantime keeps its
// cancelled status.
func (r *BulkJobStore) UpdateJob(ctx context.Context, job *BulkJob) error {
	_, resultsJSON, errorsJSON, err := marshalJob(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_bulk_jobs
		SET status      = CASE WHEN status = 'cancelled' THEN status ELSE $2 END,
		    processed   = $3,
		    successful  = $4,
		    failed      = $5,
		    results     = $6,
		    errors      = $7,
		    started_at  = $8,
		    finished_at = $9
		WHERE id = $1
		RETURNING status
	`
	err = r.db.QueryRow(ctx, query,
		job.ID,
		job.Status,
		job.Processed,
		job.Successful,
		job.Failed,
		resultsJSON,
		errorsJSON,
		job.StartedAt,
		job.FinishedAt,
	).Scan(&job.Status)
	if isNoRows(err) {
		return errors.NotFound("bulk_job", job.ID)
	}
	return mapPgError(err, "failed to update bulk job")
}

// CancelJob marks a queued or running job cancelled.
func (r *BulkJobStore) CancelJob(ctx context.Context, id string) (*BulkJob, error) {
	query := `
		UPDATE approval_bulk_jobs
		SET status = 'cancelled', finished_at = COALESCE(finished_at, NOW())
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING ` + bulkJobColumns
	job, err := scanBulkJob(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		current, getErr := r.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errors.AlreadyTerminal(id, string(current.Status))
	}
	return job, mapPgError(err, "failed to cancel bulk job")
}

func marshalJob(job *BulkJob) (items, results, errs []byte, err error) {
	ids := job.ItemIDs
	if ids == nil {
		ids = []int64{}
	}
	res := job.Results
	if res == nil {
		res = []ItemResult{}
	}
	itemErrs := job.Errors
	if itemErrs == nil {
		itemErrs = []ItemError{}
	}
	if items, err = json.Marshal(ids); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal bulk items")
	}
	if results, err = json.Marshal(res); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal bulk results")
	}
	if errs, err = json.Marshal(itemErrs); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal bulk errors")
	}
	return items, results, errs, nil
}

func scanBulkJob(row scanner) (*BulkJob, error) {
	job := &BulkJob{}
	var itemsJSON, resultsJSON, errorsJSON []byte
	err := row.Scan(
		&job.ID,
		&job.Action,
		&job.ApprovableType,
		&job.Actor.UserID,
		&job.Actor.Role,
		&job.Actor.InstitutionID,
		&job.Comments,
		&itemsJSON,
		&job.Status,
		&job.Total,
		&job.Processed,
		&job.Successful,
		&job.Failed,
		&resultsJSON,
		&errorsJSON,
		&job.EstimatedCompletion,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &job.ItemIDs); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode bulk items")
	}
	if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode bulk results")
	}
	if err := json.Unmarshal(errorsJSON, &job.Errors); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode bulk errors")
	}
	return job, nil
}
