// Package bulk applies one decision to many approvables. Small batches run
// inline; larger ones become persisted jobs processed by a background queue.
// Items are independent: a failed item never rolls back the others.
package bulk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/clock"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/idgen"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
	"github.com/pesio-ai/be-edu-approvals/internal/tracing"
)

const (
	DefaultSyncLimit      = 20
	DefaultItemsPerMinute = 50
)

// Engine is the part of the approval engine a batch drives.
type Engine interface {
	FindByApprovable(ctx context.Context, ref approvable.Ref) (*repository.ApprovalRequest, error)
	CanAct(ctx context.Context, actor access.Actor, req *repository.ApprovalRequest) (bool, error)
	Approve(ctx context.Context, actor access.Actor, requestID, comments string) (*service.TransitionResult, error)
	Reject(ctx context.Context, actor access.Actor, requestID, comments string) (*service.TransitionResult, error)
	ReturnForRevision(ctx context.Context, actor access.Actor, requestID, comments string) (*service.TransitionResult, error)
}

// Enqueuer hands a persisted job to a background runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Request is one bulk decision.
type Request struct {
	Type     approvable.Type
	IDs      []int64
	Action   repository.BulkAction
	Comments string
}

// Result is the outcome of a synchronous batch.
type Result struct {
	Successful int
	Failed     int
	Results    []repository.ItemResult
	Errors     []repository.ItemError
}

// JobDescriptor is returned immediately for asynchronous batches.
type JobDescriptor struct {
	JobID               string
	Status              repository.JobStatus
	Total               int
	EstimatedMinutes    int
	EstimatedCompletion time.Time
}

// Response carries exactly one of Sync or Job.
type Response struct {
	Sync *Result
	Job  *JobDescriptor
}

// Coordinator routes bulk decisions to the inline or queued path.
type Coordinator struct {
	engine         Engine
	jobs           repository.BulkJobRepository
	queue          Enqueuer
	syncLimit      int
	itemsPerMinute int
	log            *logger.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSyncLimit sets the largest batch processed inline.
func WithSyncLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.syncLimit = n
		}
	}
}

// WithItemsPerMinute sets the throughput used for completion estimates.
func WithItemsPerMinute(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.itemsPerMinute = n
		}
	}
}

// WithQueue sets the job queue.
func WithQueue(q Enqueuer) Option {
	return func(c *Coordinator) { c.queue = q }
}

func NewCoordinator(engine Engine, jobs repository.BulkJobRepository, log *logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:         engine,
		jobs:           jobs,
		syncLimit:      DefaultSyncLimit,
		itemsPerMinute: DefaultItemsPerMinute,
		log:            log.Component("bulk_coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UseQueue attaches the queue once it exists. Queues need the coordinator to
// run jobs, so they are usually built after it.
func (c *Coordinator) UseQueue(q Enqueuer) { c.queue = q }

// EstimateMinutes is the projected run time of total items.
func (c *Coordinator) EstimateMinutes(total int) int {
	return (total + c.itemsPerMinute - 1) / c.itemsPerMinute
}

// Submit validates req and either runs it inline or persists and enqueues
// a job.
func (c *Coordinator) Submit(ctx context.Context, actor access.Actor, req Request) (*Response, error) {
	ids, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	if len(ids) <= c.syncLimit {
		result := c.runItems(ctx, actor, req.Type, req.Action, req.Comments, ids)
		c.log.Info().
			Str("action", string(req.Action)).
			Int64("actor_id", actor.UserID).
			Int("successful", result.Successful).
			Int("failed", result.Failed).
			Msg("Bulk decision applied")
		return &Response{Sync: result}, nil
	}

	if c.queue == nil {
		return nil, errors.New(errors.ErrCodeInternal, "no bulk job queue configured")
	}
	now := clock.Now()
	minutes := c.EstimateMinutes(len(ids))
	job := &repository.BulkJob{
		ID:                  idgen.New(),
		Action:              req.Action,
		ApprovableType:      req.Type,
		Actor:               actor,
		Comments:            req.Comments,
		ItemIDs:             ids,
		Status:              repository.JobQueued,
		Total:               len(ids),
		EstimatedCompletion: now.Add(time.Duration(minutes) * time.Minute),
		CreatedAt:           now,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, job.ID); err != nil {
		finished := clock.Now()
		job.Status = repository.JobFailed
		job.FinishedAt = &finished
		if uerr := c.jobs.UpdateJob(ctx, job); uerr != nil {
			c.log.Error().Err(uerr).Str("job_id", job.ID).Msg("Failed to mark unqueued bulk job as failed")
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue bulk job")
	}

	c.log.Info().
		Str("job_id", job.ID).
		Str("action", string(req.Action)).
		Int("total", job.Total).
		Int("estimated_minutes", minutes).
		Msg("Bulk job queued")

	return &Response{Job: &JobDescriptor{
		JobID:               job.ID,
		Status:              job.Status,
		Total:               job.Total,
		EstimatedMinutes:    minutes,
		EstimatedCompletion: job.EstimatedCompletion,
	}}, nil
}

// RunJob processes a persisted job. It resumes after the last recorded
// item, so a retried job never applies an item twice; an item applied but
// not recorded before a crash fails on the retry instead. A cancelled job
// stops before its next item.
func (c *Coordinator) RunJob(ctx context.Context, jobID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.bulk_job", tracing.KindConsumer)
	span.WithAttributes(map[string]string{"job_id": jobID})
	defer func() { tracing.EndSpan(span, err) }()

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsFinal() {
		c.log.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Bulk job already final")
		return nil
	}

	if job.StartedAt == nil {
		started := clock.Now()
		job.StartedAt = &started
	}
	job.Status = repository.JobRunning
	if err := c.jobs.UpdateJob(ctx, job); err != nil {
		return err
	}

	for i := job.Processed; i < len(job.ItemIDs); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		current, err := c.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if current.Status == repository.JobCancelled {
			c.log.Info().Str("job_id", jobID).Int("processed", job.Processed).Msg("Bulk job cancelled")
			return nil
		}

		res, itemErr := c.runItem(ctx, job.Actor, job.ApprovableType, job.Action, job.Comments, job.ItemIDs[i])
		if itemErr != nil {
			job.Failed++
			job.Errors = append(job.Errors, *itemErr)
		} else {
			job.Successful++
			job.Results = append(job.Results, *res)
		}
		job.Processed++
		if err := c.jobs.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	finished := clock.Now()
	job.Status = repository.JobCompleted
	job.FinishedAt = &finished
	if err := c.jobs.UpdateJob(ctx, job); err != nil {
		return err
	}

	c.log.Info().
		Str("job_id", jobID).
		Int("successful", job.Successful).
		Int("failed", job.Failed).
		Msg("Bulk job completed")
	return nil
}

// JobStatus returns a job. Only its submitter or an override role may see it.
func (c *Coordinator) JobStatus(ctx context.Context, actor access.Actor, jobID string) (*repository.BulkJob, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorizeJob(actor, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel abandons a job that has not finished. Items already applied stay
// applied.
func (c *Coordinator) Cancel(ctx context.Context, actor access.Actor, jobID string) (*repository.BulkJob, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorizeJob(actor, job); err != nil {
		return nil, err
	}
	job, err = c.jobs.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("job_id", jobID).Int("processed", job.Processed).Msg("Bulk job cancel requested")
	return job, nil
}

func authorizeJob(actor access.Actor, job *repository.BulkJob) error {
	if job.Actor.UserID == actor.UserID || actor.Role.IsOverride() || actor.IsSystem() {
		return nil
	}
	return errors.Unauthorized(fmt.Sprintf("bulk job %s belongs to another user", job.ID))
}

func (c *Coordinator) validate(req Request) ([]int64, error) {
	if req.Type == "" {
		return nil, errors.InvalidInput("approvable_type", "is required")
	}
	switch req.Action {
	case repository.BulkApprove:
	case repository.BulkReject, repository.BulkReturn:
		if strings.TrimSpace(req.Comments) == "" {
			return nil, errors.InvalidInput("comments", fmt.Sprintf("a reason is required to %s", req.Action))
		}
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unsupported bulk action %q", req.Action))
	}
	if len(req.IDs) == 0 {
		return nil, errors.InvalidInput("ids", "at least one id is required")
	}

	seen := make(map[int64]struct{}, len(req.IDs))
	ids := make([]int64, 0, len(req.IDs))
	for _, id := range req.IDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Coordinator) runItems(ctx context.Context, actor access.Actor, typ approvable.Type, action repository.BulkAction, comments string, ids []int64) *Result {
	result := &Result{}
	for _, id := range ids {
		res, itemErr := c.runItem(ctx, actor, typ, action, comments, id)
		if itemErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, *itemErr)
			continue
		}
		result.Successful++
		result.Results = append(result.Results, *res)
	}
	return result
}

// runItem applies action to one approvable as its own atomic unit.
func (c *Coordinator) runItem(ctx context.Context, actor access.Actor, typ approvable.Type, action repository.BulkAction, comments string, id int64) (*repository.ItemResult, *repository.ItemError) {
	fail := func(err error) (*repository.ItemResult, *repository.ItemError) {
		c.log.Debug().Err(err).Int64("approvable_id", id).Str("action", string(action)).Msg("Bulk item failed")
		return nil, &repository.ItemError{ApprovableID: id, Code: string(errors.CodeOf(err)), Message: err.Error()}
	}

	req, err := c.engine.FindByApprovable(ctx, approvable.Ref{Type: typ, ID: id})
	if err != nil {
		return fail(err)
	}
	ok, err := c.engine.CanAct(ctx, actor, req)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(errors.Unauthorized(fmt.Sprintf("request %s is outside the scope of user %d", req.ID, actor.UserID)))
	}

	var res *service.TransitionResult
	switch action {
	case repository.BulkApprove:
		res, err = c.engine.Approve(ctx, actor, req.ID, comments)
	case repository.BulkReject:
		res, err = c.engine.Reject(ctx, actor, req.ID, comments)
	case repository.BulkReturn:
		res, err = c.engine.ReturnForRevision(ctx, actor, req.ID, comments)
	}
	if err != nil {
		return fail(err)
	}
	return &repository.ItemResult{ApprovableID: id, RequestID: req.ID, Status: string(res.Outcome)}, nil
}
