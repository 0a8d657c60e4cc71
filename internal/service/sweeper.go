package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/clock"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/tracing"
)

// Sweeper auto-approves stalled requests whose workflow sets
// AutoApproveAfter. It goes through ApprovalEngine.Approve as the system
// actor, one level at a time, until the request completes.
type Sweeper struct {
	engine    *ApprovalEngine
	requests  repository.RequestRepository
	batchSize int
	log       *logger.Logger
}

// SweepResult summarises one pass.
type SweepResult struct {
	Scanned   int
	Completed int
	Skipped   int
	Failed    int
}

func NewSweeper(engine *ApprovalEngine, requests repository.RequestRepository, batchSize int, log *logger.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{engine: engine, requests: requests, batchSize: batchSize, log: log.Component("auto_approve_sweeper")}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("Auto-approve sweep failed")
			}
		}
	}
}

// SweepOnce approves every request due at the current time.
func (s *Sweeper) SweepOnce(ctx context.Context) (res SweepResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.sweep", tracing.KindInternal)
	defer func() { tracing.EndSpan(span, err) }()

	due, err := s.requests.ListAutoApproveDue(ctx, clock.Now(), s.batchSize)
	if err != nil {
		return res, err
	}
	system := access.SystemActor()
	for _, req := range due {
		res.Scanned++
		completed, err := s.complete(ctx, system, req)
		switch {
		case err != nil:
			res.Failed++
			s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Auto-approve failed")
		case completed:
			res.Completed++
		default:
			res.Skipped++
		}
	}
	if res.Scanned > 0 {
		s.log.Info().Int("scanned", res.Scanned).Int("completed", res.Completed).Int("skipped", res.Skipped).Int("failed", res.Failed).
			Msg("Auto-approve sweep finished")
	}
	return res, nil
}

// complete approves req until it is terminal. It returns false when another
// actor closed the request first.
func (s *Sweeper) complete(ctx context.Context, system access.Actor, req *repository.ApprovalRequest) (bool, error) {
	wf, err := s.engine.workflows.Get(ctx, req.WorkflowID)
	if err != nil {
		return false, err
	}
	for range wf.ApprovalChain {
		result, err := s.engine.Approve(ctx, system, req.ID, "auto-approved after deadline")
		if err != nil {
			if errors.Is(err, errors.ErrAlreadyTerminal) {
				return false, nil
			}
			return false, err
		}
		if result.Outcome == OutcomeCompleted {
			return true, nil
		}
	}
	return false, errors.New(errors.ErrCodeInternal, "auto-approve did not complete request "+req.ID)
}
