package workflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/clock"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/idgen"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// DefaultChain is the built-in chain used when a category has no active
// workflow: school, then sector, then region, every level required.
func DefaultChain() []repository.ChainStep {
	return []repository.ChainStep{
		{Level: 1, Role: access.RoleSchoolAdmin, Required: true, Title: "School review"},
		{Level: 2, Role: access.RoleSectorAdmin, Required: true, Title: "Sector review"},
		{Level: 3, Role: access.RoleRegionAdmin, Required: true, Title: "Regional review"},
	}
}

// DefaultDefinition returns the built-in definition for category. Data
// requests originate at sector level, where sector admins are out of scope
// for their own institution, so they go straight to regional review.
func DefaultDefinition(category approvable.Type) *repository.WorkflowDefinition {
	chain := DefaultChain()
	if category == approvable.TypeDataRequest {
		chain = []repository.ChainStep{
			{Level: 1, Role: access.RoleRegionAdmin, Required: true, Title: "Regional review"},
		}
	}
	return &repository.WorkflowDefinition{
		Category:      category,
		Name:          fmt.Sprintf("Default %s approval", category),
		ApprovalChain: chain,
		Config:        repository.WorkflowConfig{RequireAllLevels: true},
		IsActive:      true,
	}
}

// Resolver returns workflow definitions, creating the default one for a
// category on first use. Definitions are immutable once stored, so they are
// cached by id for the process lifetime.
type Resolver struct {
	repo     repository.WorkflowRepository
	defaults func(approvable.Type) *repository.WorkflowDefinition
	group    singleflight.Group
	mu       sync.RWMutex
	byID     map[string]*repository.WorkflowDefinition
	log      *logger.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaults replaces the built-in default definitions.
func WithDefaults(fn func(approvable.Type) *repository.WorkflowDefinition) Option {
	return func(r *Resolver) { r.defaults = fn }
}

func NewResolver(repo repository.WorkflowRepository, log *logger.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		repo:     repo,
		defaults: DefaultDefinition,
		byID:     make(map[string]*repository.WorkflowDefinition),
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the active workflow for category, persisting the
// default definition when none exists. Concurrent first calls collapse into
// one creation; a creation race lost to another process reloads the winner.
func (r *Resolver) GetOrCreate(ctx context.Context, category approvable.Type) (*repository.WorkflowDefinition, error) {
	// the flight is shared, so one caller's cancellation must not fail the others
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(string(category), func() (any, error) {
		return r.getOrCreate(flightCtx, category)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	wf := res.Val.(*repository.WorkflowDefinition)
	r.remember(wf)
	return wf, nil
}

func (r *Resolver) getOrCreate(ctx context.Context, category approvable.Type) (*repository.WorkflowDefinition, error) {
	wf, err := r.repo.GetActiveWorkflow(ctx, category)
	if err == nil {
		return wf, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	wf = r.defaults(category)
	wf.ID = idgen.New()
	wf.Category = category
	wf.IsActive = true
	wf.CreatedAt = clock.Now()
	if err := Validate(wf); err != nil {
		return nil, err
	}
	if err := r.repo.CreateWorkflow(ctx, wf); err != nil {
		if errors.Is(err, errors.ErrDuplicateRequest) {
			return r.repo.GetActiveWorkflow(ctx, category)
		}
		return nil, err
	}
	r.log.Info().
		Str("category", string(category)).
		Str("workflow_id", wf.ID).
		Int("levels", len(wf.ApprovalChain)).
		Msg("Default approval workflow created")
	return wf, nil
}

// Get returns the workflow with id.
func (r *Resolver) Get(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	r.mu.RLock()
	wf, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return wf, nil
	}
	wf, err := r.repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	r.remember(wf)
	return wf, nil
}

func (r *Resolver) remember(wf *repository.WorkflowDefinition) {
	r.mu.Lock()
	r.byID[wf.ID] = wf
	r.mu.Unlock()
}
