package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/cache"
	"github.com/pesio-ai/be-edu-approvals/internal/clock"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/hierarchy"
	"github.com/pesio-ai/be-edu-approvals/internal/idgen"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/notify"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/tracing"
	"github.com/pesio-ai/be-edu-approvals/internal/workflow"
)

// DefaultStatsTTL is how long GetStats results are served from cache.
const DefaultStatsTTL = 5 * time.Minute

// Outcome is the externally visible result of a transition.
type Outcome string

const (
	OutcomePending     Outcome = "pending"
	OutcomeInProgress  Outcome = "in_progress"
	OutcomeCompleted   Outcome = "completed"
	OutcomeRejected    Outcome = "rejected"
	OutcomeReturned    Outcome = "returned"
	OutcomeResubmitted Outcome = "resubmitted"
)

// TransitionResult is the committed state after a transition.
type TransitionResult struct {
	Request *repository.ApprovalRequest
	Action  *repository.ApprovalAction
	Outcome Outcome
	// NotificationErr is set when the transition committed but its lifecycle
	// event could not be delivered.
	NotificationErr error
}

// CreateRequestInput binds an approvable to a new approval request.
type CreateRequestInput struct {
	Ref      approvable.Ref
	Deadline *time.Time
}

// ApprovalEngine applies approval state transitions. Every mutation of a
// request runs under the repository's per-request lock; the authorization
// check is repeated inside it.
type ApprovalEngine struct {
	requests    repository.RequestRepository
	workflows   *workflow.Resolver
	scopes      *access.Resolver
	approvables *approvable.Registry
	tree        hierarchy.Reader
	directory   repository.ApproverDirectory
	dispatcher  notify.Dispatcher
	stats       *cache.StatsCache[Stats]
	log         *logger.Logger
}

// EngineOption configures an ApprovalEngine.
type EngineOption func(*ApprovalEngine)

// WithStatsTTL sets the stats cache TTL.
func WithStatsTTL(ttl time.Duration) EngineOption {
	return func(e *ApprovalEngine) {
		if ttl > 0 {
			e.stats = cache.NewStatsCache[Stats](ttl)
		}
	}
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(
	requests repository.RequestRepository,
	workflows *workflow.Resolver,
	scopes *access.Resolver,
	approvables *approvable.Registry,
	tree hierarchy.Reader,
	directory repository.ApproverDirectory,
	dispatcher notify.Dispatcher,
	log *logger.Logger,
	opts ...EngineOption,
) *ApprovalEngine {
	if dispatcher == nil {
		dispatcher = notify.Nop{}
	}
	e := &ApprovalEngine{
		requests:    requests,
		workflows:   workflows,
		scopes:      scopes,
		approvables: approvables,
		tree:        tree,
		directory:   directory,
		dispatcher:  dispatcher,
		stats:       cache.NewStatsCache[Stats](DefaultStatsTTL),
		log:         log.Component("approval_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateRequest routes a submitted approvable into its category's workflow.
// Only the approvable's owner, or an override/system actor, may submit it.
func (e *ApprovalEngine) CreateRequest(ctx context.Context, actor access.Actor, in CreateRequestInput) (result *TransitionResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.create_request", tracing.KindInternal)
	span.WithAttributes(map[string]string{"approvable": in.Ref.String(), "actor_role": string(actor.Role)})
	defer func() { tracing.EndSpan(span, err) }()

	item, err := e.approvables.Resolve(ctx, in.Ref)
	if err != nil {
		return nil, err
	}
	if item.SubmitterID() != actor.UserID && !actor.Role.IsOverride() && !actor.IsSystem() {
		return nil, errors.Unauthorized(fmt.Sprintf("user %d does not own %s", actor.UserID, in.Ref))
	}
	if _, err := e.requests.GetRequestByApprovable(ctx, in.Ref); err == nil {
		return nil, errors.Duplicate("approval request", in.Ref.String())
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	wf, err := e.workflows.GetOrCreate(ctx, in.Ref.Type)
	if err != nil {
		return nil, err
	}
	if err := item.MarkSubmitted(ctx, actor.UserID); err != nil {
		return nil, err
	}

	now := clock.Now()
	req := &repository.ApprovalRequest{
		ID:                   idgen.New(),
		WorkflowID:           wf.ID,
		ApprovableType:       in.Ref.Type,
		ApprovableID:         in.Ref.ID,
		InstitutionID:        item.InstitutionID(),
		SubmittedBy:          item.SubmitterID(),
		SubmittedAt:          now,
		Deadline:             in.Deadline,
		CurrentStatus:        repository.StatusPending,
		CurrentApprovalLevel: workflow.InitialLevel(wf),
		Summary:              item.Summary(),
		UpdatedAt:            now,
	}
	// a concurrent create still loses here with DUPLICATE_REQUEST; the
	// winner owns the submitted mark, any other failure reverts it
	if err := e.requests.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, errors.ErrDuplicateRequest) {
			return nil, err
		}
		if rerr := item.MarkEditable(ctx, actor.UserID); rerr != nil {
			e.log.Error().Err(rerr).Str("approvable", in.Ref.String()).Msg("Failed to revert submitted mark")
			return nil, fmt.Errorf("%w (revert submitted mark: %v)", err, rerr)
		}
		return nil, err
	}
	e.stats.Invalidate(req.ApprovableType)

	e.log.Info().
		Str("request_id", req.ID).
		Str("approvable", in.Ref.String()).
		Str("workflow_id", wf.ID).
		Int("level", req.CurrentApprovalLevel).
		Msg("Approval request created")

	result = &TransitionResult{Request: req.Clone(), Outcome: OutcomePending}
	if nerr := e.notify(ctx, notify.EventApprovalRequired, req, wf, actor, ""); nerr != nil {
		result.NotificationErr = nerr
		e.log.Warn().Err(nerr).Str("request_id", req.ID).Msg("notification: approval_required not delivered")
	}
	return result, nil
}

// ── Transitions ───────────────────────────────────────────────────────────────

// Approve records an approval at the level the approver holds. The request
// completes when the approver is an override role, the level is the last in
// the chain, or no further level is required. Otherwise it advances.
func (e *ApprovalEngine) Approve(ctx context.Context, actor access.Actor, requestID, comments string) (*TransitionResult, error) {
	return e.transition(ctx, "approve", actor, requestID, func(ctx context.Context, t *txn) error {
		if err := t.requireDecidable(); err != nil {
			return err
		}
		if err := e.authorizeDecision(actor, t.req, t.wf); err != nil {
			return err
		}
		level, err := e.decisionLevel(actor, t.req, t.wf)
		if err != nil {
			return err
		}

		next, hasNext := workflow.NextRequiredLevel(t.wf, level)
		complete := actor.Role.IsOverride() || level >= workflow.FinalLevel(t.wf) || !hasNext

		t.action(repository.ActionApproved, level, comments)
		if complete {
			t.req.CurrentStatus = repository.StatusApproved
			t.req.CurrentApprovalLevel = level
			completed := t.now
			t.req.CompletedAt = &completed
			t.outcome = OutcomeCompleted
			t.event = notify.EventCompleted
			return t.mark(ctx, func(item approvable.Approvable) error { return item.MarkApproved(ctx, actor.UserID) })
		}
		t.req.CurrentStatus = repository.StatusInProgress
		t.req.CurrentApprovalLevel = next
		t.outcome = OutcomeInProgress
		t.event = notify.EventApprovalRequired
		return nil
	})
}

// Reject terminates the request at any level. Comments are required and
// become the approvable's rejection reason.
func (e *ApprovalEngine) Reject(ctx context.Context, actor access.Actor, requestID, comments string) (*TransitionResult, error) {
	if strings.TrimSpace(comments) == "" {
		return nil, errors.InvalidInput("comments", "a reason is required to reject")
	}
	return e.transition(ctx, "reject", actor, requestID, func(ctx context.Context, t *txn) error {
		if err := t.requireDecidable(); err != nil {
			return err
		}
		if err := e.authorizeDecision(actor, t.req, t.wf); err != nil {
			return err
		}
		level, err := e.decisionLevel(actor, t.req, t.wf)
		if err != nil {
			return err
		}

		t.action(repository.ActionRejected, level, comments)
		t.req.CurrentStatus = repository.StatusRejected
		completed := t.now
		t.req.CompletedAt = &completed
		t.outcome = OutcomeRejected
		t.event = notify.EventRejected
		return t.mark(ctx, func(item approvable.Approvable) error { return item.MarkRejected(ctx, actor.UserID, comments) })
	})
}

// ReturnForRevision sends the request back to its submitter. The level
// resets to the start of the chain and the approvable becomes editable.
func (e *ApprovalEngine) ReturnForRevision(ctx context.Context, actor access.Actor, requestID, comments string) (*TransitionResult, error) {
	if strings.TrimSpace(comments) == "" {
		return nil, errors.InvalidInput("comments", "a reason is required to return for revision")
	}
	return e.transition(ctx, "return", actor, requestID, func(ctx context.Context, t *txn) error {
		if err := t.requireDecidable(); err != nil {
			return err
		}
		if err := e.authorizeDecision(actor, t.req, t.wf); err != nil {
			return err
		}
		level, err := e.decisionLevel(actor, t.req, t.wf)
		if err != nil {
			return err
		}

		t.action(repository.ActionReturned, level, comments)
		t.req.CurrentStatus = repository.StatusReturned
		t.req.CurrentApprovalLevel = workflow.InitialLevel(t.wf)
		t.outcome = OutcomeReturned
		t.event = notify.EventReturned
		return t.mark(ctx, func(item approvable.Approvable) error { return item.MarkEditable(ctx, actor.UserID) })
	})
}

// Resubmit puts a returned request back into the chain. The history stays
// on the same request.
func (e *ApprovalEngine) Resubmit(ctx context.Context, actor access.Actor, requestID, comments string) (*TransitionResult, error) {
	return e.transition(ctx, "resubmit", actor, requestID, func(ctx context.Context, t *txn) error {
		if t.req.CurrentStatus.IsTerminal() {
			return errors.AlreadyTerminal(t.req.ID, string(t.req.CurrentStatus))
		}
		if t.req.CurrentStatus != repository.StatusReturned {
			return errors.InvalidInput("status", fmt.Sprintf("request %s is %s, only returned requests can be resubmitted", t.req.ID, t.req.CurrentStatus))
		}
		if t.req.SubmittedBy != actor.UserID && !actor.Role.IsOverride() && !actor.IsSystem() {
			return errors.Unauthorized(fmt.Sprintf("only the submitter may resubmit request %s", t.req.ID))
		}

		level := workflow.InitialLevel(t.wf)
		t.action(repository.ActionResubmitted, level, comments)
		t.req.CurrentStatus = repository.StatusPending
		t.req.CurrentApprovalLevel = level
		t.outcome = OutcomeResubmitted
		t.event = notify.EventApprovalRequired
		return t.mark(ctx, func(item approvable.Approvable) error { return item.MarkSubmitted(ctx, actor.UserID) })
	})
}

// UpdateApprovableData edits the approvable behind ref while its request is
// still open and logs an edited action. The request status is unchanged.
func (e *ApprovalEngine) UpdateApprovableData(ctx context.Context, actor access.Actor, ref approvable.Ref, data map[string]any) (*repository.ApprovalAction, error) {
	if len(data) == 0 {
		return nil, errors.InvalidInput("data", "nothing to update")
	}
	existing, err := e.requests.GetRequestByApprovable(ctx, ref)
	if err != nil {
		return nil, err
	}
	result, err := e.transition(ctx, "update_data", actor, existing.ID, func(ctx context.Context, t *txn) error {
		if t.req.CurrentStatus.IsTerminal() {
			return errors.AlreadyTerminal(t.req.ID, string(t.req.CurrentStatus))
		}
		if t.req.SubmittedBy != actor.UserID {
			ok, err := e.canAct(actor, t.req, t.wf)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Unauthorized(fmt.Sprintf("user %d may not edit %s", actor.UserID, ref))
			}
		}

		fields := make([]string, 0, len(data))
		for k := range data {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		a := t.action(repository.ActionEdited, t.req.CurrentApprovalLevel, "")
		a.Metadata = map[string]any{"fields": fields}
		return t.mark(ctx, func(item approvable.Approvable) error { return item.UpdateData(ctx, actor.UserID, data) })
	})
	if err != nil {
		return nil, err
	}
	return result.Action, nil
}

// ── Lookups ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by id without a scope check.
func (e *ApprovalEngine) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return e.requests.GetRequest(ctx, id)
}

// FindByApprovable returns the request bound to ref.
func (e *ApprovalEngine) FindByApprovable(ctx context.Context, ref approvable.Ref) (*repository.ApprovalRequest, error) {
	return e.requests.GetRequestByApprovable(ctx, ref)
}

// CanAct reports whether req is inside actor's scope. It evaluates the same
// predicate that scopes GetResponsesForApproval.
func (e *ApprovalEngine) CanAct(ctx context.Context, actor access.Actor, req *repository.ApprovalRequest) (bool, error) {
	wf, err := e.workflows.Get(ctx, req.WorkflowID)
	if err != nil {
		return false, err
	}
	return e.canAct(actor, req, wf)
}

func (e *ApprovalEngine) canAct(actor access.Actor, req *repository.ApprovalRequest, wf *repository.WorkflowDefinition) (bool, error) {
	levelRole, _ := workflow.RoleAt(wf, req.CurrentApprovalLevel)
	return e.scopes.CanAct(actor, access.Subject{
		InstitutionID: req.InstitutionID,
		SubmittedBy:   req.SubmittedBy,
		LevelRole:     levelRole,
	})
}

// ── Internals ─────────────────────────────────────────────────────────────────

// txn carries one transition through the locked section.
type txn struct {
	req     *repository.ApprovalRequest
	wf      *repository.WorkflowDefinition
	now     time.Time
	actorID int64
	actions []*repository.ApprovalAction
	outcome Outcome
	event   notify.EventType
	resolve func(ctx context.Context) (approvable.Approvable, error)
}

func (t *txn) requireDecidable() error {
	switch t.req.CurrentStatus {
	case repository.StatusPending, repository.StatusInProgress:
		return nil
	case repository.StatusReturned:
		return errors.InvalidInput("status", fmt.Sprintf("request %s was returned and awaits resubmission", t.req.ID))
	default:
		return errors.AlreadyTerminal(t.req.ID, string(t.req.CurrentStatus))
	}
}

func (t *txn) action(kind repository.ActionKind, level int, comments string) *repository.ApprovalAction {
	a := &repository.ApprovalAction{
		ID:                idgen.New(),
		ApprovalRequestID: t.req.ID,
		ApproverID:        t.actorID,
		ApprovalLevel:     level,
		Action:            kind,
		Comments:          comments,
		ActionTakenAt:     t.now,
	}
	t.actions = append(t.actions, a)
	return a
}

// mark applies fn to the approvable. A failure aborts the transition.
func (t *txn) mark(ctx context.Context, fn func(approvable.Approvable) error) error {
	item, err := t.resolve(ctx)
	if err != nil {
		return err
	}
	return fn(item)
}

func (e *ApprovalEngine) transition(
	ctx context.Context,
	op string,
	actor access.Actor,
	requestID string,
	apply func(ctx context.Context, t *txn) error,
) (result *TransitionResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals."+op, tracing.KindInternal)
	span.WithAttributes(map[string]string{
		"request_id": requestID,
		"actor_id":   fmt.Sprint(actor.UserID),
		"actor_role": string(actor.Role),
	})
	defer func() { tracing.EndSpan(span, err) }()

	var t *txn
	err = e.requests.WithRequestLock(ctx, requestID, func(tx repository.RequestTx) error {
		req := tx.Request()
		wf, err := e.workflows.Get(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		t = &txn{
			req:     req,
			wf:      wf,
			now:     clock.Now(),
			actorID: actor.UserID,
			resolve: func(ctx context.Context) (approvable.Approvable, error) {
				return e.approvables.Resolve(ctx, req.Ref())
			},
		}
		if err := apply(ctx, t); err != nil {
			return err
		}
		for _, a := range t.actions {
			if err := tx.AppendAction(ctx, a); err != nil {
				return err
			}
		}
		t.req.UpdatedAt = t.now
		return tx.SaveRequest(ctx, t.req)
	})
	if err != nil {
		e.log.Debug().Err(err).Str("op", op).Str("request_id", requestID).Int64("actor_id", actor.UserID).
			Msg("Transition refused")
		return nil, err
	}

	result = &TransitionResult{Request: t.req, Outcome: t.outcome}
	if len(t.actions) > 0 {
		result.Action = t.actions[len(t.actions)-1]
	}
	if result.Action != nil && result.Action.Action != repository.ActionEdited {
		e.stats.Invalidate(t.req.ApprovableType)
	}

	e.log.Info().
		Str("op", op).
		Str("request_id", t.req.ID).
		Int64("actor_id", actor.UserID).
		Str("status", string(t.req.CurrentStatus)).
		Int("level", t.req.CurrentApprovalLevel).
		Msg("Approval request transitioned")

	if t.event != "" {
		comments := ""
		if result.Action != nil {
			comments = result.Action.Comments
		}
		if nerr := e.notify(ctx, t.event, t.req, t.wf, actor, comments); nerr != nil {
			result.NotificationErr = nerr
			e.log.Warn().Err(nerr).
				Str("request_id", t.req.ID).
				Str("event_type", string(t.event)).
				Msg("notification: event not delivered (transition kept)")
		}
	}
	return result, nil
}

// authorizeDecision is the write-time check for approve, reject and return.
func (e *ApprovalEngine) authorizeDecision(actor access.Actor, req *repository.ApprovalRequest, wf *repository.WorkflowDefinition) error {
	if actor.IsSystem() {
		return nil
	}
	if req.SubmittedBy == actor.UserID && !actor.Role.IsOverride() {
		return errors.Unauthorized(fmt.Sprintf("user %d cannot decide on their own submission", actor.UserID))
	}
	ok, err := e.canAct(actor, req, wf)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Unauthorized(fmt.Sprintf("request %s is outside the scope of user %d", req.ID, actor.UserID))
	}
	return nil
}

// decisionLevel resolves the level an actor decides at. Override and system
// actors act at the current level.
func (e *ApprovalEngine) decisionLevel(actor access.Actor, req *repository.ApprovalRequest, wf *repository.WorkflowDefinition) (int, error) {
	if actor.IsSystem() || actor.Role.IsOverride() {
		return req.CurrentApprovalLevel, nil
	}
	return workflow.ResolveTargetLevel(wf, actor.Role, req.CurrentApprovalLevel)
}

// notify builds and dispatches the lifecycle event for req.
func (e *ApprovalEngine) notify(
	ctx context.Context,
	eventType notify.EventType,
	req *repository.ApprovalRequest,
	wf *repository.WorkflowDefinition,
	actor access.Actor,
	comments string,
) error {
	recipients, err := e.recipients(ctx, eventType, req, wf)
	if err != nil {
		return err
	}
	return e.dispatcher.Dispatch(ctx, notify.Event{
		Type:       eventType,
		RequestID:  req.ID,
		Approvable: req.Ref(),
		Summary:    req.Summary,
		ActorID:    actor.UserID,
		Comments:   comments,
		Level:      req.CurrentApprovalLevel,
		Recipients: recipients,
		OccurredAt: clock.Now(),
	})
}

// recipients returns the submitter for outcome events. For approval_required
// it returns the holders of the current level's role at the request
// institution or above it who pass the same scope check as Approve.
func (e *ApprovalEngine) recipients(ctx context.Context, eventType notify.EventType, req *repository.ApprovalRequest, wf *repository.WorkflowDefinition) ([]int64, error) {
	if eventType != notify.EventApprovalRequired {
		return []int64{req.SubmittedBy}, nil
	}
	if e.directory == nil {
		return nil, nil
	}
	role, ok := workflow.RoleAt(wf, req.CurrentApprovalLevel)
	if !ok {
		return nil, nil
	}
	ancestors, err := e.tree.GetAncestors(req.InstitutionID)
	if err != nil {
		return nil, fmt.Errorf("resolve approvers for request %s: %w", req.ID, err)
	}
	subject := access.Subject{
		InstitutionID: req.InstitutionID,
		SubmittedBy:   req.SubmittedBy,
		LevelRole:     role,
	}

	var out []int64
	seen := make(map[int64]struct{})
	for _, institutionID := range append([]int64{req.InstitutionID}, ancestors...) {
		users, err := e.directory.UsersWithRole(ctx, role, []int64{institutionID})
		if err != nil {
			return nil, fmt.Errorf("resolve approvers for request %s: %w", req.ID, err)
		}
		for _, id := range users {
			if _, dup := seen[id]; dup {
				continue
			}
			ok, err := e.scopes.CanAct(access.Actor{UserID: id, Role: role, InstitutionID: institutionID}, subject)
			if err != nil || !ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}
