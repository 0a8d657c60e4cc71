// Package memory provides in-process implementations of the repository
// ports. Per-request locks give the same mutual exclusion the postgres
// adapter gets from SELECT ... FOR UPDATE.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

const defaultLockTimeout = 5 * time.Second

// Store is an in-memory repository.Store.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*repository.WorkflowDefinition
	active    map[approvable.Type]string
	requests  map[string]*repository.ApprovalRequest
	byRef     map[approvable.Ref]string
	actions   map[string][]*repository.ApprovalAction
	jobs      map[string]*repository.BulkJob

	locksMu     sync.Mutex
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long WithRequestLock waits for a busy request.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(opts ...Option) *Store {
	s := &Store{
		workflows:   make(map[string]*repository.WorkflowDefinition),
		active:      make(map[approvable.Type]string),
		requests:    make(map[string]*repository.ApprovalRequest),
		byRef:       make(map[approvable.Ref]string),
		actions:     make(map[string][]*repository.ApprovalAction),
		jobs:        make(map[string]*repository.BulkJob),
		locks:       make(map[string]chan struct{}),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Workflows ────────────────────────────────────────────────────────────────

func (s *Store) GetActiveWorkflow(_ context.Context, category approvable.Type) (*repository.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[category]
	if !ok {
		return nil, errors.NotFound("workflow_definition", string(category))
	}
	return cloneWorkflow(s.workflows[id]), nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*repository.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return cloneWorkflow(wf), nil
}

func (s *Store) CreateWorkflow(_ context.Context, wf *repository.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return errors.Duplicate("workflow_definition", wf.ID)
	}
	if wf.IsActive {
		if _, exists := s.active[wf.Category]; exists {
			return errors.Duplicate("active workflow_definition", string(wf.Category))
		}
		s.active[wf.Category] = wf.ID
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func cloneWorkflow(wf *repository.WorkflowDefinition) *repository.WorkflowDefinition {
	cp := *wf
	cp.ApprovalChain = append([]repository.ChainStep(nil), wf.ApprovalChain...)
	return &cp
}

// ── Requests ─────────────────────────────────────────────────────────────────

func (s *Store) CreateRequest(_ context.Context, req *repository.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := req.Ref()
	if _, exists := s.byRef[ref]; exists {
		return errors.Duplicate("approval_request", ref.String())
	}
	if _, ok := s.workflows[req.WorkflowID]; !ok {
		return errors.NotFound("workflow_definition", req.WorkflowID)
	}
	if req.Version == 0 {
		req.Version = 1
	}
	s.requests[req.ID] = req.Clone()
	s.byRef[ref] = req.ID
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

func (s *Store) GetRequestByApprovable(_ context.Context, ref approvable.Ref) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, errors.NotFound("approval_request", ref.String())
	}
	return s.requests[id].Clone(), nil
}

func (s *Store) ListRequests(_ context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*repository.ApprovalRequest
	for _, req := range s.requests {
		if s.matches(req, filter) {
			matched = append(matched, req)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	out := make([]*repository.ApprovalRequest, 0, end-start)
	for _, req := range matched[start:end] {
		out = append(out, req.Clone())
	}
	return out, total, nil
}

func (s *Store) CountByStatus(_ context.Context, filter repository.RequestFilter) (map[repository.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[repository.Status]int)
	for _, req := range s.requests {
		if s.matches(req, filter) {
			counts[req.CurrentStatus]++
		}
	}
	return counts, nil
}

func (s *Store) ListAutoApproveDue(_ context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.CurrentStatus != repository.StatusPending && req.CurrentStatus != repository.StatusInProgress {
			continue
		}
		at, ok := repository.AutoApproveDueAt(req, s.workflows[req.WorkflowID])
		if !ok || at.After(now) {
			continue
		}
		due = append(due, req)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SubmittedAt.Before(due[j].SubmittedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*repository.ApprovalRequest, len(due))
	for i, req := range due {
		out[i] = req.Clone()
	}
	return out, nil
}

func (s *Store) ListActions(_ context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.requests[requestID]; !ok {
		return nil, errors.NotFound("approval_request", requestID)
	}
	out := make([]*repository.ApprovalAction, len(s.actions[requestID]))
	for i, a := range s.actions[requestID] {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// matches evaluates filter against req. Callers hold s.mu.
func (s *Store) matches(req *repository.ApprovalRequest, f repository.RequestFilter) bool {
	if f.ApprovableType != "" && req.ApprovableType != f.ApprovableType {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, req.CurrentStatus) {
		return false
	}
	if len(f.InstitutionIDs) > 0 && !containsID(f.InstitutionIDs, req.InstitutionID) {
		return false
	}
	if f.SubmittedFrom != nil && req.SubmittedAt.Before(*f.SubmittedFrom) {
		return false
	}
	if f.SubmittedTo != nil && req.SubmittedAt.After(*f.SubmittedTo) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		hay := strings.ToLower(req.Summary + " " + req.ID + " " + strconv.FormatInt(req.ApprovableID, 10))
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return s.inScope(req, f.Scope)
}

func (s *Store) inScope(req *repository.ApprovalRequest, scope repository.ScopeFilter) bool {
	if scope.Unrestricted {
		return true
	}
	if scope.OwnSubmitterID != 0 || scope.MatchRole != "" {
		if scope.OwnSubmitterID != 0 && req.SubmittedBy == scope.OwnSubmitterID {
			return true
		}
		return scope.MatchRole != "" && s.levelRole(req) == scope.MatchRole
	}
	if !containsID(scope.InstitutionIDs, req.InstitutionID) {
		return false
	}
	return scope.ExcludeSubmitterID == 0 || req.SubmittedBy != scope.ExcludeSubmitterID
}

func (s *Store) levelRole(req *repository.ApprovalRequest) access.Role {
	wf, ok := s.workflows[req.WorkflowID]
	if !ok {
		return ""
	}
	for _, step := range wf.ApprovalChain {
		if step.Level == req.CurrentApprovalLevel {
			return step.Role
		}
	}
	return ""
}

func containsStatus(list []repository.Status, s repository.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsID(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// ── Locking ──────────────────────────────────────────────────────────────────

func (s *Store) lockFor(id string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	return l
}

type requestTx struct {
	req     *repository.ApprovalRequest
	version int64
	saved   *repository.ApprovalRequest
	actions []*repository.ApprovalAction
}

func (t *requestTx) Request() *repository.ApprovalRequest { return t.req }

func (t *requestTx) AppendAction(_ context.Context, action *repository.ApprovalAction) error {
	if action.ApprovalRequestID != t.req.ID {
		return errors.InvalidInput("approval_request_id", "action belongs to another request")
	}
	cp := *action
	t.actions = append(t.actions, &cp)
	return nil
}

func (t *requestTx) SaveRequest(_ context.Context, req *repository.ApprovalRequest) error {
	if req.ID != t.req.ID {
		return errors.InvalidInput("id", "cannot save a different request inside this lock")
	}
	req.Version = t.version + 1
	t.saved = req.Clone()
	return nil
}

func (s *Store) WithRequestLock(ctx context.Context, id string, fn func(tx repository.RequestTx) error) error {
	lock := s.lockFor(id)
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Conflict(fmt.Sprintf("timed out waiting for lock on approval request %s", id))
	}
	defer func() { <-lock }()

	s.mu.RLock()
	current, ok := s.requests[id]
	var tx *requestTx
	if ok {
		tx = &requestTx{req: current.Clone(), version: current.Version}
	}
	s.mu.RUnlock()
	if !ok {
		return errors.NotFound("approval_request", id)
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests[id].Version != tx.version {
		return errors.Conflict(fmt.Sprintf("approval request %s changed concurrently", id))
	}
	if tx.saved != nil {
		s.requests[id] = tx.saved
	}
	s.actions[id] = append(s.actions[id], tx.actions...)
	return nil
}

// ── Bulk jobs ────────────────────────────────────────────────────────────────

func (s *Store) CreateJob(_ context.Context, job *repository.BulkJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.Duplicate("bulk_job", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*repository.BulkJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("bulk_job", id)
	}
	return job.Clone(), nil
}

func (s *Store) UpdateJob(_ context.Context, job *repository.BulkJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return errors.NotFound("bulk_job", job.ID)
	}
	if current.Status == repository.JobCancelled && job.Status != repository.JobCancelled {
		job.Status = repository.JobCancelled
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) CancelJob(_ context.Context, id string) (*repository.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("bulk_job", id)
	}
	if job.Status.IsFinal() {
		return nil, errors.AlreadyTerminal(id, string(job.Status))
	}
	job.Status = repository.JobCancelled
	return job.Clone(), nil
}

var _ repository.Store = (*Store)(nil)
