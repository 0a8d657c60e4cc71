package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
)

// WorkflowRepository persists workflow definitions.
type WorkflowRepository interface {
	// GetActiveWorkflow returns the active definition for a category or a
	// NOT_FOUND error.
	GetActiveWorkflow(ctx context.Context, category approvable.Type) (*WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error)
	// CreateWorkflow fails with DUPLICATE_REQUEST when the category already
	// has an active definition.
	CreateWorkflow(ctx context.Context, wf *WorkflowDefinition) error
}

// RequestTx is the view of one locked request inside WithRequestLock.
// Writes become visible only if the callback returns nil.
type RequestTx interface {
	Request() *ApprovalRequest
	AppendAction(ctx context.Context, action *ApprovalAction) error
	SaveRequest(ctx context.Context, req *ApprovalRequest) error
}

// RequestRepository persists approval requests and their action log.
type RequestRepository interface {
	// CreateRequest fails with DUPLICATE_REQUEST when the approvable is
	// already bound to a request.
	CreateRequest(ctx context.Context, req *ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	GetRequestByApprovable(ctx context.Context, ref approvable.Ref) (*ApprovalRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, int, error)
	CountByStatus(ctx context.Context, filter RequestFilter) (map[Status]int, error)
	// ListAutoApproveDue returns open (pending or in_progress) requests whose
	// workflow enables auto-approval and whose due time has passed.
	ListAutoApproveDue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error)
	ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error)
	// WithRequestLock runs fn while holding the request's mutual exclusion
	// boundary. A lost lock race surfaces as CONCURRENCY_CONFLICT.
	WithRequestLock(ctx context.Context, id string, fn func(tx RequestTx) error) error
}

// BulkJobRepository persists asynchronous bulk jobs.
type BulkJobRepository interface {
	CreateJob(ctx context.Context, job *BulkJob) error
	GetJob(ctx context.Context, id string) (*BulkJob, error)
	UpdateJob(ctx context.Context, job *BulkJob) error
	// CancelJob moves a non-final job to cancelled and returns it.
	CancelJob(ctx context.Context, id string) (*BulkJob, error)
}

// ApproverDirectory finds users who may be notified about pending work.
type ApproverDirectory interface {
	UsersWithRole(ctx context.Context, role access.Role, institutionIDs []int64) ([]int64, error)
}

// Store bundles the approval persistence ports.
type Store interface {
	WorkflowRepository
	RequestRepository
	BulkJobRepository
}

// AutoApproveDueAt returns when req becomes eligible for auto-approval under
// wf, or false when wf does not auto-approve.
func AutoApproveDueAt(req *ApprovalRequest, wf *WorkflowDefinition) (time.Time, bool) {
	if wf == nil || wf.Config.AutoApproveAfter == nil {
		return time.Time{}, false
	}
	if req.Deadline != nil {
		return *req.Deadline, true
	}
	return req.SubmittedAt.Add(*wf.Config.AutoApproveAfter), true
}
