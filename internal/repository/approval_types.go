package repository

import (
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
)

// ── Workflow definitions ─────────────────────────────────────────────────────

// ChainStep is one entry of a workflow's approval_chain JSONB array.
type ChainStep struct {
	Level    int         `json:"level"`
	Role     access.Role `json:"role"`
	Required bool        `json:"required"`
	Title    string      `json:"title"`
}

// WorkflowConfig is the policy attached to a chain.
type WorkflowConfig struct {
	RequireAllLevels bool
	AutoApproveAfter *time.Duration // nil disables the auto-approve sweep
}

// WorkflowDefinition is an ordered approval chain for one approvable category.
type WorkflowDefinition struct {
	ID            string
	Category      approvable.Type
	Name          string
	ApprovalChain []ChainStep
	Config        WorkflowConfig
	IsActive      bool
	CreatedAt     time.Time
}

// ── Requests ─────────────────────────────────────────────────────────────────

// Status is the state of an approval request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusReturned   Status = "returned"
)

// IsTerminal reports whether no further action may mutate the request.
func (s Status) IsTerminal() bool { return s == StatusApproved || s == StatusRejected }

// OpenStatuses are the non-terminal statuses.
var OpenStatuses = []Status{StatusPending, StatusInProgress, StatusReturned}

// ApprovalRequest is the state machine instance bound to one approvable.
type ApprovalRequest struct {
	ID                   string
	WorkflowID           string
	ApprovableType       approvable.Type
	ApprovableID         int64
	InstitutionID        int64
	SubmittedBy          int64
	SubmittedAt          time.Time
	Deadline             *time.Time
	CurrentStatus        Status
	CurrentApprovalLevel int
	CompletedAt          *time.Time
	Summary              string
	Version              int64
	UpdatedAt            time.Time
}

// Ref returns the approvable reference.
func (r *ApprovalRequest) Ref() approvable.Ref {
	return approvable.Ref{Type: r.ApprovableType, ID: r.ApprovableID}
}

// Clone returns a deep copy.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	cp := *r
	if r.Deadline != nil {
		d := *r.Deadline
		cp.Deadline = &d
	}
	if r.CompletedAt != nil {
		c := *r.CompletedAt
		cp.CompletedAt = &c
	}
	return &cp
}

// ── Actions ──────────────────────────────────────────────────────────────────

// ActionKind is the decision recorded by an ApprovalAction.
type ActionKind string

const (
	ActionApproved    ActionKind = "approved"
	ActionRejected    ActionKind = "rejected"
	ActionReturned    ActionKind = "returned"
	ActionEdited      ActionKind = "edited"
	ActionResubmitted ActionKind = "resubmitted"
)

// ApprovalAction is one immutable entry in a request's decision log.
type ApprovalAction struct {
	ID                string
	ApprovalRequestID string
	ApproverID        int64
	ApprovalLevel     int
	Action            ActionKind
	Comments          string
	Metadata          map[string]any
	ActionTakenAt     time.Time
}

// ── Queries ──────────────────────────────────────────────────────────────────

// ScopeFilter restricts a query to what an actor may see. It mirrors
// access.Scope so the database evaluates the same predicate as Scope.Allows.
type ScopeFilter struct {
	Unrestricted       bool
	InstitutionIDs     []int64 // used when OwnSubmitterID and MatchRole are empty
	ExcludeSubmitterID int64
	OwnSubmitterID     int64
	MatchRole          access.Role
}

// RequestFilter selects approval requests.
type RequestFilter struct {
	ApprovableType approvable.Type
	Statuses       []Status
	InstitutionIDs []int64
	SubmittedFrom  *time.Time
	SubmittedTo    *time.Time
	Search         string
	Scope          ScopeFilter
	Limit          int
	Offset         int
}

// ── Bulk jobs ────────────────────────────────────────────────────────────────

// BulkAction is the decision applied by a bulk job.
type BulkAction string

const (
	BulkApprove BulkAction = "approve"
	BulkReject  BulkAction = "reject"
	BulkReturn  BulkAction = "return"
)

// JobStatus is the lifecycle of a bulk job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsFinal reports whether the job will not run again.
func (s JobStatus) IsFinal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ItemResult is the outcome of one successfully applied bulk item.
type ItemResult struct {
	ApprovableID int64  `json:"approvable_id"`
	RequestID    string `json:"request_id"`
	Status       string `json:"status"`
}

// ItemError is the failure of one bulk item.
type ItemError struct {
	ApprovableID int64  `json:"approvable_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// BulkJob is a persisted asynchronous batch.
type BulkJob struct {
	ID                  string
	Action              BulkAction
	ApprovableType      approvable.Type
	Actor               access.Actor
	Comments            string
	ItemIDs             []int64
	Status              JobStatus
	Total               int
	Processed           int
	Successful          int
	Failed              int
	Results             []ItemResult
	Errors              []ItemError
	EstimatedCompletion time.Time
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// Clone returns a deep copy.
func (j *BulkJob) Clone() *BulkJob {
	cp := *j
	cp.ItemIDs = append([]int64(nil), j.ItemIDs...)
	cp.Results = append([]ItemResult(nil), j.Results...)
	cp.Errors = append([]ItemError(nil), j.Errors...)
	return &cp
}
