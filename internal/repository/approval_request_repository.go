package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// ApprovalRequestRepository manages approval_requests and their
// append-only approval_actions.
type ApprovalRequestRepository struct {
	db          *database.DB
	lockTimeout time.Duration
}

// RequestOption configures an ApprovalRequestRepository.
type RequestOption func(*ApprovalRequestRepository)

// WithLockTimeout sets the postgres lock_timeout used by WithRequestLock.
func WithLockTimeout(d time.Duration) RequestOption {
	return func(r *ApprovalRequestRepository) { r.lockTimeout = d }
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB, opts ...RequestOption) *ApprovalRequestRepository {
	r := &ApprovalRequestRepository{db: db, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const requestColumns = `
	r.id, r.workflow_id, r.approvable_type, r.approvable_id,
	r.institution_id, r.submitted_by, r.submitted_at, r.deadline,
	r.current_status, r.current_approval_level, r.completed_at,
	r.summary, r.version, r.updated_at`

// CreateRequest inserts a new request. The unique constraint on
// (approvable_type, approvable_id) reports DUPLICATE_REQUEST.
func (r *ApprovalRequestRepository) CreateRequest(ctx context.Context, req *ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests
		    (id, workflow_id, approvable_type, approvable_id,
		     institution_id, submitted_by, submitted_at, deadline,
		     current_status, current_approval_level, summary)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11)
		RETURNING version, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.ID,
		req.WorkflowID,
		req.ApprovableType,
		req.ApprovableID,
		req.InstitutionID,
		req.SubmittedBy,
		req.SubmittedAt,
		req.Deadline,
		req.CurrentStatus,
		req.CurrentApprovalLevel,
		req.Summary,
	).Scan(&req.Version, &req.UpdatedAt)
	if err != nil {
		mapped := mapPgError(err, "failed to create approval request")
		if errors.Is(mapped, errors.ErrDuplicateRequest) {
			return errors.Duplicate("approval_request", req.Ref().String())
		}
		return mapped
	}
	return nil
}

// GetRequest retrieves a request by primary key.
func (r *ApprovalRequestRepository) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests r WHERE r.id = $1`
	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, mapPgError(err, "failed to get approval request")
}

// GetRequestByApprovable returns the request bound to ref.
func (r *ApprovalRequestRepository) GetRequestByApprovable(ctx context.Context, ref approvable.Ref) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM approval_requests r
		WHERE r.approvable_type = $1 AND r.approvable_id = $2
	`
	req, err := scanRequest(r.db.QueryRow(ctx, query, ref.Type, ref.ID))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_request", ref.String())
	}
	return req, mapPgError(err, "failed to get approval request")
}

// whereClause renders filter as SQL. The scope branch evaluates the same
// predicate as access.Scope.Allows; the role match reads the chain role at the
// request's current level straight from the workflow JSONB.
func whereClause(f RequestFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ApprovableType != "" {
		conds = append(conds, "r.approvable_type = "+arg(f.ApprovableType))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "r.current_status = ANY("+arg(statuses)+")")
	}
	if len(f.InstitutionIDs) > 0 {
		conds = append(conds, "r.institution_id = ANY("+arg(f.InstitutionIDs)+")")
	}
	if f.SubmittedFrom != nil {
		conds = append(conds, "r.submitted_at >= "+arg(*f.SubmittedFrom))
	}
	if f.SubmittedTo != nil {
		conds = append(conds, "r.submitted_at <= "+arg(*f.SubmittedTo))
	}
	if f.Search != "" {
		p := arg(containsPattern(f.Search))
		conds = append(conds, fmt.Sprintf(
			`(r.summary ILIKE %s ESCAPE '\' OR r.id ILIKE %s ESCAPE '\' OR r.approvable_id::text ILIKE %s ESCAPE '\')`, p, p, p))
	}

	switch s := f.Scope; {
	case s.Unrestricted:
	case s.OwnSubmitterID != 0 || s.MatchRole != "":
		own := "FALSE"
		if s.OwnSubmitterID != 0 {
			own = "r.submitted_by = " + arg(s.OwnSubmitterID)
		}
		role := "FALSE"
		if s.MatchRole != "" {
			role = `EXISTS (
				SELECT 1 FROM workflow_definitions w,
				       jsonb_array_elements(w.approval_chain) step
				WHERE w.id = r.workflow_id
				  AND (step->>'level')::int = r.current_approval_level
				  AND step->>'role' = ` + arg(string(s.MatchRole)) + `)`
		}
		conds = append(conds, "("+own+" OR "+role+")")
	default:
		ids := s.InstitutionIDs
		if ids == nil {
			ids = []int64{}
		}
		conds = append(conds, "r.institution_id = ANY("+arg(ids)+")")
		if s.ExcludeSubmitterID != 0 {
			conds = append(conds, "r.submitted_by <> "+arg(s.ExcludeSubmitterID))
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListRequests returns one page of matching requests, newest first, plus the
// total match count.
func (r *ApprovalRequestRepository) ListRequests(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, int, error) {
	where, args := whereClause(filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests r`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPgError(err, "failed to count approval requests")
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests r` + where +
		` ORDER BY r.submitted_at DESC, r.id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapPgError(err, "failed to list approval requests")
	}
	defer rows.Close()

	requests := make([]*ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, total, mapPgError(rows.Err(), "failed to list approval requests")
}

// CountByStatus aggregates matching requests per status.
func (r *ApprovalRequestRepository) CountByStatus(ctx context.Context, filter RequestFilter) (map[Status]int, error) {
	where, args := whereClause(filter)
	rows, err := r.db.Query(ctx,
		`SELECT r.current_status, COUNT(*) FROM approval_requests r`+where+` GROUP BY r.current_status`,
		args...)
	if err != nil {
		return nil, mapPgError(err, "failed to count approval requests")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan status count")
		}
		counts[status] = n
	}
	return counts, mapPgError(rows.Err(), "failed to count approval requests")
}

// ListAutoApproveDue returns open requests past their auto-approve due time.
func (r *ApprovalRequestRepository) ListAutoApproveDue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM approval_requests r
		JOIN workflow_definitions w ON w.id = r.workflow_id
		WHERE r.current_status IN ('pending', 'in_progress')
		  AND w.auto_approve_after_seconds IS NOT NULL
		  AND COALESCE(r.deadline, r.submitted_at + make_interval(secs => w.auto_approve_after_seconds)) <= $1
		ORDER BY r.submitted_at ASC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, mapPgError(err, "failed to list auto-approve candidates")
	}
	defer rows.Close()

	var due []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		due = append(due, req)
	}
	return due, mapPgError(rows.Err(), "failed to list auto-approve candidates")
}

// ListActions returns the action log of a request, oldest first.
func (r *ApprovalRequestRepository) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, approval_request_id, approver_id, approval_level,
		       action, comments, metadata, action_taken_at
		FROM approval_actions
		WHERE approval_request_id = $1
		ORDER BY action_taken_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, mapPgError(err, "failed to list approval actions")
	}
	defer rows.Close()

	actions := make([]*ApprovalAction, 0)
	for rows.Next() {
		a := &ApprovalAction{}
		var metadataJSON []byte
		if err := rows.Scan(
			&a.ID,
			&a.ApprovalRequestID,
			&a.ApproverID,
			&a.ApprovalLevel,
			&a.Action,
			&a.Comments,
			&metadataJSON,
			&a.ActionTakenAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode action metadata")
			}
		}
		actions = append(actions, a)
	}
	return actions, mapPgError(rows.Err(), "failed to list approval actions")
}

// ── Locking ──────────────────────────────────────────────────────────────────

type pgRequestTx struct {
	tx      pgx.Tx
	req     *ApprovalRequest
	version int64
}

func (t *pgRequestTx) Request() *ApprovalRequest { return t.req }

func (t *pgRequestTx) AppendAction(ctx context.Context, a *ApprovalAction) error {
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal action metadata")
	}

	query := `
		INSERT INTO approval_actions
		    (id, approval_request_id, approver_id, approval_level,
		     action, comments, metadata, action_taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = t.tx.Exec(ctx, query,
		a.ID,
		a.ApprovalRequestID,
		a.ApproverID,
		a.ApprovalLevel,
		a.Action,
		a.Comments,
		metadataJSON,
		a.ActionTakenAt,
	)
	return mapPgError(err, "failed to append approval action")
}

func (t *pgRequestTx) SaveRequest(ctx context.Context, req *ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET current_status         = $3,
		    current_approval_level = $4,
		    completed_at           = $5,
		    deadline               = $6,
		    version                = version + 1,
		    updated_at             = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		req.ID,
		t.version,
		req.CurrentStatus,
		req.CurrentApprovalLevel,
		req.CompletedAt,
		req.Deadline,
	).Scan(&req.Version, &req.UpdatedAt)
	if isNoRows(err) {
		return errors.Conflict(fmt.Sprintf("approval request %s changed concurrently", req.ID))
	}
	return mapPgError(err, "failed to update approval request")
}

// WithRequestLock locks the request row with SELECT ... FOR UPDATE under a
// bounded lock_timeout and runs fn in the same transaction.
func (r *ApprovalRequestRepository) WithRequestLock(ctx context.Context, id string, fn func(tx RequestTx) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return mapPgError(err, "failed to set lock timeout")
		}

		query := `SELECT ` + requestColumns + ` FROM approval_requests r WHERE r.id = $1 FOR UPDATE`
		req, err := scanRequest(tx.QueryRow(ctx, query, id))
		if isNoRows(err) {
			return errors.NotFound("approval_request", id)
		}
		if err != nil {
			mapped := mapPgError(err, "failed to lock approval request")
			if errors.Is(mapped, errors.ErrConcurrencyConflict) {
				return errors.Wrap(err, errors.ErrCodeConflict,
					fmt.Sprintf("approval request %s is locked by another transition", id))
			}
			return mapped
		}
		return fn(&pgRequestTx{tx: tx, req: req, version: req.Version})
	})
}

func scanRequest(row scanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.WorkflowID,
		&req.ApprovableType,
		&req.ApprovableID,
		&req.InstitutionID,
		&req.SubmittedBy,
		&req.SubmittedAt,
		&req.Deadline,
		&req.CurrentStatus,
		&req.CurrentApprovalLevel,
		&req.CompletedAt,
		&req.Summary,
		&req.Version,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern turns free text into an ILIKE substring pattern that
// matches it literally.
func containsPattern(search string) string {
	return "%" + likeEscaper.Replace(search) + "%"
}
