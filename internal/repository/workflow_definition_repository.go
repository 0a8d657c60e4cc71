package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// WorkflowDefinitionRepository handles workflow_definitions.
type WorkflowDefinitionRepository struct {
	db *database.DB
}

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db *database.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

const workflowColumns = `
	id, category, name, approval_chain, require_all_levels,
	auto_approve_after_seconds, is_active, created_at`

// CreateWorkflow inserts a definition. The partial unique index on active
// categories turns a concurrent second insert into DUPLICATE_REQUEST.
func (r *WorkflowDefinitionRepository) CreateWorkflow(ctx context.Context, wf *WorkflowDefinition) error {
	chainJSON, err := json.Marshal(wf.ApprovalChain)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval chain")
	}

	var autoSeconds *int64
	if wf.Config.AutoApproveAfter != nil {
		s := int64(wf.Config.AutoApproveAfter.Seconds())
		autoSeconds = &s
	}

	query := `
		INSERT INTO workflow_definitions
		    (id, category, name, approval_chain, require_all_levels,
		     auto_approve_after_seconds, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err = r.db.QueryRow(ctx, query,
		wf.ID,
		wf.Category,
		wf.Name,
		chainJSON,
		wf.Config.RequireAllLevels,
		autoSeconds,
		wf.IsActive,
	).Scan(&wf.CreatedAt)
	return mapPgError(err, "failed to create workflow definition")
}

// GetActiveWorkflow returns the active definition for category.
func (r *WorkflowDefinitionRepository) GetActiveWorkflow(ctx context.Context, category approvable.Type) (*WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflow_definitions
		WHERE category = $1 AND is_active
	`
	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, category))
	if isNoRows(err) {
		return nil, errors.NotFound("workflow_definition", string(category))
	}
	return wf, mapPgError(err, "failed to get active workflow definition")
}

// GetWorkflow retrieves a definition by primary key.
func (r *WorkflowDefinitionRepository) GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflow_definitions
		WHERE id = $1
	`
	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return wf, mapPgError(err, "failed to get workflow definition")
}

func scanWorkflow(row scanner) (*WorkflowDefinition, error) {
	wf := &WorkflowDefinition{}
	var chainJSON []byte
	var autoSeconds *int64
	err := row.Scan(
		&wf.ID,
		&wf.Category,
		&wf.Name,
		&chainJSON,
		&wf.Config.RequireAllLevels,
		&autoSeconds,
		&wf.IsActive,
		&wf.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chainJSON, &wf.ApprovalChain); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode approval chain")
	}
	if autoSeconds != nil {
		d := time.Duration(*autoSeconds) * time.Second
		wf.Config.AutoApproveAfter = &d
	}
	return wf, nil
}
