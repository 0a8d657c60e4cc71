package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// approvableTable maps an approvable type onto its owning table.
type approvableTable struct {
	typ        approvable.Type
	table      string
	ownerCol   string
	titleExpr  string
	dataCol    string
	extraOnSet string
}

var (
	surveyResponsesTable = approvableTable{
		typ:       approvable.TypeSurveyResponse,
		table:     "survey_responses",
		ownerCol:  "respondent_id",
		titleExpr: "'Survey ' || survey_id::text",
		dataCol:   "data",
		extraOnSet: `,
		    submitted_at = CASE WHEN $2 = 'submitted' THEN NOW() ELSE submitted_at END,
		    approved_at  = CASE WHEN $2 = 'approved' THEN NOW() ELSE NULL END`,
	}
	dataRequestsTable = approvableTable{
		typ:       approvable.TypeDataRequest,
		table:     "data_requests",
		ownerCol:  "requested_by",
		titleExpr: "title",
		dataCol:   "payload",
	}
)

// ApprovableRepository is the approvable.Store for one entity table.
type ApprovableRepository struct {
	db *database.DB
	t  approvableTable
}

// NewSurveyResponseRepository returns the store behind survey responses.
func NewSurveyResponseRepository(db *database.DB) *ApprovableRepository {
	return &ApprovableRepository{db: db, t: surveyResponsesTable}
}

// NewDataRequestRepository returns the store behind data requests.
func NewDataRequestRepository(db *database.DB) *ApprovableRepository {
	return &ApprovableRepository{db: db, t: dataRequestsTable}
}

// Get loads one record.
func (r *ApprovableRepository) Get(ctx context.Context, id int64) (*approvable.Record, error) {
	query := fmt.Sprintf(`
		SELECT id, institution_id, %s, %s, status, %s,
		       COALESCE(status_changed_by, 0), COALESCE(rejection_reason, '')
		FROM %s
		WHERE id = $1
	`, r.t.ownerCol, r.t.titleExpr, r.t.dataCol, r.t.table)

	rec := &approvable.Record{}
	var dataJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.InstitutionID,
		&rec.OwnerID,
		&rec.Title,
		&rec.Status,
		&dataJSON,
		&rec.StatusChangedBy,
		&rec.RejectionReason,
	)
	if isNoRows(err) {
		return nil, errors.NotFound(string(r.t.typ), strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, mapPgError(err, fmt.Sprintf("failed to get %s", r.t.typ))
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &rec.Data); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to decode %s data", r.t.typ))
		}
	}
	return rec, nil
}

// SetStatus moves the entity to status on behalf of actorID.
func (r *ApprovableRepository) SetStatus(ctx context.Context, id int64, status approvable.Status, actorID int64, reason string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status            = $2,
		    status_changed_by = $3,
		    rejection_reason  = NULLIF($4, '')%s,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING id
	`, r.t.table, r.t.extraOnSet)

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, status, actorID, reason).Scan(&returnedID)
	if isNoRows(err) {
		return errors.NotFound(string(r.t.typ), strconv.FormatInt(id, 10))
	}
	return mapPgError(err, fmt.Sprintf("failed to update %s status", r.t.typ))
}

// SetData replaces the entity payload.
func (r *ApprovableRepository) SetData(ctx context.Context, id int64, data map[string]any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to marshal %s data", r.t.typ))
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`, r.t.table, r.t.dataCol)

	var returnedID int64
	err = r.db.QueryRow(ctx, query, id, dataJSON).Scan(&returnedID)
	if isNoRows(err) {
		return errors.NotFound(string(r.t.typ), strconv.FormatInt(id, 10))
	}
	return mapPgError(err, fmt.Sprintf("failed to update %s data", r.t.typ))
}

var _ approvable.Store = (*ApprovableRepository)(nil)
