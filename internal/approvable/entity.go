package approvable

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// Status is the lifecycle state of an approvable entity as its owning
// subsystem sees it.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Record is the persisted state shared by survey responses and data requests.
type Record struct {
	ID              int64
	InstitutionID   int64
	OwnerID         int64
	Title           string
	Status          Status
	Data            map[string]any
	StatusChangedBy int64
	RejectionReason string
}

// Store persists one approvable table.
type Store interface {
	Get(ctx context.Context, id int64) (*Record, error)
	SetStatus(ctx context.Context, id int64, status Status, actorID int64, reason string) error
	SetData(ctx context.Context, id int64, data map[string]any) error
}

type entity struct {
	typ    Type
	record *Record
	store  Store
}

func (e *entity) Ref() Ref             { return Ref{Type: e.typ, ID: e.record.ID} }
func (e *entity) InstitutionID() int64 { return e.record.InstitutionID }
func (e *entity) SubmitterID() int64   { return e.record.OwnerID }
func (e *entity) Record() Record       { return *e.record }
func (e *entity) setStatus(ctx context.Context, s Status, actorID int64, reason string) error {
	if err := e.store.SetStatus(ctx, e.record.ID, s, actorID, reason); err != nil {
		return err
	}
	e.record.Status = s
	e.record.StatusChangedBy = actorID
	e.record.RejectionReason = reason
	return nil
}

func (e *entity) MarkSubmitted(ctx context.Context, actorID int64) error {
	return e.setStatus(ctx, StatusSubmitted, actorID, "")
}

func (e *entity) MarkApproved(ctx context.Context, actorID int64) error {
	return e.setStatus(ctx, StatusApproved, actorID, "")
}

func (e *entity) MarkRejected(ctx context.Context, actorID int64, reason string) error {
	return e.setStatus(ctx, StatusRejected, actorID, reason)
}

func (e *entity) MarkEditable(ctx context.Context, actorID int64) error {
	return e.setStatus(ctx, StatusDraft, actorID, "")
}

func (e *entity) UpdateData(ctx context.Context, actorID int64, data map[string]any) error {
	if e.record.Status == StatusApproved || e.record.Status == StatusRejected {
		return errors.AlreadyTerminal(e.Ref().String(), string(e.record.Status))
	}
	if err := e.store.SetData(ctx, e.record.ID, data); err != nil {
		return err
	}
	e.record.Data = data
	return nil
}

// SurveyResponse is a submitted answer set for one survey.
type SurveyResponse struct {
	entity
}

func (s *SurveyResponse) Summary() string {
	if s.record.Title != "" {
		return fmt.Sprintf("Survey response #%d (%s)", s.record.ID, s.record.Title)
	}
	return fmt.Sprintf("Survey response #%d", s.record.ID)
}

// DataRequest is an administrative request for institution data.
type DataRequest struct {
	entity
}

func (d *DataRequest) Summary() string {
	return fmt.Sprintf("Data request #%d: %s", d.record.ID, d.record.Title)
}

type loader struct {
	typ   Type
	store Store
}

func (l *loader) Load(ctx context.Context, id int64) (Approvable, error) {
	rec, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NotFound(string(l.typ), strconv.FormatInt(id, 10))
	}
	base := entity{typ: l.typ, record: rec, store: l.store}
	switch l.typ {
	case TypeDataRequest:
		return &DataRequest{entity: base}, nil
	default:
		return &SurveyResponse{entity: base}, nil
	}
}

// SurveyResponses returns a loader for survey responses backed by store.
func SurveyResponses(store Store) Loader {
	return &loader{typ: TypeSurveyResponse, store: store}
}

// DataRequests returns a loader for data requests backed by store.
func DataRequests(store Store) Loader {
	return &loader{typ: TypeDataRequest, store: store}
}
