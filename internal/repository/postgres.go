package repository

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// PostgresStore bundles the postgres adapters behind the Store port.
type PostgresStore struct {
	*WorkflowDefinitionRepository
	*ApprovalRequestRepository
	*BulkJobStore
}

// NewPostgresStore wires every postgres adapter onto db.
func NewPostgresStore(db *database.DB, opts ...RequestOption) *PostgresStore {
	return &PostgresStore{
		WorkflowDefinitionRepository: NewWorkflowDefinitionRepository(db),
		ApprovalRequestRepository:    NewApprovalRequestRepository(db, opts...),
		BulkJobStore:                 NewBulkJobStore(db),
	}
}

var _ Store = (*PostgresStore)(nil)

// mapPgError translates driver errors into the service taxonomy.
func mapPgError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return errors.Wrap(err, errors.ErrCodeDuplicate, message)
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return errors.Wrap(err, errors.ErrCodeConflict, message)
		}
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}
