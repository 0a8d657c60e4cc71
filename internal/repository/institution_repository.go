package repository

import (
	"context"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/hierarchy"
)

// InstitutionRepository reads the institutions tree and the users attached
// to it. It is the hierarchy.Source and the ApproverDirectory in postgres
// deployments.
type InstitutionRepository struct {
	db *database.DB
}

// NewInstitutionRepository creates a new InstitutionRepository.
func NewInstitutionRepository(db *database.DB) *InstitutionRepository {
	return &InstitutionRepository{db: db}
}

// LoadInstitutions returns every institution.
func (r *InstitutionRepository) LoadInstitutions(ctx context.Context) ([]hierarchy.Institution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, COALESCE(parent_id, 0), level, name
		FROM institutions
		ORDER BY level ASC, id ASC
	`)
	if err != nil {
		return nil, mapPgError(err, "failed to load institutions")
	}
	defer rows.Close()

	var out []hierarchy.Institution
	for rows.Next() {
		var inst hierarchy.Institution
		if err := rows.Scan(&inst.ID, &inst.ParentID, &inst.Level, &inst.Name); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan institution")
		}
		out = append(out, inst)
	}
	return out, mapPgError(rows.Err(), "failed to load institutions")
}

// UsersWithRole returns active users holding role at any of institutionIDs.
func (r *InstitutionRepository) UsersWithRole(ctx context.Context, role access.Role, institutionIDs []int64) ([]int64, error) {
	if len(institutionIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT id
		FROM users
		WHERE is_active AND role = $1 AND institution_id = ANY($2)
		ORDER BY id
	`, string(role), institutionIDs)
	if err != nil {
		return nil, mapPgError(err, "failed to find approvers")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		ids = append(ids, id)
	}
	return ids, mapPgError(rows.Err(), "failed to find approvers")
}

var (
	_ hierarchy.Source  = (*InstitutionRepository)(nil)
	_ ApproverDirectory = (*InstitutionRepository)(nil)
)
