package access

import (
	"fmt"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/hierarchy"
)

// Resolver turns an actor into a Scope using the institution hierarchy.
type Resolver struct {
	tree hierarchy.Reader
}

func NewResolver(tree hierarchy.Reader) *Resolver {
	return &Resolver{tree: tree}
}

// Resolve computes the actor's scope.
func (r *Resolver) Resolve(actor Actor) (Scope, error) {
	switch actor.Role.Kind() {
	case ScopeGlobal, ScopeSystem:
		return Scope{Unrestricted: true}, nil

	case ScopeSubtree:
		ids, err := r.tree.GetAllDescendantIDs(actor.InstitutionID)
		if err != nil {
			return Scope{}, errors.Wrap(err, errors.ErrCodeUnauthorized,
				fmt.Sprintf("%s home institution %d is not in the hierarchy", actor.Role, actor.InstitutionID))
		}
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		return Scope{InstitutionIDs: set, ExcludeSubmitterID: actor.UserID}, nil

	case ScopeInstitution:
		if actor.InstitutionID == 0 {
			return Scope{}, errors.Unauthorized(fmt.Sprintf("%s has no home institution", actor.Role))
		}
		return Scope{
			InstitutionIDs:     map[int64]struct{}{actor.InstitutionID: {}},
			ExcludeSubmitterID: actor.UserID,
		}, nil

	default:
		return Scope{OwnSubmitterID: actor.UserID, MatchRole: actor.Role}, nil
	}
}

// CanAct reports whether actor may act on sub. It agrees with list
// filtering because both evaluate Scope.Allows.
func (r *Resolver) CanAct(actor Actor, sub Subject) (bool, error) {
	scope, err := r.Resolve(actor)
	if err != nil {
		return false, err
	}
	return scope.Allows(sub), nil
}
