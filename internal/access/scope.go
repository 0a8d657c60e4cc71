package access

import "sort"

// Subject is the part of an approval request that visibility depends on.
type Subject struct {
	InstitutionID int64
	SubmittedBy   int64
	// LevelRole is the chain role at the request's current approval level.
	LevelRole Role
}

// Scope is the resolved visibility of one actor. It is derived per call and
// never persisted.
type Scope struct {
	Unrestricted bool
	// InstitutionIDs is non-nil for institution-bound scopes.
	InstitutionIDs map[int64]struct{}
	// ExcludeSubmitterID hides requests submitted by this user (0 = none).
	ExcludeSubmitterID int64
	// OwnSubmitterID and MatchRole describe ScopeOwn visibility.
	OwnSubmitterID int64
	MatchRole      Role
}

// Allows is the single predicate behind both list filtering and canAct.
func (s Scope) Allows(sub Subject) bool {
	if s.Unrestricted {
		return true
	}
	if s.InstitutionIDs != nil {
		if _, ok := s.InstitutionIDs[sub.InstitutionID]; !ok {
			return false
		}
		return s.ExcludeSubmitterID == 0 || sub.SubmittedBy != s.ExcludeSubmitterID
	}
	if s.OwnSubmitterID != 0 && sub.SubmittedBy == s.OwnSubmitterID {
		return true
	}
	return s.MatchRole != "" && sub.LevelRole == s.MatchRole
}

// InstitutionList returns the allowed institution ids in ascending order.
func (s Scope) InstitutionList() []int64 {
	if s.InstitutionIDs == nil {
		return nil
	}
	out := make([]int64, 0, len(s.InstitutionIDs))
	for id := range s.InstitutionIDs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
