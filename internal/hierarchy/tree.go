package hierarchy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// Institution is one organizational unit (ministry, region, sector, school).
type Institution struct {
	ID       int64
	ParentID int64 // 0 for roots
	Level    int
	Name     string
}

// Tree is an immutable closure-table view of the institution hierarchy.
// All lookups are map reads; build a new Tree to reflect changes.
type Tree struct {
	nodes       map[int64]Institution
	ancestors   map[int64][]int64 // nearest first
	descendants map[int64]map[int64]struct{}
}

// Build validates the institutions and precomputes ancestor and descendant
// sets for every node.
func Build(institutions []Institution) (*Tree, error) {
	t := &Tree{
		nodes:       make(map[int64]Institution, len(institutions)),
		ancestors:   make(map[int64][]int64, len(institutions)),
		descendants: make(map[int64]map[int64]struct{}, len(institutions)),
	}
	for _, inst := range institutions {
		if inst.ID == 0 {
			return nil, errors.InvalidInput("institution.id", "must be non-zero")
		}
		if _, dup := t.nodes[inst.ID]; dup {
			return nil, errors.InvalidInput("institution.id", fmt.Sprintf("duplicate institution %d", inst.ID))
		}
		t.nodes[inst.ID] = inst
	}
	for id, inst := range t.nodes {
		var chain []int64
		seen := map[int64]struct{}{id: {}}
		for parent := inst.ParentID; parent != 0; {
			p, ok := t.nodes[parent]
			if !ok {
				return nil, errors.InvalidInput("institution.parent_id",
					fmt.Sprintf("institution %d references unknown parent %d", id, parent))
			}
			if _, loop := seen[parent]; loop {
				return nil, errors.InvalidInput("institution.parent_id",
					fmt.Sprintf("cycle detected at institution %d", parent))
			}
			seen[parent] = struct{}{}
			chain = append(chain, parent)
			parent = p.ParentID
		}
		t.ancestors[id] = chain
		for _, a := range chain {
			set, ok := t.descendants[a]
			if !ok {
				set = make(map[int64]struct{})
				t.descendants[a] = set
			}
			set[id] = struct{}{}
		}
	}
	return t, nil
}

func notFound(id int64) error {
	return errors.NotFound("institution", strconv.FormatInt(id, 10))
}

// Contains reports whether id is part of the tree.
func (t *Tree) Contains(id int64) bool {
	_, ok := t.nodes[id]
	return ok
}

// Len returns the number of institutions.
func (t *Tree) Len() int { return len(t.nodes) }

// GetAncestors returns ancestor ids, nearest parent first.
func (t *Tree) GetAncestors(id int64) ([]int64, error) {
	chain, ok := t.ancestors[id]
	if !ok {
		return nil, notFound(id)
	}
	out := make([]int64, len(chain))
	copy(out, chain)
	return out, nil
}

// GetAllDescendantIDs returns every institution below id, sorted ascending.
// The institution itself is not included.
func (t *Tree) GetAllDescendantIDs(id int64) ([]int64, error) {
	if !t.Contains(id) {
		return nil, notFound(id)
	}
	set := t.descendants[id]
	out := make([]int64, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetLevel returns the hierarchy level of id.
func (t *Tree) GetLevel(id int64) (int, error) {
	inst, ok := t.nodes[id]
	if !ok {
		return 0, notFound(id)
	}
	return inst.Level, nil
}

// IsDescendant reports whether id sits strictly below ancestor.
func (t *Tree) IsDescendant(ancestor, id int64) bool {
	_, ok := t.descendants[ancestor][id]
	return ok
}
