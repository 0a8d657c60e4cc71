package hierarchy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/logger"
)

// Source loads the institutions that make up the hierarchy.
type Source interface {
	LoadInstitutions(ctx context.Context) ([]Institution, error)
}

// Reader is the read-only view consumed by the approval core.
type Reader interface {
	GetAncestors(id int64) ([]int64, error)
	GetAllDescendantIDs(id int64) ([]int64, error)
	GetLevel(id int64) (int, error)
	IsDescendant(ancestor, id int64) bool
}

// StaticSource serves a fixed list of institutions.
type StaticSource []Institution

func (s StaticSource) LoadInstitutions(context.Context) ([]Institution, error) {
	out := make([]Institution, len(s))
	copy(out, s)
	return out, nil
}

// Hierarchy holds the current Tree and swaps it atomically on Refresh, so
// readers never observe a partially built tree.
type Hierarchy struct {
	source  Source
	current atomic.Pointer[Tree]
	log     *logger.Logger
}

// New loads the initial tree from source.
func New(ctx context.Context, source Source, log *logger.Logger) (*Hierarchy, error) {
	h := &Hierarchy{source: source, log: log}
	if err := h.Refresh(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Refresh rebuilds the tree from the source. On failure the previous tree
// stays in place.
func (h *Hierarchy) Refresh(ctx context.Context) error {
	institutions, err := h.source.LoadInstitutions(ctx)
	if err != nil {
		return err
	}
	tree, err := Build(institutions)
	if err != nil {
		return err
	}
	h.current.Store(tree)
	h.log.Debug().Int("institutions", tree.Len()).Msg("Institution hierarchy loaded")
	return nil
}

// Run refreshes the tree every interval until ctx is done.
func (h *Hierarchy) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Refresh(ctx); err != nil {
				h.log.Warn().Err(err).Msg("Institution hierarchy refresh failed; keeping previous tree")
			}
		}
	}
}

// Tree returns the current snapshot.
func (h *Hierarchy) Tree() *Tree { return h.current.Load() }

func (h *Hierarchy) GetAncestors(id int64) ([]int64, error) { return h.Tree().GetAncestors(id) }

func (h *Hierarchy) GetAllDescendantIDs(id int64) ([]int64, error) {
	return h.Tree().GetAllDescendantIDs(id)
}

func (h *Hierarchy) GetLevel(id int64) (int, error) { return h.Tree().GetLevel(id) }

func (h *Hierarchy) IsDescendant(ancestor, id int64) bool {
	return h.Tree().IsDescendant(ancestor, id)
}

var (
	_ Reader = (*Tree)(nil)
	_ Reader = (*Hierarchy)(nil)
)
