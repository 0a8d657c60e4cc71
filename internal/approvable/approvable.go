// Package approvable models the external entities routed through approval.
// The approval core only holds a Ref; concrete entities are resolved through
// a Registry keyed by type tag.
package approvable

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// Type tags an approvable category.
type Type string

const (
	TypeSurveyResponse Type = "survey_response"
	TypeDataRequest    Type = "data_request"
)

// Ref is the polymorphic (type, id) reference stored on approval requests.
type Ref struct {
	Type Type
	ID   int64
}

func (r Ref) String() string { return fmt.Sprintf("%s:%d", r.Type, r.ID) }

// Approvable is an entity that can be routed through an approval chain.
type Approvable interface {
	Ref() Ref
	InstitutionID() int64
	SubmitterID() int64
	Summary() string
	MarkSubmitted(ctx context.Context, actorID int64) error
	MarkApproved(ctx context.Context, actorID int64) error
	MarkRejected(ctx context.Context, actorID int64, reason string) error
	MarkEditable(ctx context.Context, actorID int64) error
	UpdateData(ctx context.Context, actorID int64, data map[string]any) error
}

// Loader resolves approvables of one type.
type Loader interface {
	Load(ctx context.Context, id int64) (Approvable, error)
}

// Registry dispatches refs to the loader registered for their type.
type Registry struct {
	mu      sync.RWMutex
	loaders map[Type]Loader
}

func NewRegistry() *Registry {
	return &Registry{loaders: make(map[Type]Loader)}
}

// Register binds loader to t, replacing any previous binding.
func (r *Registry) Register(t Type, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[t] = loader
}

// Resolve loads the entity behind ref.
func (r *Registry) Resolve(ctx context.Context, ref Ref) (Approvable, error) {
	r.mu.RLock()
	loader, ok := r.loaders[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.InvalidInput("approvable_type", fmt.Sprintf("unknown approvable type %q", ref.Type))
	}
	return loader.Load(ctx, ref.ID)
}

// Supports reports whether t has a loader.
func (r *Registry) Supports(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[t]
	return ok
}

// Types lists registered types in a stable order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.loaders))
	for t := range r.loaders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
