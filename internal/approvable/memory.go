package approvable

import (
	"context"
	"strconv"
	"sync"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// MemoryStore keeps records in a map. Used by tests and the memory storage
// driver.
type MemoryStore struct {
	mu      sync.RWMutex
	typ     Type
	records map[int64]*Record
	// FailStatus, when set, is returned by SetStatus.
	FailStatus error
}

func NewMemoryStore(t Type) *MemoryStore {
	return &MemoryStore{typ: t, records: make(map[int64]*Record)}
}

// Put inserts or replaces a record.
func (m *MemoryStore) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	cp.Data = cloneData(rec.Data)
	m.records[rec.ID] = &cp
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, errors.NotFound(string(m.typ), strconv.FormatInt(id, 10))
	}
	cp := *rec
	cp.Data = cloneData(rec.Data)
	return &cp, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id int64, status Status, actorID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStatus != nil {
		return m.FailStatus
	}
	rec, ok := m.records[id]
	if !ok {
		return errors.NotFound(string(m.typ), strconv.FormatInt(id, 10))
	}
	rec.Status = status
	rec.StatusChangedBy = actorID
	rec.RejectionReason = reason
	return nil
}

func (m *MemoryStore) SetData(_ context.Context, id int64, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return errors.NotFound(string(m.typ), strconv.FormatInt(id, 10))
	}
	rec.Data = cloneData(data)
	return nil
}

func cloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
