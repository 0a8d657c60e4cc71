package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// User is a directory entry.
type User struct {
	ID            int64
	Role          access.Role
	InstitutionID int64
}

// Directory is an in-memory repository.ApproverDirectory.
type Directory struct {
	mu    sync.RWMutex
	users []User
}

func NewDirectory(users ...User) *Directory {
	return &Directory{users: users}
}

// Add registers a user.
func (d *Directory) Add(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, u)
}

func (d *Directory) UsersWithRole(_ context.Context, role access.Role, institutionIDs []int64) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	wanted := make(map[int64]struct{}, len(institutionIDs))
	for _, id := range institutionIDs {
		wanted[id] = struct{}{}
	}
	var out []int64
	for _, u := range d.users {
		if u.Role != role {
			continue
		}
		if _, ok := wanted[u.InstitutionID]; ok {
			out = append(out, u.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

var _ repository.ApproverDirectory = (*Directory)(nil)
