// Package rbac implements the append-only, soft-deletable role grant
// table replicated through the same Raft log as the entity graph.
package rbac

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Role is one of the three grantable roles.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RoleProducer Role = "Producer"
	RoleConsumer Role = "Consumer"
)

// GlobalProject is the sentinel project name for grants that apply
// across every project.
const GlobalProject = "global"

// Record is one grant (or revoked grant) in the table.
type Record struct {
	RecordID     uint64    `json:"recordId"`
	ProjectName  string    `json:"projectName"`
	UserName     string    `json:"userName"`
	RoleName     Role      `json:"roleName"`
	CreateBy     string    `json:"createBy"`
	CreateReason string    `json:"createReason"`
	CreateTime   time.Time `json:"createTime"`
	DeleteBy     string    `json:"deleteBy,omitempty"`
	DeleteReason string    `json:"deleteReason,omitempty"`
	DeleteTime   time.Time `json:"deleteTime,omitempty"`
}

// Deleted reports whether the grant has been revoked.
func (r *Record) Deleted() bool { return !r.DeleteTime.IsZero() }

// Table is the replicated, single-writer RBAC grant table. Like
// internal/graph.Store, it is a pure function of the applied command
// sequence and never leaves partial mutations.
type Table struct {
	mu       sync.RWMutex
	byID     map[uint64]*Record
	nextID   uint64
	order    []uint64
}

// New creates an empty RBAC table.
func New() *Table {
	return &Table{byID: make(map[uint64]*Record)}
}

// Grant appends a new, non-deleted role grant and assigns it the next
// monotonic record id.
func (t *Table) Grant(projectName, userName string, role Role, by, reason string, at time.Time) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	rec := &Record{
		RecordID:     t.nextID,
		ProjectName:  projectName,
		UserName:     userName,
		RoleName:     role,
		CreateBy:     by,
		CreateReason: reason,
		CreateTime:   at,
	}
	t.byID[rec.RecordID] = rec
	t.order = append(t.order, rec.RecordID)
	return rec, nil
}

// Revoke soft-deletes an existing grant by stamping delete_by/reason/time.
func (t *Table) Revoke(recordID uint64, by, reason string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[recordID]
	if !ok {
		return fmt.Errorf("no rbac record with id %d", recordID)
	}
	if rec.Deleted() {
		return fmt.Errorf("rbac record %d already revoked", recordID)
	}
	rec.DeleteBy = by
	rec.DeleteReason = reason
	rec.DeleteTime = at
	return nil
}

// EffectiveRoles returns the set of non-deleted roles granted to
// userName on projectName, plus any global grants (project_name ==
// GlobalProject applies to every project).
func (t *Table) EffectiveRoles(projectName, userName string) []Role {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[Role]struct{})
	var out []Role
	for _, id := range t.order {
		rec := t.byID[id]
		if rec.Deleted() || rec.UserName != userName {
			continue
		}
		if rec.ProjectName != projectName && rec.ProjectName != GlobalProject {
			continue
		}
		if _, dup := seen[rec.RoleName]; dup {
			continue
		}
		seen[rec.RoleName] = struct{}{}
		out = append(out, rec.RoleName)
	}
	return out
}

// Has reports whether userName holds role on projectName (directly or
// via a global grant).
func (t *Table) Has(projectName, userName string, role Role) bool {
	for _, r := range t.EffectiveRoles(projectName, userName) {
		if r == role {
			return true
		}
	}
	return false
}

// List returns every record for projectName (including revoked ones,
// for audit purposes), in creation order. projectName == "" lists all.
func (t *Table) List(projectName string) []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Record, 0, len(t.order))
	for _, id := range t.order {
		rec := t.byID[id]
		if projectName != "" && rec.ProjectName != projectName {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// TableSnapshot is the Table's serialized form.
type TableSnapshot struct {
	Records []*Record `json:"records"`
	NextID  uint64    `json:"nextId"`
}

// Snapshot serializes the table for inclusion in an FSM snapshot.
func (t *Table) Snapshot() *TableSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := &TableSnapshot{NextID: t.nextID}
	for _, id := range t.order {
		cp := *t.byID[id]
		out.Records = append(out.Records, &cp)
	}
	return out
}

// Restore replaces the table's state from a snapshot produced by Snapshot.
func (t *Table) Restore(w *TableSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID = make(map[uint64]*Record, len(w.Records))
	t.order = make([]uint64, 0, len(w.Records))
	t.nextID = w.NextID
	for _, rec := range w.Records {
		t.byID[rec.RecordID] = rec
		t.order = append(t.order, rec.RecordID)
	}
}
