package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

// Memory implements UserRepository, CompensationLogStore and ReportStore in
// process memory. It enforces the same invariants as the postgres
// implementation (unique active email, version CAS, at most one open
// assignment per user/role/event) so component tests exercise real
// contention behavior.
type Memory struct {
	mu          sync.Mutex
	users       map[string]*identity.User
	assignments []identity.RoleAssignment
	entries     map[string]*identity.CompensationLogEntry
	entryOrder  []string
	reports     []identity.ReconciliationReport
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]*identity.User),
		entries: make(map[string]*identity.CompensationLogEntry),
	}
}

func copyUser(u *identity.User) *identity.User {
	out := *u
	out.Roles = append([]identity.Role(nil), u.Roles...)
	if u.IdentityID != nil {
		id := *u.IdentityID
		out.IdentityID = &id
	}
	if u.DeactivationReason != nil {
		r := *u.DeactivationReason
		out.DeactivationReason = &r
	}
	return &out
}

// GetByID implements UserRepository.
func (m *Memory) GetByID(ctx context.Context, id string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", identity.ErrUserNotFound, id)
	}
	return copyUser(u), nil
}

// GetByEmail implements UserRepository. Only active users participate in the
// unique-email invariant, so inactive matches are returned only when no
// active user holds the email.
func (m *Memory) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inactive *identity.User
	for _, u := range m.users {
		if u.Email != email {
			continue
		}
		if u.Active {
			return copyUser(u), nil
		}
		inactive = u
	}
	if inactive != nil {
		return copyUser(inactive), nil
	}
	return nil, fmt.Errorf("%w: %s", identity.ErrUserNotFound, email)
}

// GetByIdentityID implements UserRepository.
func (m *Memory) GetByIdentityID(ctx context.Context, identityID string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Active && u.LinkedTo(identityID) {
			return copyUser(u), nil
		}
	}
	return nil, fmt.Errorf("%w: identity %s", identity.ErrUserNotFound, identityID)
}

// Create implements UserRepository.
func (m *Memory) Create(ctx context.Context, user *identity.User, initialRole identity.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Active && existing.Email == user.Email {
			return fmt.Errorf("%w: %s", identity.ErrDuplicateEmail, user.Email)
		}
	}
	now := time.Now()
	user.Active = true
	user.Roles = []identity.Role{initialRole}
	user.Version = 1
	user.CreatedAt = now
	user.UpdatedAt = now
	m.users[user.ID] = copyUser(user)
	m.assignments = append(m.assignments, identity.RoleAssignment{
		UserID:    user.ID,
		Role:      initialRole,
		StartDate: now,
	})
	return nil
}

// LinkIdentity implements UserRepository.
func (m *Memory) LinkIdentity(ctx context.Context, userID, identityID string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", identity.ErrUserNotFound, userID)
	}
	if u.Version != expectedVersion {
		return identity.ErrVersionConflict
	}
	u.IdentityID = &identityID
	u.Version++
	u.UpdatedAt = time.Now()
	return nil
}

// UpdateRoles implements UserRepository.
func (m *Memory) UpdateRoles(ctx context.Context, userID string, expectedVersion int64, change RoleChange) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", identity.ErrUserNotFound, userID)
	}
	if u.Version != expectedVersion {
		return nil, identity.ErrVersionConflict
	}

	now := time.Now()
	if change.Old != nil {
		for i := range m.assignments {
			a := &m.assignments[i]
			if a.UserID == userID && a.Role == *change.Old && a.Open() && eventIDEqual(a.EventID, change.EventID) {
				end := now
				a.EndDate = &end
			}
		}
	}
	if change.New != nil {
		// Re-opening an already open assignment would violate the
		// one-open-row invariant; make the write idempotent instead.
		alreadyOpen := false
		for i := range m.assignments {
			a := &m.assignments[i]
			if a.UserID == userID && a.Role == *change.New && a.Open() && eventIDEqual(a.EventID, change.EventID) {
				alreadyOpen = true
			}
		}
		if !alreadyOpen {
			m.assignments = append(m.assignments, identity.RoleAssignment{
				UserID:    userID,
				Role:      *change.New,
				EventID:   change.EventID,
				StartDate: now,
			})
		}
	}

	if change.EventID == nil {
		u.Roles = m.openRolesLocked(userID)
	}
	u.Version++
	u.UpdatedAt = now
	return copyUser(u), nil
}

// Deactivate implements UserRepository.
func (m *Memory) Deactivate(ctx context.Context, userID, reason string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", identity.ErrUserNotFound, userID)
	}
	if u.Version != expectedVersion {
		return identity.ErrVersionConflict
	}
	now := time.Now()
	u.Active = false
	u.DeactivationReason = &reason
	u.Roles = nil
	u.Version++
	u.UpdatedAt = now
	for i := range m.assignments {
		a := &m.assignments[i]
		if a.UserID == userID && a.Open() {
			end := now
			a.EndDate = &end
		}
	}
	return nil
}

// ListLinked implements UserRepository.
func (m *Memory) ListLinked(ctx context.Context) ([]identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.User
	for _, u := range m.users {
		if u.Active && u.IdentityID != nil {
			out = append(out, *copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RoleHistory implements UserRepository.
func (m *Memory) RoleHistory(ctx context.Context, userID string) ([]identity.RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.RoleAssignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, nil
}

// OpenEventRoles implements UserRepository.
func (m *Memory) OpenEventRoles(ctx context.Context, userID string) (map[string]identity.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]identity.Role)
	for _, a := range m.assignments {
		if a.UserID == userID && a.Open() && a.EventID != nil {
			out[*a.EventID] = a.Role
		}
	}
	return out, nil
}

func (m *Memory) openRolesLocked(userID string) []identity.Role {
	seen := make(map[identity.Role]bool)
	var roles []identity.Role
	for _, a := range m.assignments {
		if a.UserID == userID && a.Open() && a.EventID == nil && !seen[a.Role] {
			seen[a.Role] = true
			roles = append(roles, a.Role)
		}
	}
	return roles
}

func eventIDEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Upsert implements CompensationLogStore.
func (m *Memory) Upsert(ctx context.Context, entry *identity.CompensationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *entry
	if _, ok := m.entries[entry.ID]; !ok {
		m.entryOrder = append(m.entryOrder, entry.ID)
	}
	m.entries[entry.ID] = &stored
	return nil
}

// ListPending implements CompensationLogStore.
func (m *Memory) ListPending(ctx context.Context) ([]identity.CompensationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.CompensationLogEntry
	for _, id := range m.entryOrder {
		e := m.entries[id]
		if e.Status == identity.CompensationPending || e.Status == identity.CompensationRetrying {
			out = append(out, *e)
		}
	}
	return out, nil
}

// ListByUser implements CompensationLogStore.
func (m *Memory) ListByUser(ctx context.Context, userID string) ([]identity.CompensationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.CompensationLogEntry
	for i := len(m.entryOrder) - 1; i >= 0; i-- {
		e := m.entries[m.entryOrder[i]]
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

// SaveReport implements ReportStore.
func (m *Memory) SaveReport(ctx context.Context, report *identity.ReconciliationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *report)
	return nil
}

// LatestReport implements ReportStore.
func (m *Memory) LatestReport(ctx context.Context) (*identity.ReconciliationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reports) == 0 {
		return nil, identity.ErrNoReport
	}
	report := m.reports[len(m.reports)-1]
	return &report, nil
}
