package idp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

// Memory is an in-memory Provider used by tests and local development
// (RECON_IDP=memory). It supports failure injection so saga and
// reconciliation paths can be exercised against a misbehaving provider.
type Memory struct {
	mu         sync.Mutex
	identities map[string]identity.IdentityRecord

	writeErr   error
	globalErr  error
	writeCalls int
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{identities: make(map[string]identity.IdentityRecord)}
}

// Put adds or replaces an identity.
func (m *Memory) Put(rec identity.IdentityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]string)
	}
	rec.Attributes["email"] = rec.Email
	m.identities[rec.IdentityID] = rec
}

// Delete removes an identity, simulating provider-side deletion.
func (m *Memory) Delete(identityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, identityID)
}

// Identity returns a copy of the stored record for assertions.
func (m *Memory) Identity(identityID string) (identity.IdentityRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.identities[identityID]
	if !ok {
		return identity.IdentityRecord{}, false
	}
	attrs := make(map[string]string, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	rec.Attributes = attrs
	return rec, true
}

// FailWrites makes every WriteRoleAttributes call return err until cleared
// with a nil argument.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailAll makes every call return err, simulating a fully unreachable
// provider.
func (m *Memory) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalErr = err
}

// WriteCalls reports how many attribute writes were attempted.
func (m *Memory) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

// FindByEmail implements Provider.
func (m *Memory) FindByEmail(ctx context.Context, email string) (*identity.IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalErr != nil {
		return nil, m.globalErr
	}
	for _, rec := range m.identities {
		if rec.Email == email {
			found := rec
			return &found, nil
		}
	}
	return nil, identity.ErrIdentityNotFound
}

// ListAll implements Provider. Identities stream in a stable order so tests
// are deterministic.
func (m *Memory) ListAll(ctx context.Context, fn func(identity.IdentityRecord) error) error {
	m.mu.Lock()
	if m.globalErr != nil {
		m.mu.Unlock()
		return m.globalErr
	}
	ids := make([]string, 0, len(m.identities))
	for id := range m.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	records := make([]identity.IdentityRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, m.identities[id])
	}
	m.mu.Unlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// IdentityExists implements Provider.
func (m *Memory) IdentityExists(ctx context.Context, identityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalErr != nil {
		return false, m.globalErr
	}
	_, ok := m.identities[identityID]
	return ok, nil
}

// WriteRoleAttributes implements Provider.
func (m *Memory) WriteRoleAttributes(ctx context.Context, identityID string, attrs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if m.globalErr != nil {
		return m.globalErr
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	rec, ok := m.identities[identityID]
	if !ok {
		return fmt.Errorf("%w: %s", identity.ErrIdentityNotFound, identityID)
	}
	for name, value := range attrs {
		rec.Attributes[name] = value
	}
	m.identities[identityID] = rec
	return nil
}
