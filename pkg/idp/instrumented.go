package idp

import (
	"context"
	"errors"
	"time"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
)

// Instrumented decorates a Provider with per-operation call counters and
// latency histograms. Every gateway is wrapped at wiring time, so the memory
// fake reports the same series as the Cognito gateway.
type Instrumented struct {
	next    Provider
	metrics *observability.Metrics
}

// WithMetrics wraps a provider with call instrumentation.
func WithMetrics(next Provider, metrics *observability.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: metrics}
}

func (p *Instrumented) record(op string, started time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, identity.ErrIdentityNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	p.metrics.ProviderCallsTotal.WithLabelValues(op, status).Inc()
	p.metrics.ProviderCallDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// FindByEmail implements Provider.
func (p *Instrumented) FindByEmail(ctx context.Context, email string) (*identity.IdentityRecord, error) {
	started := time.Now()
	rec, err := p.next.FindByEmail(ctx, email)
	p.record("find_by_email", started, err)
	return rec, err
}

// ListAll implements Provider. One sample covers the whole listing,
// including every page fetch behind it.
func (p *Instrumented) ListAll(ctx context.Context, fn func(identity.IdentityRecord) error) error {
	started := time.Now()
	err := p.next.ListAll(ctx, fn)
	p.record("list_all", started, err)
	return err
}

// IdentityExists implements Provider.
func (p *Instrumented) IdentityExists(ctx context.Context, identityID string) (bool, error) {
	started := time.Now()
	ok, err := p.next.IdentityExists(ctx, identityID)
	p.record("identity_exists", started, err)
	return ok, err
}

// WriteRoleAttributes implements Provider.
func (p *Instrumented) WriteRoleAttributes(ctx context.Context, identityID string, attrs map[string]string) error {
	started := time.Now()
	err := p.next.WriteRoleAttributes(ctx, identityID, attrs)
	p.record("write_role_attributes", started, err)
	return err
}
