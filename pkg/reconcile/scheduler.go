package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
)

// ErrRunInProgress is returned when a run cannot start because another
// holder (this replica or a peer) has the reconciliation lease.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// Scheduler triggers reconciliation runs on a cron schedule and on demand.
// The Redis lease makes runs single-flight across replicas; the scheduler
// additionally tracks its own in-flight run so Stop can cancel it.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	lease      *Lease
	logger     *observability.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler firing on the given cron expression.
func NewScheduler(reconciler *Reconciler, lease *Lease, schedule string, logger *observability.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:       cron.New(),
		reconciler: reconciler,
		lease:      lease,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.scheduledRun); err != nil {
		return nil, fmt.Errorf("failed to parse reconciliation schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins firing scheduled runs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("reconciliation scheduler started")
}

// Stop halts the schedule and cancels any run this replica has in flight.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) scheduledRun() {
	report, err := s.RunOnce(context.Background())
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("scheduled run skipped, lease held elsewhere")
	case err != nil:
		s.logger.WithError(err).Error("scheduled reconciliation run failed")
	default:
		s.logger.WithField("status", string(report.Status)).Info("scheduled reconciliation run completed")
	}
}

// Running reports whether a reconciliation run currently holds the lease,
// on this replica or a peer.
func (s *Scheduler) Running(ctx context.Context) (bool, error) {
	return s.lease.Held(ctx)
}

// RunOnce executes one run under the lease. It returns ErrRunInProgress
// without touching any row when the lease is held.
func (s *Scheduler) RunOnce(ctx context.Context) (*identity.ReconciliationReport, error) {
	acquired, err := s.lease.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).Warn("failed to release reconciliation lease")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	return s.reconciler.Run(runCtx)
}
