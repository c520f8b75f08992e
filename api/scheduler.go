/*
scheduler.go - Background overdue refresh

PURPOSE:
  An invoice's stored status only changes when something touches it. An
  unpaid invoice whose due date passes overnight would still read "unpaid"
  until the next payment. The scheduler periodically re-derives the status
  of every school's past-due invoices so lists and reports stay current.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists every school with students, then calls
    billing.Ledger.RefreshOverdue for each (one transaction per school)
  - A failing school is logged and skipped; the others still run
  - Reconciliation is idempotent, so overlapping manual refreshes
    (POST /api/admin/refresh-overdue) are harmless

CONFIGURATION:
  - CheckInterval: How often to check (scheduler.interval, default 1 hour)
  - Enabled: Whether scheduler is active (scheduler.enabled, default false)

USAGE:
  scheduler := NewOverdueScheduler(handler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RefreshOverdue endpoint (manual refresh)
  - billing/invoice.go: RefreshOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

type overdueRefresher interface {
	RefreshOverdue(ctx context.Context, school ledger.SchoolID) (int, error)
}

type schoolLister interface {
	ListSchools(ctx context.Context) ([]ledger.SchoolID, error)
}

// OverdueScheduler refreshes overdue statuses on a timer.
type OverdueScheduler struct {
	Billing       overdueRefresher
	Schools       schoolLister
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOverdueScheduler creates a disabled scheduler over the handler's
// billing ledger and store.
func NewOverdueScheduler(h *Handler, log *zap.Logger) *OverdueScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OverdueScheduler{
		Billing:       h.Billing,
		Schools:       h.Store,
		CheckInterval: time.Hour,
		log:           log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running check to finish.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *OverdueScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.check()

	for {
		select {
		case <-s.ticker.C:
			s.check()
		case <-s.stop:
			return
		}
	}
}

func (s *OverdueScheduler) check() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.RunNow(ctx); err != nil {
		s.log.Error("overdue refresh failed", zap.Error(err))
	}
}

// RunNow refreshes every school once and returns how many invoices changed.
// Only a failure to list schools is returned; per-school errors are logged.
func (s *OverdueScheduler) RunNow(ctx context.Context) (int, error) {
	schools, err := s.Schools.ListSchools(ctx)
	if err != nil {
		return 0, err
	}

	updated, failed := 0, 0
	for _, school := range schools {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		n, err := s.Billing.RefreshOverdue(ctx, school)
		if err != nil {
			failed++
			s.log.Error("refresh school",
				zap.String("school", string(school)),
				zap.Error(err))
			continue
		}
		updated += n
	}

	if updated > 0 || failed > 0 {
		s.log.Info("overdue refresh completed",
			zap.Int("schools", len(schools)),
			zap.Int("updated", updated),
			zap.Int("failed", failed))
	}
	return updated, nil
}
