package execution

import (
	"context"
	"time"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/internal/trading"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const stalePendingBatch = 100

// VerifierSweeper removes expired PKCE verifiers.
type VerifierSweeper interface {
	SweepVerifiers(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler enqueues the periodic jobs: order monitoring, position sync and
// the housekeeping sweep.
type Scheduler struct {
	queue           jobs.Queue
	orders          *trading.Database
	verifiers       VerifierSweeper
	monitorInterval time.Duration
	syncInterval    time.Duration
	sweepInterval   time.Duration
	staleAfter      time.Duration
	now             func() time.Time
	logger          zerolog.Logger
}

func NewScheduler(queue jobs.Queue, orders *trading.Database, verifiers VerifierSweeper, cfg config.JobsConfig) *Scheduler {
	return &Scheduler{
		queue:           queue,
		orders:          orders,
		verifiers:       verifiers,
		monitorInterval: cfg.MonitorInterval,
		syncInterval:    cfg.SyncInterval,
		sweepInterval:   cfg.VerifierSweepInterval,
		staleAfter:      cfg.StalePendingAfter,
		now:             time.Now,
		logger:          log.With().Str("component", "job_scheduler").Logger(),
	}
}

// Start runs the scheduling loop until ctx is cancelled. An interval of
// zero disables that schedule.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("monitor_interval", s.monitorInterval).
		Dur("sync_interval", s.syncInterval).
		Dur("sweep_interval", s.sweepInterval).
		Msg("starting job scheduler")

	monitor, stopMonitor := ticker(s.monitorInterval)
	defer stopMonitor()
	sync, stopSync := ticker(s.syncInterval)
	defer stopSync()
	sweep, stopSweep := ticker(s.sweepInterval)
	defer stopSweep()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down job scheduler")
			return
		case <-monitor:
			if err := s.EnqueueMonitor(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to enqueue order monitoring")
			}
		case <-sync:
			if err := s.EnqueueSync(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to enqueue position sync")
			}
		case <-sweep:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("housekeeping sweep failed")
			}
		}
	}
}

func (s *Scheduler) EnqueueMonitor(ctx context.Context) error {
	job, err := jobs.New(jobs.TypeMonitorOrders, jobs.MonitorOrdersPayload{})
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job)
}

func (s *Scheduler) EnqueueSync(ctx context.Context) error {
	job, err := jobs.New(jobs.TypeSyncPositions, jobs.SyncPositionsPayload{})
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job)
}

// Sweep deletes expired verifiers and re-enqueues execution for orders that
// never reached their broker: pending orders whose job was lost, and claimed
// orders whose attempt died before recording the broker's answer. Orders
// queued within the stale threshold are left to the job already carrying
// them.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now().UTC()

	if s.verifiers != nil {
		removed, err := s.verifiers.SweepVerifiers(ctx, now)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.logger.Debug().Int64("removed", removed).Msg("expired verifiers removed")
		}
	}

	if s.staleAfter <= 0 {
		return nil
	}
	stale, err := s.orders.ListStaleUnplaced(ctx, now.Add(-s.staleAfter), stalePendingBatch)
	if err != nil {
		return err
	}
	for _, order := range stale {
		job, err := jobs.New(jobs.TypeExecuteOrder, jobs.ExecuteOrderPayload{OrderID: order.OrderID})
		if err != nil {
			return err
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return err
		}
		if err := s.orders.MarkEnqueued(ctx, order.OrderID, now); err != nil {
			return err
		}
		s.logger.Info().
			Str("order_id", order.OrderID).
			Str("status", string(order.Status)).
			Msg("re-enqueued stale order")
	}
	return nil
}

func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}
