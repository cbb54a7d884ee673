package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/notifier"
	"github.com/fieldgrid/otlink/store"
	"github.com/fieldgrid/otlink/telemetry"
)

// HealthScheduler is the singleton periodic sweep over all persisted OT
// connections. Start and Stop are idempotent and safe to race.
type HealthScheduler struct {
	service   *Service
	store     store.Store
	notifier  notifier.Notifier
	logger    zerolog.Logger
	collector telemetry.Collector
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthScheduler builds a stopped scheduler.
func NewHealthScheduler(svc *Service, st store.Store, sink notifier.Notifier, logger zerolog.Logger, collector telemetry.Collector) *HealthScheduler {
	if sink == nil {
		sink = notifier.NewLogNotifier(logger)
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &HealthScheduler{
		service:   svc,
		store:     st,
		notifier:  sink,
		logger:    logger.With().Str("component", "health_scheduler").Logger(),
		collector: collector,
		now:       time.Now,
	}
}

// Start runs one sweep immediately, then re-arms every interval. A
// non-positive interval falls back to the default. Calling Start while
// already running is a no-op.
func (s *HealthScheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.Info().Dur("interval", interval).Msg("health checks started")
	go s.run(ctx, interval, s.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish. Calling
// Stop while stopped is a no-op.
func (s *HealthScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info().Msg("health checks stopped")
}

// Running reports whether the loop is armed.
func (s *HealthScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// run owns the ticker. Sweeps execute inline on this goroutine, so a slow
// sweep skips ticks instead of overlapping the next one.
func (s *HealthScheduler) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	s.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep probes every persisted OT connection once, sequentially. Failure of
// one record never prevents the rest from being checked.
func (s *HealthScheduler) Sweep(ctx context.Context) {
	records, err := s.store.ListOTConnections(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list connections failed, skipping sweep")
		return
	}
	s.collector.IncSweep()

	checked := 0
	for _, record := range records {
		if ctx.Err() != nil {
			s.logger.Debug().Int("checked", checked).Msg("sweep interrupted")
			return
		}
		s.checkRecord(ctx, record)
		checked++
	}
	s.logger.Debug().Int("checked", checked).Msg("sweep finished")
}

// checkRecord probes one record, persists the outcome unconditionally, and
// emits an event only when the status actually changed.
func (s *HealthScheduler) checkRecord(ctx context.Context, record store.ConnectionRecord) {
	result := s.service.TestConnection(ctx, record.Protocol, record.Config)

	newStatus := store.StatusActive
	update := store.StatusUpdate{
		Status:       newStatus,
		LastTestedAt: s.now(),
		LatencyMs:    result.LatencyMs,
	}
	if !result.Success {
		newStatus = store.StatusError
		update.Status = newStatus
		update.LastError = result.Message
	}

	// Written even when unchanged so lastTestedAt stays fresh for
	// staleness detection.
	if err := s.store.UpdateConnectionStatus(ctx, record.ID, update); err != nil {
		s.logger.Error().Err(err).
			Str("connection_id", record.ID).
			Str("protocol", string(record.Protocol)).
			Msg("persist status failed")
		return
	}

	if record.Status == newStatus {
		return
	}
	s.collector.IncStatusTransition(string(record.Protocol), string(newStatus))
	s.notifier.OnStatusChange(notifier.StatusTransitionEvent{
		ConnectionID: record.ID,
		Protocol:     record.Protocol,
		OldStatus:    record.Status,
		NewStatus:    newStatus,
		LatencyMs:    result.LatencyMs,
		LastError:    update.LastError,
		OccurredAt:   update.LastTestedAt,
	})
}
