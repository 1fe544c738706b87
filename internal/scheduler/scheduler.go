// Package scheduler drives periodic replication ticks (spec.md §4.8). It is
// an explicit lifecycle object owned by its caller, not a package-level
// singleton (spec.md §9's "avoid a singleton" note).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mosesoghene/db-sync-agent/internal/metrics"
)

// TickFunc runs one full pass over every configured sync pair and direction.
// Any per-pair error should be absorbed and logged by the caller (spec.md
// §7's error taxonomy); a panic is recovered by the scheduler and reported
// as that tick's error.
type TickFunc func(ctx context.Context) error

// Scheduler runs TickFunc immediately on Start, then every Interval, never
// overlapping two ticks, and flags ticks that fire later than Interval +
// MisfireGrace after the previous one was due (spec.md §4.8).
type Scheduler struct {
	Interval     time.Duration
	MisfireGrace time.Duration

	tick    TickFunc
	logger  *slog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Scheduler. metrics may be nil.
func New(interval, misfireGrace time.Duration, tick TickFunc, logger *slog.Logger, m *metrics.Registry) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Interval:     interval,
		MisfireGrace: misfireGrace,
		tick:         tick,
		logger:       logger,
		metrics:      m,
	}
}

// Start runs an immediate tick, then schedules subsequent ticks every
// Interval in a background goroutine. Start is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the background loop to exit after its current tick finishes
// (spec.md §5: "the currently running tick runs to completion") and waits
// for it to do so.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// IsRunning reports whether the background loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce executes a single tick synchronously, independent of the
// scheduled loop (the operator surface's run-one-tick-now action).
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.runTick(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.runAndObserve(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	expected := time.Now().Add(s.Interval)
	for {
		select {
		case firedAt := <-ticker.C:
			if drift := firedAt.Sub(expected); drift > s.MisfireGrace {
				s.logger.Warn("scheduler misfire", "expected_at", expected, "fired_at", firedAt, "drift", drift)
				if s.metrics != nil {
					s.metrics.MisfiresTotal.Inc()
				}
			}
			expected = expected.Add(s.Interval)
			s.runAndObserve(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runAndObserve(ctx context.Context) {
	if err := s.runTick(ctx); err != nil {
		s.logger.Error("scheduler: tick failed", "error", err)
	}
}

func (s *Scheduler) runTick(ctx context.Context) error {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("scheduler: tick panicked: %v", r)
			}
		}()
		return s.tick(ctx)
	}()
	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues(outcomeLabel(err)).Inc()
		s.metrics.TickDuration.WithLabelValues(outcomeLabel(err)).Observe(duration.Seconds())
	}
	return err
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
