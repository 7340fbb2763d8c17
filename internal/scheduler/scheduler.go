// Package scheduler drives the agent's top-level reconciliation loop: one
// ticker-based worker per offering/mode in polling mode, or an initial
// sweep followed by STOMP consumers and lightweight timers in event mode.
// The worker-registration shape is modeled on
// infrastructure/service/base.go's AddTickerWorker, generalized away from
// that file's marble/database-specific health bookkeeping since this agent
// has neither.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/waldur/site-agent/internal/logging"
)

// Worker is one named, periodic unit of reconciliation work. Either Interval
// or Schedule drives its cadence; Schedule, when set, takes precedence
// (cron-expression report scheduling, spec.md §8's report_schedule option).
type Worker struct {
	Name           string
	Interval       time.Duration
	Schedule       cron.Schedule
	RunImmediately bool
	Fn             func(ctx context.Context) error
}

// Scheduler runs a fixed set of Workers until Stop is called, each on its
// own ticker goroutine, logging (not panicking on) worker errors so one
// offering's failure never takes down another's loop.
type Scheduler struct {
	logger   *logging.Logger
	workers  []Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Scheduler with the given workers, not yet started.
func New(logger *logging.Logger, workers ...Worker) *Scheduler {
	return &Scheduler{logger: logger, workers: workers, stopCh: make(chan struct{})}
}

// Start launches every worker's ticker loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.run(ctx, w)
	}
}

func (s *Scheduler) run(ctx context.Context, w Worker) {
	defer s.wg.Done()

	runOnce := func() {
		cycleCtx := context.WithValue(ctx, logging.TraceIDKey, uuid.NewString())
		if err := w.Fn(cycleCtx); err != nil {
			s.logger.WithContext(cycleCtx).WithField("worker", w.Name).WithError(err).Warn("scheduled worker failed")
		}
	}

	if w.RunImmediately {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
			runOnce()
		}
	}

	if w.Schedule != nil {
		s.runOnSchedule(ctx, w, runOnce)
		return
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

// runOnSchedule fires runOnce at each of w.Schedule's computed times rather
// than on a fixed interval, recomputing the next fire time after every run
// since cron schedules are not evenly spaced (e.g. "0 2 * * *").
func (s *Scheduler) runOnSchedule(ctx context.Context, w Worker, runOnce func()) {
	for {
		next := w.Schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			runOnce()
		}
	}
}

// Stop signals every worker to exit and waits for them to return. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
