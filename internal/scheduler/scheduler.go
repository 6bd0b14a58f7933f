// Package scheduler implements the single-threaded tick loop that wakes due
// envelopes (spec §4.4). It owns one armed timer and re-arms it after every
// tick or external notification.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/cronsched"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// maxTimerDelay is the clamp spec §4.4 calls for: "treat anything above
// ~24 days as wake in 24 days and re-evaluate." Matching govega's
// scheduler.go style of a single named constant for a runtime-imposed
// timer ceiling.
const maxTimerDelay = 24 * 24 * time.Hour

// due-channel-envelope batch size per tick.
const channelBatchLimit = 50

// Executor is the subset of the Executor the Scheduler drives.
type Executor interface {
	CheckAndRun(agentName string)
}

// Scheduler drives the Router and Executor off Store-reported due work.
type Scheduler struct {
	store    *store.Store
	router   *router.Router
	executor Executor
	cron     *cronsched.Materializer

	mu        sync.Mutex
	timer     *time.Timer
	wake      chan struct{}
	startedAt time.Time
}

// New builds a Scheduler. cron may be nil if cron scheduling is disabled.
func New(st *store.Store, rt *router.Router, ex Executor, cron *cronsched.Materializer) *Scheduler {
	return &Scheduler{
		store:    st,
		router:   rt,
		executor: ex,
		cron:     cron,
		wake:     make(chan struct{}, 1),
	}
}

// NotifyEnvelopeCreated implements router.WakeNotifier: if deliverAt is
// earlier than the currently armed wake, the timer is re-armed (spec §4.4
// step 5). The re-arm itself happens by requesting a re-evaluation tick;
// computeNextWake always takes the true minimum from the Store, so any
// earlier envelope is picked up on the next loop iteration regardless of
// what's currently armed.
func (s *Scheduler) NotifyEnvelopeCreated(deliverAt *int64) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts the tick loop: immediately runs tick("startup"), then loops
// waiting on the armed timer or an external wake notification, until ctx
// is cancelled (spec §4.4).
func (s *Scheduler) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	if err := s.tick(ctx, true); err != nil {
		return err
	}

	for {
		delay := s.computeNextWake(ctx)
		s.mu.Lock()
		s.timer = time.NewTimer(delay)
		timer := s.timer
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := s.tick(ctx, false); err != nil {
				slog.Warn("scheduler: tick failed", "error", err)
			}
		case <-s.wake:
			timer.Stop()
			if err := s.tick(ctx, false); err != nil {
				slog.Warn("scheduler: tick failed", "error", err)
			}
		}
	}
}

// tick runs the per-tick steps from spec §4.4, in order.
func (s *Scheduler) tick(ctx context.Context, startup bool) error {
	if startup && s.cron != nil {
		n, err := s.cron.MisfireSweep(ctx)
		if err != nil {
			slog.Warn("scheduler: misfire sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("scheduler: misfire sweep advanced schedules", "count", n)
		}
	}

	due, err := s.store.ListDueChannelEnvelopes(ctx, channelBatchLimit)
	if err != nil {
		return err
	}
	for _, env := range due {
		if err := s.router.DeliverChannelEnvelope(ctx, env); err != nil {
			slog.Warn("scheduler: channel delivery failed", "envelope", store.ShortID(env.ID), "error", err)
		}
	}

	names, err := s.store.ListAgentsWithDueEnvelopes(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		s.executor.CheckAndRun(name)
	}

	return nil
}

// computeNextWake implements spec §4.4 step 4: query the next scheduled
// envelope and arm a timer for max(0, deliver_at - now), clamped to
// maxTimerDelay. With no scheduled envelope, idle for maxTimerDelay — an
// external NotifyEnvelopeCreated re-arms sooner.
func (s *Scheduler) computeNextWake(ctx context.Context) time.Duration {
	next, err := s.store.NextScheduledEnvelope(ctx)
	if err != nil {
		slog.Warn("scheduler: next scheduled envelope lookup failed", "error", err)
		return maxTimerDelay
	}
	if next == nil || next.DeliverAt == nil {
		return maxTimerDelay
	}
	delay := time.Until(time.UnixMilli(*next.DeliverAt))
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		return maxTimerDelay
	}
	return delay
}
