package executor

import (
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// RefreshReason is why a cached session should be disposed before the next
// run (spec §4.6). The zero value means no refresh is needed.
type RefreshReason string

const (
	NoRefresh         RefreshReason = ""
	RefreshDailyReset RefreshReason = "daily_reset"
	RefreshIdleTimeout RefreshReason = "idle_timeout"
	RefreshMaxContext RefreshReason = "max_context_length"
	RefreshManualNew  RefreshReason = "command:/new"
)

// refreshEvaluator checks the session refresh policy (spec §4.6) in a
// fixed order — a pending manual /new, a max-context-length stale mark,
// the daily reset, then the idle timeout — the same "evaluate each gate, stop at the first
// match" shape the teacher's hooks.Engine uses for quality gates —
// generalized here from "evaluate hooks for an event" to "evaluate refresh
// reasons for a cached session".
type refreshEvaluator struct {
	bossTZ func() *time.Location
}

func newRefreshEvaluator(bossTZ func() *time.Location) *refreshEvaluator {
	return &refreshEvaluator{bossTZ: bossTZ}
}

// evaluate returns the first matching refresh reason for cached against
// policy, or NoRefresh if none apply. now is injected for testability.
func (e *refreshEvaluator) evaluate(policy store.SessionPolicy, cached *cachedSession, now time.Time) RefreshReason {
	if cached == nil {
		return NoRefresh // nothing to refresh; check_and_run will open fresh anyway
	}
	if cached.pendingManualNew {
		return RefreshManualNew
	}
	if cached.staleFromMaxContext {
		return RefreshMaxContext
	}
	if policy.DailyResetAt != "" {
		if e.crossedDailyReset(policy.DailyResetAt, cached.createdAt, now) {
			return RefreshDailyReset
		}
	}
	if policy.IdleTimeout > 0 && !cached.lastRunCompletedAt.IsZero() {
		if now.Sub(cached.lastRunCompletedAt) > policy.IdleTimeout {
			return RefreshIdleTimeout
		}
	}
	return NoRefresh
}

// crossedDailyReset reports whether the wall-clock moment hhmm (boss
// timezone) has been crossed between createdAt and now (spec §4.6: "if
// daily_reset_at is set and the clock has crossed that wall-clock moment
// ... since session.created_at, refresh").
func (e *refreshEvaluator) crossedDailyReset(hhmm string, createdAt, now time.Time) bool {
	loc := e.bossTZ()
	t, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		return false
	}
	createdLocal := createdAt.In(loc)
	nowLocal := now.In(loc)

	resetToday := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if nowLocal.Before(resetToday) {
		resetToday = resetToday.AddDate(0, 0, -1)
	}
	return createdLocal.Before(resetToday) && !nowLocal.Before(resetToday)
}

// applyMaxContextPostRun implements the "evaluated after a successful run"
// half of the max-context-length rule (spec §4.6): when usage is present
// and exceeds the configured limit, mark the session stale so the *next*
// check_and_run opens fresh. Absent usage skips the rule — never guessed.
func applyMaxContextPostRun(policy store.SessionPolicy, cached *cachedSession, usage Usage) {
	if !usage.Present || policy.MaxContextLength <= 0 {
		return
	}
	if usage.ContextLength > policy.MaxContextLength {
		cached.staleFromMaxContext = true
	}
}
