// Package cronsched implements the cron materializer (spec §4.5): each
// enabled schedule keeps exactly one pending envelope materialized at a
// time, with strictly-after-now fire times so a restart never replays a
// missed occurrence.
package cronsched

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// Materializer computes next-fire times and keeps each cron schedule's
// pending envelope in sync with its Store row.
type Materializer struct {
	store   *store.Store
	bossTZ  func() *time.Location
	nowFunc func() time.Time
}

// New builds a Materializer. bossTZ is resolved lazily so a config change
// to the boss timezone is picked up on the next fire computation.
func New(st *store.Store, bossTZ func() *time.Location) *Materializer {
	return &Materializer{store: st, bossTZ: bossTZ, nowFunc: time.Now}
}

func (m *Materializer) now() time.Time { return m.nowFunc().UTC() }

// effectiveTZ resolves a schedule's timezone: explicit IANA zone, or the
// boss default when empty (spec §4.5, §9).
func (m *Materializer) effectiveTZ(tz string) (*time.Location, error) {
	if tz == "" {
		return m.bossTZ(), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, hiberr.New(hiberr.InvalidInput, "invalid timezone %q: %v", tz, err)
	}
	return loc, nil
}

// nextFireStrictlyAfter computes the next fire time for a cron expression
// strictly after `after`, in the given timezone. gronx's NextTick is
// exclusive-of-now by default when inclusive=false, which is exactly the
// "strictly after now" semantics spec §4.5 requires.
func nextFireStrictlyAfter(expr string, tz *time.Location, after time.Time) (time.Time, error) {
	ge := gronx.New()
	ok, err := ge.IsValid(expr)
	if err != nil || !ok {
		return time.Time{}, hiberr.New(hiberr.InvalidInput, "Invalid cron: %s (%s)", expr, reasonOrDefault(err))
	}
	localAfter := after.In(tz)
	next, err := gronx.NextTickAfter(expr, localAfter, false)
	if err != nil {
		return time.Time{}, hiberr.New(hiberr.InvalidInput, "Invalid cron: %s (%s)", expr, err)
	}
	return next.UTC(), nil
}

func reasonOrDefault(err error) string {
	if err == nil {
		return "unparseable expression"
	}
	return err.Error()
}

// Create computes next_fire for a freshly-registered schedule, materializes
// the first envelope, and stores its id as pending_envelope_id (spec §4.5).
func (m *Materializer) Create(ctx context.Context, sched store.CronSchedule) (store.Envelope, error) {
	tz, err := m.effectiveTZ(sched.Timezone)
	if err != nil {
		return store.Envelope{}, err
	}
	next, err := nextFireStrictlyAfter(sched.Cron, tz, m.now())
	if err != nil {
		return store.Envelope{}, err
	}
	return m.materialize(ctx, sched, next)
}

// Advance recomputes the next strict-after-now fire time for sched and
// materializes it again. Callers invoke this immediately after the
// previously-materialized envelope is marked done via
// store.AdvanceCronOnEnvelopeDone (spec §4.5).
func (m *Materializer) Advance(ctx context.Context, sched store.CronSchedule) (store.Envelope, error) {
	return m.Create(ctx, sched)
}

func (m *Materializer) materialize(ctx context.Context, sched store.CronSchedule, next time.Time) (store.Envelope, error) {
	deliverAt := next.UnixMilli()
	meta := store.Metadata{}
	for k, v := range sched.Metadata {
		meta[k] = v
	}
	meta[store.MetaCronScheduleID] = sched.ID.String()

	env, err := m.store.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From:      "agent:" + sched.AgentName,
		To:        sched.To,
		FromBoss:  false,
		Content:   store.Content{Text: sched.Text, Attachments: sched.Attachments},
		DeliverAt: &deliverAt,
		Metadata:  meta,
	})
	if err != nil {
		return store.Envelope{}, err
	}
	if err := m.store.SetPendingEnvelopeID(ctx, sched.ID, &env.ID); err != nil {
		return store.Envelope{}, err
	}
	return env, nil
}

// Disable marks any pending materialized envelope for sched done (as
// "cancelled") to prevent future delivery, then disables the schedule
// (spec §4.5).
func (m *Materializer) Disable(ctx context.Context, sched store.CronSchedule) error {
	if sched.PendingEnvelopeID != nil {
		if err := m.store.MarkEnvelopeDone(ctx, *sched.PendingEnvelopeID, "cancelled"); err != nil && !hiberr.Is(err, hiberr.NotFound) {
			return err
		}
		if err := m.store.SetPendingEnvelopeID(ctx, sched.ID, nil); err != nil {
			return err
		}
	}
	return m.store.SetCronEnabled(ctx, sched.ID, false)
}

// Delete cancels any pending materialized envelope and deletes the
// schedule row (spec §4.5).
func (m *Materializer) Delete(ctx context.Context, sched store.CronSchedule) error {
	if sched.PendingEnvelopeID != nil {
		if err := m.store.MarkEnvelopeDone(ctx, *sched.PendingEnvelopeID, "cancelled"); err != nil && !hiberr.Is(err, hiberr.NotFound) {
			return err
		}
	}
	return m.store.DeleteCronSchedule(ctx, sched.ID)
}

// FireTime is one computed occurrence, returned by Explain.
type FireTime struct {
	Index int
	At    time.Time
}

// Explain is a pure function: validates expr and returns the next count
// fire times in the given timezone, without touching the Store (spec
// §4.5).
func Explain(expr, tz string, count int, bossTZ *time.Location, now time.Time) ([]FireTime, error) {
	loc := bossTZ
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, hiberr.New(hiberr.InvalidInput, "invalid timezone %q: %v", tz, err)
		}
	}
	ge := gronx.New()
	ok, err := ge.IsValid(expr)
	if err != nil || !ok {
		return nil, hiberr.New(hiberr.InvalidInput, "Invalid cron: %s (%s)", expr, reasonOrDefault(err))
	}

	out := make([]FireTime, 0, count)
	cursor := now.In(loc)
	for i := 0; i < count; i++ {
		next, err := gronx.NextTickAfter(expr, cursor, false)
		if err != nil {
			return nil, hiberr.New(hiberr.InvalidInput, "Invalid cron: %s (%s)", expr, err)
		}
		out = append(out, FireTime{Index: i, At: next.UTC()})
		cursor = next
	}
	return out, nil
}

// MisfireSweep implements the Scheduler's startup-tick-only cron misfire
// sweep (spec §4.4 step 1): for every enabled schedule whose
// pending_envelope_id references a now-due envelope, mark it done (as
// "missed") and advance strictly after now. Returns the number of
// schedules advanced.
func (m *Materializer) MisfireSweep(ctx context.Context) (int, error) {
	scheds, err := m.store.ListCronSchedules(ctx, "")
	if err != nil {
		return 0, err
	}
	advanced := 0
	now := m.now().UnixMilli()
	for _, sched := range scheds {
		if !sched.Enabled || sched.PendingEnvelopeID == nil {
			continue
		}
		res, err := m.store.GetEnvelope(ctx, sched.PendingEnvelopeID.String())
		if err != nil {
			if hiberr.Is(err, hiberr.NotFound) {
				continue
			}
			return advanced, err
		}
		env := res.Envelope
		if env.Status != store.StatusPending || env.DeliverAt == nil || *env.DeliverAt > now {
			continue
		}
		if err := m.store.AdvanceCronOnEnvelopeDone(ctx, sched.ID, env.ID, "missed"); err != nil {
			return advanced, err
		}
		if _, err := m.Advance(ctx, sched); err != nil {
			return advanced, fmt.Errorf("cronsched: misfire advance for %s: %w", sched.ID, err)
		}
		advanced++
	}
	return advanced, nil
}
