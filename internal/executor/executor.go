// Package executor implements the per-agent execution coordinator (spec
// §4.6): single-flight run lock, session cache with best-effort resume,
// refresh policy, restart recovery, and run audit.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// defaultSessionCacheSize bounds the number of concurrently cached
// sessions; agents beyond this are evicted LRU-style and disposed
// cleanly, so a daemon with many registered agents doesn't grow session
// memory unboundedly.
const defaultSessionCacheSize = 256

// defaultTurnBatchLimit caps how many pending envelopes one run processes.
const defaultTurnBatchLimit = 50

var tracer = otel.Tracer("hiboss/executor")

// cachedSession is the Executor's process-lifetime state for one agent
// (spec §4.6's "sessions" map).
type cachedSession struct {
	session             Session
	handle              string
	createdAt           time.Time
	lastRunCompletedAt  time.Time
	pendingManualNew    bool
	staleFromMaxContext bool
}

// agentState is the per-agent lock plus coalesced recheck flag (spec §9:
// "coalesce re-check signals via a boolean flag guarded by the lock
// rather than by queueing duplicate tasks").
type agentState struct {
	mu            sync.Mutex
	running       bool
	recheckNeeded bool
	cancel        context.CancelFunc
	refreshReason RefreshReason
}

// CronAdvancer materializes a cron schedule's next occurrence. Satisfied
// by *cronsched.Materializer; wired in via SetCron once the materializer
// is built, since daemon wiring constructs the Executor first.
type CronAdvancer interface {
	Advance(ctx context.Context, sched store.CronSchedule) (store.Envelope, error)
}

// MissingAgentRouter marks a due envelope addressed to an unregistered
// agent done, rather than leaving it to be retried every tick. Satisfied
// by *router.Router; wired in via SetRouter once the Router is built.
type MissingAgentRouter interface {
	DeliverMissingAgentEnvelope(ctx context.Context, env store.Envelope) error
}

// Executor owns per-agent sessions and single-flight execution.
type Executor struct {
	store    *store.Store
	provider Provider
	bossTZ   func() *time.Location
	evalr    *refreshEvaluator
	cron     CronAdvancer
	router   MissingAgentRouter

	sessions *lru.Cache[string, *cachedSession]

	mu     sync.Mutex
	agents map[string]*agentState
}

// New builds an Executor. bossTZ is resolved lazily so config changes to
// the boss timezone take effect without restarting the daemon.
func New(st *store.Store, provider Provider, bossTZ func() *time.Location) (*Executor, error) {
	e := &Executor{
		store:    st,
		provider: provider,
		bossTZ:   bossTZ,
		evalr:    newRefreshEvaluator(bossTZ),
		agents:   map[string]*agentState{},
	}
	cache, err := lru.NewWithEvict[string, *cachedSession](defaultSessionCacheSize, e.onEvict)
	if err != nil {
		return nil, fmt.Errorf("executor: build session cache: %w", err)
	}
	e.sessions = cache
	return e, nil
}

// SetCron wires the cron materializer in once it's built.
func (e *Executor) SetCron(c CronAdvancer) {
	e.cron = c
}

// SetRouter wires the Router in once it's built.
func (e *Executor) SetRouter(r MissingAgentRouter) {
	e.router = r
}

func (e *Executor) onEvict(agentName string, cs *cachedSession) {
	if cs == nil || cs.session == nil {
		return
	}
	if err := e.provider.Dispose(context.Background(), cs.session); err != nil {
		slog.Warn("executor: evicted session dispose failed", "agent", agentName, "error", err)
	}
}

func (e *Executor) stateFor(agentName string) *agentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[agentName]
	if !ok {
		st = &agentState{}
		e.agents[agentName] = st
	}
	return st
}

// CheckAndRun acquires the per-agent lock non-blocking: if the agent is
// already running, it records "recheck needed" and returns immediately
// (spec §4.6).
func (e *Executor) CheckAndRun(agentName string) {
	st := e.stateFor(agentName)

	st.mu.Lock()
	if st.running {
		st.recheckNeeded = true
		st.mu.Unlock()
		return
	}
	st.running = true
	st.mu.Unlock()

	go e.runLoop(agentName, st)
}

// runLoop runs one batch, then re-runs if a recheck was requested while it
// was in flight — coalescing any number of signals into at most one
// follow-up run (spec §8 scenario 4).
func (e *Executor) runLoop(agentName string, st *agentState) {
	for {
		e.runOnce(agentName, st)

		st.mu.Lock()
		if !st.recheckNeeded {
			st.running = false
			st.mu.Unlock()
			return
		}
		st.recheckNeeded = false
		st.mu.Unlock()
	}
}

func (e *Executor) runOnce(agentName string, st *agentState) {
	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	reason := st.refreshReason
	st.refreshReason = NoRefresh
	st.mu.Unlock()
	defer cancel()

	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(attribute.String("agent", agentName)))
	defer span.End()

	agent, err := e.store.GetAgent(ctx, agentName)
	if err != nil {
		if hiberr.Is(err, hiberr.NotFound) {
			// No agent row: the envelopes that woke this run would be
			// retried forever otherwise (spec §4.3).
			e.deliverToMissingAgent(ctx, agentName)
			span.SetStatus(codes.Ok, "no agent registered, due envelopes terminated")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent lookup failed")
		return
	}

	envelopes, err := e.store.PendingForAgent(ctx, agentName, defaultTurnBatchLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list pending failed")
		return
	}
	if len(envelopes) == 0 && reason == NoRefresh {
		// Nothing due and no forced refresh: refresh evaluation against an
		// existing cached session can still apply (daily reset/idle
		// timeout), but with no work to process there is nothing to run.
		e.maybeRefreshIdleSession(agentName, agent)
		return
	}

	run, err := e.store.StartRun(ctx, agentName)
	if err != nil {
		span.RecordError(err)
		return
	}

	sess, cached, err := e.acquireSession(ctx, agentName, agent, reason)
	if err != nil {
		_ = e.store.FailRun(ctx, run.ID, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "session acquisition failed")
		return
	}

	turn := Turn{AgentName: agentName}
	for _, env := range envelopes {
		turn.Envelopes = append(turn.Envelopes, TurnEnvelope{
			ID:   store.ShortID(env.ID),
			From: env.From,
			Text: env.Content.Text,
		})
	}

	result, runErr := sess.Run(ctx, turn)
	if runErr != nil {
		if ctx.Err() != nil {
			_ = e.store.CancelRun(ctx, run.ID, "aborted")
			span.SetStatus(codes.Error, "cancelled")
		} else {
			_ = e.store.FailRun(ctx, run.ID, runErr.Error())
			span.RecordError(runErr)
			span.SetStatus(codes.Error, "run failed")
		}
		// Failed runs leave envelopes pending so they are retried next
		// run (spec §4.3 ack semantics, §7 propagation policy).
		return
	}

	processedIDs := make([]uuid.UUID, 0, len(envelopes))
	for _, env := range envelopes {
		processedIDs = append(processedIDs, env.ID)
		if err := e.markEnvelopeDone(ctx, env); err != nil {
			slog.Warn("executor: mark envelope done failed", "envelope", store.ShortID(env.ID), "error", err)
		}
	}

	var contextLen *int
	if result.Usage.Present {
		cl := result.Usage.ContextLength
		contextLen = &cl
		span.SetAttributes(attribute.Int("usage.context_length", cl))
	}

	if err := e.store.CompleteRun(ctx, run.ID, processedIDs, result.FinalResponse, contextLen); err != nil {
		slog.Warn("executor: complete run record failed", "run", run.ID, "error", err)
	}
	span.SetStatus(codes.Ok, "completed")

	cached.handle = result.SessionHandle
	cached.lastRunCompletedAt = time.Now().UTC()
	applyMaxContextPostRun(agent.SessionPolicy, cached, result.Usage)

	if agent.Metadata == nil {
		agent.Metadata = store.Metadata{}
	}
	agent.Metadata[store.MetaSessionHandle] = cached.handle
	if err := e.store.UpdateAgent(ctx, agent); err != nil {
		slog.Warn("executor: persist session handle failed", "agent", agentName, "error", err)
	}
}

// maybeRefreshIdleSession evaluates the refresh policy against an idle
// cached session even when there's no pending work, so a daily-reset or
// idle-timeout boundary is honored promptly rather than only at the next
// envelope's arrival.
func (e *Executor) maybeRefreshIdleSession(agentName string, agent store.Agent) {
	cached, ok := e.sessions.Get(agentName)
	if !ok {
		return
	}
	reason := e.evalr.evaluate(agent.SessionPolicy, cached, time.Now().UTC())
	if reason == NoRefresh {
		return
	}
	e.sessions.Remove(agentName)
}

// acquireSession evaluates the refresh policy, disposing and rebuilding
// the cached session when needed, and returns the (possibly freshly
// opened) session (spec §4.6).
func (e *Executor) acquireSession(ctx context.Context, agentName string, agent store.Agent, forcedReason RefreshReason) (Session, *cachedSession, error) {
	cached, ok := e.sessions.Get(agentName)
	reason := forcedReason
	if reason == NoRefresh && ok {
		reason = e.evalr.evaluate(agent.SessionPolicy, cached, time.Now().UTC())
	}

	if ok && reason == NoRefresh {
		return cached.session, cached, nil
	}

	if ok {
		e.sessions.Remove(agentName)
	}

	sess, handle, err := e.openOrResume(ctx, agentName, agent)
	if err != nil {
		return nil, nil, err
	}
	fresh := &cachedSession{session: sess, handle: handle, createdAt: time.Now().UTC()}
	e.sessions.Add(agentName, fresh)
	return sess, fresh, nil
}

// openOrResume implements spec §4.6's resume-then-fall-back-to-open
// sequence: first attempt resume(session_handle) from agent.metadata when
// present, falling back to Open on any failure — resume failures never
// block delivery.
func (e *Executor) openOrResume(ctx context.Context, agentName string, agent store.Agent) (Session, string, error) {
	if handle, ok := agent.Metadata[store.MetaSessionHandle]; ok && handle != "" {
		sess, err := e.provider.Resume(ctx, agentName, handle)
		if err == nil {
			return sess, handle, nil
		}
		slog.Info("executor: resume failed, opening fresh session", "agent", agentName, "error", err)
	}
	sess, err := e.provider.Open(ctx, agentName)
	if err != nil {
		return nil, "", fmt.Errorf("executor: open session for %s: %w", agentName, err)
	}
	return sess, "", nil
}

// deliverToMissingAgent terminates every due envelope addressed to an
// agent with no registered row, advancing cron bookkeeping where
// applicable (spec §4.3).
func (e *Executor) deliverToMissingAgent(ctx context.Context, agentName string) {
	if e.router == nil {
		return
	}
	envelopes, err := e.store.PendingForAgent(ctx, agentName, defaultTurnBatchLimit)
	if err != nil {
		slog.Warn("executor: list pending for missing agent failed", "agent", agentName, "error", err)
		return
	}
	for _, env := range envelopes {
		if err := e.router.DeliverMissingAgentEnvelope(ctx, env); err != nil {
			slog.Warn("executor: deliver missing agent envelope failed", "envelope", store.ShortID(env.ID), "error", err)
		}
	}
}

// markEnvelopeDone transitions env to done, detecting
// metadata.cronScheduleId and routing through the atomic
// advance-and-materialize path when present (spec §4.5: "MUST detect...
// and trigger advancement atomically in the same transaction that marks
// it done").
func (e *Executor) markEnvelopeDone(ctx context.Context, env store.Envelope) error {
	scheduleIDStr, ok := env.Metadata[store.MetaCronScheduleID]
	if !ok || scheduleIDStr == "" {
		return e.store.MarkEnvelopeDone(ctx, env.ID, "")
	}
	scheduleID, err := uuid.Parse(scheduleIDStr)
	if err != nil {
		return e.store.MarkEnvelopeDone(ctx, env.ID, "")
	}
	sched, err := e.store.GetCronSchedule(ctx, scheduleID)
	if err != nil {
		if hiberr.Is(err, hiberr.NotFound) {
			return e.store.MarkEnvelopeDone(ctx, env.ID, "")
		}
		return err
	}
	if err := e.store.AdvanceCronOnEnvelopeDone(ctx, scheduleID, env.ID, ""); err != nil {
		return err
	}
	if e.cron == nil {
		return nil
	}
	if _, err := e.cron.Advance(ctx, sched); err != nil {
		slog.Warn("executor: cron advance failed", "schedule", scheduleID, "error", err)
	}
	return nil
}

// RequestSessionRefresh records a pending refresh reason; if no run is in
// flight it triggers CheckAndRun immediately (spec §4.6).
func (e *Executor) RequestSessionRefresh(agentName string, reason RefreshReason) {
	st := e.stateFor(agentName)
	st.mu.Lock()
	st.refreshReason = reason
	running := st.running
	st.mu.Unlock()

	if reason == RefreshManualNew {
		if cached, ok := e.sessions.Get(agentName); ok {
			cached.pendingManualNew = true
		}
	}

	if !running {
		e.CheckAndRun(agentName)
	}
}

// AbortCurrentRun signals cancellation of the in-flight run, if any, and
// reports whether a run was actually cancelled (spec §4.6).
func (e *Executor) AbortCurrentRun(agentName string, reason string) bool {
	st := e.stateFor(agentName)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.running || st.cancel == nil {
		return false
	}
	st.cancel()
	return true
}

// IsBusy reports whether a run is currently in flight for agentName (spec
// §4.6).
func (e *Executor) IsBusy(agentName string) bool {
	st := e.stateFor(agentName)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.running
}

// CloseAll disposes every cached session on shutdown (spec §4.6, §5).
func (e *Executor) CloseAll(ctx context.Context) {
	for _, agentName := range e.sessions.Keys() {
		if cached, ok := e.sessions.Peek(agentName); ok {
			if err := e.provider.Dispose(ctx, cached.session); err != nil {
				slog.Warn("executor: dispose on shutdown failed", "agent", agentName, "error", err)
			}
		}
	}
	e.sessions.Purge()
}

// RestartRecovery enqueues CheckAndRun for every agent with pending work
// (spec §4.6: "No envelope is lost because delivery state lives in the
// Store, not in session memory").
func (e *Executor) RestartRecovery(ctx context.Context) error {
	names, err := e.store.ListAgentsWithDueEnvelopes(ctx)
	if err != nil {
		return hiberr.Wrap(err)
	}
	for _, name := range names {
		e.CheckAndRun(name)
	}
	return nil
}
