// Package router implements envelope creation and dispatch to agent
// handlers or channel adapters (spec §4.3).
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// Adapter is the minimal surface the Router needs from a chat adapter
// (spec §4.8); the full contract lives in internal/channels.
type Adapter interface {
	Send(ctx context.Context, env store.Envelope) error
	React(ctx context.Context, chatID, messageID, emoji string) error
}

// AgentNotifier is signaled when an agent has new work to check, letting
// the Executor own actual scheduling (spec §4.3: "Router merely records a
// handler... and signals the Executor to check").
type AgentNotifier interface {
	NotifyAgent(agentName string)
}

// CronAdvancer materializes a cron schedule's next occurrence. Satisfied
// by *cronsched.Materializer; set via SetCron once the materializer is
// built, since the Router is constructed before it in daemon wiring.
type CronAdvancer interface {
	Advance(ctx context.Context, sched store.CronSchedule) (store.Envelope, error)
}

// WakeNotifier is signaled when an envelope is created with a future
// deliver_at earlier than the Scheduler's currently armed wake (spec
// §4.4 step 5).
type WakeNotifier interface {
	NotifyEnvelopeCreated(deliverAt *int64)
}

// RouteInput is the caller-supplied envelope creation request.
type RouteInput struct {
	From      string
	To        string
	FromBoss  bool
	Content   store.Content
	ReplyTo   *uuid.UUID
	DeliverAt *int64
	Metadata  store.Metadata

	// Principal describes who is creating this envelope, used for the
	// binding-check invariant (spec §4.2).
	PrincipalIsBoss bool
}

// Router creates envelopes, persists them, and dispatches immediate work.
type Router struct {
	store    *store.Store
	notifier AgentNotifier
	waker    WakeNotifier
	cron     CronAdvancer

	mu       sync.RWMutex
	adapters map[string]Adapter // adapter type -> adapter
}

// New builds a Router over st, notifying notifier of due agent work and
// waker of new future-dated envelopes.
func New(st *store.Store, notifier AgentNotifier, waker WakeNotifier) *Router {
	return &Router{store: st, notifier: notifier, waker: waker, adapters: map[string]Adapter{}}
}

// SetCron wires the cron materializer in once it's built (daemon wiring
// constructs the Router before the Materializer). Channel-addressed cron
// envelopes can't advance their schedule without it.
func (r *Router) SetCron(c CronAdvancer) {
	r.cron = c
}

// RegisterAdapter makes an adapter available for channel delivery.
func (r *Router) RegisterAdapter(adapterType string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapterType] = a
}

func (r *Router) adapterFor(adapterType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[adapterType]
	return a, ok
}

// RouteEnvelope validates, persists, and — for immediate envelopes —
// notifies the destination consumer. Future-dated envelopes are persisted
// only; the Scheduler picks them up (spec §4.3).
func (r *Router) RouteEnvelope(ctx context.Context, in RouteInput) (store.Envelope, error) {
	toAddr, err := address.Parse(in.To)
	if err != nil {
		return store.Envelope{}, err
	}
	fromAddr, err := address.Parse(in.From)
	if err != nil {
		return store.Envelope{}, err
	}

	if toAddr.IsChannel() {
		if !fromAddr.IsAgent() {
			return store.Envelope{}, hiberr.New(hiberr.InvalidInput, "channel recipients only receive from agents")
		}
		// spec §4.2: both a non-privileged sender AND a boss-impersonated
		// sender must resolve to an agent holding the adapter binding —
		// the check applies regardless of principal (open question
		// resolved in DESIGN.md: binding required at creation AND delivery).
		has, err := r.store.AgentHasBindingForAdapter(ctx, fromAddr.Name, toAddr.Adapter)
		if err != nil {
			return store.Envelope{}, err
		}
		if !has {
			return store.Envelope{}, hiberr.New(hiberr.InvalidInput,
				"agent %q has no binding for adapter %q", fromAddr.Name, toAddr.Adapter)
		}
	}

	if toAddr.IsAgent() {
		// Reject a typo'd recipient at creation rather than seeding an
		// envelope the scheduler would otherwise retry forever (spec §4.3).
		if _, err := r.store.GetAgent(ctx, toAddr.Name); err != nil {
			if hiberr.Is(err, hiberr.NotFound) {
				return store.Envelope{}, hiberr.New(hiberr.InvalidInput, "no agent registered for %q", toAddr.Format())
			}
			return store.Envelope{}, err
		}
	}

	meta := store.Metadata{}
	for k, v := range in.Metadata {
		if isReservedMetaKey(k) {
			if k == store.MetaFromName && !in.PrincipalIsBoss {
				return store.Envelope{}, hiberr.New(hiberr.InvalidInput, "fromName override requires a privileged sender")
			}
			if k != store.MetaFromName {
				return store.Envelope{}, hiberr.New(hiberr.InvalidInput, "metadata key %q is reserved", k)
			}
		}
		meta[k] = v
	}

	env, err := r.store.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From:      fromAddr.Format(),
		To:        toAddr.Format(),
		FromBoss:  in.FromBoss,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
		DeliverAt: in.DeliverAt,
		Metadata:  meta,
	})
	if err != nil {
		return store.Envelope{}, err
	}

	if in.DeliverAt != nil {
		if r.waker != nil {
			r.waker.NotifyEnvelopeCreated(in.DeliverAt)
		}
		return env, nil
	}

	// Immediate envelope: notify the destination consumer now.
	if toAddr.IsChannel() {
		if err := r.DeliverChannelEnvelope(ctx, env); err != nil {
			slog.Warn("router: immediate channel delivery failed", "envelope", store.ShortID(env.ID), "error", err)
		}
	} else if r.notifier != nil {
		r.notifier.NotifyAgent(toAddr.Name)
	}
	return env, nil
}

func isReservedMetaKey(k string) bool {
	switch k {
	case store.MetaCronScheduleID, store.MetaFromName, store.MetaSessionHandle, store.MetaLastDeliveryErr:
		return true
	default:
		return false
	}
}

// DeliverChannelEnvelope looks up the sender agent's binding for the
// adapter, invokes adapter.Send, and marks the envelope done regardless of
// outcome — channel delivery is at-most-once, never retried by the core
// (spec §4.3).
func (r *Router) DeliverChannelEnvelope(ctx context.Context, env store.Envelope) error {
	toAddr, err := address.Parse(env.To)
	if err != nil || !toAddr.IsChannel() {
		return r.store.MarkEnvelopeDone(ctx, env.ID, "invalid channel address")
	}
	fromAddr, err := address.Parse(env.From)
	if err != nil || !fromAddr.IsAgent() {
		return r.store.MarkEnvelopeDone(ctx, env.ID, "invalid sender address")
	}

	// Re-resolve the binding at delivery time: it may have been revoked
	// since creation (spec §4.2's delivery-time re-check).
	has, err := r.store.AgentHasBindingForAdapter(ctx, fromAddr.Name, toAddr.Adapter)
	if err != nil {
		return err
	}
	if !has {
		return r.store.MarkEnvelopeDone(ctx, env.ID, "binding revoked before delivery")
	}

	adapter, ok := r.adapterFor(toAddr.Adapter)
	if !ok {
		return r.store.MarkEnvelopeDone(ctx, env.ID, "no adapter registered for "+toAddr.Adapter)
	}

	sendErr := adapter.Send(ctx, env)
	deliveryErr := ""
	if sendErr != nil {
		deliveryErr = sendErr.Error()
		slog.Warn("router: adapter send failed", "envelope", store.ShortID(env.ID), "adapter", toAddr.Adapter, "error", sendErr)
	}
	return r.finishEnvelope(ctx, env, deliveryErr)
}

// DeliverMissingAgentEnvelope marks a due envelope addressed to an
// unregistered agent done, preventing an unbounded retry loop (spec
// §4.3).
func (r *Router) DeliverMissingAgentEnvelope(ctx context.Context, env store.Envelope) error {
	return r.finishEnvelope(ctx, env, "no agent registered for "+env.To)
}

// finishEnvelope transitions env to done, detecting metadata.cronScheduleId
// and routing through the atomic advance-and-materialize path when present
// (spec §4.5: "MUST detect... and trigger advancement atomically in the
// same transaction that marks it done"). Plain envelopes just mark done.
func (r *Router) finishEnvelope(ctx context.Context, env store.Envelope, deliveryErr string) error {
	scheduleIDStr, ok := env.Metadata[store.MetaCronScheduleID]
	if !ok || scheduleIDStr == "" {
		return r.store.MarkEnvelopeDone(ctx, env.ID, deliveryErr)
	}
	scheduleID, err := uuid.Parse(scheduleIDStr)
	if err != nil {
		return r.store.MarkEnvelopeDone(ctx, env.ID, deliveryErr)
	}
	sched, err := r.store.GetCronSchedule(ctx, scheduleID)
	if err != nil {
		if hiberr.Is(err, hiberr.NotFound) {
			return r.store.MarkEnvelopeDone(ctx, env.ID, deliveryErr)
		}
		return err
	}
	if err := r.store.AdvanceCronOnEnvelopeDone(ctx, scheduleID, env.ID, deliveryErr); err != nil {
		return err
	}
	if r.cron == nil {
		return nil
	}
	if _, err := r.cron.Advance(ctx, sched); err != nil {
		slog.Warn("router: cron advance failed", "schedule", scheduleID, "error", err)
	}
	return nil
}

// React forwards a reaction request to the adapter registered for
// adapterType (spec §4.8's react operation).
func (r *Router) React(ctx context.Context, adapterType, chatID, messageID, emoji string) error {
	adapter, ok := r.adapterFor(adapterType)
	if !ok {
		return hiberr.New(hiberr.InvalidInput, "no adapter registered for %q", adapterType)
	}
	return adapter.React(ctx, chatID, messageID, emoji)
}

// ConsumeForAgent lists an agent's inbox; used by the explicit "consume"
// listing operation that can also terminate envelopes (spec §4.3's ack
// semantics, path (b)).
func (r *Router) ConsumeForAgent(ctx context.Context, agentName string, limit int) ([]store.Envelope, error) {
	return r.store.PendingForAgent(ctx, agentName, limit)
}

// RouteInbound turns one inbound platform event into an envelope (spec
// §4.8: "inbound events from the adapter are published to the Router
// which wraps them in envelopes"). adapterToken identifies which bound
// agent owns the conversation.
func (r *Router) RouteInbound(ctx context.Context, adapterType, chatID, adapterToken, text string, attachments []store.Attachment) error {
	binding, err := r.store.FindBinding(ctx, adapterType, adapterToken)
	if err != nil {
		return err
	}
	_, err = r.RouteEnvelope(ctx, RouteInput{
		From:     address.ChannelAddress(adapterType, chatID).Format(),
		To:       address.AgentAddress(binding.AgentName).Format(),
		FromBoss: false,
		Content:  store.Content{Text: text, Attachments: attachments},
	})
	return err
}
