// Package channels implements the adapter contract (spec §4.8): each
// adapter is a state machine with start/stop/send/react, publishing
// inbound platform events to the Router as envelopes addressed to the
// agent bound to that chat.
package channels

import (
	"context"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// Channel is the adapter contract spec §4.8 names.
type Channel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, env store.Envelope) error
	React(ctx context.Context, chatID, messageID, emoji string) error
}

// Router is the subset of internal/router.Router an adapter needs to turn
// an inbound platform message into an envelope.
type Router interface {
	RouteInbound(ctx context.Context, adapterType, chatID, adapterToken, text string, attachments []store.Attachment) error
}

// BaseChannel holds the bookkeeping common to every adapter: a rate
// limiter pacing outbound sends and a running flag, following the
// teacher's channels.BaseChannel shape (adopted here instead of the
// teacher's own DM/group allowlist policy, which Hi-Boss's binding model
// replaces).
type BaseChannel struct {
	name    string
	router  Router
	limiter *rate.Limiter
	running bool
}

// NewBaseChannel builds the shared adapter state. ratePerSec bounds
// outbound sends so a burst of due channel envelopes never hammers the
// platform's own rate limits (spec §B domain-stack rationale for
// golang.org/x/time/rate).
func NewBaseChannel(name string, router Router, ratePerSec float64, burst int) *BaseChannel {
	return &BaseChannel{name: name, router: router, limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (b *BaseChannel) Name() string { return b.name }

// Router returns the Router this channel publishes inbound events to.
func (b *BaseChannel) Router() Router { return b.router }

func (b *BaseChannel) SetRunning(v bool) { b.running = v }

func (b *BaseChannel) IsRunning() bool { return b.running }

// Wait blocks until the outbound rate limiter admits one more send.
func (b *BaseChannel) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// CompactMessageID renders a platform message id in base36, the compact
// form spec §4.8 requires for Telegram reaction targets.
func CompactMessageID(id int) string {
	return strconv.FormatInt(int64(id), 36)
}

// ParseMessageID accepts either the base36 compact form or the "dec:<n>"
// fallback spec §4.8 names, and returns the platform's native int id.
func ParseMessageID(s string) (int, error) {
	if len(s) > 4 && s[:4] == "dec:" {
		n, err := strconv.Atoi(s[4:])
		return n, err
	}
	n, err := strconv.ParseInt(s, 36, 64)
	return int(n), err
}
