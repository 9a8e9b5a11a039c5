package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/eventbus"
	"github.com/conclave-run/conclave/internal/retry"
)

// RouteTable maps a session_key to the channel kind and addressing
// tuple it should be delivered back to, so the Dispatcher can turn a
// bare session.message event back into a platform-specific send. It is
// populated by InboundTransport.Start as messages arrive (a session
// only ever belongs to the one channel that created it).
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]route
}

type route struct {
	kind       Kind
	addressing Addressing
}

// Dispatcher subscribes to the Event Bus for session.message events and
// forwards each one to the outbound transport registered for its
// channel, rate-limited per channel and retried with backoff on
// transient failure -- the spec §4.X requirement that "outbound MUST
// tolerate rate limits by retrying with backoff," grounded on the
// teacher's per-adapter Send loops (e.g. discord/adapter.go's
// rateLimiter.Wait before each discordgo call) generalized into one
// dispatcher shared by every platform instead of duplicated per
// adapter.
type Dispatcher struct {
	registry *Registry
	routes   *RouteTable
	bus      *eventbus.Bus
	limiters map[Kind]*RateLimiter
	retry    retry.Config
	log      *slog.Logger
}

// NewDispatcher builds a Dispatcher with no outbound rate limiting; call
// Limiter to give a channel kind its own token bucket.
func NewDispatcher(registry *Registry, routes *RouteTable, bus *eventbus.Bus, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		routes:   routes,
		bus:      bus,
		limiters: make(map[Kind]*RateLimiter),
		retry:    retry.Config{MaxAttempts: 4, InitialDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Jitter: true},
		log:      log.With("component", "channels.dispatcher"),
	}
}

// Limiter sets or replaces the outbound rate limiter for a channel kind.
func (d *Dispatcher) Limiter(kind Kind, rate float64, burst int) {
	d.limiters[kind] = NewRateLimiter(rate, burst)
}

// Run subscribes to session.message events and forwards them until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	sub, cancel := d.bus.Subscribe(func(e core.Event) bool { return e.Type == core.EventSessionMessage }, eventbus.DefaultQueueCapacity)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			d.deliver(ctx, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e core.Event) {
	rt, ok := d.routes.lookup(e.SessionKey)
	if !ok {
		return
	}
	out, ok := d.registry.Outbound(rt.kind)
	if !ok {
		return
	}

	msg := core.Message{}
	if m, ok := e.Payload.(*core.Message); ok && m != nil {
		msg = *m
	} else if m, ok := e.Payload.(core.Message); ok {
		msg = m
	}
	if strings.TrimSpace(msg.Content) == "" {
		return
	}

	if limiter, ok := d.limiters[rt.kind]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	result := retry.Do(ctx, d.retry, func() error {
		return out.Send(ctx, OutboundMessage{Channel: rt.kind, Addressing: rt.addressing, Text: msg.Content, SessionKey: e.SessionKey})
	})
	if result.Err != nil {
		d.log.Warn("outbound delivery failed after retries", "channel", rt.kind, "session_key", e.SessionKey, "attempts", result.Attempts, "error", result.Err)
	}
}

// NewRouteTable builds an empty RouteTable.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]route)}
}

// Record associates a session_key with the channel/addressing it should
// route outbound replies to. Inbound transports call this as each
// message arrives.
func (t *RouteTable) Record(sessionKey string, kind Kind, addressing Addressing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[sessionKey] = route{kind: kind, addressing: addressing}
}

func (t *RouteTable) lookup(sessionKey string) (route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[sessionKey]
	return r, ok
}
