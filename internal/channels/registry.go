package channels

import (
	"context"
	"fmt"
	"sync"
)

// Registry tracks every configured platform adapter by capability,
// adapted from the teacher's internal/channels/channel.go Registry --
// re-keyed on this package's Kind instead of the teacher's
// pkg/models.ChannelType, and with AggregateMessages dropped since
// inbound delivery here runs push-style through a RequestSink rather
// than a pulled aggregate channel.
type Registry struct {
	mu       sync.RWMutex
	inbound  map[Kind]InboundTransport
	outbound map[Kind]OutboundTransport
	health   map[Kind]HealthReporter
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		inbound:  make(map[Kind]InboundTransport),
		outbound: make(map[Kind]OutboundTransport),
		health:   make(map[Kind]HealthReporter),
	}
}

// RegisterInbound adds an inbound transport for its Kind.
func (r *Registry) RegisterInbound(t InboundTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound[t.Kind()] = t
	if h, ok := t.(HealthReporter); ok {
		r.health[t.Kind()] = h
	}
}

// RegisterOutbound adds an outbound transport for its Kind.
func (r *Registry) RegisterOutbound(t OutboundTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[t.Kind()] = t
	if h, ok := t.(HealthReporter); ok {
		r.health[t.Kind()] = h
	}
}

// Outbound returns the registered outbound transport for kind, if any.
func (r *Registry) Outbound(kind Kind) (OutboundTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.outbound[kind]
	return t, ok
}

// Inbound returns every registered inbound transport.
func (r *Registry) Inbound() []InboundTransport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InboundTransport, 0, len(r.inbound))
	for _, t := range r.inbound {
		out = append(out, t)
	}
	return out
}

// Health reports the current health of every adapter that implements
// HealthReporter.
func (r *Registry) Health(ctx context.Context) map[Kind]Health {
	r.mu.RLock()
	reporters := make(map[Kind]HealthReporter, len(r.health))
	for k, h := range r.health {
		reporters[k] = h
	}
	r.mu.RUnlock()

	out := make(map[Kind]Health, len(reporters))
	for k, h := range reporters {
		out[k] = h.Health(ctx)
	}
	return out
}

// StartAll starts every registered inbound transport, delivering into
// sink. If any fails to start, the already-started transports are
// stopped and the error is returned.
func (r *Registry) StartAll(ctx context.Context, sink RequestSink) error {
	r.mu.RLock()
	transports := make([]InboundTransport, 0, len(r.inbound))
	for _, t := range r.inbound {
		transports = append(transports, t)
	}
	r.mu.RUnlock()

	started := make([]InboundTransport, 0, len(transports))
	for _, t := range transports {
		if err := t.Start(ctx, sink); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("channels: starting %s transport: %w", t.Kind(), err)
		}
		started = append(started, t)
	}
	return nil
}

// StopAll stops every registered inbound transport, returning the last
// error encountered.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	transports := make([]InboundTransport, 0, len(r.inbound))
	for _, t := range r.inbound {
		transports = append(transports, t)
	}
	r.mu.RUnlock()

	var lastErr error
	for _, t := range transports {
		if err := t.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
