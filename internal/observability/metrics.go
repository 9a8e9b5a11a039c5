// Package observability collects Prometheus metrics for the parts of the
// system that publish lifecycle events on the Event Bus, following the
// teacher's internal/observability package: one Metrics struct of
// promauto-registered collectors, plus an Observe loop that turns bus
// traffic into counter/gauge updates rather than threading a *Metrics
// pointer through every package that could emit one.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/eventbus"
)

// Metrics holds every collector this build exposes at /metrics.
type Metrics struct {
	// SessionEvents counts per-session lifecycle events by type.
	// Labels: event_type (session.message|session.tool_call|session.tool_result|session.stream_token|session.compacted|agent.completed)
	SessionEvents *prometheus.CounterVec

	// JobRuns counts scheduler job executions by outcome.
	// Labels: outcome (started|finished)
	JobRuns *prometheus.CounterVec

	// PolicyDecisions counts access policy evaluations by effect.
	// Labels: effect (allow|deny)
	PolicyDecisions *prometheus.CounterVec

	// QuotaExceeded counts tool calls rejected for exceeding a tenant quota.
	// Labels: tool_name
	QuotaExceeded *prometheus.CounterVec

	// BusDropped is the cumulative count of events dropped under
	// subscriber backpressure, mirrored from eventbus.Bus.DroppedCount.
	BusDropped prometheus.Gauge
}

// NewMetrics creates and registers every collector with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_session_events_total",
				Help: "Total number of session/agent lifecycle events by type",
			},
			[]string{"event_type"},
		),
		JobRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_scheduler_job_runs_total",
				Help: "Total number of scheduler job runs by outcome",
			},
			[]string{"outcome"},
		),
		PolicyDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_policy_decisions_total",
				Help: "Total number of access policy evaluations by effect",
			},
			[]string{"effect"},
		),
		QuotaExceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_quota_exceeded_total",
				Help: "Total number of tool calls rejected for exceeding a tenant quota",
			},
			[]string{"tool_name"},
		),
		BusDropped: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conclave_eventbus_dropped_events",
				Help: "Cumulative number of events dropped on the event bus under backpressure",
			},
		),
	}
}

// Observe subscribes to bus and updates m from every event published,
// until ctx is cancelled. Run it in its own goroutine, the same pattern
// channels.Dispatcher.Run uses for bus consumption.
func (m *Metrics) Observe(ctx context.Context, bus *eventbus.Bus) {
	sub, cancel := bus.Subscribe(eventbus.MatchAll, eventbus.DefaultQueueCapacity)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			m.record(e, bus)
		}
	}
}

func (m *Metrics) record(e core.Event, bus *eventbus.Bus) {
	switch e.Type {
	case core.EventJobRunStarted:
		m.JobRuns.WithLabelValues("started").Inc()
	case core.EventJobRunFinished:
		m.JobRuns.WithLabelValues("finished").Inc()
	case core.EventPolicyDecision:
		if decision, ok := e.Payload.(core.Decision); ok {
			m.PolicyDecisions.WithLabelValues(string(decision.Effect)).Inc()
		}
	case core.EventQuotaExceeded:
		toolName, _ := e.Payload.(string)
		m.QuotaExceeded.WithLabelValues(toolName).Inc()
	case core.EventBusDropped:
		m.BusDropped.Set(float64(bus.DroppedCount()))
	default:
		m.SessionEvents.WithLabelValues(string(e.Type)).Inc()
	}
}
