package lon

import (
	"sync/atomic"

	"github.com/ehrlich-b/go-lon/internal/link"
)

// LinkStats and LinkStatsSnapshot are the per-interface link counters.
type (
	LinkStats         = link.Stats
	LinkStatsSnapshot = link.StatsSnapshot
)

// Metrics tracks stack-level routing and diagnostic statistics. All
// counters are atomic; Snapshot never blocks the servicing loop.
type Metrics struct {
	TicksProcessed   atomic.Uint64
	InboundDatapoint atomic.Uint64 // routed to the datapoint handler
	InboundExplicit  atomic.Uint64 // routed to the explicit message handler
	InboundIsi       atomic.Uint64 // routed to the ISI dispatcher
	InboundDropped   atomic.Uint64 // undecodable or unroutable
	OutboundMessages atomic.Uint64
	CallbackFailures atomic.Uint64
	DiagnosticEvents atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TicksProcessed   uint64
	InboundDatapoint uint64
	InboundExplicit  uint64
	InboundIsi       uint64
	InboundDropped   uint64
	OutboundMessages uint64
	CallbackFailures uint64
	DiagnosticEvents uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TicksProcessed:   m.TicksProcessed.Load(),
		InboundDatapoint: m.InboundDatapoint.Load(),
		InboundExplicit:  m.InboundExplicit.Load(),
		InboundIsi:       m.InboundIsi.Load(),
		InboundDropped:   m.InboundDropped.Load(),
		OutboundMessages: m.OutboundMessages.Load(),
		CallbackFailures: m.CallbackFailures.Load(),
		DiagnosticEvents: m.DiagnosticEvents.Load(),
	}
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.TicksProcessed.Store(0)
	m.InboundDatapoint.Store(0)
	m.InboundExplicit.Store(0)
	m.InboundIsi.Store(0)
	m.InboundDropped.Store(0)
	m.OutboundMessages.Store(0)
	m.CallbackFailures.Store(0)
	m.DiagnosticEvents.Store(0)
}
