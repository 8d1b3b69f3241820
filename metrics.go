package mbest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the sync engine does. A nil *Metrics records nothing.
type Metrics struct {
	Reconciled      *prometheus.CounterVec
	Rollbacks       prometheus.Counter
	MalformedEvents prometheus.Counter
	ReadAcks        *prometheus.CounterVec
	ChannelState    prometheus.Gauge
	Polls           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbest",
			Subsystem: "sync",
			Name:      "reconciled_total",
			Help:      "Messages merged into the thread store, by source and outcome.",
		}, []string{"source", "outcome"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mbest",
			Subsystem: "sync",
			Name:      "rollbacks_total",
			Help:      "Optimistic messages removed after a failed send.",
		}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mbest",
			Subsystem: "sync",
			Name:      "malformed_events_total",
			Help:      "Push events dropped for missing identity or thread key.",
		}),
		ReadAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbest",
			Subsystem: "receipts",
			Name:      "acks_total",
			Help:      "Read acknowledgments issued, by result.",
		}, []string{"result"}),
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mbest",
			Subsystem: "channel",
			Name:      "state",
			Help:      "0 unsubscribed, 1 subscribing, 2 subscribed.",
		}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbest",
			Subsystem: "poll",
			Name:      "runs_total",
			Help:      "Fallback refetches, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Reconciled, m.Rollbacks, m.MalformedEvents, m.ReadAcks, m.ChannelState, m.Polls)
	}
	return m
}

func (m *Metrics) reconciled(source string, o Outcome) {
	if m != nil {
		m.Reconciled.WithLabelValues(source, o.String()).Inc()
	}
}

func (m *Metrics) rollback() {
	if m != nil {
		m.Rollbacks.Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.MalformedEvents.Inc()
	}
}

func (m *Metrics) ack(result string) {
	if m != nil {
		m.ReadAcks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) channel(s ChannelState) {
	if m != nil {
		m.ChannelState.Set(float64(s))
	}
}

func (m *Metrics) poll(result string) {
	if m != nil {
		m.Polls.WithLabelValues(result).Inc()
	}
}
