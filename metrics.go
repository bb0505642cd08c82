package afc

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus instrumentation: channel
// lifecycle counters, stream churn, and replay rejections, labeled the
// way this pack's other long-running services (aistore, n-backup)
// expose a /metrics surface.
type Metrics struct {
	ChannelsAdded     prometheus.Counter
	ChannelsRemoved   prometheus.Counter
	ChannelsExhausted prometheus.Counter
	StreamsAccepted   prometheus.Counter
	StreamsEvicted    prometheus.Counter
	MessagesReplayed  prometheus.Counter
}

// NewMetrics registers the engine's counters on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChannelsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc", Name: "channels_added_total",
			Help: "Channels successfully added to the channel table.",
		}),
		ChannelsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc", Name: "channels_removed_total",
			Help: "Channels removed from the channel table.",
		}),
		ChannelsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc", Name: "channels_exhausted_total",
			Help: "Channels whose sequence space was exhausted.",
		}),
		StreamsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc", Name: "streams_accepted_total",
			Help: "Inbound connections accepted into the stream table.",
		}),
		StreamsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc", Name: "streams_evicted_total",
			Help: "Streams evicted from the stream table after an I/O error.",
		}),
		MessagesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc", Name: "messages_replayed_total",
			Help: "Data messages rejected for carrying a replayed sequence number.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ChannelsAdded, m.ChannelsRemoved, m.ChannelsExhausted,
			m.StreamsAccepted, m.StreamsEvicted, m.MessagesReplayed,
		)
	}
	return m
}

// noopMetrics is used when the caller doesn't supply a registry, so
// engine code never needs a nil check before incrementing a counter.
func noopMetrics() *Metrics { return NewMetrics(nil) }
