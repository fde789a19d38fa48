package rendezvous

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "holechat"
	subsystem = "rendezvous"
)

// Drop reasons used as the "reason" label of DroppedDatagrams.
const (
	dropMalformed     = "malformed"
	dropBadEndpoint   = "bad_endpoint"
	dropRateLimited   = "rate_limited"
	dropUnmappedRelay = "unmapped_relay"
	dropUnconfirmed   = "unconfirmed"
)

type Metrics struct {
	Registrations    prometheus.Counter
	Pairings         prometheus.Counter
	RelayLinks       prometheus.Counter
	RelayedDatagrams prometheus.Counter
	DroppedDatagrams *prometheus.CounterVec
	WaitingChannels  prometheus.Gauge
}

// NewMetrics builds the server's collectors and registers them on reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registrations_total",
			Help:      "Confirmed channel registrations.",
		}),
		Pairings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pairings_total",
			Help:      "Client pairs linked on a channel.",
		}),
		RelayLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_links_total",
			Help:      "Pairs that need the server to relay their traffic.",
		}),
		RelayedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relayed_datagrams_total",
			Help:      "Datagrams forwarded between relay peers.",
		}),
		DroppedDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_datagrams_total",
			Help:      "Datagrams dropped, by reason.",
		}, []string{"reason"}),
		WaitingChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "waiting_channels",
			Help:      "Channels with one client waiting for a partner.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Registrations,
			m.Pairings,
			m.RelayLinks,
			m.RelayedDatagrams,
			m.DroppedDatagrams,
			m.WaitingChannels,
		)
	}
	return m
}

func (m *Metrics) dropped(reason string) {
	m.DroppedDatagrams.WithLabelValues(reason).Inc()
}
