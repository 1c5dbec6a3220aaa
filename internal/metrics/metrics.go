// Package metrics holds the prometheus collectors of the client and the relay.
// All methods are safe on a nil receiver so callers can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var statuses = []string{"disconnected", "connecting", "connected", "reconnecting", "error"}

type Connection struct {
	Status          *prometheus.GaugeVec
	SentTotal       prometheus.Counter
	ReceivedTotal   prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	ReconnectsTotal prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	DroppedTotal    prometheus.Counter
	QueueDepth      prometheus.Gauge
	MalformedTotal  prometheus.Counter
}

func NewConnection(reg prometheus.Registerer) *Connection {
	f := promauto.With(reg)
	return &Connection{
		Status: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vestnik_connection_status",
			Help: "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
		SentTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_messages_sent_total",
			Help: "Total number of envelopes written to the channel",
		}),
		ReceivedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_messages_received_total",
			Help: "Total number of frames read from the channel",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_bytes_sent_total",
			Help: "Total number of bytes written to the channel",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_bytes_received_total",
			Help: "Total number of bytes read from the channel",
		}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_reconnects_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vestnik_errors_total",
			Help: "Total number of classified connection errors",
		}, []string{"type"}),
		DroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_queue_dropped_total",
			Help: "Total number of queued envelopes dropped",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "vestnik_queue_depth",
			Help: "Current number of envelopes waiting in the outbound queue",
		}),
		MalformedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_malformed_total",
			Help: "Total number of received frames that failed to decode",
		}),
	}
}

func (m *Connection) SetStatus(status string) {
	if m == nil || m.Status == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.Status.WithLabelValues(s).Set(v)
	}
}

func (m *Connection) Sent(bytes int) {
	if m == nil || m.SentTotal == nil {
		return
	}
	m.SentTotal.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Connection) Received(bytes int) {
	if m == nil || m.ReceivedTotal == nil {
		return
	}
	m.ReceivedTotal.Inc()
	m.BytesReceived.Add(float64(bytes))
}

func (m *Connection) Reconnect() {
	if m == nil || m.ReconnectsTotal == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *Connection) Error(errType string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *Connection) Dropped(n int) {
	if m == nil || m.DroppedTotal == nil {
		return
	}
	m.DroppedTotal.Add(float64(n))
}

func (m *Connection) SetQueueDepth(n int) {
	if m == nil || m.QueueDepth == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Connection) Malformed() {
	if m == nil || m.MalformedTotal == nil {
		return
	}
	m.MalformedTotal.Inc()
}

type Relay struct {
	Peers         prometheus.Gauge
	RelayedTotal  *prometheus.CounterVec
	DroppedTotal  prometheus.Counter
	RejectedTotal prometheus.Counter
}

func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "vestnik_relay_peers",
			Help: "Current number of connected peers",
		}),
		RelayedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vestnik_relay_envelopes_total",
			Help: "Total number of envelopes relayed, by type",
		}, []string{"type"}),
		DroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_relay_dropped_total",
			Help: "Total number of envelopes dropped because a peer was slow",
		}),
		RejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vestnik_relay_rejected_total",
			Help: "Total number of unauthenticated connections and refused envelopes",
		}),
	}
}

func (m *Relay) PeerJoined() {
	if m == nil || m.Peers == nil {
		return
	}
	m.Peers.Inc()
}

func (m *Relay) PeerLeft() {
	if m == nil || m.Peers == nil {
		return
	}
	m.Peers.Dec()
}

func (m *Relay) Relayed(envType string) {
	if m == nil || m.RelayedTotal == nil {
		return
	}
	m.RelayedTotal.WithLabelValues(envType).Inc()
}

func (m *Relay) Dropped() {
	if m == nil || m.DroppedTotal == nil {
		return
	}
	m.DroppedTotal.Inc()
}

func (m *Relay) Rejected() {
	if m == nil || m.RejectedTotal == nil {
		return
	}
	m.RejectedTotal.Inc()
}
