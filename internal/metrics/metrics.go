package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
)

var radioStates = []connectors.ConnectionState{
	connectors.ConnectionStateDisconnected,
	connectors.ConnectionStateConnecting,
	connectors.ConnectionStateConnected,
	connectors.ConnectionStateReconnecting,
	connectors.ConnectionStateFailed,
}

var sessionStates = []connectors.SessionState{
	connectors.SessionStateStarting,
	connectors.SessionStateAuthenticated,
	connectors.SessionStateReady,
	connectors.SessionStateSyncError,
	connectors.SessionStateAuthFailed,
	connectors.SessionStateStopped,
}

// Relay holds the relay's Prometheus collectors. A nil *Relay is a no-op.
type Relay struct {
	registry *prometheus.Registry

	relayed      *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	queueSent    *prometheus.CounterVec
	queueDropped *prometheus.CounterVec
	radioState   *prometheus.GaugeVec
	reconnects   prometheus.Counter
	sessionState *prometheus.GaugeVec
	syncErrors   prometheus.Counter
}

func New() *Relay {
	reg := prometheus.NewRegistry()
	m := &Relay{
		registry: reg,
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmrelay_messages_total",
			Help: "Relay attempts by direction and outcome.",
		}, []string{"direction", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmrelay_queue_depth",
			Help: "Messages waiting in the outbound mesh queue.",
		}),
		queueSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmrelay_queue_sent_total",
			Help: "Messages handed to the radio per mesh channel.",
		}, []string{"channel"}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmrelay_queue_dropped_total",
			Help: "Outbound messages dropped by reason.",
		}, []string{"reason"}),
		radioState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmrelay_radio_state",
			Help: "1 for the current radio link state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mmrelay_radio_reconnects_total",
			Help: "Radio link reconnect attempts.",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmrelay_matrix_session_state",
			Help: "1 for the current Matrix session state.",
		}, []string{"state"}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mmrelay_matrix_sync_errors_total",
			Help: "Failed Matrix sync requests.",
		}),
	}

	reg.MustRegister(
		m.relayed,
		m.queueDepth,
		m.queueSent,
		m.queueDropped,
		m.radioState,
		m.reconnects,
		m.sessionState,
		m.syncErrors,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Relay) Registry() *prometheus.Registry {
	return m.registry
}

// QueueDepth implements queue.Observer.
func (m *Relay) QueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// QueueSent implements queue.Observer.
func (m *Relay) QueueSent(channel int) {
	if m == nil {
		return
	}
	m.queueSent.WithLabelValues(strconv.Itoa(channel)).Inc()
}

// QueueDropped implements queue.Observer.
func (m *Relay) QueueDropped(reason string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(reason).Inc()
}

func (m *Relay) observeRelay(ev connectors.RelayEvent) {
	m.relayed.WithLabelValues(ev.Direction, ev.Outcome).Inc()
}

func (m *Relay) observeConn(status connectors.ConnectionStatus) {
	for _, state := range radioStates {
		value := 0.0
		if state == status.State {
			value = 1
		}
		m.radioState.WithLabelValues(string(state)).Set(value)
	}
	if status.State == connectors.ConnectionStateReconnecting {
		m.reconnects.Inc()
	}
}

func (m *Relay) observeSession(status connectors.SessionStatus) {
	for _, state := range sessionStates {
		value := 0.0
		if state == status.State {
			value = 1
		}
		m.sessionState.WithLabelValues(string(state)).Set(value)
	}
	if status.State == connectors.SessionStateSyncError {
		m.syncErrors.Inc()
	}
}

// Start follows relay, radio and session events on b until ctx ends.
func (m *Relay) Start(ctx context.Context, b bus.MessageBus) {
	if m == nil || b == nil {
		return
	}
	topics := []string{connectors.TopicRelayEvent, connectors.TopicConnStatus, connectors.TopicSessionStatus}
	sub := b.Subscribe(topics...)
	go func() {
		defer b.Unsubscribe(sub, topics...)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				switch ev := msg.(type) {
				case connectors.RelayEvent:
					m.observeRelay(ev)
				case connectors.ConnectionStatus:
					m.observeConn(ev)
				case connectors.SessionStatus:
					m.observeSession(ev)
				}
			}
		}
	}()
}
