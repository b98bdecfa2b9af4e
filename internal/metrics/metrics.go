// Package metrics holds the Prometheus collectors shared by every domain
// context. Collectors are created once per process and survive
// environment switches; all methods are safe on a nil *Metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "factorycore"

// Metrics groups the core's collectors.
type Metrics struct {
	received        *prometheus.CounterVec
	evicted         *prometheus.CounterVec
	routed          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	connected       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered (a second New on the same registry) are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Messages received from the broker.",
		}, []string{"domain"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "buffer_evictions_total",
			Help:      "Messages evicted from full topic buffers.",
		}, []string{"domain"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatched_total",
			Help:      "Messages handed to a manager handler.",
		}, []string{"domain", "manager"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Inbound messages dropped before dispatch.",
		}, []string{"domain", "reason"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "handler_failures_total",
			Help:      "Manager handlers that returned an error or panicked.",
		}, []string{"domain", "manager"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "publishes_total",
			Help:      "Outbound publish attempts by outcome.",
		}, []string{"domain", "outcome"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 while the domain's transport is connected.",
		}, []string{"domain"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.received, err = register(reg, m.received)
	if err != nil {
		return nil, err
	}
	m.evicted, err = register(reg, m.evicted)
	if err != nil {
		return nil, err
	}
	m.routed, err = register(reg, m.routed)
	if err != nil {
		return nil, err
	}
	m.dropped, err = register(reg, m.dropped)
	if err != nil {
		return nil, err
	}
	m.handlerFailures, err = register(reg, m.handlerFailures)
	if err != nil {
		return nil, err
	}
	m.publishes, err = register(reg, m.publishes)
	if err != nil {
		return nil, err
	}
	m.connected, err = register(reg, m.connected)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// MessageReceived counts one inbound message and, if evicted, one eviction.
func (m *Metrics) MessageReceived(domain string, evicted bool) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(domain).Inc()
	if evicted {
		m.evicted.WithLabelValues(domain).Inc()
	}
}

// Dispatched counts a message handed to manager.
func (m *Metrics) Dispatched(domain, manager string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(domain, manager).Inc()
}

// Dropped counts a message dropped before dispatch.
func (m *Metrics) Dropped(domain, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(domain, reason).Inc()
}

// HandlerFailed counts a failing manager handler.
func (m *Metrics) HandlerFailed(domain, manager string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(domain, manager).Inc()
}

// Published counts a publish attempt with outcome "ok", "rejected" or "failed".
func (m *Metrics) Published(domain, outcome string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(domain, outcome).Inc()
}

// SetConnected records the connection state of a domain.
func (m *Metrics) SetConnected(domain string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(domain).Set(v)
}
