// Package metrics holds the Prometheus collectors of the service manager and
// the router. Collectors are registered on the Registerer passed in, so tests
// can use a fresh prometheus.NewRegistry() each time.
//
// All methods are nil-safe: a component built without metrics calls them on a
// nil pointer.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minibroker"

// Delivery outcomes for the notifications counter.
const (
	ResultDelivered = "delivered"
	ResultDropped   = "dropped"
)

// Notification kinds.
const (
	KindStub  = "stub"
	KindProxy = "proxy"
)

// ManagerMetrics describes the in-process registry.
type ManagerMetrics struct {
	servers       prometheus.Gauge
	clients       prometheus.Gauge
	notifications *prometheus.CounterVec
	refused       prometheus.Counter
}

func NewManagerMetrics(reg prometheus.Registerer) (*ManagerMetrics, error) {
	m := &ManagerMetrics{
		servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "servers",
			Help:      "Server entries in the service registry, placeholders included.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "clients",
			Help:      "Proxies registered in the service registry.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "notifications_total",
			Help:      "Connection notifications by target kind and delivery result.",
		}, []string{"kind", "result"}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "refused_stubs_total",
			Help:      "Stub registrations refused because another stub is active.",
		}),
	}
	var err error
	if m.servers, err = register(reg, m.servers); err != nil {
		return nil, err
	}
	if m.clients, err = register(reg, m.clients); err != nil {
		return nil, err
	}
	if m.notifications, err = register(reg, m.notifications); err != nil {
		return nil, err
	}
	if m.refused, err = register(reg, m.refused); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ManagerMetrics) SetRegistrySize(servers, clients int) {
	if m == nil {
		return
	}
	m.servers.Set(float64(servers))
	m.clients.Set(float64(clients))
}

func (m *ManagerMetrics) Notification(kind string, delivered bool) {
	if m == nil {
		return
	}
	result := ResultDropped
	if delivered {
		result = ResultDelivered
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *ManagerMetrics) StubRefused() {
	if m == nil {
		return
	}
	m.refused.Inc()
}

// RouterMetrics describes the broker.
type RouterMetrics struct {
	peers    prometheus.Gauge
	messages *prometheus.CounterVec
	forwards prometheus.Counter
	services prometheus.Gauge
}

func NewRouterMetrics(reg prometheus.Registerer) (*RouterMetrics, error) {
	m := &RouterMetrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "peers",
			Help:      "Processes currently connected to the router.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages handled by type and outcome.",
		}, []string{"type", "outcome"}),
		forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "forwards_total",
			Help:      "Registration messages forwarded between processes.",
		}),
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "services",
			Help:      "Service entries in the routing registry.",
		}),
	}
	var err error
	if m.peers, err = register(reg, m.peers); err != nil {
		return nil, err
	}
	if m.messages, err = register(reg, m.messages); err != nil {
		return nil, err
	}
	if m.forwards, err = register(reg, m.forwards); err != nil {
		return nil, err
	}
	if m.services, err = register(reg, m.services); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RouterMetrics) PeerConnected() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *RouterMetrics) PeerDisconnected() {
	if m != nil {
		m.peers.Dec()
	}
}

func (m *RouterMetrics) Message(msgType, outcome string) {
	if m != nil {
		m.messages.WithLabelValues(msgType, outcome).Inc()
	}
}

func (m *RouterMetrics) Forwarded() {
	if m != nil {
		m.forwards.Inc()
	}
}

func (m *RouterMetrics) SetServices(n int) {
	if m != nil {
		m.services.Set(float64(n))
	}
}

// register returns the collector already present under the same name, as
// happens when two components share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
