// Package metrics exposes per-service broker counters to prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

const namespace = "taskbroker"

// serviceHandles holds every metric child of one service, resolved once.
type serviceHandles struct {
	counters  map[string]prometheus.Counter
	times     map[string]prometheus.Counter
	connected prometheus.Gauge
}

// Sink records service counters, idle/busy time and connected workers.
type Sink struct {
	registry *prometheus.Registry

	events    *prometheus.CounterVec
	seconds   *prometheus.CounterVec
	connected *prometheus.GaugeVec

	mu       sync.Mutex
	services map[string]*serviceHandles
}

// New creates a Sink registered on its own registry.
func New() (*Sink, error) {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_events_total",
			Help:      "Dispatch and completion events per service.",
		}, []string{"service", "event"}),
		seconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_time_seconds_total",
			Help:      "Seconds workers of a service spent idle or executing.",
		}, []string{"service", "state"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_workers",
			Help:      "Workers currently connected per service.",
		}, []string{"service"}),
		services: make(map[string]*serviceHandles),
	}
	for _, c := range []prometheus.Collector{s.events, s.seconds, s.connected} {
		if err := s.registry.Register(c); err != nil {
			return nil, xerrors.Errorf("register metric: %w", err)
		}
	}
	return s, nil
}

func (s *Sink) handles(service string) *serviceHandles {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.services[service]; ok {
		return h
	}
	h := &serviceHandles{
		counters:  make(map[string]prometheus.Counter, len(protocol.Counters)),
		times:     make(map[string]prometheus.Counter, 2),
		connected: s.connected.WithLabelValues(service),
	}
	for _, name := range protocol.Counters {
		h.counters[name] = s.events.WithLabelValues(service, name)
	}
	for _, label := range []string{protocol.TimeIdle, protocol.TimeExecution} {
		h.times[label] = s.seconds.WithLabelValues(service, label)
	}
	s.services[service] = h
	return h
}

// Increment bumps one named counter of service. Unknown names are ignored.
func (s *Sink) Increment(service, counter string) {
	if c, ok := s.handles(service).counters[counter]; ok {
		c.Inc()
	}
}

// IncrementExecutionTime adds seconds to the idle or execution total.
func (s *Sink) IncrementExecutionTime(service, label string, seconds float64) {
	if seconds <= 0 {
		return
	}
	if c, ok := s.handles(service).times[label]; ok {
		c.Add(seconds)
	}
}

// SetConnected records how many workers of service are connected.
func (s *Sink) SetConnected(service string, n int) {
	s.handles(service).connected.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the metrics in the prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}
