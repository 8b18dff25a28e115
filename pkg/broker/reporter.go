package broker

import (
	"context"
	"sync"
	"time"

	"taskbroker/pkg/protocol"
)

// Reporter periodically charges each worker's time since its last report to
// execution (banned) or idle (in the free pool) and publishes how many
// workers each service has connected.
type Reporter struct {
	reg      *Registry
	sink     MetricsSink
	interval time.Duration

	mu    sync.Mutex
	last  map[string]time.Time // session id -> last report
	known map[string]struct{}  // services ever reported, so they drop to 0

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewReporter creates a Reporter over reg.
func NewReporter(reg *Registry, sink MetricsSink, interval time.Duration) *Reporter {
	return &Reporter{
		reg:      reg,
		sink:     sink,
		interval: interval,
		last:     make(map[string]time.Time),
		known:    make(map[string]struct{}),
		nowFunc:  time.Now,
	}
}

// Run reports every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report emits one round of deltas. A session's first report charges
// nothing; it only starts the clock.
func (r *Reporter) Report() {
	sessions := r.reg.Snapshot()
	now := r.nowFunc()
	connected := make(map[string]int)

	r.mu.Lock()
	type charge struct {
		service, label string
		seconds        float64
	}
	var charges []charge
	for _, s := range sessions {
		connected[s.ServiceName]++
		r.known[s.ServiceName] = struct{}{}

		prev, seen := r.last[s.ID]
		r.last[s.ID] = now
		if !seen {
			continue
		}
		delta := now.Sub(prev).Seconds()
		switch {
		case s.Banned:
			charges = append(charges, charge{s.ServiceName, protocol.TimeExecution, delta})
		case s.Free:
			charges = append(charges, charge{s.ServiceName, protocol.TimeIdle, delta})
		}
	}
	services := make([]string, 0, len(r.known))
	for name := range r.known {
		services = append(services, name)
	}
	r.mu.Unlock()

	for _, c := range charges {
		r.sink.IncrementExecutionTime(c.service, c.label, c.seconds)
	}
	for _, name := range services {
		r.sink.SetConnected(name, connected[name])
	}
}

// Pulse charges the time since the session's last report to label and
// restarts its clock. Completion uses it so the tail of an execution is not
// lost between ticks.
func (r *Reporter) Pulse(id, service, label string) {
	now := r.nowFunc()
	r.mu.Lock()
	prev, seen := r.last[id]
	r.last[id] = now
	r.mu.Unlock()
	if !seen {
		return
	}
	r.sink.IncrementExecutionTime(service, label, now.Sub(prev).Seconds())
}

// Forget drops a session's clock.
func (r *Reporter) Forget(id string) {
	r.mu.Lock()
	delete(r.last, id)
	r.mu.Unlock()
}

// Tracked reports how many sessions have a running clock.
func (r *Reporter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}
