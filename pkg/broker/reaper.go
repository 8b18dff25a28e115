package broker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

// Reaper fails the queued tasks of services that were disabled or removed.
// Every queue it has ever seen stays tracked, so a service that disappears
// from the registry entirely is still drained.
type Reaper struct {
	queue    TaskQueue
	services ServiceRegistry
	client   DispatchClient
	interval time.Duration

	mu      sync.Mutex
	tracked map[string]struct{}

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewReaper creates a Reaper.
func NewReaper(q TaskQueue, services ServiceRegistry, client DispatchClient, interval time.Duration) *Reaper {
	return &Reaper{
		queue:    q,
		services: services,
		client:   client,
		interval: interval,
		tracked:  make(map[string]struct{}),
		nowFunc:  time.Now,
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return xerrors.Errorf("initializing reaper scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("stale queue sweep failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return xerrors.Errorf("initializing reaper job: %w", err)
	}
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		return xerrors.Errorf("stopping reaper scheduler: %w", err)
	}
	return nil
}

// RunOnce performs one sweep and returns how many tasks it failed.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	queued, err := r.queue.Services(ctx)
	if err != nil {
		return 0, xerrors.Errorf("list queues: %w", err)
	}
	registered, err := r.services.ListAllServices(ctx)
	if err != nil {
		return 0, xerrors.Errorf("list services: %w", err)
	}

	r.mu.Lock()
	for _, name := range queued {
		r.tracked[name] = struct{}{}
	}
	names := make([]string, 0, len(r.tracked))
	for name := range r.tracked {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	live := make(map[string]protocol.ServiceDescriptor, len(registered))
	for _, d := range registered {
		live[d.Name] = d
	}

	var (
		total int
		errs  []error
	)
	for _, name := range names {
		d, ok := live[name]
		if ok && d.Enabled {
			continue
		}
		version := "0"
		if ok && d.Version != "" {
			version = d.Version
		}
		n, err := r.drain(ctx, name, version)
		total += n
		if err != nil {
			log.Errorw("draining queue of inactive service failed", "service", name, "drained", n, "error", err)
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			log.Infow("drained queue of inactive service", "service", name, "tasks", n, "registered", ok)
		}
	}
	return total, errors.Join(errs...)
}

// drain empties one service's queue, failing every task in it.
func (r *Reaper) drain(ctx context.Context, service, version string) (int, error) {
	n := 0
	for {
		t, _, err := r.client.RequestWork(ctx, "reaper", service, "", 0)
		var undecodable *protocol.UndecodableTaskError
		if errors.As(err, &undecodable) {
			continue
		}
		if err != nil {
			return n, xerrors.Errorf("drain %s: %w", service, err)
		}
		if t == nil {
			return n, nil
		}
		e := &protocol.Error{
			Created: r.nowFunc().UTC(),
			Response: protocol.ErrorResponse{
				Message:        protocol.MsgServiceDisabled,
				ServiceName:    service,
				ServiceVersion: version,
				Status:         protocol.StatusFailNonRecoverable,
			},
			SHA256: t.FileInfo.SHA256,
			Type:   protocol.ErrorTaskPreempted,
		}
		e.ExpiryTS = t.Expiry(r.nowFunc())
		key := e.BuildKey(protocol.ConfKey("", t.ServiceConfig))
		if err := r.client.ServiceFailed(ctx, t.SID, key, e); err != nil {
			if uerr := r.queue.Unpop(ctx, t); uerr != nil {
				log.Errorw("failed to requeue task of inactive service", "service", service, "sid", t.SID, "error", uerr)
			}
			return n, xerrors.Errorf("fail %s task %s: %w", service, t.SID, err)
		}
		n++
	}
}

// Tracked returns the queue names the reaper watches, sorted.
func (r *Reaper) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tracked))
	for name := range r.tracked {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Track adds a service to the watched set, as if its queue had been seen.
func (r *Reaper) Track(service string) {
	service = strings.TrimPrefix(service, protocol.QueuePrefix)
	r.mu.Lock()
	r.tracked[service] = struct{}{}
	r.mu.Unlock()
}
