// Package broker hands queued analysis tasks to connected service workers.
//
// Workers connect over a transport (HTTP long-poll or a socket session),
// register, and ask for work. The first waiting worker of a service starts
// that service's dispatch loop, which pops tasks, answers them from the
// result cache when possible, and otherwise assigns each one to a random
// free worker. A worker holding a task is banned from further assignment
// until it reports a result or an error, which the broker scores and
// forwards to the dispatcher. A reaper fails the queued tasks of services
// that have been disabled or removed.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

var log = logging.Logger("broker")

// reportTimeout bounds forwarding the failure of a pre-empted task.
const reportTimeout = 10 * time.Second

// --- Interfaces for testability ---

// TaskQueue is the part of the queue the broker touches directly.
type TaskQueue interface {
	Unpop(ctx context.Context, t *protocol.Task) error
	Services(ctx context.Context) ([]string, error)
}

// ResultCache answers cache probes.
type ResultCache interface {
	GetResult(ctx context.Context, key string) (*protocol.Result, error)
	EmptyResultExists(ctx context.Context, key string) (bool, error)
}

// DispatchClient is the downstream dispatcher: it hands out work and
// receives outcomes.
type DispatchClient interface {
	RequestWork(ctx context.Context, workerID, service, version string, timeout time.Duration) (*protocol.Task, bool, error)
	ServiceFinished(ctx context.Context, sid, key string, r *protocol.Result) error
	ServiceFailed(ctx context.Context, sid, key string, e *protocol.Error) error
}

// ServiceRegistry lists registered services.
type ServiceRegistry interface {
	ListAllServices(ctx context.Context) ([]protocol.ServiceDescriptor, error)
}

// HeuristicSource resolves heuristic definitions by ID.
type HeuristicSource interface {
	Get(ctx context.Context, heurID string) (protocol.Heuristic, bool)
}

// MetricsSink receives per-service counters.
type MetricsSink interface {
	Increment(service, counter string)
	IncrementExecutionTime(service, label string, seconds float64)
	SetConnected(service string, n int)
}

// --- Config ---

// Config holds Broker configuration.
type Config struct {
	AuthKey          string        // Key workers must present.
	PopTimeout       time.Duration // Bound on each queue pop (default 1s).
	ReporterInterval time.Duration // Busy/idle reporting period (default 1s).
	ReaperInterval   time.Duration // Stale queue sweep period (default 60s).
	ShutdownTimeout  time.Duration // Wait for dispatch loops on shutdown (default 10s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PopTimeout == 0 {
		out.PopTimeout = time.Second
	}
	if out.ReporterInterval == 0 {
		out.ReporterInterval = time.Second
	}
	if out.ReaperInterval == 0 {
		out.ReaperInterval = 60 * time.Second
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	return out
}

// Deps are the broker's external collaborators.
type Deps struct {
	Queue      TaskQueue
	Cache      ResultCache
	Client     DispatchClient
	Services   ServiceRegistry
	Heuristics HeuristicSource
	Metrics    MetricsSink
}

// --- Broker ---

// Broker owns the worker registry and the loops that feed it.
type Broker struct {
	cfg        Config
	queue      TaskQueue
	cache      ResultCache
	client     DispatchClient
	heuristics HeuristicSource
	metrics    MetricsSink

	reg      *Registry
	reporter *Reporter
	reaper   *Reaper

	authKey atomic.Pointer[string]

	// ctx bounds every dispatch loop; cancel stops them.
	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Broker. Dispatch loops may start as soon as workers connect;
// Run adds the reporter and reaper and ties everything to a context.
func New(cfg Config, deps Deps) *Broker {
	resolved := cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:        resolved,
		queue:      deps.Queue,
		cache:      deps.Cache,
		client:     deps.Client,
		heuristics: deps.Heuristics,
		metrics:    deps.Metrics,
		reg:        NewRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		nowFunc:    time.Now,
	}
	b.reporter = NewReporter(b.reg, deps.Metrics, resolved.ReporterInterval)
	b.reaper = NewReaper(deps.Queue, deps.Services, deps.Client, resolved.ReaperInterval)
	b.SetAuthKey(resolved.AuthKey)
	return b
}

// Registry exposes the worker registry.
func (b *Broker) Registry() *Registry { return b.reg }

// Reaper exposes the stale queue reaper.
func (b *Broker) Reaper() *Reaper { return b.reaper }

// SetAuthKey replaces the key workers must present.
func (b *Broker) SetAuthKey(key string) {
	b.authKey.Store(&key)
}

// Authorize checks the key hello presents. Failures are logged with the
// handshake for auditing.
func (b *Broker) Authorize(hello *protocol.Hello) error {
	if want := b.authKey.Load(); want != nil && hello.AuthKey == *want {
		return nil
	}
	err := &protocol.AuthenticationError{
		ContainerID: hello.ContainerID,
		ServiceName: hello.ServiceName,
		Headers:     hello.Headers,
	}
	log.Warnw("client provided wrong api key",
		"container", hello.ContainerID, "service", hello.ServiceName,
		"key", hello.AuthKey, "ip", hello.IP, "headers", hello.Headers)
	return err
}

// Run starts the reporter and the reaper and blocks until ctx is done. It
// then stops every dispatch loop and waits for them, up to ShutdownTimeout.
func (b *Broker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return b.reaper.Run(gctx)
	})
	err := g.Wait()
	b.Close()
	if err != nil {
		return xerrors.Errorf("broker: %w", err)
	}
	return nil
}

// Close stops every dispatch loop and waits for them to exit.
func (b *Broker) Close() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.ShutdownTimeout):
		log.Warnw("dispatch loops did not stop in time", "timeout", b.cfg.ShutdownTimeout)
	}
}

// --- Worker lifecycle ---

// Connect authenticates hello and registers a new session that receives
// tasks through n. A previous session of the same container is dropped as
// if it had disconnected.
func (b *Broker) Connect(hello *protocol.Hello, transport string, n Notifier) (*Session, error) {
	if err := hello.Validate(); err != nil {
		return nil, err
	}
	if err := b.Authorize(hello); err != nil {
		return nil, err
	}

	timeout := hello.ServiceTimeout
	if timeout == 0 {
		timeout = protocol.DefaultServiceTimeout
	}
	s := &Session{
		ID:             uuid.NewString(),
		ContainerID:    hello.ContainerID,
		ServiceName:    hello.ServiceName,
		ServiceVersion: hello.ServiceVersion,
		ToolVersion:    hello.ServiceToolVersion,
		Timeout:        time.Duration(timeout) * time.Second,
		IP:             hello.IP,
		Transport:      transport,
		ConnectedAt:    b.nowFunc(),
		notifier:       n,
	}
	old, asg := b.reg.Register(s)
	if old != nil {
		log.Infow("container reconnected, dropping previous session",
			"container", s.ContainerID, "service", s.ServiceName, "previous", old.ID)
		b.released(old, asg)
	}
	log.Infow("worker connected",
		"worker", s.ID, "container", s.ContainerID, "service", s.ServiceName,
		"version", s.ServiceVersion, "transport", transport, "ip", s.IP)
	return s, nil
}

// Disconnect removes the worker. A task it was processing is reported to
// the dispatcher as a recoverable failure.
func (b *Broker) Disconnect(id string) {
	s, asg, ok := b.reg.Unregister(id)
	if !ok {
		return
	}
	log.Infow("worker disconnected", "worker", id, "container", s.ContainerID, "service", s.ServiceName)
	b.released(s, asg)
}

// Release drops an idle session, typically a long-poll that timed out. A
// worker that is processing a task is kept; Release then returns false.
func (b *Broker) Release(id string) bool {
	if !b.reg.UnregisterIdle(id) {
		return false
	}
	b.reporter.Forget(id)
	return true
}

func (b *Broker) released(s *Session, asg Assignment) {
	b.reporter.Forget(s.ID)
	if asg.Status != StatusProcessing || asg.Task == nil {
		return
	}
	t := asg.Task
	e := &protocol.Error{
		Created: b.nowFunc().UTC(),
		Response: protocol.ErrorResponse{
			Message:            protocol.MsgWorkerTerminated,
			ServiceName:        s.ServiceName,
			ServiceVersion:     s.ServiceVersion,
			ServiceToolVersion: s.ToolVersion,
			Status:             protocol.StatusFailRecoverable,
		},
		SHA256: t.FileInfo.SHA256,
		Type:   protocol.ErrorTaskPreempted,
	}
	e.ExpiryTS = t.Expiry(b.nowFunc())
	key := e.BuildKey(protocol.ConfKey(s.ToolVersion, t.ServiceConfig))

	// Disconnects also happen while the broker shuts down, after b.ctx is
	// cancelled; the task must still be failed so it can be retried.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), reportTimeout)
	defer cancel()
	if err := b.client.ServiceFailed(ctx, t.SID, key, e); err != nil {
		log.Errorw("failed to report pre-empted task",
			"worker", s.ID, "service", s.ServiceName, "sid", t.SID, "sha256", t.FileInfo.SHA256, "error", err)
		return
	}
	b.metrics.Increment(s.ServiceName, protocol.CounterFailRecoverable)
	log.Infow("task pre-empted by worker disconnect",
		"worker", s.ID, "service", s.ServiceName, "sid", t.SID, "sha256", t.FileInfo.SHA256)
}

// WaitForTask makes the worker eligible for assignment and starts its
// service's dispatch loop if none is running.
func (b *Broker) WaitForTask(id string) error {
	service, start, err := b.reg.MarkWaiting(id)
	if err != nil {
		return err
	}
	if start {
		s, ok := b.reg.Get(id)
		if !ok {
			// Gone between the two calls; nobody is left to serve.
			b.reg.ReleaseWatch(service, true)
			return &protocol.WorkerNotFoundError{WorkerID: id}
		}
		b.startLoop(service, s)
	}
	return nil
}

// TaskReceived records a worker's acknowledgement of a delivered task and
// the idle time it reports.
func (b *Broker) TaskReceived(id string, idle time.Duration) error {
	s, ok := b.reg.Get(id)
	if !ok {
		return &protocol.WorkerNotFoundError{WorkerID: id}
	}
	b.metrics.IncrementExecutionTime(s.ServiceName, protocol.TimeIdle, idle.Seconds())
	return nil
}

// Session returns the session with id.
func (b *Broker) Session(id string) (*Session, bool) {
	return b.reg.Get(id)
}

// SessionByContainer returns the session registered for a container.
func (b *Broker) SessionByContainer(containerID string) (*Session, bool) {
	return b.reg.ByContainer(containerID)
}

// Sessions returns a snapshot of every connected worker.
func (b *Broker) Sessions() []SessionInfo {
	return b.reg.Snapshot()
}
