package broker //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taskbroker/pkg/protocol"
	"taskbroker/pkg/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// --- Fakes ---

type forwarded struct {
	sid    string
	key    string
	result *protocol.Result
	err    *protocol.Error
}

// fakeClient hands out work from an in-memory queue and records outcomes.
// Like the real client it refuses to forward on a done context.
type fakeClient struct {
	q      *queue.Memory
	issues *queue.MemoryIssues

	mu       sync.Mutex
	finished []forwarded
	failed   []forwarded
	popErrs  []error // returned, in order, before popping
	refuse   string  // service whose failures cannot be forwarded
}

func newFakeClient(q *queue.Memory) *fakeClient {
	return &fakeClient{q: q, issues: queue.NewMemoryIssues()}
}

func (c *fakeClient) RequestWork(ctx context.Context, _, service, _ string, timeout time.Duration) (*protocol.Task, bool, error) {
	c.mu.Lock()
	if len(c.popErrs) > 0 {
		err := c.popErrs[0]
		c.popErrs = c.popErrs[1:]
		c.mu.Unlock()
		return nil, false, err
	}
	c.mu.Unlock()

	t, err := c.q.Pop(ctx, service, timeout)
	if err != nil || t == nil {
		return nil, false, err
	}
	first, err := c.issues.MarkIssued(ctx, t)
	if err != nil {
		return nil, false, err
	}
	return t, first, nil
}

func (c *fakeClient) ServiceFinished(ctx context.Context, sid, key string, r *protocol.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, forwarded{sid: sid, key: key, result: r})
	return nil
}

func (c *fakeClient) ServiceFailed(ctx context.Context, sid, key string, e *protocol.Error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse != "" && e.Response.ServiceName == c.refuse {
		return errUnreachable
	}
	c.failed = append(c.failed, forwarded{sid: sid, key: key, err: e})
	return nil
}

func (c *fakeClient) Finished() []forwarded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]forwarded(nil), c.finished...)
}

func (c *fakeClient) Failed() []forwarded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]forwarded(nil), c.failed...)
}

type fakeCache struct {
	mu      sync.Mutex
	results map[string]*protocol.Result
	empties map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{results: make(map[string]*protocol.Result), empties: make(map[string]bool)}
}

func (c *fakeCache) GetResult(_ context.Context, key string) (*protocol.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[key], nil
}

func (c *fakeCache) EmptyResultExists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.empties[key], nil
}

type fakeServices struct {
	mu   sync.Mutex
	list []protocol.ServiceDescriptor
}

func (f *fakeServices) ListAllServices(context.Context) ([]protocol.ServiceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ServiceDescriptor(nil), f.list...), nil
}

func (f *fakeServices) set(list ...protocol.ServiceDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

type fakeHeuristics map[string]protocol.Heuristic

func (f fakeHeuristics) Get(_ context.Context, id string) (protocol.Heuristic, bool) {
	h, ok := f[id]
	return h, ok
}

type fakeMetrics struct {
	mu        sync.Mutex
	counts    map[string]int
	seconds   map[string]float64
	connected map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		counts:    make(map[string]int),
		seconds:   make(map[string]float64),
		connected: make(map[string]int),
	}
}

func (m *fakeMetrics) Increment(service, counter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[service+"/"+counter]++
}

func (m *fakeMetrics) IncrementExecutionTime(service, label string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seconds[service+"/"+label] += seconds
}

func (m *fakeMetrics) SetConnected(service string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected[service] = n
}

func (m *fakeMetrics) count(service, counter string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[service+"/"+counter]
}

func (m *fakeMetrics) secs(service, label string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seconds[service+"/"+label]
}

func (m *fakeMetrics) gauge(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[service]
}

// chanNotifier delivers tasks into a buffered channel, or fails with err.
type chanNotifier struct {
	tasks  chan *protocol.Task
	err    error
	closed chan struct{}
	once   sync.Once
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{tasks: make(chan *protocol.Task, 16), closed: make(chan struct{})}
}

func (n *chanNotifier) Notify(_ context.Context, t *protocol.Task) error {
	if n.err != nil {
		return n.err
	}
	n.tasks <- t
	return nil
}

func (n *chanNotifier) Close() error {
	n.once.Do(func() { close(n.closed) })
	return nil
}

var errUnreachable = errors.New("connection reset by peer")

// --- Fixture ---

const (
	testAuthKey = "test-key"
	testService = "Extract"
	testVersion = "4.5.0.1"
	testTool    = "7zip-23.01"
)

type fixture struct {
	b          *Broker
	q          *queue.Memory
	client     *fakeClient
	cache      *fakeCache
	services   *fakeServices
	metrics    *fakeMetrics
	heuristics fakeHeuristics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := queue.NewMemory()
	f := &fixture{
		q:        q,
		client:   newFakeClient(q),
		cache:    newFakeCache(),
		services: &fakeServices{},
		metrics:  newFakeMetrics(),
		heuristics: fakeHeuristics{
			"EXTRACT.1": {HeurID: "EXTRACT.1", Name: "Archive extracted", Score: 500, AttackID: "T1005"},
			"EXTRACT.2": {HeurID: "EXTRACT.2", Name: "Password protected", Score: 10},
		},
	}
	f.b = New(Config{
		AuthKey:         testAuthKey,
		PopTimeout:      20 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, Deps{
		Queue:      q,
		Cache:      f.cache,
		Client:     f.client,
		Services:   f.services,
		Heuristics: f.heuristics,
		Metrics:    f.metrics,
	})
	t.Cleanup(f.b.Close)
	return f
}

func hello(container string) *protocol.Hello {
	return &protocol.Hello{
		ContainerID:        container,
		ServiceName:        testService,
		ServiceVersion:     testVersion,
		ServiceToolVersion: testTool,
		ServiceTimeout:     30,
		AuthKey:            testAuthKey,
	}
}

// connect registers a worker and marks it waiting.
func (f *fixture) connect(t *testing.T, container string) (*Session, *chanNotifier) {
	t.Helper()
	n := newChanNotifier()
	s, err := f.b.Connect(hello(container), "test", n)
	require.NoError(t, err)
	require.NoError(t, f.b.WaitForTask(s.ID))
	return s, n
}

const testSHA = "a3f0c2b1d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f"

func newTask(sid string) *protocol.Task {
	return &protocol.Task{
		SID:           sid,
		FileInfo:      protocol.FileInfo{SHA256: testSHA, Type: "archive/zip", Size: 1024},
		ServiceName:   testService,
		ServiceConfig: map[string]any{"password_list": []any{"infected"}, "extract_executable_sections": false},
		TTL:           15,
	}
}

func (f *fixture) push(t *testing.T, task *protocol.Task) {
	t.Helper()
	require.NoError(t, f.q.Push(context.Background(), task))
}

func (f *fixture) queueLen(t *testing.T) int {
	t.Helper()
	n, err := f.q.Length(context.Background(), testService)
	require.NoError(t, err)
	return n
}

func receive(t *testing.T, n *chanNotifier) *protocol.Task {
	t.Helper()
	select {
	case task := <-n.tasks:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("no task delivered")
		return nil
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func resultDoc(sections ...protocol.Section) *protocol.Result {
	return &protocol.Result{
		Response: protocol.ResultResponse{
			ServiceName:        testService,
			ServiceVersion:     testVersion,
			ServiceToolVersion: testTool,
		},
		Result: protocol.ResultBody{Sections: sections},
		SHA256: testSHA,
	}
}
