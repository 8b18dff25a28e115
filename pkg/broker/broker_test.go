package broker //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

func TestConnectRejectsWrongKey(t *testing.T) {
	f := newFixture(t)
	h := hello("c-1")
	h.AuthKey = "nope"
	h.Headers = map[string]string{protocol.HeaderContainerID: "c-1"}

	_, err := f.b.Connect(h, "test", newChanNotifier())
	var authErr *protocol.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, "c-1", authErr.ContainerID)
	require.Equal(t, 0, f.b.Registry().Len())
}

func TestConnectRejectsIncompleteHello(t *testing.T) {
	f := newFixture(t)
	h := hello("c-1")
	h.ServiceVersion = ""

	_, err := f.b.Connect(h, "test", newChanNotifier())
	var malformed *protocol.MalformedPayloadError
	require.True(t, errors.As(err, &malformed))
}

func TestCacheHitShortCircuitsDispatch(t *testing.T) {
	f := newFixture(t)
	task := newTask("sid-cache")
	key := protocol.ResultKey(testSHA, testService, testVersion, protocol.ConfKey(testTool, task.ServiceConfig), false)
	f.cache.results[key] = resultDoc()

	_, n := f.connect(t, "c-1")
	f.push(t, task)

	waitFor(t, func() bool { return len(f.client.Finished()) == 1 }, 2*time.Second)
	got := f.client.Finished()[0]
	require.Equal(t, "sid-cache", got.sid)
	require.Equal(t, key, got.key)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterCacheHit))
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterNotScored))
	require.Equal(t, 0, f.metrics.count(testService, protocol.CounterCacheMiss))
	require.Empty(t, n.tasks)
}

func TestEmptyCacheHitSynthesizesResult(t *testing.T) {
	f := newFixture(t)
	task := newTask("sid-empty")
	key := protocol.ResultKey(testSHA, testService, testVersion, protocol.ConfKey(testTool, task.ServiceConfig), true)
	f.cache.empties[key] = true

	f.connect(t, "c-1")
	f.push(t, task)

	waitFor(t, func() bool { return len(f.client.Finished()) == 1 }, 2*time.Second)
	got := f.client.Finished()[0]
	require.Equal(t, key, got.key)
	require.True(t, got.result.IsEmpty())
	require.Equal(t, testVersion, got.result.Response.ServiceVersion)
	require.NotNil(t, got.result.ExpiryTS)
}

func TestIgnoreCacheBypassesProbe(t *testing.T) {
	f := newFixture(t)
	task := newTask("sid-bypass")
	task.IgnoreCache = true
	key := protocol.ResultKey(testSHA, testService, testVersion, protocol.ConfKey(testTool, task.ServiceConfig), false)
	f.cache.results[key] = resultDoc()

	_, n := f.connect(t, "c-1")
	f.push(t, task)

	got := receive(t, n)
	require.Equal(t, "sid-bypass", got.SID)
	require.Empty(t, f.client.Finished())
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterCacheMiss))
}

func TestWorkerBannedUntilDone(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")

	f.push(t, newTask("sid-1"))
	f.push(t, newTask("sid-2"))

	first := receive(t, n)
	require.Equal(t, "sid-1", first.SID)

	// The only worker is busy, so sid-2 goes back and the loop winds down.
	waitFor(t, func() bool { return !f.b.Registry().Watching(testService) }, 2*time.Second)
	require.Equal(t, 1, f.queueLen(t))
	require.Empty(t, n.tasks)

	err := f.b.DoneTask(context.Background(), s.ID, &protocol.DoneTaskPayload{
		Task:   mustJSON(t, first),
		Result: mustJSON(t, resultDoc()),
	})
	require.NoError(t, err)
	require.NoError(t, f.b.WaitForTask(s.ID))

	second := receive(t, n)
	require.Equal(t, "sid-2", second.SID)
	require.Equal(t, 0, f.queueLen(t))
}

func TestDoneTaskScoresHeuristics(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	task := newTask("sid-score")
	f.push(t, task)
	got := receive(t, n)

	doc := resultDoc(
		protocol.Section{TitleText: "Extracted 3 files", Heuristic: &protocol.SectionHeuristic{HeurID: "EXTRACT.1", AttackID: "not-an-id", Score: 1}},
		protocol.Section{TitleText: "Unknown", Heuristic: &protocol.SectionHeuristic{HeurID: "EXTRACT.99", Score: 1000}},
		protocol.Section{TitleText: "Plain text"},
	)
	err := f.b.DoneTask(context.Background(), s.ID, &protocol.DoneTaskPayload{
		ExecTime: 1200,
		Task:     mustJSON(t, got),
		Result:   mustJSON(t, doc),
	})
	require.NoError(t, err)

	finished := f.client.Finished()
	require.Len(t, finished, 1)
	r := finished[0].result
	require.Equal(t, 500, r.Result.Score)
	require.Equal(t, 500, r.Result.Sections[0].Heuristic.Score)
	require.Equal(t, "T1005", r.Result.Sections[0].Heuristic.AttackID)
	require.Equal(t, 1000, r.Result.Sections[1].Heuristic.Score)
	require.NotNil(t, r.ExpiryTS)

	wantKey := protocol.ResultKey(testSHA, testService, testVersion, protocol.ConfKey(testTool, task.ServiceConfig), false)
	require.Equal(t, wantKey, finished[0].key)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterScored))

	info := f.b.Sessions()[0]
	require.Equal(t, StatusNone, info.Status)
	require.False(t, info.Banned)
	require.True(t, info.Free)
}

func TestDoneTaskKeepsValidAttackID(t *testing.T) {
	f := newFixture(t)
	r := resultDoc(protocol.Section{Heuristic: &protocol.SectionHeuristic{HeurID: "EXTRACT.1", AttackID: "T1560.001"}})
	f.b.score(context.Background(), r)
	require.Equal(t, "T1560.001", r.Result.Sections[0].Heuristic.AttackID)
	require.Equal(t, 500, r.Result.Score)
}

func TestDoneTaskWithoutScoreCountsNotScored(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	f.push(t, newTask("sid-clean"))
	got := receive(t, n)

	err := f.b.DoneTask(context.Background(), s.ID, &protocol.DoneTaskPayload{
		Task:   mustJSON(t, got),
		Result: mustJSON(t, resultDoc()),
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterNotScored))
	require.Equal(t, 0, f.metrics.count(testService, protocol.CounterScored))
	require.Contains(t, f.client.Finished()[0].key, protocol.EmptyKeySuffix)
}

func TestDoneTaskIsIdempotentOnRelease(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	f.push(t, newTask("sid-dup"))
	got := receive(t, n)

	payload := &protocol.DoneTaskPayload{Task: mustJSON(t, got), Result: mustJSON(t, resultDoc())}
	require.NoError(t, f.b.DoneTask(context.Background(), s.ID, payload))
	require.NoError(t, f.b.DoneTask(context.Background(), s.ID, payload))

	require.Len(t, f.client.Finished(), 1)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterNotScored))
	require.False(t, f.b.Registry().Complete(s.ID))
	require.Equal(t, 1, f.b.Registry().Len())
}

func TestDoneTaskFromGoneSessionIsForwarded(t *testing.T) {
	f := newFixture(t)
	payload := &protocol.DoneTaskPayload{Task: mustJSON(t, newTask("sid-orphan")), Result: mustJSON(t, resultDoc())}
	require.NoError(t, f.b.DoneTask(context.Background(), "", payload))

	require.Len(t, f.client.Finished(), 1)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterNotScored))
}

func TestDoneTaskForwardsError(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	task := newTask("sid-err")
	f.push(t, task)
	got := receive(t, n)

	e := &protocol.Error{
		Response: protocol.ErrorResponse{
			Message:            "timeout while extracting",
			ServiceName:        testService,
			ServiceVersion:     testVersion,
			ServiceToolVersion: testTool,
			Status:             protocol.StatusFailRecoverable,
		},
		SHA256: testSHA,
		Type:   protocol.ErrorServiceBusy,
	}
	err := f.b.DoneTask(context.Background(), s.ID, &protocol.DoneTaskPayload{
		Task:  mustJSON(t, got),
		Error: mustJSON(t, e),
	})
	require.NoError(t, err)

	failed := f.client.Failed()
	require.Len(t, failed, 1)
	wantKey := protocol.ErrorKey(testSHA, testService, testVersion, protocol.ConfKey(testTool, task.ServiceConfig), protocol.ErrorServiceBusy)
	require.Equal(t, wantKey, failed[0].key)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterFailRecoverable))
}

func TestMalformedResultBecomesException(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	task := newTask("sid-bad")
	f.push(t, task)
	got := receive(t, n)

	err := f.b.DoneTask(context.Background(), s.ID, &protocol.DoneTaskPayload{
		Task:   mustJSON(t, got),
		Result: []byte(`["not", "an", "object"]`),
	})
	require.NoError(t, err)

	failed := f.client.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, protocol.ErrorException, failed[0].err.Type)
	require.Equal(t, protocol.StatusFailNonRecoverable, failed[0].err.Response.Status)
	require.Contains(t, failed[0].err.Response.Message, protocol.MsgInvalidResult)
	wantKey := protocol.ErrorKey(testSHA, testService, testVersion, protocol.ConfKey("", task.ServiceConfig), protocol.ErrorException)
	require.Equal(t, wantKey, failed[0].key)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterFailNonRecoverable))

	// The worker is released even though the payload was bad.
	require.False(t, f.b.Sessions()[0].Banned)
}

func TestMalformedTaskWithoutSIDIsReturned(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	f.push(t, newTask("sid-lost-id"))
	receive(t, n)

	err := f.b.DoneTask(context.Background(), s.ID, &protocol.DoneTaskPayload{Task: []byte(`{`)})
	var malformed *protocol.MalformedPayloadError
	require.True(t, errors.As(err, &malformed))
	require.Empty(t, f.client.Failed())
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterFailNonRecoverable))
	require.False(t, f.b.Sessions()[0].Banned)
}

func TestDoneTaskWithoutAssignmentIsIgnored(t *testing.T) {
	f := newFixture(t)
	s, _ := f.connect(t, "c-1")

	err := f.b.DoneTask(context.Background(), s.ID, &protocol.DoneTaskPayload{
		Task:   mustJSON(t, newTask("sid-never-sent")),
		Result: mustJSON(t, resultDoc()),
	})
	require.NoError(t, err)
	require.Empty(t, f.client.Finished())
	require.Equal(t, 0, f.metrics.count(testService, protocol.CounterNotScored))
}

func TestDisconnectWhileProcessingFailsRecoverable(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	task := newTask("sid-gone")
	f.push(t, task)
	receive(t, n)

	f.b.Disconnect(s.ID)
	f.b.Disconnect(s.ID)

	failed := f.client.Failed()
	require.Len(t, failed, 1)
	e := failed[0].err
	require.Equal(t, "sid-gone", failed[0].sid)
	require.Equal(t, protocol.StatusFailRecoverable, e.Response.Status)
	require.Equal(t, protocol.ErrorTaskPreempted, e.Type)
	require.Equal(t, protocol.MsgWorkerTerminated, e.Response.Message)
	wantKey := protocol.ErrorKey(testSHA, testService, testVersion, protocol.ConfKey(testTool, task.ServiceConfig), protocol.ErrorTaskPreempted)
	require.Equal(t, wantKey, failed[0].key)
	require.Equal(t, 0, f.b.Registry().Len())
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterFailRecoverable))
}

func TestDisconnectDuringShutdownFailsRecoverable(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	f.push(t, newTask("sid-shutdown"))
	receive(t, n)

	f.b.Close()
	f.b.Disconnect(s.ID)

	failed := f.client.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, "sid-shutdown", failed[0].sid)
	require.Equal(t, protocol.StatusFailRecoverable, failed[0].err.Response.Status)
	require.Equal(t, protocol.ErrorTaskPreempted, failed[0].err.Type)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterFailRecoverable))
}

func TestDisconnectIdleWorkerReportsNothing(t *testing.T) {
	f := newFixture(t)
	s, _ := f.connect(t, "c-1")
	f.b.Disconnect(s.ID)
	require.Empty(t, f.client.Failed())
}

func TestReconnectReplacesSession(t *testing.T) {
	f := newFixture(t)
	old, n := f.connect(t, "c-1")
	f.push(t, newTask("sid-takeover"))
	receive(t, n)

	fresh, _ := f.connect(t, "c-1")
	require.NotEqual(t, old.ID, fresh.ID)
	require.Equal(t, 1, f.b.Registry().Len())
	_, ok := f.b.Session(old.ID)
	require.False(t, ok)
	got, ok := f.b.SessionByContainer("c-1")
	require.True(t, ok)
	require.Equal(t, fresh.ID, got.ID)
	require.Len(t, f.client.Failed(), 1)
}

func TestUndeliverableTaskIsRequeued(t *testing.T) {
	f := newFixture(t)
	n := newChanNotifier()
	n.err = errUnreachable
	s, err := f.b.Connect(hello("c-1"), "test", n)
	require.NoError(t, err)
	require.NoError(t, f.b.WaitForTask(s.ID))

	f.push(t, newTask("sid-lost"))

	waitFor(t, func() bool { return f.b.Registry().Len() == 0 }, 2*time.Second)
	waitFor(t, func() bool { return !f.b.Registry().Watching(testService) }, 2*time.Second)
	require.Equal(t, 1, f.queueLen(t))
	select {
	case <-n.closed:
	default:
		t.Fatal("notifier was not closed")
	}
	require.Empty(t, f.client.Failed())
}

func TestUndecodableTaskCountsNonRecoverable(t *testing.T) {
	f := newFixture(t)
	f.client.popErrs = []error{xerrors.Errorf("request work for %s: %w", testService,
		&protocol.UndecodableTaskError{Service: testService, Reason: "unexpected end of JSON input"})}
	_, n := f.connect(t, "c-1")
	f.push(t, newTask("sid-after"))

	got := receive(t, n)
	require.Equal(t, "sid-after", got.SID)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterFailNonRecoverable))
}

func TestReissuedTaskSkippedWhilePeerProcesses(t *testing.T) {
	f := newFixture(t)
	_, na := f.connect(t, "c-a")
	task := newTask("sid-twice")
	f.push(t, task)
	receive(t, na)

	_, nb := f.connect(t, "c-b")
	f.push(t, newTask("sid-twice"))

	waitFor(t, func() bool { return f.metrics.count(testService, protocol.CounterExecute) >= 2 }, 2*time.Second)
	waitFor(t, func() bool { return f.queueLen(t) == 0 }, 2*time.Second)
	require.Equal(t, 1, f.metrics.count(testService, protocol.CounterCacheMiss))
	require.Empty(t, nb.tasks)
}

func TestReissuedTaskDispatchedAfterPeerDeadline(t *testing.T) {
	f := newFixture(t)
	var skew atomic.Int64
	f.b.nowFunc = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }

	_, na := f.connect(t, "c-a")
	f.push(t, newTask("sid-late"))
	receive(t, na)

	// Move the clock past worker A's deadline.
	skew.Store(int64(time.Hour))

	_, nb := f.connect(t, "c-b")
	f.push(t, newTask("sid-late"))
	got := receive(t, nb)
	require.Equal(t, "sid-late", got.SID)
}

func TestTaskReceivedRecordsIdleTime(t *testing.T) {
	f := newFixture(t)
	s, _ := f.connect(t, "c-1")
	require.NoError(t, f.b.TaskReceived(s.ID, 1500*time.Millisecond))
	require.InDelta(t, 1.5, f.metrics.secs(testService, protocol.TimeIdle), 1e-9)

	var notFound *protocol.WorkerNotFoundError
	require.True(t, errors.As(f.b.TaskReceived("missing", time.Second), &notFound))
}

func TestReleaseKeepsProcessingWorker(t *testing.T) {
	f := newFixture(t)
	s, n := f.connect(t, "c-1")
	f.push(t, newTask("sid-poll"))
	receive(t, n)

	require.False(t, f.b.Release(s.ID))
	require.Equal(t, 1, f.b.Registry().Len())

	idle, _ := f.connect(t, "c-2")
	require.True(t, f.b.Release(idle.ID))
	require.Equal(t, 1, f.b.Registry().Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.b.Run(ctx) }()

	waitFor(t, func() bool { return f.metrics.gauge(testService) == 1 }, 3*time.Second)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	require.False(t, f.b.Registry().Watching(testService))
}
