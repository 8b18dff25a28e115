package queue

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"taskbroker/pkg/protocol"
)

// Memory is an in-process queue for single-node deployments and tests.
// Tasks are copied in and out as JSON so callers never share a task.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*list.List
	waiters map[string]chan struct{}
	dead    [][]byte
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string]*list.List),
		waiters: make(map[string]chan struct{}),
	}
}

// Pop removes the head task of service's queue, waiting up to timeout.
func (q *Memory) Pop(ctx context.Context, service string, timeout time.Duration) (*protocol.Task, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if l := q.queues[service]; l != nil && l.Len() > 0 {
			data := l.Remove(l.Front()).([]byte)
			t, err := decodeTask(data)
			if err != nil {
				q.dead = append(q.dead, data)
				q.mu.Unlock()
				return nil, undecodable(service, data, err)
			}
			q.mu.Unlock()
			return t, nil
		}
		if deadline == nil {
			q.mu.Unlock()
			return nil, nil
		}
		wake := q.waiters[service]
		if wake == nil {
			wake = make(chan struct{})
			q.waiters[service] = wake
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

// Push appends t to its service queue.
func (q *Memory) Push(_ context.Context, t *protocol.Task) error {
	return q.insert(t, false)
}

// Unpop returns t to the head of its service queue.
func (q *Memory) Unpop(_ context.Context, t *protocol.Task) error {
	return q.insert(t, true)
}

func (q *Memory) insert(t *protocol.Task, front bool) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.queues[t.ServiceName]
	if l == nil {
		l = list.New()
		q.queues[t.ServiceName] = l
	}
	if front {
		l.PushFront(data)
	} else {
		l.PushBack(data)
	}
	if wake := q.waiters[t.ServiceName]; wake != nil {
		close(wake)
		delete(q.waiters, t.ServiceName)
	}
	return nil
}

// DeadLetters returns the payloads moved aside by Pop, oldest first.
func (q *Memory) DeadLetters(_ context.Context) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Length returns the number of tasks waiting for service.
func (q *Memory) Length(_ context.Context, service string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l := q.queues[service]; l != nil {
		return l.Len(), nil
	}
	return 0, nil
}

// Services lists every service that has ever had a queue.
func (q *Memory) Services(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queues))
	for name := range q.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryIssues is the in-process issue tracker.
type MemoryIssues struct {
	mu     sync.Mutex
	issued map[string]struct{}
}

// NewMemoryIssues creates an empty tracker.
func NewMemoryIssues() *MemoryIssues {
	return &MemoryIssues{issued: make(map[string]struct{})}
}

// MarkIssued records t and reports whether it had not been issued before.
func (m *MemoryIssues) MarkIssued(_ context.Context, t *protocol.Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	field := issueField(t.SID, t.FileInfo.SHA256, t.ServiceName)
	if _, ok := m.issued[field]; ok {
		return false, nil
	}
	m.issued[field] = struct{}{}
	return true, nil
}

// Clear forgets a finished task.
func (m *MemoryIssues) Clear(_ context.Context, sid, sha256, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.issued, issueField(sid, sha256, service))
	return nil
}
