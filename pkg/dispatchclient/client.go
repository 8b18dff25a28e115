// Package dispatchclient is the broker's link to the downstream dispatcher
// for single-node deployments. Work comes straight off the service queues and
// outcomes are written to the local datastore, where later cache probes find
// them.
package dispatchclient

import (
	"context"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

var log = logging.Logger("dispatchclient")

// Queue is the part of a task queue the client uses.
type Queue interface {
	Pop(ctx context.Context, service string, timeout time.Duration) (*protocol.Task, error)
	Push(ctx context.Context, t *protocol.Task) error
}

// IssueTracker tells a task's first dispatch from a re-issue.
type IssueTracker interface {
	MarkIssued(ctx context.Context, t *protocol.Task) (bool, error)
	Clear(ctx context.Context, sid, sha256, service string) error
}

// Store persists outcomes.
type Store interface {
	SaveResult(ctx context.Context, key string, r *protocol.Result) error
	SaveEmptyResult(ctx context.Context, key string, expiry *time.Time) error
	SaveError(ctx context.Context, sid, key string, e *protocol.Error) error
}

// Client implements the broker's dispatcher contract over a queue, an issue
// tracker and a store.
type Client struct {
	queue  Queue
	issues IssueTracker
	store  Store
}

// New creates a Client.
func New(q Queue, issues IssueTracker, store Store) *Client {
	return &Client{queue: q, issues: issues, store: store}
}

// Submit enqueues a task for its service.
func (c *Client) Submit(ctx context.Context, t *protocol.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := c.queue.Push(ctx, t); err != nil {
		return xerrors.Errorf("submit %s: %w", t.SID, err)
	}
	log.Debugw("task submitted", "service", t.ServiceName, "sid", t.SID, "sha256", t.FileInfo.SHA256)
	return nil
}

// RequestWork pops the next task for service, waiting up to timeout. The
// bool reports whether this is the task's first dispatch. A nil task means
// the queue stayed empty.
func (c *Client) RequestWork(ctx context.Context, workerID, service, _ string, timeout time.Duration) (*protocol.Task, bool, error) {
	t, err := c.queue.Pop(ctx, service, timeout)
	if err != nil {
		return nil, false, xerrors.Errorf("request work for %s: %w", service, err)
	}
	if t == nil {
		return nil, false, nil
	}
	first, err := c.issues.MarkIssued(ctx, t)
	if err != nil {
		// Treat as first so the task is dispatched instead of dropped.
		log.Warnw("issue tracking failed", "service", service, "sid", t.SID, "error", err)
		first = true
	}
	log.Debugw("work requested", "service", service, "worker", workerID, "sid", t.SID, "first", first)
	return t, first, nil
}

// ServiceFinished stores a result. Keys ending in the empty marker store
// only the marker.
func (c *Client) ServiceFinished(ctx context.Context, sid, key string, r *protocol.Result) error {
	var err error
	if strings.HasSuffix(key, protocol.EmptyKeySuffix) && r.IsEmpty() {
		err = c.store.SaveEmptyResult(ctx, key, r.ExpiryTS)
	} else {
		err = c.store.SaveResult(ctx, key, r)
	}
	if err != nil {
		return xerrors.Errorf("service finished %s: %w", sid, err)
	}
	c.clear(ctx, sid, r.SHA256, r.Response.ServiceName)
	return nil
}

// ServiceFailed stores an error. Recoverable errors are recorded like any
// other; retrying is left to whoever submitted the task.
func (c *Client) ServiceFailed(ctx context.Context, sid, key string, e *protocol.Error) error {
	if err := c.store.SaveError(ctx, sid, key, e); err != nil {
		return xerrors.Errorf("service failed %s: %w", sid, err)
	}
	c.clear(ctx, sid, e.SHA256, e.Response.ServiceName)
	return nil
}

func (c *Client) clear(ctx context.Context, sid, sha256, service string) {
	if err := c.issues.Clear(ctx, sid, sha256, service); err != nil {
		log.Warnw("failed to clear issued task", "service", service, "sid", sid, "error", err)
	}
}
