package broker

import (
	"context"
	"errors"
	"io"

	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

// --- Dispatch loop ---

// startLoop runs service's dispatch loop on behalf of the worker whose
// wait_for_task claimed the watch entry. The loop requests work with that
// worker's identity and keys results with its versions.
func (b *Broker) startLoop(service string, starter *Session) {
	b.loops.Add(1)
	go b.dispatchLoop(b.ctx, service, starter)
}

// dispatchLoop pops and places tasks until no free worker remains, an error
// occurs or the broker stops. The watch entry is always released on exit.
func (b *Broker) dispatchLoop(ctx context.Context, service string, starter *Session) {
	defer b.loops.Done()
	log.Debugw("dispatch loop started", "service", service, "worker", starter.ID)

	for {
		exhausted, err := b.dispatchOnce(ctx, service, starter)
		switch {
		case ctx.Err() != nil:
			b.reg.ReleaseWatch(service, true)
			return
		case err != nil:
			log.Errorw("dispatch loop failed", "service", service, "error", err)
			b.reg.ReleaseWatch(service, true)
			return
		case exhausted:
			if b.reg.ReleaseWatch(service, false) {
				log.Debugw("dispatch loop idle", "service", service)
				return
			}
		}
	}
}

// dispatchOnce handles at most one task. It reports exhausted when the task
// went back to the queue because no worker was free.
func (b *Broker) dispatchOnce(ctx context.Context, service string, starter *Session) (exhausted bool, err error) {
	t, first, err := b.client.RequestWork(ctx, starter.ID, service, starter.ServiceVersion, b.cfg.PopTimeout)
	var undecodable *protocol.UndecodableTaskError
	if errors.As(err, &undecodable) {
		b.metrics.Increment(service, protocol.CounterFailNonRecoverable)
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("request work: %w", err)
	}
	if t == nil {
		return false, nil
	}
	b.metrics.Increment(service, protocol.CounterExecute)

	confKey := protocol.ConfKey(starter.ToolVersion, t.ServiceConfig)
	key := protocol.ResultKey(t.FileInfo.SHA256, service, starter.ServiceVersion, confKey, false)

	if !t.IgnoreCache {
		if hit, ok := b.probeCache(ctx, key, t, starter.ServiceVersion); ok {
			if err := b.client.ServiceFinished(ctx, t.SID, hit.key, hit.result); err != nil {
				return false, xerrors.Errorf("forward cached result %s: %w", hit.key, err)
			}
			b.metrics.Increment(service, protocol.CounterCacheHit)
			b.metrics.Increment(service, protocol.CounterNotScored)
			log.Debugw("served from cache", "service", service, "sid", t.SID, "key", hit.key)
			return false, nil
		}
	}

	now := b.nowFunc()
	if !first && b.reg.ProcessingPeer(service, starter.ServiceVersion, t.SID, t.FileInfo.SHA256, now) {
		log.Debugw("dropping re-issued task already in progress",
			"service", service, "sid", t.SID, "sha256", t.FileInfo.SHA256)
		return false, nil
	}

	b.metrics.Increment(service, protocol.CounterCacheMiss)

	s, ok := b.reg.Claim(service, t, now)
	if !ok {
		log.Debugw("requeueing task", "sid", t.SID, "error", &protocol.WorkerUnavailableError{Service: service})
		if err := b.queue.Unpop(ctx, t); err != nil {
			return true, xerrors.Errorf("unpop %s: %w", t.SID, err)
		}
		return true, nil
	}

	if err := s.notifier.Notify(ctx, t); err != nil {
		b.undeliverable(ctx, s, t, err)
		return false, nil
	}
	log.Infow("task assigned",
		"service", service, "worker", s.ID, "container", s.ContainerID, "sid", t.SID, "sha256", t.FileInfo.SHA256)
	return false, nil
}

// undeliverable handles a task that never reached its worker: the worker is
// dropped and the task returns to the head of the queue.
func (b *Broker) undeliverable(ctx context.Context, s *Session, t *protocol.Task, cause error) {
	unreachable := &protocol.WorkerUnreachableError{WorkerID: s.ID, SID: t.SID, Reason: cause.Error()}
	log.Warnw("task delivery failed", "service", s.ServiceName, "error", unreachable)

	b.reg.Unregister(s.ID)
	b.reporter.Forget(s.ID)
	if c, ok := s.notifier.(io.Closer); ok {
		_ = c.Close()
	}
	if err := b.queue.Unpop(ctx, t); err != nil {
		log.Errorw("failed to requeue undelivered task",
			"service", s.ServiceName, "sid", t.SID, "sha256", t.FileInfo.SHA256, "error", err)
	}
}
