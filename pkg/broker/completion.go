package broker

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/xerrors"

	"taskbroker/pkg/heuristics"
	"taskbroker/pkg/protocol"
)

// --- Completion ---

// DoneTask processes a worker's result or error for a task. The outcome is
// scored and forwarded to the dispatcher; payloads that do not decode are
// forwarded as a non-recoverable EXCEPTION error. The worker is released
// from its assignment first, so a repeated completion from a worker that no
// longer holds a task is neither forwarded nor counted again. workerID may
// name a session that is already gone, in which case only the forwarding
// happens.
func (b *Broker) DoneTask(ctx context.Context, workerID string, p *protocol.DoneTaskPayload) error {
	s, live := b.reg.Get(workerID)
	if live && !b.release(s) {
		log.Debugw("ignoring completion from a worker holding no task",
			"worker", workerID, "service", s.ServiceName)
		return nil
	}

	t, err := protocol.ParseTask(p.Task)
	if err != nil {
		return b.failMalformed(ctx, s, lenientTask(p.Task), err)
	}

	outcome := p.Outcome()
	isResult, err := hasResultBody(outcome)
	if err != nil {
		return b.failMalformed(ctx, s, t, err)
	}
	if isResult {
		var r protocol.Result
		if err := json.Unmarshal(outcome, &r); err != nil {
			return b.failMalformed(ctx, s, t, &protocol.MalformedPayloadError{Field: "result", Reason: err.Error()})
		}
		return b.finishResult(ctx, t, &r)
	}

	var e protocol.Error
	if err := json.Unmarshal(outcome, &e); err != nil {
		return b.failMalformed(ctx, s, t, &protocol.MalformedPayloadError{Field: "error", Reason: err.Error()})
	}
	return b.finishError(ctx, t, &e)
}

// release frees the worker's assignment and records the execution pulse.
// It reports false when the worker held nothing to release.
func (b *Broker) release(s *Session) bool {
	if !b.reg.Complete(s.ID) {
		return false
	}
	b.reporter.Pulse(s.ID, s.ServiceName, protocol.TimeExecution)
	return true
}

func (b *Broker) finishResult(ctx context.Context, t *protocol.Task, r *protocol.Result) error {
	b.score(ctx, r)
	if r.Created.IsZero() {
		r.Created = b.nowFunc().UTC()
	}
	if r.SHA256 == "" {
		r.SHA256 = t.FileInfo.SHA256
	}
	r.ExpiryTS = t.Expiry(b.nowFunc())

	key := r.BuildKey(protocol.ConfKey(r.Response.ServiceToolVersion, t.ServiceConfig))
	if err := b.client.ServiceFinished(ctx, t.SID, key, r); err != nil {
		return xerrors.Errorf("forward result %s: %w", key, err)
	}

	service := r.Response.ServiceName
	if r.Result.Score > 0 {
		b.metrics.Increment(service, protocol.CounterScored)
	} else {
		b.metrics.Increment(service, protocol.CounterNotScored)
	}
	log.Infow("task finished",
		"service", service, "sid", t.SID, "sha256", t.FileInfo.SHA256, "score", r.Result.Score, "key", key)
	return nil
}

func (b *Broker) finishError(ctx context.Context, t *protocol.Task, e *protocol.Error) error {
	if e.Created.IsZero() {
		e.Created = b.nowFunc().UTC()
	}
	if e.SHA256 == "" {
		e.SHA256 = t.FileInfo.SHA256
	}
	e.ExpiryTS = t.Expiry(b.nowFunc())

	key := e.BuildKey(protocol.ConfKey(e.Response.ServiceToolVersion, t.ServiceConfig))
	if err := b.client.ServiceFailed(ctx, t.SID, key, e); err != nil {
		return xerrors.Errorf("forward error %s: %w", key, err)
	}

	service := e.Response.ServiceName
	if e.Recoverable() {
		b.metrics.Increment(service, protocol.CounterFailRecoverable)
	} else {
		b.metrics.Increment(service, protocol.CounterFailNonRecoverable)
	}
	log.Infow("task failed",
		"service", service, "sid", t.SID, "sha256", t.FileInfo.SHA256,
		"status", e.Response.Status, "type", e.Type, "message", e.Response.Message)
	return nil
}

// failMalformed forwards a synthesized EXCEPTION error for a payload that
// could not be processed.
func (b *Broker) failMalformed(ctx context.Context, s *Session, t *protocol.Task, cause error) error {
	service, version := t.ServiceName, ""
	if s != nil {
		if service == "" {
			service = s.ServiceName
		}
		version = s.ServiceVersion
	}
	log.Warnw("service sent an invalid result", "service", service, "sid", t.SID, "error", cause)

	e := &protocol.Error{
		Created: b.nowFunc().UTC(),
		Response: protocol.ErrorResponse{
			Message:        protocol.MsgInvalidResult + cause.Error(),
			ServiceName:    service,
			ServiceVersion: version,
			Status:         protocol.StatusFailNonRecoverable,
		},
		SHA256: t.FileInfo.SHA256,
		Type:   protocol.ErrorException,
	}
	e.ExpiryTS = t.Expiry(b.nowFunc())

	if t.SID == "" {
		b.metrics.Increment(service, protocol.CounterFailNonRecoverable)
		return &protocol.MalformedPayloadError{Field: "task.sid", Reason: "cannot report a failure without a submission id"}
	}
	key := e.BuildKey(protocol.ConfKey("", t.ServiceConfig))
	if err := b.client.ServiceFailed(ctx, t.SID, key, e); err != nil {
		return xerrors.Errorf("forward exception %s: %w", key, err)
	}
	b.metrics.Increment(service, protocol.CounterFailNonRecoverable)
	return nil
}

// score replaces each section's heuristic score with the registered one,
// fixes up attack IDs and sets the result total. Sections whose heuristic is
// unknown keep their data but add nothing.
func (b *Broker) score(ctx context.Context, r *protocol.Result) {
	total := 0
	for i := range r.Result.Sections {
		sh := r.Result.Sections[i].Heuristic
		if sh == nil || sh.HeurID == "" {
			continue
		}
		def, ok := b.heuristics.Get(ctx, sh.HeurID)
		if !ok {
			continue
		}
		sh.Score = def.Score
		total += def.Score

		if sh.AttackID != "" && !heuristics.ValidAttackID(sh.AttackID) {
			log.Warnw("invalid attack_id in service result, using the heuristic's",
				"service", r.Response.ServiceName, "heur_id", sh.HeurID, "attack_id", sh.AttackID)
			sh.AttackID = def.AttackID
		} else if sh.AttackID == "" {
			sh.AttackID = def.AttackID
		}
	}
	r.Result.Score = total
}

// hasResultBody reports whether raw is a result document (it has a
// "result" member) rather than an error document.
func hasResultBody(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, &protocol.MalformedPayloadError{Field: "result", Reason: "no result or error provided"}
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false, &protocol.MalformedPayloadError{Field: "result", Reason: err.Error()}
	}
	_, ok := probe["result"]
	return ok, nil
}

// lenientTask salvages whatever identifies the task from a payload that
// failed validation.
func lenientTask(raw json.RawMessage) *protocol.Task {
	var t protocol.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return &protocol.Task{}
		}
	}
	return &t
}
