package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"taskbroker/pkg/datastore"
	"taskbroker/pkg/protocol"
)

// deliveryGrace bounds the wait for a task that was claimed for a poll just
// as it timed out.
const deliveryGrace = 5 * time.Second

var errNoPoll = errors.New("no poll outstanding")

// pollNotifier hands a task to the GET request currently waiting for its
// session. Notify fails when no request is waiting.
type pollNotifier struct {
	mu    sync.Mutex
	armed bool
	ch    chan *protocol.Task
}

func newPollNotifier() *pollNotifier {
	return &pollNotifier{ch: make(chan *protocol.Task, 1)}
}

func (n *pollNotifier) Notify(_ context.Context, t *protocol.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.armed {
		return errNoPoll
	}
	select {
	case n.ch <- t:
		n.armed = false
		return nil
	default:
		return errNoPoll
	}
}

func (n *pollNotifier) arm(on bool) {
	n.mu.Lock()
	n.armed = on
	n.mu.Unlock()
}

// pollSession ties a container to its current broker session.
type pollSession struct {
	id       string
	notifier *pollNotifier
}

type pollSessions struct {
	mu          sync.Mutex
	byContainer map[string]*pollSession
}

func newPollSessions() *pollSessions {
	return &pollSessions{byContainer: make(map[string]*pollSession)}
}

func (p *pollSessions) get(container string) (*pollSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.byContainer[container]
	return ps, ok
}

func (p *pollSessions) put(container string, ps *pollSession) {
	p.mu.Lock()
	p.byContainer[container] = ps
	p.mu.Unlock()
}

// drop forgets container's session if it is still ps.
func (p *pollSessions) drop(container string, ps *pollSession) {
	p.mu.Lock()
	if p.byContainer[container] == ps {
		delete(p.byContainer, container)
	}
	p.mu.Unlock()
}

// session returns the live poll session for hello's container, connecting a
// new one when there is none.
func (s *Server) pollSession(hello *protocol.Hello) (*pollSession, error) {
	if ps, ok := s.polls.get(hello.ContainerID); ok {
		if _, live := s.broker.Session(ps.id); live {
			return ps, nil
		}
		s.polls.drop(hello.ContainerID, ps)
	}
	n := newPollNotifier()
	sess, err := s.broker.Connect(hello, "http", n)
	if err != nil {
		return nil, err
	}
	ps := &pollSession{id: sess.ID, notifier: n}
	s.polls.put(hello.ContainerID, ps)
	return ps, nil
}

// pollTimeout reads the wait from the Timeout header or the timeout query
// parameter, in seconds.
func (s *Server) pollTimeout(r *http.Request) time.Duration {
	raw := r.Header.Get(protocol.HeaderTimeout)
	if raw == "" {
		raw = r.URL.Query().Get("timeout")
	}
	if raw == "" {
		return s.cfg.PollTimeout
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return s.cfg.PollTimeout
	}
	d := time.Duration(secs * float64(time.Second))
	return min(d, maxPollTimeout)
}

// getTask long-polls for a task for the calling container.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request, hello *protocol.Hello) {
	ctx := r.Context()
	if err := s.checkService(ctx, hello.ServiceName); err != nil {
		writeError(w, statusFor(err), "The service you're asking task for does not exist, try later")
		return
	}
	ps, err := s.pollSession(hello)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	start := time.Now()
	ps.notifier.arm(true)
	if err := s.broker.WaitForTask(ps.id); err != nil {
		ps.notifier.arm(false)
		s.polls.drop(hello.ContainerID, ps)
		writeError(w, statusFor(err), err.Error())
		return
	}

	timer := time.NewTimer(s.pollTimeout(r))
	defer timer.Stop()

	select {
	case t := <-ps.notifier.ch:
		s.delivered(w, ps, t, time.Since(start))
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	if s.broker.Release(ps.id) {
		ps.notifier.arm(false)
		s.polls.drop(hello.ContainerID, ps)
		if ctx.Err() == nil {
			writeOK(w, map[string]any{"task": false})
		}
		return
	}

	// A task was claimed for this session as the wait ended.
	grace := time.NewTimer(deliveryGrace)
	defer grace.Stop()
	select {
	case t := <-ps.notifier.ch:
		if ctx.Err() != nil {
			// Nobody is left to take it.
			s.broker.Disconnect(ps.id)
			s.polls.drop(hello.ContainerID, ps)
			return
		}
		s.delivered(w, ps, t, time.Since(start))
	case <-grace.C:
		ps.notifier.arm(false)
		if ctx.Err() == nil {
			writeOK(w, map[string]any{"task": false})
		}
	}
}

func (s *Server) delivered(w http.ResponseWriter, ps *pollSession, t *protocol.Task, idle time.Duration) {
	if err := s.broker.TaskReceived(ps.id, idle); err != nil {
		log.Debugw("task received for unknown session", "worker", ps.id, "error", err)
	}
	writeOK(w, map[string]any{"task": t})
}

// checkService refuses polls for services that are not registered or are
// disabled. Without a service store every service is accepted.
func (s *Server) checkService(ctx context.Context, name string) error {
	if s.services == nil {
		return nil
	}
	svc, err := s.services.GetService(ctx, name)
	if errors.Is(err, datastore.ErrNotFound) {
		return &protocol.ServiceDisabledError{Service: name}
	}
	if err != nil {
		return err
	}
	if !svc.Enabled {
		return &protocol.ServiceDisabledError{Service: name}
	}
	return nil
}

// taskFinished receives a result or error for a polled task.
func (s *Server) taskFinished(w http.ResponseWriter, r *http.Request, hello *protocol.Hello) {
	var p protocol.DoneTaskPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(p.Outcome()) == 0 || string(p.Outcome()) == "null" {
		writeError(w, http.StatusBadRequest, "No result or error provided by service.")
		return
	}

	var workerID string
	ps, ok := s.polls.get(hello.ContainerID)
	if ok {
		workerID = ps.id
	}
	if err := s.broker.DoneTask(r.Context(), workerID, &p); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if ok && s.broker.Release(ps.id) {
		s.polls.drop(hello.ContainerID, ps)
	}
	writeOK(w, map[string]any{"success": true})
}
