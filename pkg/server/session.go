package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

// frameConn is a message-framed worker connection: a websocket or a
// line-delimited socket.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// frameNotifier delivers got_task frames. Writes from the dispatch loop and
// the session loop are serialized.
type frameNotifier struct {
	mu   sync.Mutex
	conn frameConn
}

func (n *frameNotifier) send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Errorf("encode %s: %w", msg.Type, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn.WriteFrame(data)
}

func (n *frameNotifier) Notify(_ context.Context, t *protocol.Task) error {
	return n.send(protocol.Message{Type: protocol.MsgGotTask, GotTask: t})
}

func (n *frameNotifier) Close() error {
	return n.conn.Close()
}

func (n *frameNotifier) sendError(msg string) {
	if err := n.send(protocol.Message{Type: protocol.MsgError, Error: &protocol.ErrorPayload{Message: msg}}); err != nil {
		log.Debugw("failed to send error frame", "error", err)
	}
}

// serveSession runs an authenticated worker's session until its connection
// closes. Closing the connection is the disconnect.
func (s *Server) serveSession(ctx context.Context, conn frameConn, hello *protocol.Hello, transport string) {
	s.track(conn)
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	n := &frameNotifier{conn: conn}
	sess, err := s.broker.Connect(hello, transport, n)
	if err != nil {
		n.sendError(err.Error())
		return
	}
	defer s.broker.Disconnect(sess.ID)

	for {
		if ctx.Err() != nil {
			return
		}
		data, err := conn.ReadFrame()
		if err != nil {
			log.Debugw("worker session closed", "worker", sess.ID, "service", sess.ServiceName, "error", err)
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			n.sendError("invalid message: " + err.Error())
			continue
		}
		if err := s.handleFrame(ctx, sess.ID, msg); err != nil {
			log.Warnw("worker message failed", "worker", sess.ID, "service", sess.ServiceName, "type", msg.Type, "error", err)
			n.sendError(err.Error())
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, workerID string, msg protocol.Message) error {
	switch msg.Type {
	case protocol.MsgWaitForTask:
		return s.broker.WaitForTask(workerID)
	case protocol.MsgTaskReceived:
		var idle time.Duration
		if msg.TaskReceived != nil {
			idle = time.Duration(msg.TaskReceived.IdleTime * float64(time.Second))
		}
		return s.broker.TaskReceived(workerID, idle)
	case protocol.MsgDoneTask:
		if msg.DoneTask == nil {
			return &protocol.MalformedPayloadError{Field: "done_task", Reason: "missing"}
		}
		return s.broker.DoneTask(ctx, workerID, msg.DoneTask)
	case protocol.MsgHello:
		return &protocol.MalformedPayloadError{Field: "type", Reason: "session already established"}
	default:
		return &protocol.MalformedPayloadError{Field: "type", Reason: "unknown message type " + string(msg.Type)}
	}
}
