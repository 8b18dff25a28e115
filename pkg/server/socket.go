package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

const (
	// helloTimeout bounds the wait for a socket worker's first frame.
	helloTimeout = 10 * time.Second

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

func (s *Server) listenSocket() (net.Listener, error) {
	if s.cfg.SocketNetwork == "unix" {
		if err := cleanStaleSocket(s.cfg.SocketAddress); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(s.cfg.SocketNetwork, s.cfg.SocketAddress)
	if err != nil {
		return nil, xerrors.Errorf("listen %s %s: %w", s.cfg.SocketNetwork, s.cfg.SocketAddress, err)
	}
	if s.cfg.SocketNetwork == "unix" {
		// Only the broker's user may connect.
		if err := os.Chmod(s.cfg.SocketAddress, 0o600); err != nil {
			_ = ln.Close()
			return nil, xerrors.Errorf("chmod socket %s: %w", s.cfg.SocketAddress, err)
		}
	}
	return ln, nil
}

// cleanStaleSocket removes a unix socket file left over from a previous run.
// A socket somebody still answers on is an error, not stale.
func cleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return xerrors.Errorf("another broker is already listening on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return xerrors.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}

// acceptLoop serves connections until ctx is done or ln is closed. Other
// accept errors are retried with backoff.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	retry := &backoff.Backoff{Min: acceptBackoffMin, Max: acceptBackoffMax, Factor: 2}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			delay := retry.Duration()
			log.Warnw("accept failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		retry.Reset()
		go s.handleConn(ctx, conn)
	}
}

// lineConn adapts a stream connection carrying one JSON message per line.
type lineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex
}

func newLineConn(conn net.Conn) *lineConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &lineConn{conn: conn, scanner: scanner}
}

func (c *lineConn) ReadFrame() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
	return c.scanner.Bytes(), nil
}

func (c *lineConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

// handleConn reads the hello frame of a socket worker, authenticates it and
// runs its session.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	lc := newLineConn(conn)
	refuse := func(msg string) {
		data, _ := json.Marshal(protocol.Message{Type: protocol.MsgError, Error: &protocol.ErrorPayload{Message: msg}})
		_ = lc.WriteFrame(data)
		_ = conn.Close()
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	data, err := lc.ReadFrame()
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.MsgHello || msg.Hello == nil {
		refuse("first message must be hello")
		return
	}
	hello := msg.Hello
	if hello.ServiceTimeout == 0 {
		hello.ServiceTimeout = protocol.DefaultServiceTimeout
	}
	if hello.IP == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			hello.IP = host
		}
	}
	hello.Headers = map[string]string{
		protocol.HeaderContainerID:    hello.ContainerID,
		protocol.HeaderServiceName:    hello.ServiceName,
		protocol.HeaderServiceVersion: hello.ServiceVersion,
	}
	if err := hello.Validate(); err != nil {
		refuse(err.Error())
		return
	}
	if err := s.broker.Authorize(hello); err != nil {
		refuse("Unauthorized access denied")
		return
	}
	s.serveSession(ctx, lc, hello, "socket")
}
