// Package server exposes the broker to service workers.
//
// Workers reach it three ways: the HTTP polling API under /api/v1, a
// websocket session at /tasking, and an optional line-delimited JSON socket.
// All three share the same handshake (container id, service name and
// version, auth key) and end up as broker sessions.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"taskbroker/pkg/broker"
	"taskbroker/pkg/protocol"
)

var log = logging.Logger("server")

// --- Interfaces for testability ---

// QueueStats reports queue depths for the status endpoint.
type QueueStats interface {
	Length(ctx context.Context, service string) (int, error)
	Services(ctx context.Context) ([]string, error)
}

// ServiceStore holds service and heuristic registrations.
type ServiceStore interface {
	GetService(ctx context.Context, name string) (*protocol.ServiceDescriptor, error)
	SaveService(ctx context.Context, svc protocol.ServiceDescriptor) (bool, error)
	SaveHeuristics(ctx context.Context, hs []protocol.Heuristic) ([]string, error)
}

// FileStore holds the files workers download and upload.
type FileStore interface {
	Get(sha string) (io.ReadCloser, int64, error)
	Put(sha string, r io.Reader) (int64, error)
}

// HashLists answers safelist and badlist lookups.
type HashLists interface {
	GetSafelist(ctx context.Context, qhash string) (*protocol.ListItem, error)
	GetBadlist(ctx context.Context, qhash string) (*protocol.ListItem, error)
	BadlistedTags(ctx context.Context, tagTypes []string) (map[string][]string, error)
	BadlistByTags(ctx context.Context, tags map[string][]string) ([]protocol.ListItem, error)
	BadlistByFuzzyHash(ctx context.Context, kind, value string) ([]protocol.ListItem, error)
}

// --- Config ---

// Config holds Server configuration.
type Config struct {
	HTTPListen    string        // HTTP API address, e.g. "0.0.0.0:5003".
	SocketNetwork string        // "unix" or "tcp"; empty disables the line socket.
	SocketAddress string        // Socket path or address.
	PollTimeout   time.Duration // Default long-poll wait (default 30s).
}

const (
	defaultPollTimeout = 30 * time.Second
	maxPollTimeout     = 10 * time.Minute
	shutdownTimeout    = 5 * time.Second
)

// Deps are the server's collaborators.
type Deps struct {
	Broker   *broker.Broker
	Queue    QueueStats
	Services ServiceStore
	Files    FileStore
	Lists    HashLists
	Metrics  http.Handler
}

// Server serves the worker-facing API.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	queue    QueueStats
	services ServiceStore
	files    FileStore
	lists    HashLists
	metrics  http.Handler

	polls *pollSessions

	// Open socket sessions, closed on shutdown.
	connMu sync.Mutex
	conns  map[io.Closer]struct{}
}

// New creates a Server.
func New(cfg Config, deps Deps) *Server {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Server{
		cfg:      cfg,
		broker:   deps.Broker,
		queue:    deps.Queue,
		services: deps.Services,
		files:    deps.Files,
		lists:    deps.Lists,
		metrics:  deps.Metrics,
		polls:    newPollSessions(),
		conns:    make(map[io.Closer]struct{}),
	}
}

// Serve listens on the configured addresses until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPListen)
	if err != nil {
		return xerrors.Errorf("listen %s: %w", s.cfg.HTTPListen, err)
	}
	var sock net.Listener
	if s.cfg.SocketNetwork != "" {
		sock, err = s.listenSocket()
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("http api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("http serve: %w", err)
		}
		return nil
	})
	if sock != nil {
		g.Go(func() error {
			log.Infow("socket listening", "network", s.cfg.SocketNetwork, "addr", sock.Addr().String())
			s.acceptLoop(gctx, sock)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sock != nil {
			_ = sock.Close()
		}
		s.closeSessions()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return xerrors.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) track(c io.Closer) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c io.Closer) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

func (s *Server) closeSessions() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}
