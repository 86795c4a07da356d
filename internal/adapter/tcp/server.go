package tcp

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/mcpbridge/internal/errors"
	"github.com/wagiedev/mcpbridge/internal/supervisor"
	"github.com/wagiedev/mcpbridge/internal/telemetry"
)

// ConnState is the lifecycle state of one duplex connection.
type ConnState int32

const (
	// StateConnecting means the dedicated process is being spawned.
	StateConnecting ConnState = iota
	// StateBridging means bytes are flowing in both directions.
	StateBridging
	// StateClosing means one direction ended and teardown is in progress.
	StateClosing
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBridging:
		return "bridging"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Acquirer hands out dedicated processes.
//
// This interface is satisfied by *supervisor.Supervisor.
type Acquirer interface {
	AcquireDedicated(ctx context.Context) (*supervisor.Handle, error)
	Release(h *supervisor.Handle)
}

var (
	errPeerClosed  = stderrors.New("peer closed connection")
	errChildClosed = stderrors.New("child closed stdout")
)

// Server accepts duplex connections.
type Server struct {
	log      *slog.Logger
	acquirer Acquirer
	maxConns int

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool

	wg     sync.WaitGroup
	served atomic.Int64
}

// conn tracks one accepted connection.
type conn struct {
	id     string
	remote string
	state  atomic.Int32
	cancel context.CancelFunc
}

func (c *conn) setState(state ConnState) {
	c.state.Store(int32(state))
}

// ConnInfo describes one open connection.
type ConnInfo struct {
	ID     string
	Remote string
	State  ConnState
}

// NewServer creates a duplex server. A positive maxConns caps concurrent
// connections; further peers wait in the accept backlog.
func NewServer(log *slog.Logger, acquirer Acquirer, maxConns int) *Server {
	return &Server{
		log:      log.With("component", "tcp"),
		acquirer: acquirer,
		maxConns: maxConns,
		conns:    make(map[*conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &errors.TransportError{Op: "listen", Remote: addr, Err: err}
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Close is called.
// It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()

		return nil
	}

	s.listener = ln
	s.mu.Unlock()

	s.log.Info("Duplex server listening", "addr", ln.Addr().String(), "max_conns", s.maxConns)

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	for {
		netc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}

			return &errors.TransportError{Op: "accept", Remote: ln.Addr().String(), Err: err}
		}

		s.wg.Go(func() {
			s.handle(ctx, netc)
		})
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Active returns the number of open connections.
func (s *Server) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.conns))
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ConnInfo, 0, len(s.conns))
	for c := range s.conns {
		infos = append(infos, ConnInfo{
			ID:     c.id,
			Remote: c.remote,
			State:  ConnState(c.state.Load()),
		})
	}

	return infos
}

// Served returns the number of connections accepted since start.
func (s *Server) Served() int64 {
	return s.served.Load()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Close stops accepting, tears down every open connection, and waits for
// their processes to be reaped.
func (s *Server) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()

		return nil
	}

	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	for c := range s.conns {
		c.cancel()
	}

	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Duplex server stopped")

	return err
}

// handle bridges one connection to its dedicated process.
func (s *Server) handle(ctx context.Context, netc net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		id:     ulid.Make().String(),
		remote: netc.RemoteAddr().String(),
		cancel: cancel,
	}

	log := s.log.With("connection_id", c.id, "remote", c.remote)

	if !s.track(c) {
		_ = netc.Close()

		return
	}
	defer s.untrack(c)

	s.served.Add(1)

	ctx, span := telemetry.Tracer().Start(ctx, "tcp.session")
	span.SetAttributes(
		attribute.String("connection.id", c.id),
		attribute.String("net.peer.addr", c.remote),
	)
	defer span.End()

	log.Info("Client connected")

	h, err := s.acquirer.AcquireDedicated(ctx)
	if err != nil {
		log.Error("Failed to start child for connection", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")

		_ = netc.Close()

		return
	}

	c.setState(StateBridging)
	span.SetAttributes(attribute.Int("process.pid", h.Pid()))

	log.Debug("Bridging connection", "process_id", h.ProcessID(), "pid", h.Pid())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := io.Copy(h.Stdin(), netc)

		return copyResult("copy peer to child", c.remote, err, errPeerClosed)
	})

	g.Go(func() error {
		_, err := io.Copy(netc, h.Stdout())

		return copyResult("copy child to peer", c.remote, err, errChildClosed)
	})

	g.Go(func() error {
		<-gctx.Done()

		c.setState(StateClosing)

		// Stdin first so a well-behaved child sees EOF before the socket goes.
		h.Terminate()
		_ = netc.Close()

		return nil
	})

	reason := g.Wait()

	s.acquirer.Release(h)

	switch {
	case stderrors.Is(reason, errPeerClosed), stderrors.Is(reason, errChildClosed):
		log.Info("Client disconnected", "reason", reason.Error())
	case stderrors.Is(reason, context.Canceled):
		log.Info("Connection closed by server")
	default:
		log.Warn("Connection ended with transport error", "error", reason)
		span.RecordError(reason)
		span.SetStatus(codes.Error, "transport error")
	}
}

// copyResult turns the end of one copy loop into the error that cancels the
// other. A clean end of stream becomes the given sentinel.
func copyResult(op, remote string, err, clean error) error {
	if err == nil {
		return clean
	}

	if stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, errors.ErrStdinClosed) {
		return context.Canceled
	}

	return &errors.TransportError{Op: op, Remote: remote, Err: err}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.conns[c] = struct{}{}

	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c)
}
