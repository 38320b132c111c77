package uds

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"exchange/pkg/exception"
)

const network = "unix"

var (
	ErrAlreadyListening = errors.New("socket: already listening")
	ErrNotListening     = errors.New("socket: not listening")
)

// Handler runs one session. The connection is closed when it returns.
type Handler func(ctx context.Context, conn net.Conn)

// Option configures a Server.
type Option func(*Server)

// WithMaxSessions caps concurrent sessions. Connections past the cap are closed on accept
// with exception.ErrSocketBusy logged.
func WithMaxSessions(n int) Option {
	return func(s *Server) { s.maxSessions = n }
}

// WithIdleTimeout closes sessions that send nothing for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idle = d }
}

// Server accepts sessions on a Unix domain socket.
type Server struct {
	path        string
	maxSessions int
	idle        time.Duration

	mu       sync.Mutex
	ln       *net.UnixListener
	sessions map[net.Conn]struct{}
	draining bool
	active   atomic.Int64
	rejected atomic.Uint64
}

func NewServer(path string, opts ...Option) (*Server, error) {
	if path == "" {
		return nil, exception.ErrSocketPathEmpty
	}
	s := &Server{path: path, sessions: make(map[net.Conn]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Path() string {
	return s.path
}

// Sessions reports the sessions currently served.
func (s *Server) Sessions() int {
	return int(s.active.Load())
}

// Rejected counts connections refused by the session cap.
func (s *Server) Rejected() uint64 {
	return s.rejected.Load()
}

// Listen binds the socket, replacing a stale socket file left by a previous process.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyListening
	}
	if err := RemoveStale(s.path); err != nil {
		return err
	}
	ln, err := net.ListenUnix(network, &net.UnixAddr{Name: s.path, Net: network})
	if err != nil {
		return err
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

func (s *Server) listener() *net.UnixListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

// Serve runs handler for each session until ctx is done, then closes the listener and
// every open session and waits for the handlers to return.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return exception.ErrNilInstance
	}
	ln := s.listener()
	if ln == nil {
		return ErrNotListening
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = s.Close()
		s.dropAll()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			cancel()
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.admit(conn); err != nil {
			s.rejected.Add(1)
			logs.Infof("socket %s refused a session with %d active: %v", s.path, s.Sessions(), err)
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release(conn)
			var c net.Conn = conn
			if s.idle > 0 {
				c = &idleConn{UnixConn: conn, idle: s.idle}
			}
			handler(ctx, c)
		}()
	}
}

// admit registers conn, or returns exception.ErrSocketBusy at the session cap and
// net.ErrClosed once shutdown began.
func (s *Server) admit(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return net.ErrClosed
	}
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return exception.ErrSocketBusy
	}
	s.sessions[conn] = struct{}{}
	s.active.Add(1)
	return nil
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	if _, ok := s.sessions[conn]; ok {
		delete(s.sessions, conn)
		s.active.Add(-1)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	for conn := range s.sessions {
		_ = conn.Close()
	}
}

// Close stops accepting. Open sessions end with Serve.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// RemoveStale deletes a socket file at path. Anything else at path is left alone.
func RemoveStale(path string) error {
	if path == "" {
		return exception.ErrSocketPathEmpty
	}
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	case info.Mode()&os.ModeSocket == 0:
		return exception.ErrSocketNotSocket
	}
	return os.Remove(path)
}

// idleConn pushes the read deadline forward on every read.
type idleConn struct {
	*net.UnixConn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
		return 0, err
	}
	return c.UnixConn.Read(p)
}
