package uds

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/pkg/exception"
)

func TestEmptyPath(t *testing.T) {
	_, err := NewServer("")
	assert.ErrorIs(t, err, exception.ErrSocketPathEmpty)
	_, err = Dial(context.Background(), "")
	assert.ErrorIs(t, err, exception.ErrSocketPathEmpty)
	_, err = DialRetry(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, exception.ErrSocketPathEmpty)
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o600))

	testCases := []struct {
		desc string
		path string
		want error
	}{
		{desc: "missing", path: filepath.Join(dir, "missing.sock")},
		{desc: "regular file", path: file, want: exception.ErrSocketNotSocket},
		{desc: "empty", path: "", want: exception.ErrSocketPathEmpty},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if err := RemoveStale(tc.path); !errors.Is(err, tc.want) {
				t.Fatalf("remove mismatch: got %v want %v", err, tc.want)
			}
		})
	}
	_, err := os.Stat(file)
	require.NoError(t, err, "non socket files survive")
}

type served struct {
	server *Server
	cancel context.CancelFunc
	done   chan error
}

func serve(t *testing.T, handler Handler, opts ...Option) *served {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sock")
	server, err := NewServer(path, opts...)
	require.NoError(t, err)
	require.NoError(t, server.Listen())
	assert.ErrorIs(t, server.Listen(), ErrAlreadyListening)

	ctx, cancel := context.WithCancel(context.Background())
	s := &served{server: server, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- server.Serve(ctx, handler) }()
	return s
}

func (s *served) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func echo(_ context.Context, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if _, err := conn.Write(append(sc.Bytes(), '\n')); err != nil {
			return
		}
	}
}

func dial(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialRetry(ctx, path, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestServeSessions(t *testing.T) {
	s := serve(t, echo)
	conn, r := dial(t, s.server.Path())

	_, err := conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	if line != "ping\n" {
		t.Fatalf("echo mismatch: got %q want %q", line, "ping\n")
	}
	assert.Equal(t, 1, s.server.Sessions())

	s.stop(t)
	_, err = r.ReadString('\n')
	require.Error(t, err, "sessions are closed on shutdown")
	assert.Zero(t, s.server.Sessions())
	_, err = os.Stat(s.server.Path())
	assert.True(t, os.IsNotExist(err), "socket file removed")
}

func TestServeSessionLimit(t *testing.T) {
	s := serve(t, echo, WithMaxSessions(1))
	defer s.stop(t)

	first, r := dial(t, s.server.Path())
	_, err := first.Write([]byte("hold\n"))
	require.NoError(t, err)
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	_, r2 := dial(t, s.server.Path())
	_, err = r2.ReadString('\n')
	require.Error(t, err, "over the cap the session is closed")
	require.Eventually(t, func() bool { return s.server.Rejected() == 1 }, 2*time.Second, 5*time.Millisecond)

	extra, peer := net.Pipe()
	defer extra.Close()
	defer peer.Close()
	assert.ErrorIs(t, s.server.admit(extra), exception.ErrSocketBusy)
	assert.Equal(t, 1, s.server.Sessions())

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return s.server.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
	third, r3 := dial(t, s.server.Path())
	_, err = third.Write([]byte("again\n"))
	require.NoError(t, err)
	line, err := r3.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "again\n", line)
}

func TestServeIdleTimeout(t *testing.T) {
	s := serve(t, echo, WithIdleTimeout(50*time.Millisecond))
	defer s.stop(t)

	_, r := dial(t, s.server.Path())
	start := time.Now()
	_, err := r.ReadString('\n')
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServeErrors(t *testing.T) {
	server, err := NewServer(filepath.Join(t.TempDir(), "idle.sock"))
	require.NoError(t, err)
	assert.ErrorIs(t, server.Serve(context.Background(), nil), exception.ErrNilInstance)
	assert.ErrorIs(t, server.Serve(context.Background(), echo), ErrNotListening)
	assert.NoError(t, server.Close())
}

func BenchmarkLineRoundTrip(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.sock")
	server, err := NewServer(path)
	require.NoError(b, err)
	require.NoError(b, server.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx, echo) }()

	conn, err := DialRetry(ctx, path, 2*time.Second)
	require.NoError(b, err)
	defer conn.Close()
	r := bufio.NewReader(conn)
	line := []byte(`{"action":"snapshot","symbol":"BTC-USD"}` + "\n")

	b.ReportAllocs()
	b.SetBytes(int64(len(line)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := conn.Write(line); err != nil {
			b.Fatalf("write: %v", err)
		}
		if _, err := r.ReadSlice('\n'); err != nil {
			b.Fatalf("read: %v", err)
		}
	}
}
