// Package socket provides the unified duplex byte pipe (L1) that every
// higher transport layer is built on: a raw TCP connect racing a guard
// timeout and caller cancellation, and a close that always releases both
// halves of the connection.
package socket

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// DefaultConnectGuard bounds how long a raw TCP connect may take before it
// is treated as a failed attempt, independent of any caller-supplied
// deadline.
const DefaultConnectGuard = 30 * time.Second

// Socket is a duplex byte pipe over a single TCP connection.
type Socket struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool

	Host string
	Port int
}

// Dial opens a TCP connection to addr (host:port), racing a guard timeout
// against ctx cancellation. On any failure the partially-created connection
// is destroyed before returning.
func Dial(ctx context.Context, host string, port int, connectHost string) (*Socket, error) {
	addr := connectHost
	if addr == "" {
		addr = host
	}

	guardCtx, cancel := context.WithTimeout(ctx, DefaultConnectGuard)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(guardCtx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		if guardCtx.Err() != nil && ctx.Err() == nil {
			return nil, httperr.NewTimeoutError("dial", DefaultConnectGuard)
		}
		return nil, httperr.NewConnectionError(host, port, err)
	}

	return &Socket{conn: conn, Host: host, Port: port}, nil
}

// Write writes the given bytes, honoring ctx's deadline if set.
func (s *Socket) Write(ctx context.Context, p []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	n, err := s.conn.Write(p)
	if err != nil {
		return n, httperr.NewIOError("write", err)
	}
	return n, nil
}

// Read reads up to len(buf) bytes, honoring ctx's deadline if set. A read of
// (0, io.EOF) signals the peer closed the connection cleanly.
func (s *Socket) Read(ctx context.Context, buf []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	n, err := s.conn.Read(buf)
	return n, err
}

// Closed reports whether Close has already been called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the underlying connection. Safe to call more than once;
// errors from the underlying handle are swallowed on a repeat close.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Conn exposes the underlying net.Conn for layers (TLS) that need to wrap it
// directly.
func (s *Socket) Conn() net.Conn { return s.conn }
