// Package tlssession drives the TLS session (L2): a handshake phase
// followed by a pumped, backpressured plaintext session on top of an L1
// byte socket.
//
// No sans-I/O TLS library is available, so this package drives
// github.com/refraction-networking/utls's blocking UConn (chosen over
// crypto/tls because the engine must own the ALPN exchange and the exact
// ClientHello shape itself, which uTLS exposes and crypto/tls does not)
// from a dedicated pump goroutine. The pump buffers decrypted plaintext
// behind 64 KiB / 16 KiB high/low watermarks so the external contract
// (blocking Read backs off when the consumer is slow) behaves like a
// sans-I/O engine fed by an external loop even though uTLS itself performs
// its own socket I/O internally.
package tlssession

import (
	"context"
	"crypto/tls"
	"io"
	"sync"

	utls "github.com/refraction-networking/utls"
	"github.com/sandboxnet/httpengine/pkg/httperr"
	"github.com/sandboxnet/httpengine/pkg/socket"
	"github.com/sandboxnet/httpengine/pkg/tlsconfig"
)

const (
	// HighWaterMark is the queued-plaintext threshold above which the pump
	// suspends further reads from the socket.
	HighWaterMark = 64 * 1024
	// LowWaterMark is the threshold below which the pump resumes.
	LowWaterMark = 16 * 1024
)

// Session is a plaintext duplex stream driven by an internal TLS engine.
type Session struct {
	sock *socket.Socket
	conn *utls.UConn

	mu       sync.Mutex
	buf      []byte
	readErr  error
	resumeCh chan struct{}
	suspended bool

	closeOnce sync.Once
	closed    chan struct{}

	negotiatedProto string
}

// Options configures the handshake.
type Options struct {
	ServerName         string
	ALPN               []string
	InsecureSkipVerify bool
	MinVersion         uint16
	ClientCert         *tls.Certificate
}

// Handshake performs the TLS handshake over sock and, on success, starts the
// background plaintext pump. SNI is set to Options.ServerName (the logical
// hostname), independent of whatever address sock actually connected to —
// this is what lets a NAT64 connect-hostname coexist with the real identity
// for certificate validation purposes.
func Handshake(ctx context.Context, sock *socket.Socket, opts Options) (*Session, error) {
	cfg := &utls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		NextProtos:         opts.ALPN,
	}
	minVersion := opts.MinVersion
	if minVersion == 0 {
		minVersion = tlsconfig.VersionTLS12
	}
	cfg.MinVersion = minVersion

	if opts.ClientCert != nil {
		cfg.Certificates = []utls.Certificate{{
			Certificate: opts.ClientCert.Certificate,
			PrivateKey:  opts.ClientCert.PrivateKey,
		}}
	}

	uconn := utls.UClient(sock.Conn(), cfg, utls.HelloChrome_Auto)

	done := make(chan error, 1)
	go func() { done <- uconn.HandshakeContext(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			sock.Close()
			return nil, httperr.NewTLSError(opts.ServerName, sock.Port, err)
		}
	case <-ctx.Done():
		sock.Close()
		return nil, httperr.NewTimeoutError("tls_handshake", 0)
	}

	s := &Session{
		sock:            sock,
		conn:            uconn,
		resumeCh:        make(chan struct{}, 1),
		closed:          make(chan struct{}),
		negotiatedProto: uconn.ConnectionState().NegotiatedProtocol,
	}
	go s.pump()
	return s, nil
}

// NegotiatedProtocol returns the ALPN outcome ("h2", "http/1.1", or "").
func (s *Session) NegotiatedProtocol() string { return s.negotiatedProto }

// pump continuously reads ciphertext (via uTLS), decrypts it, and appends
// the plaintext to the internal buffer, suspending when the buffer is at or
// above HighWaterMark and resuming once a reader has drained it below
// LowWaterMark.
func (s *Session) pump() {
	chunk := make([]byte, 32*1024)
	for {
		s.mu.Lock()
		if len(s.buf) >= HighWaterMark {
			s.suspended = true
			s.mu.Unlock()
			select {
			case <-s.resumeCh:
			case <-s.closed:
				return
			}
			continue
		}
		s.mu.Unlock()

		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			if s.readErr == nil {
				s.readErr = err
			}
			s.mu.Unlock()
			close(s.closed)
			return
		}
	}
}

// Read returns buffered plaintext, blocking until at least one byte is
// available, the session closes, or ctx is done.
func (s *Session) Read(ctx context.Context, p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			if s.suspended && len(s.buf) < LowWaterMark {
				s.suspended = false
				select {
				case s.resumeCh <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()
			return n, nil
		}
		err := s.readErr
		s.mu.Unlock()
		if err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, httperr.NewIOError("tls_read", err)
		}

		select {
		case <-s.closed:
			continue // drain any final readErr set right before close
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write encrypts and forwards plaintext.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := s.conn.Write(p)
		ch <- result{n, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.n, httperr.NewIOError("tls_write", r.err)
		}
		return r.n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close sends close_notify, tears down the TLS engine, and closes the
// underlying socket. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		s.sock.Close()
	})
	return err
}
