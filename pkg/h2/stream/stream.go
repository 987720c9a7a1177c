// Package stream implements the H2 stream (L7) described in a
// single-shot response-headers future, a pull-driven body byte stream, the
// stream's own send window, and a receive-window-consumed counter tracked
// against the local-advertised receive window.
package stream

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sandboxnet/httpengine/pkg/h2/flowcontrol"
	"github.com/sandboxnet/httpengine/pkg/h2/hpack"
	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// State is the stream's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// Response is the settled outcome of a stream's response-headers future.
type Response struct {
	Status     int
	Headers    map[string]string
	RawHeaders []hpack.HeaderField // original order, pseudo-headers excluded
}

type responseFuture struct {
	done sync.Once
	ch   chan struct{}
	resp *Response
	err  error
}

func newResponseFuture() *responseFuture {
	return &responseFuture{ch: make(chan struct{})}
}

func (f *responseFuture) settle(resp *Response, err error) {
	f.done.Do(func() {
		f.resp, f.err = resp, err
		close(f.ch)
	})
}

func (f *responseFuture) settled() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the response headers are settled, ctx is done, or the
// stream is torn down.
func (f *responseFuture) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.ch:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bodyQueue is the pull-driven byte stream backing a stream's Body. DATA
// frames push chunks onto it from the connection's single read loop; Body
// pulls drain it, blocking when empty.
type bodyQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	pos    int // read offset into chunks[0]
	err    error
	closed bool
	notify chan struct{}
}

func newBodyQueue() *bodyQueue {
	return &bodyQueue{notify: make(chan struct{}, 1)}
}

func (q *bodyQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *bodyQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.mu.Lock()
	q.chunks = append(q.chunks, b)
	q.mu.Unlock()
	q.wake()
}

// closeWithErr marks the queue terminal; err == nil means clean EOF. Only
// the first call has effect.
func (q *bodyQueue) closeWithErr(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.wake()
}

func (q *bodyQueue) Read(ctx context.Context, p []byte) (int, error) {
	for {
		q.mu.Lock()
		for q.pos >= lenTotal(q.chunks) && len(q.chunks) > 0 {
			q.chunks = q.chunks[1:]
			q.pos = 0
		}
		if len(q.chunks) > 0 {
			n := copy(p, q.chunks[0][q.pos:])
			q.pos += n
			q.mu.Unlock()
			return n, nil
		}
		err := q.err
		closed := q.closed
		q.mu.Unlock()

		if closed {
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}

		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func lenTotal(chunks [][]byte) int {
	if len(chunks) == 0 {
		return 0
	}
	return len(chunks[0])
}

// Stream is one multiplexed H2 request/response exchange.
type Stream struct {
	ID uint32

	SendWindow *flowcontrol.Window

	mu           sync.Mutex
	state        State
	recvWindow   int64
	recvConsumed int64

	future *responseFuture
	body   *bodyQueue

	bodyTimeout time.Duration
	idleTimer   *time.Timer

	// onRST is invoked by the stream to ask the connection to emit
	// RST_STREAM on its behalf (consumer cancel, or idle timeout).
	onRST func(code uint32)
}

// New creates a Stream. localRecvWindow is this side's advertised receive
// window (SETTINGS_INITIAL_WINDOW_SIZE); sendWindowInitial seeds the send
// side from the peer's advertised value. onRST lets the stream ask the
// owning connection to emit RST_STREAM without the stream reaching into
// connection internals directly (streams invoke exposed
// operations, never mutate connection state directly).
func New(id uint32, localRecvWindow, sendWindowInitial int64, bodyTimeout time.Duration, onRST func(code uint32)) *Stream {
	return &Stream{
		ID:          id,
		SendWindow:  flowcontrol.New(sendWindowInitial),
		state:       StateOpen,
		recvWindow:  localRecvWindow,
		future:      newResponseFuture(),
		body:        newBodyQueue(),
		bodyTimeout: bodyTimeout,
		onRST:       onRST,
	}
}

// Wait blocks for the response-headers future to settle.
func (s *Stream) Wait(ctx context.Context) (*Response, error) {
	return s.future.Wait(ctx)
}

// Body returns the pull-driven response body reader bound to ctx. Close
// emits RST_STREAM(CANCEL) and transitions the stream to closed.
func (s *Stream) Body(ctx context.Context) io.ReadCloser {
	return &streamBodyReader{s: s, ctx: ctx}
}

type streamBodyReader struct {
	s   *Stream
	ctx context.Context
}

func (r *streamBodyReader) Read(p []byte) (int, error) {
	return r.s.body.Read(r.ctx, p)
}

func (r *streamBodyReader) Close() error {
	r.s.cancel()
	return nil
}

// const mirrors frame.ErrCodeCancel without importing the frame package,
// keeping pkg/h2/stream free of a dependency on the wire framer.
const errCodeCancel = 0x8

func (s *Stream) cancel() {
	s.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	s.stopIdleTimerLocked()
	s.mu.Unlock()
	if already {
		return
	}
	s.SendWindow.Cancel()
	s.body.closeWithErr(httperr.NewCancelledError("stream_body_closed_by_consumer"))
	if s.onRST != nil {
		s.onRST(errCodeCancel)
	}
}

// OnHeaders processes a received (and, if applicable, CONTINUATION-
// reassembled) HEADERS block. :status must parse as 100-599 or this is a
// stream error. If already settled (e.g. informational headers followed by
// the real response, or trailers), this is a no-op for the future but
// still honors endStream for the body.
func (s *Stream) OnHeaders(fields []hpack.HeaderField, endStream bool) error {
	status := -1
	headers := make(map[string]string, len(fields))
	var raw []hpack.HeaderField
	for _, f := range fields {
		if f.Name == ":status" {
			n, err := strconv.Atoi(f.Value)
			if err != nil {
				return httperr.NewProtocolError("invalid :status pseudo-header", err)
			}
			status = n
			continue
		}
		if len(f.Name) > 0 && f.Name[0] == ':' {
			continue
		}
		headers[f.Name] = f.Value
		raw = append(raw, f)
	}

	if !s.future.settled() {
		if status < 100 || status > 599 {
			return httperr.NewProtocolError("status code out of 100-599 range", nil)
		}
		s.future.settle(&Response{Status: status, Headers: headers, RawHeaders: raw}, nil)
	}

	s.mu.Lock()
	if s.future.settled() && s.bodyTimeout > 0 && s.idleTimer == nil {
		s.startIdleTimerLocked()
	}
	s.mu.Unlock()

	if endStream {
		s.body.closeWithErr(nil)
		s.mu.Lock()
		s.state = StateClosed
		s.stopIdleTimerLocked()
		s.mu.Unlock()
	}
	return nil
}

// OnData appends received DATA bytes to the body and updates the consumed
// counter the connection uses for its WINDOW_UPDATE strategy.
func (s *Stream) OnData(data []byte, endStream bool) {
	s.body.push(data)

	s.mu.Lock()
	s.recvConsumed += int64(len(data))
	if s.idleTimer != nil {
		s.resetIdleTimerLocked()
	}
	s.mu.Unlock()

	if endStream {
		s.body.closeWithErr(nil)
		s.mu.Lock()
		s.state = StateClosed
		s.stopIdleTimerLocked()
		s.mu.Unlock()
	}
}

// OnRSTStream fails any pending response future and the body with a
// stream-reset error carrying reason, cancels the send window, and
// transitions to closed. reason documents why (peer RST_STREAM, GOAWAY
// draining, local shutdown); errCode
// is the associated HTTP/2 error code, or 0 when there isn't one.
func (s *Stream) OnRSTStream(reason string, errCode uint32) {
	s.mu.Lock()
	s.state = StateClosed
	s.stopIdleTimerLocked()
	s.mu.Unlock()

	err := httperr.NewStreamResetError(s.ID, errCode, errors.New(reason))
	s.future.settle(nil, err)
	s.body.closeWithErr(err)
	s.SendWindow.Cancel()
}

// ConsumedSinceUpdate returns bytes received since the last ResetConsumed,
// for the connection's half-window WINDOW_UPDATE trigger.
func (s *Stream) ConsumedSinceUpdate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvConsumed
}

// ResetConsumed zeroes the counter after the connection emits a
// WINDOW_UPDATE for the consumed amount.
func (s *Stream) ResetConsumed() {
	s.mu.Lock()
	s.recvConsumed = 0
	s.mu.Unlock()
}

// RecvWindow returns this stream's locally-advertised receive window.
func (s *Stream) RecvWindow() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvWindow
}

func (s *Stream) startIdleTimerLocked() {
	s.idleTimer = time.AfterFunc(s.bodyTimeout, s.onIdleTimeout)
}

func (s *Stream) resetIdleTimerLocked() {
	s.idleTimer.Reset(s.bodyTimeout)
}

func (s *Stream) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

// onIdleTimeout fires when no DATA has arrived within bodyTimeout of the
// response headers settling; it asks the connection to RST_STREAM(CANCEL)
// and fails the body with a timeout.
func (s *Stream) onIdleTimeout() {
	s.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()
	if already {
		return
	}
	s.body.closeWithErr(httperr.NewTimeoutError("h2_body_idle", s.bodyTimeout))
	s.SendWindow.Cancel()
	if s.onRST != nil {
		s.onRST(errCodeCancel)
	}
}
