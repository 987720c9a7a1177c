// Package conn implements the H2 connection engine (L8): preface/SETTINGS
// startup, a single-goroutine frame dispatch loop, a single-goroutine
// coalescing writer, CONTINUATION reassembly bounded at 80 KiB, the
// WINDOW_UPDATE half-window strategy, and GOAWAY-driven shutdown and
// draining.
package conn

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/sandboxnet/httpengine/pkg/buffer"
	"github.com/sandboxnet/httpengine/pkg/h2/flowcontrol"
	"github.com/sandboxnet/httpengine/pkg/h2/frame"
	"github.com/sandboxnet/httpengine/pkg/h2/hpack"
	"github.com/sandboxnet/httpengine/pkg/h2/stream"
	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// maxContinuationBytes bounds an aggregated HEADERS+CONTINUATION header
// block, guarding against continuation-flood abuse.
const maxContinuationBytes = 80 * 1024

// DefaultSettingsTimeout is how long Dial waits for the settings exchange
// to complete before failing the connection.
const DefaultSettingsTimeout = 5 * time.Second

// Options configures a Conn.
type Options struct {
	// BodyTimeout, if non-zero, is the per-stream idle-body timer.
	BodyTimeout time.Duration
	// SettingsTimeout bounds the startup handshake; zero uses
	// DefaultSettingsTimeout.
	SettingsTimeout time.Duration
}

type writeJob func(fr *frame.Framer) error

// Conn is one H2 connection over an already-established TLS/plaintext
// duplex stream.
type Conn struct {
	fr *frame.Framer
	bw *bufio.Writer

	hpackEnc *hpack.Encoder
	hpackDec *hpack.Decoder

	mu               sync.Mutex
	streams          map[uint32]*stream.Stream
	nextStreamID     uint32
	peerMaxFrameSize uint32
	peerInitWindow   int64
	lastPeerStreamID uint32
	draining         bool
	closed           bool
	goAwayErr        error

	connRecvConsumed int64
	connRecvWindow   int64

	sendWindow *flowcontrol.Window

	bodyTimeout time.Duration

	writeCh   chan writeJob
	closeCh   chan struct{}
	closeOnce sync.Once

	readyCh        chan struct{}
	readyOnce      sync.Once
	readyErr       error
	localAcked     bool
	peerSettingsIn bool
}

// rwPair composes a plain blocking reader with a buffered writer so the
// framer's writes are coalesced by a single Flush per writer-goroutine
// wakeup while reads remain unbuffered frame-at-a-time pulls.
type rwPair struct {
	io.Reader
	io.Writer
}

// Dial performs the H2 startup handshake over rw (already TLS-negotiated
// with ALPN "h2") and returns a ready Conn once the peer's SETTINGS has
// been received and the peer has acknowledged ours, or SettingsTimeout
// elapses.
func Dial(ctx context.Context, rw io.ReadWriter, opts Options) (*Conn, error) {
	timeout := opts.SettingsTimeout
	if timeout == 0 {
		timeout = DefaultSettingsTimeout
	}

	bw := bufio.NewWriter(rw)
	c := &Conn{
		fr:               frame.New(rwPair{rw, bw}, frame.DefaultMaxFrameSize),
		bw:               bw,
		hpackEnc:         hpack.NewEncoder(hpack.DefaultTableSize),
		hpackDec:         hpack.NewDecoder(hpack.DefaultTableSize),
		streams:          make(map[uint32]*stream.Stream),
		nextStreamID:     1,
		peerMaxFrameSize: http2.DefaultMaxReadFrameSize,
		peerInitWindow:   65535,
		connRecvWindow:   frame.DefaultConnWindowSize + 65535,
		sendWindow:       flowcontrol.New(65535),
		bodyTimeout:      opts.BodyTimeout,
		writeCh:          make(chan writeJob, 256),
		closeCh:          make(chan struct{}),
		readyCh:          make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	startup := func(fr *frame.Framer) error {
		if err := fr.WritePreface(bw); err != nil {
			return err
		}
		if err := fr.WriteSettings(
			http2.Setting{ID: http2.SettingEnablePush, Val: 0},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: frame.DefaultStreamWindowSize},
			http2.Setting{ID: http2.SettingMaxFrameSize, Val: frame.DefaultMaxFrameSize},
			http2.Setting{ID: http2.SettingHeaderTableSize, Val: frame.DefaultHeaderTableSize},
		); err != nil {
			return err
		}
		return fr.WriteWindowUpdate(0, uint32(frame.DefaultConnWindowSize))
	}
	if err := c.submitAndFlush(startup); err != nil {
		c.teardown(err)
		return nil, err
	}

	select {
	case <-c.readyCh:
		if c.readyErr != nil {
			return nil, c.readyErr
		}
		return c, nil
	case <-time.After(timeout):
		err := httperr.NewTimeoutError("h2_settings_exchange", timeout)
		c.teardown(err)
		return nil, err
	case <-ctx.Done():
		c.teardown(ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *Conn) submit(job writeJob) error {
	select {
	case c.writeCh <- job:
		return nil
	case <-c.closeCh:
		return httperr.NewConnectionError("", 0, io.ErrClosedPipe)
	}
}

// submitAndFlush queues job and waits until the writer loop has run it; it
// is used for the startup write and for the GOAWAY written by Close and
// goAwayAndClose.
func (c *Conn) submitAndFlush(job writeJob) error {
	done := make(chan error, 1)
	err := c.submit(func(fr *frame.Framer) error {
		err := job(fr)
		done <- err
		return err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.closeCh:
		return httperr.NewConnectionError("", 0, io.ErrClosedPipe)
	}
}

// writeLoop is the connection's single writer: it drains whatever jobs are
// queued at wakeup and flushes once, coalescing them into as few network
// writes as the OS allows, while still executing each job fully (and thus
// atomically with respect to any other job) before moving to the next.
func (c *Conn) writeLoop() {
	for {
		select {
		case job := <-c.writeCh:
			c.runBatch(job)
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) runBatch(first writeJob) {
	jobs := []writeJob{first}
drain:
	for {
		select {
		case j := <-c.writeCh:
			jobs = append(jobs, j)
		default:
			break drain
		}
	}
	for _, j := range jobs {
		if err := j(c.fr); err != nil {
			return
		}
	}
	c.bw.Flush()
}

// readLoop is the connection's single reader: it owns all stream-state
// mutation, so no lock is needed around dispatch beyond the Conn.mu used
// for the streams map and connection counters.
func (c *Conn) readLoop() {
	var cont *continuationState

	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			c.teardown(err)
			return
		}

		if cont != nil {
			cf, ok := f.(*http2.ContinuationFrame)
			if !ok || cf.StreamID != cont.streamID {
				c.goAwayAndClose(frame.ErrCodeProtocol, httperr.NewProtocolError("expected continuation frame for in-progress header block", nil))
				return
			}
			if err := cont.append(cf.HeaderBlockFragment()); err != nil {
				c.goAwayAndClose(frame.ErrCodeEnhanceYourCalm, err)
				return
			}
			if cf.HeadersEnded() {
				c.finishHeaderBlock(cont)
				cont = nil
			}
			continue
		}

		if err := frame.ValidateShape(f); err != nil {
			c.goAwayAndClose(frame.ErrCodeProtocol, err)
			return
		}

		switch v := f.(type) {
		case *http2.SettingsFrame:
			c.handleSettings(v)
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(v)
		case *http2.HeadersFrame:
			cont = c.startHeaderBlock(v)
			if cont != nil && v.HeadersEnded() {
				c.finishHeaderBlock(cont)
				cont = nil
			}
		case *http2.DataFrame:
			c.handleData(v)
		case *http2.RSTStreamFrame:
			c.withStream(v.StreamID, func(s *stream.Stream) {
				s.OnRSTStream("reset by peer", uint32(v.ErrCode))
			})
		case *http2.PingFrame:
			if !v.IsAck() {
				data := v.Data
				c.submit(func(fr *frame.Framer) error { return fr.WritePing(true, data) })
			}
		case *http2.GoAwayFrame:
			c.handleGoAway(v)
		default:
			// Unknown frame types are ignored
		}
	}
}

type continuationState struct {
	streamID  uint32
	buf       *buffer.Buffer
	endStream bool
}

func (c *Conn) startHeaderBlock(hf *http2.HeadersFrame) *continuationState {
	cs := &continuationState{streamID: hf.StreamID, buf: buffer.New(maxContinuationBytes), endStream: hf.StreamEnded()}
	if err := cs.append(hf.HeaderBlockFragment()); err != nil {
		c.goAwayAndClose(frame.ErrCodeEnhanceYourCalm, err)
		return nil
	}
	return cs
}

func (cs *continuationState) append(p []byte) error {
	if cs.buf.Size()+int64(len(p)) > maxContinuationBytes {
		return httperr.NewProtocolError("continuation header block exceeds 80KiB limit", nil)
	}
	_, err := cs.buf.Write(p)
	return err
}

func (c *Conn) finishHeaderBlock(cs *continuationState) {
	defer cs.buf.Close()
	fields, err := c.hpackDec.DecodeFull(cs.buf.Bytes())
	if err != nil {
		// HPACK decode failure is connection-fatal.
		c.goAwayAndClose(frame.ErrCodeCompression, err)
		return
	}
	c.withStream(cs.streamID, func(s *stream.Stream) {
		if err := s.OnHeaders(fields, cs.endStream); err != nil {
			c.submit(func(fr *frame.Framer) error { return fr.WriteRSTStream(cs.streamID, frame.ErrCodeProtocol) })
		}
	})
}

func (c *Conn) handleSettings(v *http2.SettingsFrame) {
	if v.IsAck() {
		c.mu.Lock()
		c.localAcked = true
		c.mu.Unlock()
		c.checkReady()
		return
	}

	c.mu.Lock()
	if val, ok := v.Value(http2.SettingMaxFrameSize); ok {
		c.peerMaxFrameSize = val
	}
	if val, ok := v.Value(http2.SettingInitialWindowSize); ok {
		old := c.peerInitWindow
		c.peerInitWindow = int64(val)
		for _, s := range c.streams {
			s.SendWindow.Reset(int64(val), old)
		}
	}
	if val, ok := v.Value(http2.SettingHeaderTableSize); ok {
		c.hpackEnc.SetMaxDynamicTableSize(val)
	}
	c.peerSettingsIn = true
	c.mu.Unlock()

	c.submit(func(fr *frame.Framer) error { return fr.WriteSettingsAck() })
	c.checkReady()
}

func (c *Conn) checkReady() {
	c.mu.Lock()
	ready := c.localAcked && c.peerSettingsIn
	c.mu.Unlock()
	if ready {
		c.readyOnce.Do(func() { close(c.readyCh) })
	}
}

func (c *Conn) handleWindowUpdate(v *http2.WindowUpdateFrame) {
	if v.StreamID == 0 {
		if err := c.sendWindow.Update(int64(v.Increment)); err != nil {
			c.goAwayAndClose(frame.ErrCodeFlowControl, err)
		}
		return
	}
	c.withStream(v.StreamID, func(s *stream.Stream) {
		if err := s.SendWindow.Update(int64(v.Increment)); err != nil {
			id := v.StreamID
			c.submit(func(fr *frame.Framer) error { return fr.WriteRSTStream(id, frame.ErrCodeFlowControl) })
			s.OnRSTStream("stream flow-control window overflow", uint32(frame.ErrCodeFlowControl))
		}
	})
}

func (c *Conn) handleData(v *http2.DataFrame) {
	n := int64(len(v.Data()))

	c.mu.Lock()
	c.connRecvConsumed += n
	half := c.connRecvWindow / 2
	var updateConn bool
	var connInc uint32
	if c.connRecvConsumed >= half && half > 0 {
		connInc = uint32(c.connRecvConsumed)
		c.connRecvConsumed = 0
		updateConn = true
	}
	c.mu.Unlock()

	if updateConn {
		c.submit(func(fr *frame.Framer) error { return fr.WriteWindowUpdate(0, connInc) })
	}

	c.withStream(v.StreamID, func(s *stream.Stream) {
		s.OnData(v.Data(), v.StreamEnded())
		if !v.StreamEnded() {
			consumed := s.ConsumedSinceUpdate()
			if consumed >= s.RecvWindow()/2 && s.RecvWindow() > 0 {
				s.ResetConsumed()
				inc := uint32(consumed)
				id := v.StreamID
				c.submit(func(fr *frame.Framer) error { return fr.WriteWindowUpdate(id, inc) })
			}
		}
	})
}

func (c *Conn) handleGoAway(v *http2.GoAwayFrame) {
	c.mu.Lock()
	c.draining = true
	c.lastPeerStreamID = v.LastStreamID
	toFail := make([]*stream.Stream, 0)
	for id, s := range c.streams {
		if id > v.LastStreamID {
			toFail = append(toFail, s)
		}
	}
	c.mu.Unlock()

	for _, s := range toFail {
		s.OnRSTStream("refused_stream: peer is draining via GOAWAY", uint32(frame.ErrCodeRefusedStream))
	}
}

func (c *Conn) withStream(id uint32, fn func(*stream.Stream)) {
	c.mu.Lock()
	s, ok := c.streams[id]
	c.mu.Unlock()
	if ok {
		fn(s)
	}
}

// OpenStream allocates the next client-initiated stream id, registers it,
// encodes and submits the header block (splitting across CONTINUATION
// frames if it exceeds the peer's MAX_FRAME_SIZE), and returns the stream
// for the caller to await headers/read the body/write request data.
func (c *Conn) OpenStream(ctx context.Context, fields []hpack.HeaderField, endStream bool) (*stream.Stream, error) {
	select {
	case <-c.readyCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, httperr.NewConnectionError("", 0, io.ErrClosedPipe)
	}
	if c.readyErr != nil {
		return nil, c.readyErr
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, httperr.NewConnectionError("", 0, nil)
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	peerInit := c.peerInitWindow
	maxPeerFrame := c.peerMaxFrameSize
	s := stream.New(id, frame.DefaultStreamWindowSize, peerInit, c.bodyTimeout, func(code uint32) {
		c.submit(func(fr *frame.Framer) error { return fr.WriteRSTStream(id, frame.ErrorCode(code)) })
	})
	c.streams[id] = s
	c.mu.Unlock()

	block, err := c.hpackEnc.EncodeHeaders(fields)
	if err != nil {
		return nil, err
	}

	err = c.submit(func(fr *frame.Framer) error {
		return writeHeaderBlock(fr, id, block, endStream, maxPeerFrame)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func writeHeaderBlock(fr *frame.Framer, streamID uint32, block []byte, endStream bool, maxPeerFrame uint32) error {
	if maxPeerFrame == 0 {
		maxPeerFrame = http2.DefaultMaxReadFrameSize
	}
	first := block
	rest := []byte(nil)
	if uint32(len(block)) > maxPeerFrame {
		first = block[:maxPeerFrame]
		rest = block[maxPeerFrame:]
	}
	endHeaders := rest == nil
	if err := fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    endHeaders,
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		last := true
		if uint32(len(chunk)) > maxPeerFrame {
			chunk = rest[:maxPeerFrame]
			last = false
		}
		if err := fr.WriteContinuation(streamID, last, chunk); err != nil {
			return err
		}
		rest = rest[len(chunk):]
	}
	return nil
}

// WriteData sends req body bytes on an open stream, honoring both the
// connection-level and stream-level send windows before each frame.
func (c *Conn) WriteData(ctx context.Context, s *stream.Stream, p []byte, endStream bool) error {
	maxPeerFrame := c.peerMaxFrame()
	for len(p) > 0 || (endStream && len(p) == 0) {
		n := len(p)
		if uint32(n) > maxPeerFrame {
			n = int(maxPeerFrame)
		}
		chunk := p[:n]
		if err := s.SendWindow.Consume(int64(n), ctx.Done()); err != nil {
			return err
		}
		if err := c.sendWindow.Consume(int64(n), ctx.Done()); err != nil {
			return err
		}
		last := n == len(p)
		if err := c.submit(func(fr *frame.Framer) error {
			return fr.WriteData(s.ID, endStream && last, chunk, maxPeerFrame)
		}); err != nil {
			return err
		}
		p = p[n:]
		if len(p) == 0 {
			break
		}
	}
	return nil
}

func (c *Conn) peerMaxFrame() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMaxFrameSize
}

// Close writes GOAWAY(NO_ERROR), fails every open stream with CANCEL,
// cancels the connection send window, and stops the writer loop. It does
// not close or half-close the underlying transport.
func (c *Conn) Close() error {
	c.mu.Lock()
	var lastInitiated uint32
	if c.nextStreamID > 1 {
		lastInitiated = c.nextStreamID - 2
	}
	streams := make([]*stream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	c.submitAndFlush(func(fr *frame.Framer) error {
		return fr.WriteGoAway(lastInitiated, frame.ErrCodeNo, nil)
	})

	for _, s := range streams {
		s.OnRSTStream("connection closed", uint32(frame.ErrCodeCancel))
	}
	c.sendWindow.Cancel()
	c.teardown(httperr.NewCancelledError("connection closed"))
	return nil
}

// teardown stops the writer goroutine, marks the ready future failed if
// startup never completed, and fails every open stream with CANCEL. The
// reader goroutine exits on its own once its next ReadFrame fails.
func (c *Conn) teardown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
		c.readyOnce.Do(func() {
			c.readyErr = err
			close(c.readyCh)
		})

		c.mu.Lock()
		streams := make([]*stream.Stream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.mu.Unlock()
		for _, s := range streams {
			s.OnRSTStream("connection closed", uint32(frame.ErrCodeCancel))
		}
	})
}

// goAwayAndClose sends GOAWAY with code and debug text derived from err,
// naming the last stream id this side had initiated so the peer knows
// exactly which streams are safe to retry, then tears the connection down.
func (c *Conn) goAwayAndClose(code frame.ErrorCode, err error) {
	c.mu.Lock()
	var lastInitiated uint32
	if c.nextStreamID > 1 {
		lastInitiated = c.nextStreamID - 2
	}
	c.goAwayErr = err
	c.mu.Unlock()

	c.submitAndFlush(func(fr *frame.Framer) error {
		return fr.WriteGoAway(lastInitiated, code, []byte(err.Error()))
	})
	c.teardown(err)
}

// IsDraining reports whether a GOAWAY has been received; the pool (M5)
// uses this to stop handing out the connection for new streams.
func (c *Conn) IsDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// GoAwayErr returns the error that caused a local GOAWAY-and-close, or nil
// if the connection was never forced down that path (e.g. a clean Close,
// or a failure that originated with the peer's own GOAWAY).
func (c *Conn) GoAwayErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goAwayErr
}

// OpenStreamCount reports the number of currently tracked streams, for
// pool capacity accounting.
func (c *Conn) OpenStreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// LastPeerStreamID reports the highest stream id the peer's GOAWAY said it
// had processed, so callers retry only streams above it on a fresh
// connection. Zero until a GOAWAY has been received.
func (c *Conn) LastPeerStreamID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPeerStreamID
}

// Done returns a channel that closes when the connection tears down: a local
// GOAWAY, an explicit Close, or a read failure (such as the peer closing the
// transport). A received GOAWAY alone only marks the connection draining;
// streams at or below its last stream id keep running. The pool (M5) keeps
// exactly one goroutine per pooled connection waiting on this, so eviction
// is event-driven rather than polled.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}
