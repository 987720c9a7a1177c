package conn

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/sandboxnet/httpengine/pkg/h2/hpack"
)

// testPeer drives the other end of a net.Pipe as a bare HTTP/2 peer: it
// reads the client preface by hand, then speaks frames via its own
// http2.Framer so tests can script exact wire behavior without standing up
// a real server.
type testPeer struct {
	t  *testing.T
	fr *http2.Framer
}

func newTestPeer(t *testing.T, side net.Conn) *testPeer {
	t.Helper()
	br := bufio.NewReader(side)
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		t.Fatalf("reading client preface: %v", err)
	}
	if string(preface) != http2.ClientPreface {
		t.Fatalf("unexpected preface: %q", preface)
	}
	return &testPeer{t: t, fr: http2.NewFramer(side, br)}
}

// completeHandshake reads the client's startup frames up to its SETTINGS
// (skipping anything before it), acks it, and sends its own empty SETTINGS
// frame so the client's checkReady fires.
func (p *testPeer) completeHandshake() {
	p.t.Helper()
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			p.t.Fatalf("reading startup frame: %v", err)
		}
		if sf, ok := f.(*http2.SettingsFrame); ok && !sf.IsAck() {
			if err := p.fr.WriteSettingsAck(); err != nil {
				p.t.Fatalf("writing settings ack: %v", err)
			}
			break
		}
	}
	if err := p.fr.WriteSettings(); err != nil {
		p.t.Fatalf("writing peer settings: %v", err)
	}
}

// nextNonSettingsFrame skips any SETTINGS ACK (from the client's reply to
// our own SETTINGS) and any WINDOW_UPDATE, and returns the first other frame.
func (p *testPeer) nextNonSettingsFrame() http2.Frame {
	p.t.Helper()
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			p.t.Fatalf("reading frame: %v", err)
		}
		if sf, ok := f.(*http2.SettingsFrame); ok && sf.IsAck() {
			continue
		}
		if _, ok := f.(*http2.WindowUpdateFrame); ok {
			continue
		}
		return f
	}
}

func dialOverPipe(t *testing.T) (*Conn, *testPeer, net.Conn) {
	t.Helper()
	clientSide, peerSide := net.Pipe()
	peer := newTestPeer(t, peerSide)

	type result struct {
		c   *Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Dial(context.Background(), clientSide, Options{SettingsTimeout: 2 * time.Second})
		done <- result{c, err}
	}()

	peer.completeHandshake()

	r := <-done
	if r.err != nil {
		t.Fatalf("Dial: %v", r.err)
	}
	return r.c, peer, peerSide
}

func TestDialCompletesHandshake(t *testing.T) {
	c, _, peerSide := dialOverPipe(t)
	defer peerSide.Close()
	defer c.Close()

	if c.OpenStreamCount() != 0 {
		t.Fatalf("OpenStreamCount() = %d, want 0", c.OpenStreamCount())
	}
	if c.IsDraining() {
		t.Fatalf("fresh connection should not be draining")
	}
}

func TestOpenStreamReceivesHeadersAndData(t *testing.T) {
	c, peer, peerSide := dialOverPipe(t)
	defer peerSide.Close()
	defer c.Close()

	s, err := c.OpenStream(context.Background(), []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.test"},
	}, true)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	f := peer.nextNonSettingsFrame()
	hf, ok := f.(*http2.HeadersFrame)
	if !ok {
		t.Fatalf("expected HEADERS frame, got %T", f)
	}
	if !hf.StreamEnded() {
		t.Fatalf("expected END_STREAM on request with no body")
	}

	enc := hpack.NewEncoder(hpack.DefaultTableSize)
	block, err := enc.EncodeHeaders([]hpack.HeaderField{{Name: ":status", Value: "200"}})
	if err != nil {
		t.Fatalf("EncodeHeaders: %v", err)
	}
	if err := peer.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      hf.StreamID,
		BlockFragment: block,
		EndHeaders:    true,
	}); err != nil {
		t.Fatalf("writing response headers: %v", err)
	}
	if err := peer.fr.WriteData(hf.StreamID, true, []byte("hello")); err != nil {
		t.Fatalf("writing response data: %v", err)
	}

	resp, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}

	body, err := io.ReadAll(s.Body(context.Background()))
	if err != nil {
		t.Fatalf("ReadAll body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
}

func TestContinuationReassembly(t *testing.T) {
	c, peer, peerSide := dialOverPipe(t)
	defer peerSide.Close()
	defer c.Close()

	s, err := c.OpenStream(context.Background(), []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
	}, true)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	hf := peer.nextNonSettingsFrame().(*http2.HeadersFrame)

	enc := hpack.NewEncoder(hpack.DefaultTableSize)
	block, err := enc.EncodeHeaders([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-long", Value: "value-one"},
	})
	if err != nil {
		t.Fatalf("EncodeHeaders: %v", err)
	}
	split := len(block) / 2
	if split == 0 {
		split = 1
	}
	if err := peer.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      hf.StreamID,
		BlockFragment: block[:split],
		EndHeaders:    false,
	}); err != nil {
		t.Fatalf("writing first headers fragment: %v", err)
	}
	if err := peer.fr.WriteContinuation(hf.StreamID, true, block[split:]); err != nil {
		t.Fatalf("writing continuation: %v", err)
	}
	if err := peer.fr.WriteData(hf.StreamID, true, nil); err != nil {
		t.Fatalf("writing final data: %v", err)
	}

	resp, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.Headers["x-long"] != "value-one" {
		t.Fatalf("missing reassembled header: %+v", resp.Headers)
	}
}

func TestGoAwayFailsStreamsAboveLastStreamID(t *testing.T) {
	c, peer, peerSide := dialOverPipe(t)
	defer peerSide.Close()

	s1, err := c.OpenStream(context.Background(), []hpack.HeaderField{{Name: ":method", Value: "GET"}}, true)
	if err != nil {
		t.Fatalf("OpenStream 1: %v", err)
	}
	peer.nextNonSettingsFrame() // first HEADERS

	s2, err := c.OpenStream(context.Background(), []hpack.HeaderField{{Name: ":method", Value: "GET"}}, true)
	if err != nil {
		t.Fatalf("OpenStream 2: %v", err)
	}
	peer.nextNonSettingsFrame() // second HEADERS

	if err := peer.fr.WriteGoAway(s1.ID, http2.ErrCodeNo, nil); err != nil {
		t.Fatalf("writing goaway: %v", err)
	}

	deadline := time.After(time.Second)
	for !c.IsDraining() {
		select {
		case <-deadline:
			t.Fatalf("connection never observed GOAWAY")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := s2.Wait(context.Background()); err == nil {
		t.Fatalf("expected stream above GOAWAY's last-stream-id to fail")
	}
	if c.LastPeerStreamID() != s1.ID {
		t.Fatalf("LastPeerStreamID() = %d, want %d", c.LastPeerStreamID(), s1.ID)
	}
}

func TestCloseSendsGoAwayAndFailsOpenStreams(t *testing.T) {
	c, peer, peerSide := dialOverPipe(t)
	defer peerSide.Close()

	s, err := c.OpenStream(context.Background(), []hpack.HeaderField{{Name: ":method", Value: "GET"}}, true)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	peer.nextNonSettingsFrame()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.Wait(context.Background()); err == nil {
		t.Fatalf("expected open stream to fail after Close")
	}
}
