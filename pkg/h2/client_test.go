package h2

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/sandboxnet/httpengine/pkg/h2/conn"
	"github.com/sandboxnet/httpengine/pkg/h2/hpack"
)

type fakePeer struct {
	t  *testing.T
	fr *http2.Framer
}

func newFakePeer(t *testing.T, side net.Conn) *fakePeer {
	t.Helper()
	br := bufio.NewReader(side)
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		t.Fatalf("reading preface: %v", err)
	}
	return &fakePeer{t: t, fr: http2.NewFramer(side, br)}
}

func (p *fakePeer) completeHandshake() {
	p.t.Helper()
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			p.t.Fatalf("reading startup frame: %v", err)
		}
		if sf, ok := f.(*http2.SettingsFrame); ok && !sf.IsAck() {
			p.fr.WriteSettingsAck()
			break
		}
	}
	p.fr.WriteSettings()
}

func (p *fakePeer) nextHeaders() *http2.HeadersFrame {
	p.t.Helper()
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			p.t.Fatalf("reading frame: %v", err)
		}
		switch v := f.(type) {
		case *http2.SettingsFrame:
			continue
		case *http2.WindowUpdateFrame:
			continue
		case *http2.HeadersFrame:
			return v
		}
	}
}

func dialFakeClient(t *testing.T) (*Client, *fakePeer, net.Conn) {
	t.Helper()
	clientSide, peerSide := net.Pipe()
	peer := newFakePeer(t, peerSide)

	type result struct {
		c   *conn.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := conn.Dial(context.Background(), clientSide, conn.Options{SettingsTimeout: 2 * time.Second})
		done <- result{c, err}
	}()
	peer.completeHandshake()
	r := <-done
	if r.err != nil {
		t.Fatalf("Dial: %v", r.err)
	}
	return NewClient(r.c), peer, peerSide
}

func TestDoReturnsResponseWithBody(t *testing.T) {
	cl, peer, peerSide := dialFakeClient(t)
	defer peerSide.Close()
	defer cl.Close()

	respDone := make(chan *Response, 1)
	errDone := make(chan error, 1)
	go func() {
		resp, err := cl.Do(context.Background(), &Request{
			Method:    "GET",
			Scheme:    "https",
			Authority: "example.test",
			Path:      "/",
		})
		if err != nil {
			errDone <- err
			return
		}
		respDone <- resp
	}()

	hf := peer.nextHeaders()
	if !hf.StreamEnded() {
		t.Fatalf("expected END_STREAM on a bodyless GET")
	}

	enc := hpack.NewEncoder(hpack.DefaultTableSize)
	block, err := enc.EncodeHeaders([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	})
	if err != nil {
		t.Fatalf("EncodeHeaders: %v", err)
	}
	if err := peer.fr.WriteHeaders(http2.HeadersFrameParam{StreamID: hf.StreamID, BlockFragment: block, EndHeaders: true}); err != nil {
		t.Fatalf("writing response headers: %v", err)
	}
	if err := peer.fr.WriteData(hf.StreamID, true, []byte("OK")); err != nil {
		t.Fatalf("writing response data: %v", err)
	}

	select {
	case err := <-errDone:
		t.Fatalf("Do: %v", err)
	case resp := <-respDone:
		if resp.Status != 200 {
			t.Fatalf("Status = %d, want 200", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if string(body) != "OK" {
			t.Fatalf("body = %q, want OK", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Do")
	}
}

func TestDoWritesFiniteRequestBody(t *testing.T) {
	cl, peer, peerSide := dialFakeClient(t)
	defer peerSide.Close()
	defer cl.Close()

	body := []byte("hello world")
	respDone := make(chan *Response, 1)
	errDone := make(chan error, 1)
	go func() {
		resp, err := cl.Do(context.Background(), &Request{
			Method:    "POST",
			Scheme:    "https",
			Authority: "example.test",
			Path:      "/submit",
			Body:      bytes.NewReader(body),
			BodyLen:   int64(len(body)),
		})
		if err != nil {
			errDone <- err
			return
		}
		respDone <- resp
	}()

	hf := peer.nextHeaders()
	if hf.StreamEnded() {
		t.Fatalf("expected no END_STREAM on HEADERS when a body follows")
	}

	var got []byte
	for {
		f, err := peer.fr.ReadFrame()
		if err != nil {
			t.Fatalf("reading data frame: %v", err)
		}
		df, ok := f.(*http2.DataFrame)
		if !ok {
			continue
		}
		got = append(got, df.Data()...)
		if df.StreamEnded() {
			break
		}
	}
	if string(got) != string(body) {
		t.Fatalf("received body = %q, want %q", got, body)
	}

	enc := hpack.NewEncoder(hpack.DefaultTableSize)
	block, _ := enc.EncodeHeaders([]hpack.HeaderField{{Name: ":status", Value: "204"}})
	peer.fr.WriteHeaders(http2.HeadersFrameParam{StreamID: hf.StreamID, BlockFragment: block, EndHeaders: true, EndStream: true})

	select {
	case err := <-errDone:
		t.Fatalf("Do: %v", err)
	case resp := <-respDone:
		if resp.Status != 204 {
			t.Fatalf("Status = %d, want 204", resp.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Do")
	}
}

func TestHasCapacityReflectsDraining(t *testing.T) {
	cl, peer, peerSide := dialFakeClient(t)
	defer peerSide.Close()

	if !cl.HasCapacity() {
		t.Fatalf("fresh connection should have capacity")
	}

	if err := peer.fr.WriteGoAway(0, http2.ErrCodeNo, nil); err != nil {
		t.Fatalf("writing goaway: %v", err)
	}

	deadline := time.After(time.Second)
	for cl.HasCapacity() {
		select {
		case <-deadline:
			t.Fatalf("HasCapacity never observed GOAWAY")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
