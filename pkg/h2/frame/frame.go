// Package frame wraps golang.org/x/net/http2's Framer (L4): a 9-byte frame
// header (3-byte length, 1-byte type, 1-byte flags, 4-byte stream id with the
// reserved high bit masked), DATA/HEADERS/PRIORITY/RST_STREAM/SETTINGS/
// PING/GOAWAY/WINDOW_UPDATE/CONTINUATION, and an oversized-payload error
// raised at header-read time rather than after buffering the body.
package frame

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/http2"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// ErrorCode re-exports the wire error codes used in RST_STREAM and GOAWAY.
type ErrorCode = http2.ErrCode

const (
	ErrCodeNo                 = http2.ErrCodeNo
	ErrCodeProtocol           = http2.ErrCodeProtocol
	ErrCodeInternal           = http2.ErrCodeInternal
	ErrCodeFlowControl        = http2.ErrCodeFlowControl
	ErrCodeSettingsTimeout    = http2.ErrCodeSettingsTimeout
	ErrCodeStreamClosed       = http2.ErrCodeStreamClosed
	ErrCodeFrameSize          = http2.ErrCodeFrameSize
	ErrCodeRefusedStream      = http2.ErrCodeRefusedStream
	ErrCodeCancel             = http2.ErrCodeCancel
	ErrCodeCompression        = http2.ErrCodeCompression
	ErrCodeConnect            = http2.ErrCodeConnect
	ErrCodeEnhanceYourCalm    = http2.ErrCodeEnhanceYourCalm
	ErrCodeInadequateSecurity = http2.ErrCodeInadequateSecurity
	ErrCodeHTTP11Required     = http2.ErrCodeHTTP11Required
)

// Defaults: 64 KiB receive-side max frame size and a 4 KiB HPACK table.
const (
	DefaultMaxFrameSize     = 64 * 1024
	DefaultHeaderTableSize  = 4096
	DefaultStreamWindowSize = 2 * 1024 * 1024
	DefaultConnWindowSize   = 4*1024*1024 - 65535
	ConnPreface             = http2.ClientPreface
)

// Framer reads and writes HTTP/2 frames on a single duplex byte stream. It
// is a thin wrapper over http2.Framer; callers drive it with the connection
// engine's dispatch loop (L8).
type Framer struct {
	f             *http2.Framer
	maxLocalFrame uint32
}

// New creates a Framer bound to rw, advertising maxLocalFrameSize as the
// largest frame this side will accept from the peer.
func New(rw io.ReadWriter, maxLocalFrameSize uint32) *Framer {
	f := http2.NewFramer(rw, rw)
	f.SetMaxReadFrameSize(maxLocalFrameSize)
	// HPACK decoding is owned by pkg/h2/hpack rather than the framer's
	// built-in ReadMetaHeaders, so header blocks arrive as raw fragments.
	return &Framer{f: f, maxLocalFrame: maxLocalFrameSize}
}

// ReadFrame reads the next frame. A frame whose advertised length exceeds
// maxLocalFrameSize surfaces as a typed FRAME_SIZE_ERROR before any payload
// is buffered.
func (fr *Framer) ReadFrame() (http2.Frame, error) {
	f, err := fr.f.ReadFrame()
	if err != nil {
		if ce, ok := err.(http2.ConnectionError); errors.Is(err, http2.ErrFrameTooLarge) || (ok && ErrorCode(ce) == ErrCodeFrameSize) {
			return nil, httperr.NewProtocolError("frame size exceeded", err)
		}
		return nil, httperr.NewProtocolError("reading frame", err)
	}
	return f, nil
}

// WritePreface writes the fixed 24-byte client connection preface.
func (fr *Framer) WritePreface(w io.Writer) error {
	_, err := io.WriteString(w, ConnPreface)
	return err
}

// WriteSettings writes a SETTINGS frame.
func (fr *Framer) WriteSettings(settings ...http2.Setting) error {
	if err := fr.f.WriteSettings(settings...); err != nil {
		return httperr.NewProtocolError("writing settings frame", err)
	}
	return nil
}

// WriteSettingsAck writes the zero-length SETTINGS ACK frame.
func (fr *Framer) WriteSettingsAck() error {
	if err := fr.f.WriteSettingsAck(); err != nil {
		return httperr.NewProtocolError("writing settings ack", err)
	}
	return nil
}

// WriteWindowUpdate writes a 4-byte, 31-bit increment WINDOW_UPDATE frame.
func (fr *Framer) WriteWindowUpdate(streamID, increment uint32) error {
	if err := fr.f.WriteWindowUpdate(streamID, increment); err != nil {
		return httperr.NewProtocolError("writing window_update frame", err)
	}
	return nil
}

// WriteData writes a DATA frame, chunked so no single frame exceeds
// maxPeerFrameSize (the peer's advertised MAX_FRAME_SIZE).
func (fr *Framer) WriteData(streamID uint32, endStream bool, data []byte, maxPeerFrameSize uint32) error {
	if maxPeerFrameSize == 0 {
		maxPeerFrameSize = http2.DefaultMaxReadFrameSize
	}
	if len(data) <= int(maxPeerFrameSize) {
		if err := fr.f.WriteData(streamID, endStream, data); err != nil {
			return httperr.NewProtocolError("writing data frame", err)
		}
		return nil
	}
	for len(data) > 0 {
		n := int(maxPeerFrameSize)
		last := false
		if n >= len(data) {
			n = len(data)
			last = true
		}
		if err := fr.f.WriteData(streamID, endStream && last, data[:n]); err != nil {
			return httperr.NewProtocolError("writing data frame chunk", err)
		}
		data = data[n:]
	}
	return nil
}

// WriteHeaders writes a HEADERS frame; the caller (pkg/h2/conn) has already
// split an oversized header block into this call plus subsequent
// WriteContinuation calls.
func (fr *Framer) WriteHeaders(p http2.HeadersFrameParam) error {
	if err := fr.f.WriteHeaders(p); err != nil {
		return httperr.NewProtocolError("writing headers frame", err)
	}
	return nil
}

// WriteContinuation writes a CONTINUATION frame continuing streamID's
// header block.
func (fr *Framer) WriteContinuation(streamID uint32, endHeaders bool, headerBlockFragment []byte) error {
	if err := fr.f.WriteContinuation(streamID, endHeaders, headerBlockFragment); err != nil {
		return httperr.NewProtocolError("writing continuation frame", err)
	}
	return nil
}

// WriteRSTStream writes a 4-byte-payload RST_STREAM frame.
func (fr *Framer) WriteRSTStream(streamID uint32, code ErrorCode) error {
	if err := fr.f.WriteRSTStream(streamID, code); err != nil {
		return httperr.NewProtocolError("writing rst_stream frame", err)
	}
	return nil
}

// WriteGoAway writes a GOAWAY frame (4-byte last-stream-id + 4-byte error
// code + optional debug data).
func (fr *Framer) WriteGoAway(lastStreamID uint32, code ErrorCode, debugData []byte) error {
	if err := fr.f.WriteGoAway(lastStreamID, code, debugData); err != nil {
		return httperr.NewProtocolError("writing goaway frame", err)
	}
	return nil
}

// WritePing writes an 8-byte opaque PING frame; ack flips the ACK flag.
func (fr *Framer) WritePing(ack bool, data [8]byte) error {
	if err := fr.f.WritePing(ack, data); err != nil {
		return httperr.NewProtocolError("writing ping frame", err)
	}
	return nil
}

// WritePriority writes a PRIORITY frame.
func (fr *Framer) WritePriority(streamID uint32, p http2.PriorityParam) error {
	if err := fr.f.WritePriority(streamID, p); err != nil {
		return httperr.NewProtocolError("writing priority frame", err)
	}
	return nil
}

// ValidateShape checks structural constraints the dispatch loop relies on:
// SETTINGS must target stream 0, WINDOW_UPDATE increments must be non-zero,
// and PUSH_PROMISE is refused entirely because push is disabled.
func ValidateShape(f http2.Frame) error {
	switch v := f.(type) {
	case *http2.SettingsFrame:
		if v.StreamID != 0 {
			return httperr.NewProtocolError(fmt.Sprintf("settings frame on non-zero stream %d", v.StreamID), nil)
		}
	case *http2.WindowUpdateFrame:
		if v.Increment == 0 {
			return httperr.NewProtocolError("zero window_update increment", nil)
		}
	case *http2.PushPromiseFrame:
		return httperr.NewProtocolError("push_promise received but push is disabled", nil)
	}
	return nil
}
