package h1

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// bodyMode selects how Close-vs-EOF is decided for the wrapped stream.
type bodyMode int

const (
	modeNone bodyMode = iota
	modeContentLength
	modeChunked
	modeClose
)

// bodyStream is the pull-driven body reader: each Read drains already-
// buffered bytes or pulls more from the transport, and reaching the
// mode-specific terminal condition fires onDone exactly once.
type bodyStream struct {
	br *bufio.Reader

	mode      bodyMode
	remaining int64 // content-length mode

	chunkState chunkDecoderState
	chunkLeft  int64 // bytes left in current chunk

	onDone func(error)
	done   bool
}

type chunkDecoderState int

const (
	chunkReadSize chunkDecoderState = iota
	chunkReadData
	chunkReadCRLF
	chunkDone_
)

func hasNoBody(method string, statusCode int) bool {
	if method == "HEAD" {
		return true
	}
	if statusCode >= 100 && statusCode < 200 {
		return true
	}
	return statusCode == 204 || statusCode == 304
}

// ctx and t are accepted for signature symmetry with ReadResponse and future
// streaming needs; the current decoders only need br, which already wraps
// both.
func newBodyStream(ctx context.Context, br *bufio.Reader, t Transport, resp *Response, method string, onDone func(error)) io.ReadCloser {
	if hasNoBody(method, resp.StatusCode) && br.Buffered() == 0 {
		if onDone != nil {
			onDone(nil)
		}
		return struct {
			io.Reader
			closerFunc
		}{strings.NewReader(""), closerFunc(func() error { return nil })}
	}

	te := strings.ToLower(resp.Headers["transfer-encoding"])
	cl := resp.Headers["content-length"]

	bs := &bodyStream{br: br, onDone: onDone}

	switch {
	case strings.Contains(te, "chunked"):
		bs.mode = modeChunked
		bs.chunkState = chunkReadSize
	case cl != "":
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			finish(bs, httperr.NewBodyFramingError("invalid content-length", err))
			return bs
		}
		bs.mode = modeContentLength
		bs.remaining = n
		if n == 0 {
			finish(bs, nil)
		}
	default:
		bs.mode = modeClose
	}

	return bs
}

func finish(bs *bodyStream, err error) {
	if bs.done {
		return
	}
	bs.done = true
	if bs.onDone != nil {
		bs.onDone(err)
	}
}

func (bs *bodyStream) Read(p []byte) (int, error) {
	if bs.done {
		return 0, io.EOF
	}
	switch bs.mode {
	case modeNone:
		finish(bs, nil)
		return 0, io.EOF
	case modeContentLength:
		return bs.readContentLength(p)
	case modeChunked:
		return bs.readChunked(p)
	case modeClose:
		return bs.readClose(p)
	default:
		return 0, io.EOF
	}
}

func (bs *bodyStream) readContentLength(p []byte) (int, error) {
	if bs.remaining <= 0 {
		finish(bs, nil)
		return 0, io.EOF
	}
	if int64(len(p)) > bs.remaining {
		p = p[:bs.remaining]
	}
	n, err := bs.br.Read(p)
	bs.remaining -= int64(n)
	if err != nil && err != io.EOF {
		finish(bs, httperr.NewBodyFramingError("reading content-length body", err))
		return n, err
	}
	if err == io.EOF && bs.remaining > 0 {
		// Peer closed before delivering the declared length.
		e := httperr.NewBodyFramingError("unexpected EOF before content-length satisfied", io.ErrUnexpectedEOF)
		finish(bs, e)
		return n, e
	}
	if bs.remaining == 0 {
		finish(bs, nil)
		if n == 0 {
			return 0, io.EOF
		}
	}
	return n, nil
}

func (bs *bodyStream) readClose(p []byte) (int, error) {
	n, err := bs.br.Read(p)
	if err == io.EOF {
		finish(bs, nil)
		return n, io.EOF
	}
	if err != nil {
		finish(bs, httperr.NewBodyFramingError("reading close-delimited body", err))
		return n, err
	}
	return n, nil
}

// readChunked implements the {read-size, read-data, read-crlf, done} state
// machine: size-line extensions after ';' are ignored, hex parsing is
// case-insensitive, a zero-size chunk terminates, and a missing trailing
// CRLF is a decoder error.
func (bs *bodyStream) readChunked(p []byte) (int, error) {
	for {
		switch bs.chunkState {
		case chunkReadSize:
			line, err := readCRLFLine(bs.br)
			if err != nil {
				e := httperr.NewBodyFramingError("reading chunk size", err)
				finish(bs, e)
				return 0, e
			}
			sizeStr := line
			if idx := strings.IndexByte(line, ';'); idx >= 0 {
				sizeStr = line[:idx]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if err != nil {
				e := httperr.NewBodyFramingError("invalid chunk size", err)
				finish(bs, e)
				return 0, e
			}
			if size > MaxChunkSize {
				e := httperr.NewBodyFramingError("chunk size exceeds 16MiB limit", nil)
				finish(bs, e)
				return 0, e
			}
			if size == 0 {
				// Trailers: read until blank line.
				for {
					tline, err := readCRLFLine(bs.br)
					if err != nil {
						e := httperr.NewBodyFramingError("reading chunk trailer", err)
						finish(bs, e)
						return 0, e
					}
					if tline == "" {
						break
					}
				}
				bs.chunkState = chunkDone_
				finish(bs, nil)
				return 0, io.EOF
			}
			bs.chunkLeft = size
			bs.chunkState = chunkReadData
		case chunkReadData:
			if bs.chunkLeft == 0 {
				bs.chunkState = chunkReadCRLF
				continue
			}
			max := int64(len(p))
			if max > bs.chunkLeft {
				max = bs.chunkLeft
			}
			n, err := bs.br.Read(p[:max])
			bs.chunkLeft -= int64(n)
			if err != nil {
				e := httperr.NewBodyFramingError("reading chunk data", err)
				finish(bs, e)
				return n, e
			}
			if n > 0 {
				return n, nil
			}
		case chunkReadCRLF:
			crlf := make([]byte, 2)
			if _, err := io.ReadFull(bs.br, crlf); err != nil || crlf[0] != '\r' || crlf[1] != '\n' {
				e := httperr.NewBodyFramingError("missing chunk trailing CRLF", nil)
				finish(bs, e)
				return 0, e
			}
			bs.chunkState = chunkReadSize
		case chunkDone_:
			return 0, io.EOF
		}
	}
}

func (bs *bodyStream) Close() error {
	if !bs.done {
		finish(bs, httperr.NewCancelledError("body_stream_close"))
	}
	return nil
}
