package h1

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// Transport is the minimal duplex contract a connected *socket.Socket or
// *tlssession.Session satisfies; h1 only needs context-bound read/write.
type Transport interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
}

// ctxReader adapts a Transport, bound to one context, to io.Reader so it can
// back a bufio.Reader.
type ctxReader struct {
	ctx context.Context
	t   Transport
}

func (r ctxReader) Read(p []byte) (int, error) { return r.t.Read(r.ctx, p) }

// Response is a parsed HTTP/1.1 response with a pull-driven body stream.
type Response struct {
	StatusCode int
	StatusText string
	Version    string
	Headers    map[string]string // merged (comma-joined, set-cookie newline-joined)
	RawHeaders []Header           // every original header in order, duplicates preserved
	Body       io.ReadCloser
}

// closerFunc adapts a plain func() error to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// ReadResponse parses a response off t. method is the request method (needed
// to suppress body reading for HEAD); onBodyDone, if non-nil, is invoked
// exactly once when the body stream reaches a terminal state (success,
// cancel, or error) so the caller can release or destroy the connection.
func ReadResponse(ctx context.Context, t Transport, method string, onBodyDone func(err error)) (*Response, error) {
	br := bufio.NewReaderSize(ctxReader{ctx, t}, 4096)

	statusLine, headerBytes, err := readHeadSection(br)
	if err != nil {
		return nil, httperr.NewProtocolError("reading response head", err)
	}

	// Skip any number of 100-Continue intermediates and resume parsing at
	// the next head section.
	for {
		code, convErr := parseStatusCode(statusLine)
		if convErr != nil || code != 100 {
			break
		}
		statusLine, headerBytes, err = readHeadSection(br)
		if err != nil {
			return nil, httperr.NewProtocolError("reading response head after 100-continue", err)
		}
	}

	version, code, text, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	raw, merged, err := parseHeaders(headerBytes)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode: code,
		StatusText: text,
		Version:    version,
		Headers:    merged,
		RawHeaders: raw,
	}

	resp.Body = newBodyStream(ctx, br, t, resp, method, onBodyDone)
	return resp, nil
}

func parseStatusCode(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, httperr.NewProtocolError("invalid status line", nil)
	}
	return strconv.Atoi(parts[1])
}

func parseStatusLine(line string) (version string, code int, text string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", httperr.NewProtocolError("invalid status line: "+line, nil)
	}
	version = parts[0]
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil || code < 100 || code > 999 {
		return "", 0, "", httperr.NewProtocolError("invalid status code in: "+line, convErr)
	}
	if len(parts) == 3 {
		text = parts[2]
	}
	return version, code, text, nil
}

// readHeadSection reads until the blank line terminating the header block,
// enforcing the 80 KiB header-section cap, and returns the status line
// separately from the raw header bytes.
func readHeadSection(br *bufio.Reader) (statusLine string, headerBytes []byte, err error) {
	total := 0

	line, err := readCRLFLine(br)
	if err != nil {
		return "", nil, err
	}
	total += len(line)
	statusLine = line

	var buf strings.Builder
	for {
		line, err := readCRLFLine(br)
		if err != nil {
			return "", nil, err
		}
		total += len(line)
		if total > MaxHeaderSectionBytes {
			return "", nil, httperr.NewBodyFramingError("header section exceeds 80KiB limit", nil)
		}
		if line == "" {
			break
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return statusLine, []byte(buf.String()), nil
}

// readCRLFLine reads a single line, stripping a trailing CRLF or LF.
func readCRLFLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseHeaders splits raw header-section bytes on CRLF, folds continuation
// lines into the previous header's value, and returns both the raw ordered
// list and a merged map (comma-join, newline-join for set-cookie).
func parseHeaders(raw []byte) ([]Header, map[string]string, error) {
	var list []Header
	merged := make(map[string]string)

	lines := strings.Split(string(raw), "\r\n")
	var lastIdx = -1
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// RFC 7230 §3.2.4 header continuation: fold into the previous value.
			if lastIdx >= 0 {
				list[lastIdx].Value += " " + strings.TrimSpace(line)
			}
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		list = append(list, Header{Name: name, Value: value})
		lastIdx = len(list) - 1
	}

	for _, h := range list {
		key := strings.ToLower(h.Name)
		if existing, ok := merged[key]; ok {
			if key == "set-cookie" {
				merged[key] = existing + "\n" + h.Value
			} else {
				merged[key] = existing + ", " + h.Value
			}
		} else {
			merged[key] = h.Value
		}
	}

	return list, merged, nil
}
