// Package h1 implements the HTTP/1.1 codec (L3): request serialization with
// RFC 7230 validation and response parsing into a pull-driven body stream.
package h1

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// MaxHeaderSectionBytes bounds the accumulated status-line+headers size.
const MaxHeaderSectionBytes = 80 * 1024

// MaxChunkSize bounds a single chunked-encoding chunk.
const MaxChunkSize = 16 * 1024 * 1024

// Header is a single ordered (name, value) pair, preserving the caller's
// insertion order and every duplicate.
type Header struct {
	Name  string
	Value string
}

// Request is a fully-resolved HTTP/1.1 request ready for serialization.
type Request struct {
	Method  string
	Path    string // includes query string; defaults to "/"
	Host    string
	Headers []Header
	// Body is the finite request body. Nil means no body. For a streamed
	// (chunked) body, set BodyIsStream.
	Body         io.Reader
	BodyLen      int64 // length of Body in bytes; ignored if BodyIsStream
	BodyIsStream bool
}

func isTokenChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// isToken reports whether s is a valid RFC 7230 "token".
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

// isValidPath rejects whitespace, CR, and LF in a request-target.
func isValidPath(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			return false
		}
	}
	return true
}

// isValidHeaderValue rejects CR, LF, and NUL in a header value.
func isValidHeaderValue(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', 0:
			return false
		}
	}
	return true
}

func hasHeader(headers []Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

func removeHeader(headers []Header, name string) []Header {
	out := headers[:0:0]
	for _, h := range headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}

// Serialize validates and renders req as an HTTP/1.1 request line + headers.
// The body is not part of the returned bytes; the caller writes it after
// them so it can be streamed.
func Serialize(req *Request) ([]byte, error) {
	if !isToken(req.Method) {
		return nil, httperr.NewValidationError(fmt.Sprintf("invalid HTTP method %q", req.Method))
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	if !isValidPath(path) {
		return nil, httperr.NewValidationError("request path contains whitespace or control characters")
	}

	headers := append([]Header(nil), req.Headers...)

	for _, h := range headers {
		if !isToken(h.Name) {
			return nil, httperr.NewValidationError(fmt.Sprintf("invalid header name %q", h.Name))
		}
		if !isValidHeaderValue(h.Value) {
			return nil, httperr.NewValidationError(fmt.Sprintf("invalid header value for %q", h.Name))
		}
	}

	if !hasHeader(headers, "Host") {
		headers = append([]Header{{"Host", req.Host}}, headers...)
	}
	if !hasHeader(headers, "User-Agent") {
		headers = append(headers, Header{"User-Agent", "httpengine/1.0"})
	}
	if !hasHeader(headers, "Connection") {
		headers = append(headers, Header{"Connection", "close"})
	}

	// Body framing: any user-supplied content-length and transfer-encoding
	// are dropped, so the two can never both be sent. Stream bodies then
	// get chunked transfer-encoding; other bodies get content-length.
	headers = removeHeader(headers, "Content-Length")
	headers = removeHeader(headers, "Transfer-Encoding")

	if req.BodyIsStream {
		headers = append(headers, Header{"Transfer-Encoding", "chunked"})
	} else if req.Body != nil {
		headers = append(headers, Header{"Content-Length", strconv.FormatInt(req.BodyLen, 10)})
	}

	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\n")
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	return []byte(b.String()), nil
}
