package engine

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// gzipThreshold is the minimum finite body size, in bytes, CompressBody will
// act on.
const gzipThreshold = 1024

// strippedPrefixes are header-name prefixes always removed during
// normalization: the sandbox's own HTTP client injects these, and a
// raw-socket engine must not let a caller impersonate or duplicate them.
var strippedPrefixes = []string{"cf-", "x-forwarded-"}

// strippedExact are single header names always removed during normalization.
var strippedExact = map[string]bool{
	"x-real-ip":         true,
	"true-client-ip":    true,
	"cdn-loop":          true,
	"host":              true,
	"connection":        true,
	"transfer-encoding": true,
	"keep-alive":        true,
	"upgrade":           true,
	"accept-encoding":   true,
	"content-length":    true,
}

// Request is one outbound HTTP request to dispatch.
type Request struct {
	Method string
	URL    *url.URL

	// Headers is insertion-ordered; duplicates are preserved verbatim.
	Headers []Header

	// Body is the finite byte payload, or nil for no body. BodyIsStream
	// marks a restartable-only-once body that the retry/redirect loops must
	// refuse to replay.
	Body         []byte
	BodyStream   io.Reader
	BodyIsStream bool
}

// Header is a single ordered (name, value) pair.
type Header struct {
	Name  string
	Value string
}

func (r *Request) header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func (r *Request) setHeader(name, value string) {
	for i, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

func (r *Request) deleteHeader(name string) {
	out := r.Headers[:0:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	r.Headers = out
}

// normalizeHeaders lowercases names, validates tokens/values, strips
// sandbox-identity and core-owned headers, and fills in content-type /
// accept-encoding defaults. It mutates a copy of req's headers and returns
// the normalized Request; req itself is left untouched.
func normalizeHeaders(req *Request, opts Options) (*Request, error) {
	out := *req
	out.Headers = make([]Header, 0, len(req.Headers))

	for _, h := range req.Headers {
		name := strings.ToLower(strings.TrimSpace(h.Name))
		if !isToken(name) {
			return nil, httperr.NewValidationError(fmt.Sprintf("invalid header name %q", h.Name))
		}
		if !isValidHeaderValue(h.Value) {
			return nil, httperr.NewValidationError(fmt.Sprintf("invalid header value for %q", h.Name))
		}
		if shouldStrip(name) {
			continue
		}
		out.Headers = append(out.Headers, Header{Name: name, Value: h.Value})
	}

	if len(out.Body) > 0 {
		if _, ok := out.header("content-type"); !ok {
			out.setHeader("content-type", "text/plain;charset=UTF-8")
		}
	}
	if opts.Decompress {
		if _, ok := out.header("accept-encoding"); !ok {
			out.setHeader("accept-encoding", "gzip, deflate")
		}
	}

	return &out, nil
}

func shouldStrip(lowerName string) bool {
	if strippedExact[lowerName] {
		return true
	}
	for _, p := range strippedPrefixes {
		if strings.HasPrefix(lowerName, p) {
			return true
		}
	}
	return false
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		case b == '-' || b == '_' || b == '.' || b == '!' || b == '#' || b == '$' ||
			b == '%' || b == '&' || b == '\'' || b == '*' || b == '+' || b == '^' ||
			b == '`' || b == '|' || b == '~':
		default:
			return false
		}
	}
	return true
}

func isValidHeaderValue(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', 0:
			return false
		}
	}
	return true
}

// prepareBody applies gzip compression per the CompressBody option. Only a
// finite (non-stream) body over gzipThreshold bytes, without a pre-existing
// content-encoding, is eligible.
func prepareBody(req *Request, opts Options) (*Request, error) {
	if !opts.CompressBody || req.BodyIsStream || len(req.Body) <= gzipThreshold {
		return req, nil
	}
	if _, ok := req.header("content-encoding"); ok {
		return req, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(req.Body); err != nil {
		return nil, httperr.NewIOError("gzip compress body", err)
	}
	if err := zw.Close(); err != nil {
		return nil, httperr.NewIOError("gzip compress body", err)
	}

	out := *req
	out.Headers = append([]Header(nil), req.Headers...)
	out.Body = buf.Bytes()
	out.setHeader("content-encoding", "gzip")
	return &out, nil
}
