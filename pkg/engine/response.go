package engine

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/sandboxnet/httpengine/pkg/timing"
)

// Trace carries connection-establishment metadata for the attempt that
// produced a Response, mirroring the teacher's transport.ConnectionMetadata
// but trimmed to what this engine actually tracks (no proxy fields: proxying
// is out of scope here).
type Trace struct {
	ConnectedIP        string
	ConnectedPort      int
	NegotiatedProtocol string
	ConnectionReused   bool
	UsedNAT64          bool
	NAT64Prefix        string
	TLSServerName      string
}

// Response is a settled HTTP response with a pull-driven, single-consumption
// body.
type Response struct {
	Status     int
	StatusText string
	Headers    map[string]string
	RawHeaders []Header
	Protocol   string // "h2" or "http1"

	Trace   Trace
	Timings timing.Metrics

	body      io.ReadCloser
	cleanup   func(err error)
	once      sync.Once
	consumed  bool
	consumedM sync.Mutex
}

func newResponse(body io.ReadCloser, cleanup func(err error)) *Response {
	return &Response{body: body, cleanup: cleanup}
}

// runCleanupOnce invokes the attempt's cleanup exactly once, regardless of
// how many times it's triggered (end-of-stream, cancel, error).
func (r *Response) runCleanupOnce(err error) {
	r.once.Do(func() {
		if r.cleanup != nil {
			r.cleanup(err)
		}
	})
}

// Body returns the pull-driven response body stream. Reading it to EOF or
// calling Close runs the attempt's cleanup exactly once.
func (r *Response) Body() io.ReadCloser {
	return cleanupReadCloser{r: r, rc: r.body}
}

type cleanupReadCloser struct {
	r  *Response
	rc io.ReadCloser
}

func (c cleanupReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if err != nil {
		c.r.runCleanupOnce(err)
	}
	return n, err
}

func (c cleanupReadCloser) Close() error {
	err := c.rc.Close()
	c.r.runCleanupOnce(err)
	return err
}

// markConsumed rejects a second Bytes/Text/JSON drain of the body.
func (r *Response) markConsumed() error {
	r.consumedM.Lock()
	defer r.consumedM.Unlock()
	if r.consumed {
		return errAlreadyConsumed
	}
	r.consumed = true
	return nil
}

var errAlreadyConsumed = bodyAlreadyConsumedError{}

type bodyAlreadyConsumedError struct{}

func (bodyAlreadyConsumedError) Error() string { return "response body already consumed" }

// Bytes drains the body and returns its full contents.
func (r *Response) Bytes() ([]byte, error) {
	if err := r.markConsumed(); err != nil {
		return nil, err
	}
	body := r.Body()
	defer body.Close()
	return io.ReadAll(body)
}

// Text drains the body and decodes it as UTF-8 text.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON drains the body and decodes it into v.
func (r *Response) JSON(v interface{}) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// GetSetCookie returns every set-cookie header's original value as its own
// string, never comma-joined.
func (r *Response) GetSetCookie() []string {
	var out []string
	for _, h := range r.RawHeaders {
		if strings.EqualFold(h.Name, "set-cookie") {
			out = append(out, h.Value)
		}
	}
	return out
}
