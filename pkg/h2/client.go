// Package h2 is the request/response facade (L9) over one pkg/h2/conn.Conn:
// it builds the HTTP/2 pseudo-header set, creates a stream, writes any
// request body, and waits for the response headers, tracking the
// connection's remaining capacity for the pool (M5).
//
// Grounded on the teacher's pkg/http2/client.go Client, which owned its own
// transport and stream bookkeeping directly; here that responsibility is
// split out into pkg/h2/conn (L8) and pkg/h2/stream (L7), so the facade's
// job shrinks to request/response translation.
package h2

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/sandboxnet/httpengine/pkg/h2/conn"
	"github.com/sandboxnet/httpengine/pkg/h2/hpack"
	"github.com/sandboxnet/httpengine/pkg/h2/stream"
	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// MaxConcurrentStreams is the client-enforced cap on how many streams this
// facade will have open on one connection before reporting no capacity;
// independent of whatever SETTINGS value the peer advertises.
const MaxConcurrentStreams = 100

// Request is one HTTP/2 request awaiting dispatch on a Client.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   []hpack.HeaderField // regular (non-pseudo) headers, already normalized

	Body         io.Reader
	BodyLen      int64
	BodyIsStream bool
}

// Response is a settled HTTP/2 response with a pull-driven body.
type Response struct {
	Status     int
	Headers    map[string]string
	RawHeaders []hpack.HeaderField
	Body       io.ReadCloser
}

// Client multiplexes requests over a single H2 connection.
type Client struct {
	c *conn.Conn
}

// NewClient wraps an already-established H2 connection.
func NewClient(c *conn.Conn) *Client {
	return &Client{c: c}
}

// HasCapacity reports whether the connection can accept another stream: it
// is not draining and is below MaxConcurrentStreams. Advisory only — a
// racing GOAWAY between this check and stream creation is possible and is
// treated by the pool as a miss rather than an error.
func (cl *Client) HasCapacity() bool {
	return !cl.c.IsDraining() && cl.c.OpenStreamCount() < MaxConcurrentStreams
}

// IsDraining reports whether the underlying connection has received GOAWAY.
func (cl *Client) IsDraining() bool { return cl.c.IsDraining() }

// Done returns a channel that closes when the underlying connection tears
// down, for a pool to run a single eviction listener per entry.
func (cl *Client) Done() <-chan struct{} { return cl.c.Done() }

// Close tears down the underlying connection.
func (cl *Client) Close() error { return cl.c.Close() }

// Do opens a stream for req, writes headers and any request body, waits for
// response headers, and returns a Response whose Body is a pull-driven
// stream the caller must read to completion (or Close).
func (cl *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	fields := buildHeaderFields(req)

	noBody := req.Body == nil && !req.BodyIsStream
	s, err := cl.c.OpenStream(ctx, fields, noBody)
	if err != nil {
		return nil, err
	}

	if !noBody {
		if err := cl.writeBody(ctx, s, req); err != nil {
			return nil, err
		}
	}

	resp, err := s.Wait(ctx)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:     resp.Status,
		Headers:    resp.Headers,
		RawHeaders: resp.RawHeaders,
		Body:       s.Body(ctx),
	}, nil
}

// writeBody pumps req.Body through the connection's send-window-gated
// WriteData in fixed-size chunks, then ends the stream with an explicit empty
// END_STREAM frame, for finite and streamed bodies alike.
func (cl *Client) writeBody(ctx context.Context, s *stream.Stream, req *Request) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := req.Body.Read(buf)
		if n > 0 {
			if err := cl.c.WriteData(ctx, s, buf[:n], false); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return httperr.NewIOError("reading request body", readErr)
		}
	}
	return cl.c.WriteData(ctx, s, nil, true)
}

func buildHeaderFields(req *Request) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, 4+len(req.Headers))
	fields = append(fields,
		hpack.HeaderField{Name: ":method", Value: req.Method},
		hpack.HeaderField{Name: ":scheme", Value: req.Scheme},
		hpack.HeaderField{Name: ":authority", Value: req.Authority},
		hpack.HeaderField{Name: ":path", Value: req.Path},
	)
	for _, h := range req.Headers {
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(h.Name), Value: h.Value})
	}
	if req.Body != nil && !req.BodyIsStream {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(req.BodyLen, 10)})
	}
	return fields
}
