package engine

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResponse is one scripted HTTP/1.1 response a fakeH1Server hands back
// for the Nth accepted connection.
type fakeResponse struct {
	status  int
	headers map[string]string
	body    string
}

// recordedRequest captures what a fakeH1Server actually received, so tests
// can assert on header normalization/stripping and redirect rewrites.
type recordedRequest struct {
	method  string
	path    string
	headers map[string]string
	body    string
}

// fakeH1Server accepts one connection per entry in responses (each
// connection closes after a single request/response, matching the engine's
// always-send-Connection:-close behavior), recording every request it saw.
type fakeH1Server struct {
	t         *testing.T
	ln        net.Listener
	responses []fakeResponse
	requests  []recordedRequest
	served    int32
}

func startFakeH1Server(t *testing.T, responses ...fakeResponse) *fakeH1Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeH1Server{t: t, ln: ln, responses: responses}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeH1Server) addr() (string, int) {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (s *fakeH1Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeH1Server) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	requestLine, err := br.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.Fields(requestLine)
	if len(parts) < 2 {
		return
	}
	rec := recordedRequest{method: parts[0], path: parts[1], headers: map[string]string{}}

	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		rec.headers[name] = value
		if name == "content-length" {
			contentLength, _ = strconv.Atoi(value)
		}
	}
	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(br, buf); err != nil {
			return
		}
		rec.body = string(buf)
	}

	idx := int(atomic.AddInt32(&s.served, 1)) - 1
	s.requests = append(s.requests, rec)

	var resp fakeResponse
	if idx < len(s.responses) {
		resp = s.responses[idx]
	} else {
		resp = s.responses[len(s.responses)-1]
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 " + strconv.Itoa(resp.status) + " " + statusText(resp.status) + "\r\n")
	for k, v := range resp.headers {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("content-length: " + strconv.Itoa(len(resp.body)) + "\r\n")
	b.WriteString("connection: close\r\n\r\n")
	b.WriteString(resp.body)
	conn.Write([]byte(b.String()))
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 307:
		return "Temporary Redirect"
	case 503:
		return "Service Unavailable"
	}
	return "Status"
}

func plainURL(t *testing.T, host string, port int, path string) *url.URL {
	t.Helper()
	u, err := url.Parse("http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path)
	require.NoError(t, err)
	return u
}

func TestDoPlainHTTPGet(t *testing.T) {
	srv := startFakeH1Server(t, fakeResponse{status: 200, body: "hello"})
	host, port := srv.addr()

	c := New()
	req := &Request{Method: "GET", URL: plainURL(t, host, port, "/")}
	resp, err := c.Do(context.Background(), req, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestDoRetriesOn503ThenSucceeds(t *testing.T) {
	srv := startFakeH1Server(t,
		fakeResponse{status: 503, body: "try again"},
		fakeResponse{status: 200, body: "ok now"},
	)
	host, port := srv.addr()

	opts := DefaultOptions()
	opts.Retry = DefaultRetryPolicy(2)
	opts.Retry.BaseDelay = time.Millisecond

	c := New()
	req := &Request{Method: "GET", URL: plainURL(t, host, port, "/")}
	resp, err := c.Do(context.Background(), req, opts)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "ok now", text)
	assert.Len(t, srv.requests, 2)
}

func TestDoRedirectCrossOriginStripsAuthAndCookie(t *testing.T) {
	target := startFakeH1Server(t, fakeResponse{status: 200, body: "final"})
	targetHost, targetPort := target.addr()
	location := (&url.URL{Scheme: "http", Host: net.JoinHostPort(targetHost, strconv.Itoa(targetPort)), Path: "/dest"}).String()

	origin := startFakeH1Server(t, fakeResponse{status: 302, headers: map[string]string{"location": location}})
	originHost, originPort := origin.addr()

	c := New()
	req := &Request{
		Method: "POST",
		URL:    plainURL(t, originHost, originPort, "/start"),
		Headers: []Header{
			{Name: "Authorization", Value: "Bearer secret"},
			{Name: "Cookie", Value: "session=abc"},
		},
		Body: []byte("payload"),
	}
	resp, err := c.Do(context.Background(), req, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	require.Len(t, target.requests, 1)
	final := target.requests[0]
	assert.Equal(t, "GET", final.method)
	_, hasAuth := final.headers["authorization"]
	_, hasCookie := final.headers["cookie"]
	assert.False(t, hasAuth)
	assert.False(t, hasCookie)
	assert.Equal(t, "", final.body)
}

func TestDoRedirectLoopDetected(t *testing.T) {
	srv := startFakeH1Server(t, fakeResponse{status: 0}) // placeholder, overwritten below
	host, port := srv.addr()
	self := (&url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/loop"}).String()
	srv.responses = []fakeResponse{{status: 302, headers: map[string]string{"location": self}}}

	c := New()
	req := &Request{Method: "GET", URL: plainURL(t, host, port, "/loop")}
	_, err := c.Do(context.Background(), req, DefaultOptions())
	require.Error(t, err)
}

func TestDoMaxRedirectsExceeded(t *testing.T) {
	srv := startFakeH1Server(t, fakeResponse{status: 0})
	host, port := srv.addr()

	responses := make([]fakeResponse, 0, 10)
	for i := 0; i < 10; i++ {
		next := (&url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/hop" + strconv.Itoa(i+1)}).String()
		responses = append(responses, fakeResponse{status: 302, headers: map[string]string{"location": next}})
	}
	srv.responses = responses

	c := New()
	opts := DefaultOptions()
	opts.MaxRedirects = 3
	req := &Request{Method: "GET", URL: plainURL(t, host, port, "/hop0")}
	_, err := c.Do(context.Background(), req, opts)
	require.Error(t, err)
}

func TestNormalizeHeadersStripsAndDefaults(t *testing.T) {
	req := &Request{
		Method: "POST",
		Headers: []Header{
			{Name: "CF-Connecting-IP", Value: "1.2.3.4"},
			{Name: "X-Forwarded-For", Value: "1.2.3.4"},
			{Name: "X-Real-IP", Value: "1.2.3.4"},
			{Name: "Host", Value: "evil.example"},
			{Name: "Accept", Value: "text/html"},
		},
		Body: []byte("hello"),
	}
	out, err := normalizeHeaders(req, DefaultOptions())
	require.NoError(t, err)

	for _, h := range out.Headers {
		assert.NotEqual(t, "cf-connecting-ip", h.Name)
		assert.NotEqual(t, "x-forwarded-for", h.Name)
		assert.NotEqual(t, "x-real-ip", h.Name)
		assert.NotEqual(t, "host", h.Name)
	}
	ct, ok := out.header("content-type")
	assert.True(t, ok)
	assert.Equal(t, "text/plain;charset=UTF-8", ct)
	ae, ok := out.header("accept-encoding")
	assert.True(t, ok)
	assert.Equal(t, "gzip, deflate", ae)
}

func TestNormalizeHeadersRejectsInvalidValue(t *testing.T) {
	req := &Request{
		Method:  "GET",
		Headers: []Header{{Name: "X-Custom", Value: "bad\r\nvalue"}},
	}
	_, err := normalizeHeaders(req, DefaultOptions())
	assert.Error(t, err)
}

func TestPrepareBodyCompressesLargeBody(t *testing.T) {
	body := strings.Repeat("a", gzipThreshold+1)
	req := &Request{Method: "POST", Body: []byte(body)}
	opts := DefaultOptions()
	opts.CompressBody = true

	out, err := prepareBody(req, opts)
	require.NoError(t, err)
	enc, ok := out.header("content-encoding")
	assert.True(t, ok)
	assert.Equal(t, "gzip", enc)
	assert.Less(t, len(out.Body), len(body))
}

func TestPrepareBodySkipsSmallBody(t *testing.T) {
	req := &Request{Method: "POST", Body: []byte("short")}
	opts := DefaultOptions()
	opts.CompressBody = true

	out, err := prepareBody(req, opts)
	require.NoError(t, err)
	_, ok := out.header("content-encoding")
	assert.False(t, ok)
	assert.Equal(t, "short", string(out.Body))
}
