package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxnet/httpengine/pkg/dnscache"
	"github.com/sandboxnet/httpengine/pkg/h1"
	"github.com/sandboxnet/httpengine/pkg/h2"
	h2conn "github.com/sandboxnet/httpengine/pkg/h2/conn"
	"github.com/sandboxnet/httpengine/pkg/h2/hpack"
	"github.com/sandboxnet/httpengine/pkg/httperr"
	"github.com/sandboxnet/httpengine/pkg/nat64"
	"github.com/sandboxnet/httpengine/pkg/protomemo"
	"github.com/sandboxnet/httpengine/pkg/socket"
	"github.com/sandboxnet/httpengine/pkg/tlssession"
)

// alpnNegotiationTimeout bounds the combined TCP connect + TLS handshake
// when both h2 and http/1.1 are offered and no protocol memo entry exists
// yet.
const alpnNegotiationTimeout = 2 * time.Second

// sandboxBlockedSubstrings are the host-network error strings that signal
// the sandbox refused a direct connect, triggering a NAT64 fallback.
var sandboxBlockedSubstrings = []string{
	"cannot connect to the specified address",
	"a network issue was detected",
	"tcp loop detected",
}

// ctxReadWriter binds a ctx-based Transport (socket.Socket or
// tlssession.Session) to a fixed context so it satisfies plain io.ReadWriter,
// the shape pkg/h2/conn.Dial needs.
type ctxReadWriter struct {
	ctx context.Context
	t   h1.Transport
}

func (c ctxReadWriter) Read(p []byte) (int, error)  { return c.t.Read(c.ctx, p) }
func (c ctxReadWriter) Write(p []byte) (int, error) { return c.t.Write(c.ctx, p) }

func targetHostPort(u *url.URL) (host string, port int, err error) {
	host = u.Hostname()
	if host == "" {
		return "", 0, httperr.NewValidationError("request URL has no host")
	}
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "http" {
			return host, 80, nil
		}
		return host, 443, nil
	}
	p, convErr := strconv.Atoi(portStr)
	if convErr != nil {
		return "", 0, httperr.NewValidationError("invalid port in request URL")
	}
	return host, p, nil
}

func requestPath(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

func authority(host string, port int) string {
	if port == 443 {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}

func hostHeaderValue(host string, port int, scheme string) string {
	def := 443
	if scheme == "http" {
		def = 80
	}
	if port == def {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}

func toH1Headers(hs []Header) []h1.Header {
	out := make([]h1.Header, len(hs))
	for i, h := range hs {
		out[i] = h1.Header{Name: h.Name, Value: h.Value}
	}
	return out
}

func fromH1Headers(hs []h1.Header) []Header {
	out := make([]Header, len(hs))
	for i, h := range hs {
		out[i] = Header{Name: h.Name, Value: h.Value}
	}
	return out
}

func toHPACKFields(hs []Header) []hpack.HeaderField {
	out := make([]hpack.HeaderField, len(hs))
	for i, h := range hs {
		out[i] = hpack.HeaderField{Name: h.Name, Value: h.Value}
	}
	return out
}

func fromHPACKFields(fs []hpack.HeaderField) []Header {
	out := make([]Header, len(fs))
	for i, f := range fs {
		out[i] = Header{Name: f.Name, Value: f.Value}
	}
	return out
}

func replayable(req *Request) bool { return !req.BodyIsStream }

func isSandboxBlocked(err error) bool {
	if err == nil {
		return false
	}
	if httperr.GetErrorKind(err) == httperr.KindSandboxBlocked {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range sandboxBlockedSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// attempt performs exactly one connection-strategy dispatch (no retry, no
// redirect) for req against its target URL, per opts.Strategy.
func (c *Context) attempt(ctx context.Context, req *Request, opts Options) (*Response, error) {
	host, port, err := targetHostPort(req.URL)
	if err != nil {
		return nil, err
	}

	if req.URL.Scheme == "http" {
		return c.attemptH1Plain(ctx, req, host, port)
	}
	if req.URL.Scheme != "https" {
		return nil, httperr.NewValidationError(fmt.Sprintf("unsupported URL scheme %q", req.URL.Scheme))
	}

	entry, dnsErr := c.DNS.Lookup(ctx, host)
	isCDN := dnsErr == nil && entry.IsCDN

	if opts.Strategy == StrategyFastH1 {
		if isCDN {
			return c.attemptNAT64(ctx, req, host, port, entry, []string{"http/1.1"}, opts)
		}
		return c.attemptDirectH1(ctx, req, host, port, opts)
	}

	if isCDN {
		return c.attemptNAT64(ctx, req, host, port, entry, []string{"h2", "http/1.1"}, opts)
	}

	resp, attemptErr := c.attemptCompatDirect(ctx, req, host, port, opts)
	if attemptErr == nil {
		return resp, nil
	}
	if isSandboxBlocked(attemptErr) && replayable(req) {
		return c.attemptNAT64(ctx, req, host, port, entry, []string{"h2", "http/1.1"}, opts)
	}
	return nil, attemptErr
}

// attemptH1Plain dispatches over a plaintext TCP connection (no TLS).
func (c *Context) attemptH1Plain(ctx context.Context, req *Request, host string, port int) (*Response, error) {
	sock, err := socket.Dial(ctx, host, port, "")
	if err != nil {
		return nil, err
	}
	trace := Trace{ConnectedIP: host, ConnectedPort: port, NegotiatedProtocol: "http/1.1"}
	return c.doH1(ctx, sock, req, host, port, func() { sock.Close() }, trace)
}

// attemptDirectH1 opens a TLS connection offering only http/1.1.
func (c *Context) attemptDirectH1(ctx context.Context, req *Request, host string, port int, opts Options) (*Response, error) {
	sess, err := dialTLS(ctx, host, port, host, []string{"http/1.1"}, 0, opts.ClientCert)
	if err != nil {
		return nil, err
	}
	return c.doH1(ctx, sess, req, host, port, func() { sess.Close() }, traceFor(sess, host, host, port, false, ""))
}

// attemptCompatDirect consults the protocol memo and connection pool before
// falling back to a fresh ALPN negotiation.
func (c *Context) attemptCompatDirect(ctx context.Context, req *Request, host string, port int, opts Options) (*Response, error) {
	if proto, ok := c.Memo.Get(host, port); ok {
		switch proto {
		case protomemo.H2:
			return c.attemptPooledOrNewH2(ctx, req, host, port, host, opts)
		case protomemo.HTTP1:
			return c.attemptDirectH1(ctx, req, host, port, opts)
		}
	}

	sess, err := dialTLS(ctx, host, port, host, []string{"h2", "http/1.1"}, alpnNegotiationTimeout, opts.ClientCert)
	if err != nil {
		return nil, err
	}

	trace := traceFor(sess, host, host, port, false, "")
	if sess.NegotiatedProtocol() == "h2" {
		c.Memo.Set(host, port, protomemo.H2)
		return c.newH2OverSession(ctx, req, host, port, sess, trace, opts)
	}
	c.Memo.Set(host, port, protomemo.HTTP1)
	return c.doH1(ctx, sess, req, host, port, func() { sess.Close() }, trace)
}

// attemptPooledOrNewH2 reuses a pooled H2 client for host:port if one has
// spare capacity, otherwise opens a fresh H2-only connection. hasCapacity is
// advisory (per Client.HasCapacity's doc comment): a racing GOAWAY between
// Pool.Get and stream creation can still make OpenStream fail on a draining
// client, so that specific failure is treated as a pool miss and retried
// once on a fresh connection rather than surfaced to the caller.
func (c *Context) attemptPooledOrNewH2(ctx context.Context, req *Request, host string, port int, connectHost string, opts Options) (*Response, error) {
	if client, ok := c.Pool.Get(host, port); ok {
		trace := Trace{ConnectedIP: connectHost, ConnectedPort: port, NegotiatedProtocol: "h2", ConnectionReused: true}
		resp, err := c.doH2(ctx, client, req, host, port, trace)
		if err == nil || !client.IsDraining() {
			return resp, err
		}
	}

	sess, err := dialTLS(ctx, host, port, connectHost, []string{"h2"}, 0, opts.ClientCert)
	if err != nil {
		return nil, err
	}
	return c.newH2OverSession(ctx, req, host, port, sess, traceFor(sess, host, connectHost, port, false, ""), opts)
}

// newH2OverSession establishes the H2 connection-layer handshake on top of an
// already-TLS-negotiated session, pools the resulting client, and dispatches
// req over it.
func (c *Context) newH2OverSession(ctx context.Context, req *Request, host string, port int, sess *tlssession.Session, trace Trace, opts Options) (*Response, error) {
	conn, err := h2conn.Dial(ctx, ctxReadWriter{context.Background(), sess}, h2conn.Options{BodyTimeout: opts.BodyTimeout})
	if err != nil {
		sess.Close()
		return nil, err
	}
	client := h2.NewClient(conn)
	c.Pool.Put(host, port, client)
	return c.doH2(ctx, client, req, host, port, trace)
}

// dialTLS opens a raw TCP connection to host:port (dialing connectHost
// instead when set, e.g. a NAT64 literal), then performs a TLS handshake
// with SNI fixed to host regardless of what was actually dialed. timeout, if
// nonzero, bounds the whole operation (used for ALPN negotiation races).
func dialTLS(ctx context.Context, host string, port int, connectHost string, alpn []string, timeout time.Duration, cert *tls.Certificate) (*tlssession.Session, error) {
	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sock, err := socket.Dial(dialCtx, host, port, connectHost)
	if err != nil {
		return nil, err
	}
	sess, err := tlssession.Handshake(dialCtx, sock, tlssession.Options{
		ServerName: host,
		ALPN:       alpn,
		ClientCert: cert,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func traceFor(sess *tlssession.Session, sniHost, connectAddr string, port int, usedNAT64 bool, prefix string) Trace {
	return Trace{
		ConnectedIP:        connectAddr,
		ConnectedPort:      port,
		NegotiatedProtocol: sess.NegotiatedProtocol(),
		UsedNAT64:          usedNAT64,
		NAT64Prefix:        prefix,
		TLSServerName:      sniHost,
	}
}

// attemptNAT64 ranks NAT64 prefixes by health, synthesizes a connect-hostname
// per candidate, and dispatches either serially or hedged per the method's
// idempotency and the body's replayability.
func (c *Context) attemptNAT64(ctx context.Context, req *Request, host string, port int, entry dnscache.Entry, alpn []string, opts Options) (*Response, error) {
	if entry.IPv4 == "" {
		return nil, httperr.NewNAT64ExhaustionError(host, port, fmt.Errorf("no resolved IPv4 address to synthesize a NAT64 candidate from"))
	}

	candidates := c.NAT64.Ranked(nat64.TopK)
	if len(candidates) == 0 {
		return nil, httperr.NewNAT64ExhaustionError(host, port, fmt.Errorf("no NAT64 prefixes configured"))
	}

	idempotent := isIdempotent(req.Method)
	canHedge := idempotent && !req.BodyIsStream && len(candidates) >= 2

	if canHedge {
		return c.hedgedNAT64(ctx, req, host, port, entry.IPv4, candidates, alpn, opts)
	}
	return c.serialNAT64(ctx, req, host, port, entry.IPv4, candidates, alpn, opts)
}

func isIdempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE":
		return true
	}
	return false
}

func (c *Context) serialNAT64(ctx context.Context, req *Request, host string, port int, ipv4 string, prefixes []string, alpn []string, opts Options) (*Response, error) {
	var lastErr error
	for _, prefix := range prefixes {
		resp, err := c.tryNAT64Candidate(ctx, req, host, port, ipv4, prefix, alpn, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, httperr.NewNAT64ExhaustionError(host, port, lastErr)
}

// hedgedNAT64 starts the top-ranked candidate, and after HedgeDelay starts
// the second candidate in parallel; the first to succeed wins and the other
// is cancelled. If the first candidate fails before the hedge delay elapses,
// the second is started immediately rather than waiting out the rest of the
// delay. Any remaining candidates are tried serially if both fail.
func (c *Context) hedgedNAT64(ctx context.Context, req *Request, host string, port int, ipv4 string, prefixes []string, alpn []string, opts Options) (*Response, error) {
	hedgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}
	results := make(chan result, 2)

	launch := func(idx int) {
		go func() {
			resp, err := c.tryNAT64Candidate(hedgeCtx, req, host, port, ipv4, prefixes[idx], alpn, opts)
			results <- result{resp, err}
		}()
	}
	launch(0)

	timer := time.NewTimer(nat64.HedgeDelay)
	defer timer.Stop()

	var lastErr error
	secondLaunched := false
	pending := 1

	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				cancel()
				return r.resp, nil
			}
			lastErr = r.err
			if !secondLaunched {
				secondLaunched = true
				pending++
				if !timer.Stop() {
					<-timer.C
				}
				launch(1)
			}
		case <-timer.C:
			if !secondLaunched {
				secondLaunched = true
				pending++
				launch(1)
			}
		case <-ctx.Done():
			return nil, httperr.NewCancelledError("nat64 hedge")
		}
	}

	if len(prefixes) > 2 {
		resp, err := c.serialNAT64(ctx, req, host, port, ipv4, prefixes[2:], alpn, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, httperr.NewNAT64ExhaustionError(host, port, lastErr)
}

// tryNAT64Candidate synthesizes the connect-hostname for prefix, connects
// under a per-prefix guard, and records the outcome with the health tracker
// before dispatching the request over whatever protocol was negotiated.
func (c *Context) tryNAT64Candidate(ctx context.Context, req *Request, host string, port int, ipv4, prefix string, alpn []string, opts Options) (*Response, error) {
	literal, err := nat64.Synthesize(ipv4, prefix)
	if err != nil {
		return nil, err
	}
	dialAddr := strings.Trim(literal, "[]")

	guardCtx, cancel := context.WithTimeout(ctx, nat64.ConnectGuard)
	defer cancel()

	start := time.Now()
	sess, err := dialTLS(guardCtx, host, port, dialAddr, alpn, 0, opts.ClientCert)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		c.NAT64.Record(prefix, false, elapsed)
		return nil, err
	}
	c.NAT64.Record(prefix, true, elapsed)

	trace := traceFor(sess, host, literal, port, true, prefix)
	if sess.NegotiatedProtocol() == "h2" {
		return c.newH2OverSession(ctx, req, host, port, sess, trace, opts)
	}
	return c.doH1(ctx, sess, req, host, port, func() { sess.Close() }, trace)
}

// doH1 serializes req, writes it (and any body) over t, and reads the
// response, wiring cleanup to destroy the connection exactly once the body
// reaches a terminal state.
func (c *Context) doH1(ctx context.Context, t h1.Transport, req *Request, host string, port int, closeConn func(), trace Trace) (*Response, error) {
	hreq := &h1.Request{
		Method:       req.Method,
		Path:         requestPath(req.URL),
		Host:         hostHeaderValue(host, port, req.URL.Scheme),
		Headers:      toH1Headers(req.Headers),
		BodyLen:      int64(len(req.Body)),
		BodyIsStream: req.BodyIsStream,
	}
	if req.BodyIsStream {
		hreq.Body = req.BodyStream
	} else if len(req.Body) > 0 {
		hreq.Body = bytes.NewReader(req.Body)
	}

	raw, err := h1.Serialize(hreq)
	if err != nil {
		closeConn()
		return nil, err
	}
	if _, err := t.Write(ctx, raw); err != nil {
		closeConn()
		return nil, err
	}
	if err := writeH1Body(ctx, t, hreq); err != nil {
		closeConn()
		return nil, err
	}

	resp, err := h1.ReadResponse(ctx, t, req.Method, func(error) { closeConn() })
	if err != nil {
		closeConn()
		return nil, err
	}

	out := newResponse(resp.Body, func(error) {})
	out.Status = resp.StatusCode
	out.StatusText = resp.StatusText
	out.Headers = resp.Headers
	out.RawHeaders = fromH1Headers(resp.RawHeaders)
	out.Protocol = "http1"
	out.Trace = trace
	return out, nil
}

func writeH1Body(ctx context.Context, t h1.Transport, req *h1.Request) error {
	if req.Body == nil {
		return nil
	}
	if req.BodyIsStream {
		return writeChunkedBody(ctx, t, req.Body)
	}
	return writeFiniteBody(ctx, t, req.Body)
}

func writeFiniteBody(ctx context.Context, t h1.Transport, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := t.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return httperr.NewIOError("reading request body", err)
		}
	}
}

func writeChunkedBody(ctx context.Context, t h1.Transport, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			sizeLine := strconv.FormatInt(int64(n), 16) + "\r\n"
			if _, werr := t.Write(ctx, []byte(sizeLine)); werr != nil {
				return werr
			}
			if _, werr := t.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
			if _, werr := t.Write(ctx, []byte("\r\n")); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				_, werr := t.Write(ctx, []byte("0\r\n\r\n"))
				return werr
			}
			return httperr.NewIOError("reading request body", err)
		}
	}
}

// doH2 dispatches req over an already-established H2 client (pooled or
// freshly opened). The client's own lifecycle is owned by the pool; no
// additional cleanup is needed here beyond the response body stream itself.
func (c *Context) doH2(ctx context.Context, client *h2.Client, req *Request, host string, port int, trace Trace) (*Response, error) {
	h2req := &h2.Request{
		Method:    req.Method,
		Scheme:    "https",
		Authority: authority(host, port),
		Path:      requestPath(req.URL),
		Headers:   toHPACKFields(req.Headers),
	}
	if req.BodyIsStream {
		h2req.Body = req.BodyStream
		h2req.BodyIsStream = true
	} else if len(req.Body) > 0 {
		h2req.Body = bytes.NewReader(req.Body)
		h2req.BodyLen = int64(len(req.Body))
	}

	resp, err := client.Do(ctx, h2req)
	if err != nil {
		return nil, err
	}

	out := newResponse(resp.Body, func(error) {})
	out.Status = resp.Status
	out.Headers = resp.Headers
	out.RawHeaders = fromHPACKFields(resp.RawHeaders)
	out.Protocol = "h2"
	out.Trace = trace
	return out, nil
}
