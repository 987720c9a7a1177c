// Package engine is the request dispatcher (T): the entry point that ties
// together header normalization, body preparation, retry-with-backoff,
// redirect following, per-origin connection strategy (pooled H2 or direct
// H1/H2 over TLS), and NAT64 hedged fallback when the sandbox refuses a
// direct connect.
//
// Grounded on the teacher's pkg/client/client.go Client, which was the single
// entry point wrapping transport.Transport; here that role is split across
// the dedicated M1-M5 packages (dnscache, nat64, protomemo, pool) with engine
// left owning only the orchestration logic itself.
package engine

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/sandboxnet/httpengine/pkg/dnscache"
	"github.com/sandboxnet/httpengine/pkg/nat64"
	"github.com/sandboxnet/httpengine/pkg/pool"
	"github.com/sandboxnet/httpengine/pkg/protomemo"
)

// RedirectPolicy selects whether 3xx responses are followed automatically.
type RedirectPolicy int

const (
	RedirectFollow RedirectPolicy = iota
	RedirectManual
)

// ProtocolPreference names a protocol choice for Options.Protocol. The
// dispatcher does not read Options.Protocol: the protocol actually used is
// decided by Strategy, ALPN and the protocol memo alone.
type ProtocolPreference int

const (
	ProtocolAuto ProtocolPreference = iota
	ProtocolH2
	ProtocolHTTP1
)

// Strategy selects the connection strategy: compat consults the protocol
// memo and connection pool and will negotiate H2; fast-h1 always speaks
// HTTP/1.1 and skips memo/pool lookups entirely.
type Strategy int

const (
	StrategyCompat Strategy = iota
	StrategyFastH1
)

// RetryPolicy configures the retry loop. A zero value with Enabled=false
// disables retries entirely.
type RetryPolicy struct {
	Enabled        bool
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AllowedMethods map[string]bool
	RetryStatuses  map[int]bool
}

// DefaultRetryPolicy returns the retry policy used when the caller passes a
// bare attempt count instead of a full RetryPolicy.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		Enabled:     maxAttempts > 0,
		MaxAttempts: maxAttempts,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		AllowedMethods: map[string]bool{
			"GET": true, "HEAD": true, "OPTIONS": true, "PUT": true, "DELETE": true,
		},
		RetryStatuses: map[int]bool{
			408: true, 413: true, 429: true, 500: true, 502: true, 503: true, 504: true,
		},
	}
}

// Options configures one Do call.
type Options struct {
	Timeout        time.Duration
	HeadersTimeout time.Duration
	BodyTimeout    time.Duration

	Redirect     RedirectPolicy
	MaxRedirects int

	Retry RetryPolicy

	Decompress   bool
	CompressBody bool

	Protocol ProtocolPreference
	Strategy Strategy

	// ClientCert, if set, is presented for mutual TLS on every direct and
	// NAT64-fallback connection this call makes.
	ClientCert *tls.Certificate
}

// DefaultOptions returns the engine's baseline configuration.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		HeadersTimeout: 15 * time.Second,
		BodyTimeout:    15 * time.Second,
		Redirect:       RedirectFollow,
		MaxRedirects:   5,
		Retry:          RetryPolicy{},
		Decompress:     true,
		CompressBody:   false,
		Protocol:       ProtocolAuto,
		Strategy:       StrategyCompat,
	}
}

// Logger is the minimal structured-logging contract the engine depends on;
// callers may supply any logger that satisfies it (e.g. a zerolog/zap
// adapter). A Context built by New uses nopLogger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Context is one independent instance of the engine's process-wide shared
// state: connection pool, protocol memo, DNS+CDN cache, and NAT64 prefix
// health. Each is mutated only through its own package's operations, per the
// documented shared-resource model; engine.Context just wires them together.
type Context struct {
	Pool     *pool.Pool
	DNS      *dnscache.Cache
	Memo     *protomemo.Memo
	NAT64    *nat64.Tracker
	Log      Logger
}

// New creates an independent Context with fresh pool/cache/memo/tracker
// state, suitable for tests or callers that want isolation from the process
// default.
func New() *Context {
	return &Context{
		Pool:  pool.New(),
		DNS:   dnscache.New(),
		Memo:  protomemo.New(),
		NAT64: nat64.NewTracker(nat64.DefaultPrefixes),
		Log:   nopLogger{},
	}
}

var (
	defaultOnce sync.Once
	defaultCtx  *Context
)

// Default returns the lazily-initialized process-wide Context, shared by
// every caller that does not construct its own.
func Default() *Context {
	defaultOnce.Do(func() { defaultCtx = New() })
	return defaultCtx
}

// PoolStats reports connection pool occupancy.
func (c *Context) PoolStats() pool.Stats { return c.Pool.Stats() }

// DNSCacheStats reports DNS+CDN cache counters.
func (c *Context) DNSCacheStats() dnscache.Stats { return c.DNS.Stats() }

// NAT64Stats reports per-prefix health.
func (c *Context) NAT64Stats() []nat64.Stats { return c.NAT64.Stats() }

// Do issues req against the given target and returns its response,
// performing retries and redirects per opts. It is a thin wrapper around the
// Context's Default(); most callers should use Context.Do directly when they
// hold one already.
func Do(ctx context.Context, req *Request, opts Options) (*Response, error) {
	return Default().Do(ctx, req, opts)
}
