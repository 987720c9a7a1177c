// Package dnscache resolves a hostname's A record over DNS-over-HTTPS and
// classifies the result against a fixed CDN IPv4 range table (M1). Lookups
// are deduplicated with golang.org/x/sync/singleflight so concurrent callers
// for the same hostname share one outbound DoH request, and results are
// cached with a clamped TTL.
package dnscache

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// DefaultResolver is the DNS-over-HTTPS endpoint queried for A records.
const DefaultResolver = "cloudflare-dns.com"

// DoHGuard bounds a single outbound DoH query.
const DoHGuard = 3 * time.Second

const (
	minTTL         = 30 * time.Second
	maxTTL         = 5 * time.Minute
	negativeTTL    = 10 * time.Second
	dnsRecordTypeA = 1
)

// CDNRange is an inclusive [start, end] IPv4 range, compared as 32-bit
// integers.
type CDNRange struct {
	start, end uint32
}

// DefaultCDNRanges is a small set of well-known CDN edge IPv4 ranges used to
// classify a resolved address as "the sandbox will refuse a direct connect
// to this". Not exhaustive — it only needs to cover the hosts this engine
// is actually deployed against.
var DefaultCDNRanges = []CDNRange{
	mustRange("104.16.0.0", "104.31.255.255"),   // Cloudflare
	mustRange("172.64.0.0", "172.71.255.255"),   // Cloudflare
	mustRange("151.101.0.0", "151.101.255.255"), // Fastly
	mustRange("23.192.0.0", "23.223.255.255"),   // Akamai
}

func mustRange(startDotted, endDotted string) CDNRange {
	s, err := ipToUint32(startDotted)
	if err != nil {
		panic(err)
	}
	e, err := ipToUint32(endDotted)
	if err != nil {
		panic(err)
	}
	return CDNRange{start: s, end: e}
}

func ipToUint32(dotted string) (uint32, error) {
	ip := net.ParseIP(dotted)
	if ip == nil {
		return 0, httperr.NewValidationError(fmt.Sprintf("invalid IPv4 literal %q", dotted))
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, httperr.NewValidationError(fmt.Sprintf("%q is not IPv4", dotted))
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

// IsCDN reports whether ipv4 falls inside any configured CDN range.
func IsCDN(ipv4 string, ranges []CDNRange) bool {
	n, err := ipToUint32(ipv4)
	if err != nil {
		return false
	}
	for _, r := range ranges {
		if n >= r.start && n <= r.end {
			return true
		}
	}
	return false
}

// Entry is a resolved (or negative) DNS cache record.
type Entry struct {
	IPv4      string // empty on a negative (DoH-failure) entry
	IsCDN     bool
	ExpiresAt time.Time
	LastDoHMs float64
}

// Stats reports DoH-resolution counters for introspection.
type Stats struct {
	Lookups     int64
	DoHFailures int64
	CacheHits   int64
}

type dohAnswer struct {
	Type int    `json:"type"`
	Data string `json:"data"`
	TTL  int    `json:"TTL"`
}

type dohResponse struct {
	Answer []dohAnswer `json:"Answer"`
}

// Cache resolves and caches A-record lookups with single-flight dedup.
type Cache struct {
	resolver string
	ranges   []CDNRange
	client   *http.Client
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]Entry

	lookups     int64
	dohFailures int64
	cacheHits   int64
}

// New creates a Cache against DefaultResolver and DefaultCDNRanges.
func New() *Cache {
	return NewWithOptions(DefaultResolver, DefaultCDNRanges, nil)
}

// NewWithOptions creates a Cache with an explicit resolver hostname, CDN
// range table, and HTTP client (nil uses a client with DoHGuard baked into
// each request's context rather than a shared client timeout).
func NewWithOptions(resolver string, ranges []CDNRange, client *http.Client) *Cache {
	if resolver == "" {
		resolver = DefaultResolver
	}
	if ranges == nil {
		ranges = DefaultCDNRanges
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Cache{
		resolver: resolver,
		ranges:   ranges,
		client:   client,
		entries:  make(map[string]Entry),
	}
}

// Lookup resolves hostname's A record, consulting the cache first. Concurrent
// callers for the same (lowercased) hostname share a single outbound DoH
// query.
func (c *Cache) Lookup(ctx context.Context, hostname string) (Entry, error) {
	key := strings.ToLower(hostname)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.ExpiresAt) {
		c.mu.Unlock()
		atomic.AddInt64(&c.cacheHits, 1)
		return e, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.resolve(ctx, key)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) resolve(ctx context.Context, hostname string) (Entry, error) {
	atomic.AddInt64(&c.lookups, 1)

	guardCtx, cancel := context.WithTimeout(ctx, DoHGuard)
	defer cancel()

	start := time.Now()
	e, err := c.queryDoH(guardCtx, hostname)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		atomic.AddInt64(&c.dohFailures, 1)
		negative := Entry{IPv4: "", IsCDN: false, ExpiresAt: time.Now().Add(negativeTTL), LastDoHMs: elapsed}
		c.store(hostname, negative)
		return negative, nil
	}

	e.LastDoHMs = elapsed
	c.store(hostname, e)
	return e, nil
}

func (c *Cache) store(hostname string, e Entry) {
	c.mu.Lock()
	c.entries[hostname] = e
	c.mu.Unlock()
}

func (c *Cache) queryDoH(ctx context.Context, hostname string) (Entry, error) {
	scheme, host := "https", c.resolver
	if i := strings.Index(host, "://"); i >= 0 {
		scheme, host = host[:i], host[i+3:]
	}
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/dns-query",
	}
	q := u.Query()
	q.Set("name", hostname)
	q.Set("type", "A")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Entry{}, httperr.NewDNSError(hostname, err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Entry{}, httperr.NewDNSError(hostname, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Entry{}, httperr.NewDNSError(hostname, fmt.Errorf("doh resolver returned status %d", resp.StatusCode))
	}

	var parsed dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Entry{}, httperr.NewDNSError(hostname, err)
	}

	for _, a := range parsed.Answer {
		if a.Type != dnsRecordTypeA {
			continue
		}
		ttl := time.Duration(a.TTL) * time.Second
		if ttl < minTTL {
			ttl = minTTL
		} else if ttl > maxTTL {
			ttl = maxTTL
		}
		return Entry{
			IPv4:      a.Data,
			IsCDN:     IsCDN(a.Data, c.ranges),
			ExpiresAt: time.Now().Add(ttl),
		}, nil
	}

	return Entry{}, httperr.NewDNSError(hostname, fmt.Errorf("no A record in DoH answer"))
}

// Stats returns a snapshot of the cache's lifetime counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Lookups:     atomic.LoadInt64(&c.lookups),
		DoHFailures: atomic.LoadInt64(&c.dohFailures),
		CacheHits:   atomic.LoadInt64(&c.cacheHits),
	}
}

// Clear empties the cache, discarding all resolved and negative entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}
