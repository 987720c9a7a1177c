// Package nat64 synthesizes NAT64 connect-hostnames for IPv4 targets (M2)
// and ranks the fixed prefix list by observed health (M3): an EWMA of
// round-trip time plus a failure-ratio penalty, so the dispatcher's hedged
// retry (pkg/engine) tries the prefixes most likely to work first.
package nat64

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// DefaultPrefixes is the fixed ordered list of public NAT64 gateways tried
// when no per-host preference exists. Each entry ends in "::" (short
// prefix) or ":" (full prefix).
var DefaultPrefixes = []string{
	"2602:fc59:b0:64::",
	"2a01:4f9:c010:3f02::",
	"2a00:1098:2c:1::",
	"2a00:1098:2b:0:0:1:",
}

// HedgeDelay is how long the dispatcher waits before starting the second
// hedged candidate.
const HedgeDelay = 200 * time.Millisecond

// ConnectGuard bounds a single NAT64 candidate's connection attempt.
const ConnectGuard = 1 * time.Second

// TopK is the default number of ranked candidates the dispatcher hedges
// across.
const TopK = 3

// failurePenalty is added per unit of failure ratio when scoring a prefix:
// EWMA round-trip plus 250ms x failure-ratio.
const failurePenalty = 250 * time.Millisecond

// ewmaAlpha weights the most recent sample; 0.2 matches a slow-moving
// average that tolerates one-off slow attempts without overreacting.
const ewmaAlpha = 0.2

// Synthesize encodes ipv4 into prefix, producing a bracketed IPv6 literal
// whose last 32 bits are the IPv4 octets in zero-padded hex.
func Synthesize(ipv4 string, prefix string) (string, error) {
	ip := net.ParseIP(ipv4)
	if ip == nil {
		return "", httperr.NewValidationError(fmt.Sprintf("invalid IPv4 address %q", ipv4))
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", httperr.NewValidationError(fmt.Sprintf("%q is not an IPv4 address", ipv4))
	}
	suffix := fmt.Sprintf("%02x%02x:%02x%02x", v4[0], v4[1], v4[2], v4[3])
	return "[" + prefix + suffix + "]", nil
}

// Health tracks a single prefix's EWMA round-trip time and failure ratio.
type Health struct {
	mu       sync.Mutex
	ewmaMs   float64
	attempts int
	failures int
	primed   bool
}

// Record updates the health tracker with the outcome of one connect
// attempt: ok reports success, ms is the attempt's wall-clock duration.
func (h *Health) Record(ok bool, ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	if !ok {
		h.failures++
		return
	}
	if !h.primed {
		h.ewmaMs = ms
		h.primed = true
		return
	}
	h.ewmaMs = ewmaAlpha*ms + (1-ewmaAlpha)*h.ewmaMs
}

// Score returns the ranking value for this prefix: lower is better. An
// unexercised prefix scores 0 so it sorts ahead of any prefix with recorded
// failures, matching the "try untested gateways before penalized ones"
// intent of trying untested gateways before penalized ones.
func (h *Health) Score() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attempts == 0 {
		return 0
	}
	failureRatio := float64(h.failures) / float64(h.attempts)
	return time.Duration(h.ewmaMs*float64(time.Millisecond)) + time.Duration(failureRatio*float64(failurePenalty))
}

// Stats is a snapshot of one prefix's tracked health, for introspection
// (engine.Context.NAT64Stats()).
type Stats struct {
	Prefix   string
	Attempts int
	Failures int
	EWMAMs   float64
}

// Tracker owns per-prefix Health state for a fixed prefix list.
type Tracker struct {
	mu       sync.Mutex
	prefixes []string
	health   map[string]*Health
}

// NewTracker creates a Tracker over prefixes, or DefaultPrefixes if nil.
func NewTracker(prefixes []string) *Tracker {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	t := &Tracker{prefixes: prefixes, health: make(map[string]*Health, len(prefixes))}
	for _, p := range prefixes {
		t.health[p] = &Health{}
	}
	return t
}

// Record feeds one candidate outcome into the tracker.
func (t *Tracker) Record(prefix string, ok bool, ms float64) {
	t.mu.Lock()
	h, exists := t.health[prefix]
	if !exists {
		h = &Health{}
		t.health[prefix] = h
	}
	t.mu.Unlock()
	h.Record(ok, ms)
}

// Ranked returns up to topK prefixes ordered by ascending score (best
// first), re-ranking the fixed prefix list by currently observed health.
func (t *Tracker) Ranked(topK int) []string {
	if topK <= 0 {
		topK = TopK
	}
	t.mu.Lock()
	type scored struct {
		prefix string
		score  time.Duration
	}
	all := make([]scored, 0, len(t.prefixes))
	for _, p := range t.prefixes {
		all = append(all, scored{prefix: p, score: t.health[p].Score()})
	}
	t.mu.Unlock()

	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score < all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if topK > len(all) {
		topK = len(all)
	}
	out := make([]string, topK)
	for i := 0; i < topK; i++ {
		out[i] = all[i].prefix
	}
	return out
}

// Stats snapshots every tracked prefix's health.
func (t *Tracker) Stats() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Stats, 0, len(t.prefixes))
	for _, p := range t.prefixes {
		h := t.health[p]
		h.mu.Lock()
		out = append(out, Stats{Prefix: p, Attempts: h.attempts, Failures: h.failures, EWMAMs: h.ewmaMs})
		h.mu.Unlock()
	}
	return out
}

// Clear resets every prefix's tracked health.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.prefixes {
		t.health[p] = &Health{}
	}
}
