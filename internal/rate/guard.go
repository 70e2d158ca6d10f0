package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is returned when calls are blocked.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	capacity int
	tokens   float64
	last     time.Time
}

// State tracks observed limits.
type State struct {
	buckets    map[Window]*bucket
	cooldown   time.Time
	strikes    int
	lastStatus int
}

// Guard enforces rate limits for a provider.
type Guard struct {
	decl Declaration
	now  func() time.Time
	mu   sync.Mutex
	// state is mutated under mu
	state State
}

func NewGuard(decl Declaration) *Guard {
	g := &Guard{
		decl:  decl,
		now:   time.Now,
		state: State{buckets: make(map[Window]*bucket)},
	}
	for window, limit := range decl.Limits() {
		g.state.buckets[window] = &bucket{
			capacity: limit,
			tokens:   float64(limit),
		}
	}
	return g
}

// RoundTripper wraps base with the guard. A nil base uses http.DefaultTransport.
func (g *Guard) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{base: base, guard: g}
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall(rt.guard.now())
	if !decision.Allowed {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, RateLimitError{
			Provider: rt.guard.decl.ProviderName(),
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

func (g *Guard) ShouldCall(now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.state.cooldown.IsZero() && now.Before(g.state.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.state.cooldown}
	}

	for window, b := range g.state.buckets {
		if !consumeToken(b, window.Duration(), now) {
			retryAt := b.last.Add(window.Duration() / time.Duration(b.capacity))
			return Decision{Allowed: false, Reason: "budget", RetryAt: retryAt}
		}
		remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(b.tokens)
	}

	return Decision{Allowed: true}
}

// RecordResponse updates the cooldown from a response. A 429 starts or extends
// the cooldown; any non-error status clears the strike count.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	provider := g.decl.ProviderName()
	g.state.lastStatus = status
	lastStatusGauge.WithLabelValues(provider).Set(float64(status))

	now := g.now()
	wait := parseWait(headers, g.decl.Headers(), now)

	if status == http.StatusTooManyRequests {
		g.state.strikes++
		if backoff := g.backoffLocked(); backoff > wait {
			wait = backoff
		}
	} else if status < http.StatusBadRequest {
		g.state.strikes = 0
	}

	if wait > 0 {
		until := now.Add(wait)
		if until.After(g.state.cooldown) {
			g.state.cooldown = until
		}
		retryAfterGauge.WithLabelValues(provider).Set(wait.Seconds())
	}
}

// CooldownUntil reports the end of the current cooldown, zero if none.
func (g *Guard) CooldownUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.now().After(g.state.cooldown) {
		return time.Time{}
	}
	return g.state.cooldown
}

func (g *Guard) backoffLocked() time.Duration {
	base := g.decl.backoff
	if base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < g.state.strikes; i++ {
		wait *= 2
		if g.decl.backoffMax > 0 && wait >= g.decl.backoffMax {
			return g.decl.backoffMax
		}
	}
	if g.decl.backoffMax > 0 && wait > g.decl.backoffMax {
		return g.decl.backoffMax
	}
	return wait
}

// parseWait reads a wait from the configured headers. Retry-After may be
// seconds or an HTTP date; the reset header may be seconds or an epoch.
func parseWait(h http.Header, cfg Headers, now time.Time) time.Duration {
	if v := headerValue(h, cfg.RetryAfter); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if v := headerValue(h, cfg.Reset); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return 0
		}
		if n > 1_000_000_000 {
			at := time.Unix(n, 0)
			if at.After(now) {
				return at.Sub(now)
			}
			return 0
		}
		return time.Duration(n) * time.Second
	}
	return 0
}

func headerValue(h http.Header, key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSpace(h.Get(key))
}

func consumeToken(b *bucket, window time.Duration, now time.Time) bool {
	if b.last.IsZero() {
		b.last = now
	}
	elapsed := now.Sub(b.last).Seconds()
	refillRate := float64(b.capacity) / window.Seconds()
	b.tokens = minFloat(float64(b.capacity), b.tokens+elapsed*refillRate)
	b.last = now
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
