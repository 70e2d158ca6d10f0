package rate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestGuard(decl Declaration) (*Guard, *clock) {
	c := &clock{t: time.Date(2024, 8, 4, 9, 0, 0, 0, time.UTC)}
	g := NewGuard(decl)
	g.now = c.now
	return g, c
}

func TestGuardWithoutLimitsAllows(t *testing.T) {
	g, c := newTestGuard(Provider("ngenic"))
	for i := 0; i < 100; i++ {
		require.True(t, g.ShouldCall(c.now()).Allowed)
	}
}

func TestGuardTokenBucket(t *testing.T) {
	g, c := newTestGuard(Provider("ngenic").MaxRequestsPer(Minute, 2))

	assert.True(t, g.ShouldCall(c.now()).Allowed)
	assert.True(t, g.ShouldCall(c.now()).Allowed)

	decision := g.ShouldCall(c.now())
	assert.False(t, decision.Allowed)
	assert.Equal(t, "budget", decision.Reason)

	c.t = c.t.Add(30 * time.Second)
	assert.True(t, g.ShouldCall(c.now()).Allowed)
}

func TestGuardRetryAfterHeader(t *testing.T) {
	g, c := newTestGuard(Provider("ngenic").ReadHeaders(StandardHeaders()))

	h := http.Header{}
	h.Set("Retry-After", "120")
	g.RecordResponse(http.StatusTooManyRequests, h)

	decision := g.ShouldCall(c.now())
	assert.False(t, decision.Allowed)
	assert.Equal(t, "cooldown", decision.Reason)
	assert.Equal(t, c.now().Add(2*time.Minute), decision.RetryAt)
	assert.Equal(t, decision.RetryAt, g.CooldownUntil())

	c.t = c.t.Add(2*time.Minute + time.Second)
	assert.True(t, g.ShouldCall(c.now()).Allowed)
	assert.True(t, g.CooldownUntil().IsZero())
}

func TestGuardResetEpochHeader(t *testing.T) {
	g, c := newTestGuard(Provider("ngenic").ReadHeaders(StandardHeaders()))

	h := http.Header{}
	h.Set("X-RateLimit-Reset", "1722762060") // 2024-08-04T09:01:00Z
	g.RecordResponse(http.StatusTooManyRequests, h)

	assert.Equal(t, c.now().Add(time.Minute), g.ShouldCall(c.now()).RetryAt)
}

func TestGuardBackoffDoublesAndResets(t *testing.T) {
	g, c := newTestGuard(Provider("ngenic").Backoff(10*time.Second, 25*time.Second))

	g.RecordResponse(http.StatusTooManyRequests, nil)
	assert.Equal(t, c.now().Add(10*time.Second), g.CooldownUntil())

	c.t = c.t.Add(11 * time.Second)
	g.RecordResponse(http.StatusTooManyRequests, nil)
	assert.Equal(t, c.now().Add(20*time.Second), g.CooldownUntil())

	c.t = c.t.Add(21 * time.Second)
	g.RecordResponse(http.StatusTooManyRequests, nil)
	assert.Equal(t, c.now().Add(25*time.Second), g.CooldownUntil())

	c.t = c.t.Add(26 * time.Second)
	g.RecordResponse(http.StatusOK, nil)
	c.t = c.t.Add(time.Second)
	g.RecordResponse(http.StatusTooManyRequests, nil)
	assert.Equal(t, c.now().Add(10*time.Second), g.CooldownUntil())
}

func TestRoundTripperBlocksDuringCooldown(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	guard := NewGuard(Provider("ngenic").ReadHeaders(StandardHeaders()))
	client := &http.Client{Transport: guard.RoundTripper(nil)}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_, err = client.Get(srv.URL)
	var rle RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "ngenic", rle.Provider)
	assert.Equal(t, 1, hits)
}
