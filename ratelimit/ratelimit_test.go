package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = clk.now
	return l, clk
}

func TestAllowPerKeyWindow(t *testing.T) {
	l, clk := newTestLimiter(DefaultConfig())
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("ua-1"), "request %d", i)
	}
	assert.False(t, l.Allow("ua-1"))
	assert.True(t, l.Allow("ua-2"), "keys are independent")

	clk.advance(time.Minute)
	assert.False(t, l.Allow("ua-1"), "a hit exactly one window old still counts")
	clk.advance(time.Millisecond)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("ua-1"))
	}
	assert.False(t, l.Allow("ua-1"))
}

func TestWindowDoesNotRefillEarly(t *testing.T) {
	l, clk := newTestLimiter(DefaultConfig())
	admitted := 0
	for i := 0; i < 10; i++ {
		if l.Allow("ua") {
			admitted++
		}
	}
	clk.advance(30 * time.Second)
	for i := 0; i < 10; i++ {
		if l.Allow("ua") {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)
}

func TestWindowSlides(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: 10 * time.Second, MaxRequests: 2})
	assert.True(t, l.Allow("k"))
	clk.advance(6 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	// The first hit leaves the window; the second is still inside it.
	clk.advance(5 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestDisabled(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 0})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.Equal(t, 0, l.Len())
}

func TestSetConfigAppliesToExistingKeys(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Minute, MaxRequests: 2})
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	l.SetConfig(Config{MaxRequests: 0})
	assert.True(t, l.Allow("k"))
	assert.Equal(t, 0, l.Len())

	l.SetConfig(Config{Window: time.Minute, MaxRequests: 1})
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	assert.Equal(t, 1, l.Config().MaxRequests)
}

func TestIdleKeysArePruned(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: time.Second, MaxRequests: 1000})
	l.Allow("old")
	clk.advance(time.Hour)
	for i := 0; i < pruneEvery; i++ {
		l.Allow("new")
	}
	assert.Equal(t, 1, l.Len())
}

func TestKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1", nil)
	assert.Equal(t, "unknown", KeyFromRequest(r))
	r.Header.Set("User-Agent", "YouTube/19.0")
	assert.Equal(t, "YouTube/19.0", KeyFromRequest(r))
}
