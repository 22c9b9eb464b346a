package security

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/system"
)

func newTestLimiter(maxAttempts int, cooldown time.Duration) (*RateLimiter, *clock.Mock, *system.Layer, *int) {
	clk := clock.NewMock()
	layer := system.NewLayer(system.LayerConfig{Clock: clk})
	blocked := new(int)
	r := NewRateLimiter(RateLimiterConfig{
		Layer:       layer,
		MaxAttempts: maxAttempts,
		Cooldown:    cooldown,
		OnBlocked:   func() { *blocked++ },
	})
	return r, clk, layer, blocked
}

func TestRateLimiter_BlocksAfterMaxFailures(t *testing.T) {
	r, clk, layer, blocked := newTestLimiter(2, 10*time.Second)

	require.NoError(t, r.Check())
	r.RecordFailure()
	assert.NoError(t, r.Check())
	r.RecordFailure()
	assert.ErrorIs(t, r.Check(), handshake.ErrRateLimitExceeded)
	assert.True(t, r.Blocked())
	assert.Equal(t, 1, *blocked)

	// Failures while blocked do not re-arm the cooldown.
	r.RecordFailure()
	assert.Equal(t, 1, *blocked)

	clk.Add(9 * time.Second)
	layer.ServiceEvents()
	assert.True(t, r.Blocked())

	clk.Add(time.Second)
	layer.ServiceEvents()
	assert.False(t, r.Blocked())
	assert.Equal(t, 0, layer.PendingTasks())

	// The count starts over.
	r.RecordFailure()
	assert.NoError(t, r.Check())
}

func TestRateLimiter_SuccessResetsCount(t *testing.T) {
	r, _, _, blocked := newTestLimiter(2, time.Second)

	r.RecordFailure()
	r.RecordSuccess()
	r.RecordFailure()
	assert.NoError(t, r.Check())
	assert.Equal(t, 0, *blocked)
}

func TestRateLimiter_ExpiresWithoutTimer(t *testing.T) {
	r, clk, _, _ := newTestLimiter(1, time.Second)

	r.RecordFailure()
	require.True(t, r.Blocked())
	clk.Add(time.Second)
	assert.False(t, r.Blocked(), "Check clears a lapsed cooldown before the timer runs")
}

func TestRateLimiter_StopClears(t *testing.T) {
	r, _, layer, _ := newTestLimiter(1, time.Minute)

	r.RecordFailure()
	require.True(t, r.Blocked())
	r.Stop()
	assert.False(t, r.Blocked())
	assert.Equal(t, 0, layer.PendingTasks())
}

func TestRateLimiter_Defaults(t *testing.T) {
	r, _, _, _ := newTestLimiter(0, 0)
	assert.Equal(t, DefaultRateLimitAttempts, r.maxAttempts)
	assert.Equal(t, DefaultRateLimitCooldown, r.cooldown)
}
