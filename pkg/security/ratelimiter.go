package security

import (
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/security/pase"
	"github.com/mrjerryjohns/openweave-core/pkg/system"
)

// RateLimiter throttles PASE responder attempts. After MaxAttempts
// consecutive authentication failures every attempt is refused until the
// cooldown timer fires.
type RateLimiter struct {
	layer       *system.Layer
	maxAttempts int
	cooldown    time.Duration
	taskID      system.TaskID
	onBlocked   func()
	log         logging.LeveledLogger

	mu       sync.Mutex
	failures int
	blocked  bool
	deadline time.Time
}

var _ pase.Limiter = (*RateLimiter)(nil)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Layer runs the cooldown timer. Required.
	Layer *system.Layer

	// MaxAttempts is the number of failures tolerated.
	// If zero, DefaultRateLimitAttempts is used.
	MaxAttempts int

	// Cooldown is how long attempts are refused.
	// If zero, DefaultRateLimitCooldown is used.
	Cooldown time.Duration

	// OnBlocked is called each time the cooldown is armed. Optional.
	OnBlocked func()

	// LoggerFactory creates the limiter logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	r := &RateLimiter{
		layer:       config.Layer,
		maxAttempts: config.MaxAttempts,
		cooldown:    config.Cooldown,
		taskID:      config.Layer.NewTaskID(),
		onBlocked:   config.OnBlocked,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultRateLimitAttempts
	}
	if r.cooldown <= 0 {
		r.cooldown = DefaultRateLimitCooldown
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("security")
	}
	return r
}

// Check returns ErrRateLimitExceeded while the cooldown is active.
func (r *RateLimiter) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.blocked {
		return nil
	}
	if !r.layer.Now().Before(r.deadline) {
		r.resetLocked()
		return nil
	}
	return handshake.ErrRateLimitExceeded
}

// RecordFailure counts an authentication failure and arms the cooldown
// when the limit is reached.
func (r *RateLimiter) RecordFailure() {
	r.mu.Lock()
	if r.blocked {
		r.mu.Unlock()
		return
	}
	r.failures++
	if r.failures < r.maxAttempts {
		r.mu.Unlock()
		return
	}
	r.blocked = true
	r.deadline = r.layer.Now().Add(r.cooldown)
	r.layer.StartTimerWithID(r.taskID, r.cooldown, r.expire)
	onBlocked := r.onBlocked
	r.mu.Unlock()

	if r.log != nil {
		r.log.Warnf("too many failed PASE attempts, refusing for %v", r.cooldown)
	}
	if onBlocked != nil {
		onBlocked()
	}
}

// RecordSuccess clears the failure count.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.blocked {
		r.failures = 0
	}
}

// Blocked reports whether the cooldown is active.
func (r *RateLimiter) Blocked() bool {
	return r.Check() != nil
}

// Stop cancels the cooldown and clears all state.
func (r *RateLimiter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layer.CancelTimer(r.taskID)
	r.resetLocked()
}

func (r *RateLimiter) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blocked && !r.layer.Now().Before(r.deadline) {
		r.resetLocked()
		if r.log != nil {
			r.log.Debug("PASE rate limit cooldown over")
		}
	}
}

func (r *RateLimiter) resetLocked() {
	r.failures = 0
	r.blocked = false
	r.deadline = time.Time{}
}
