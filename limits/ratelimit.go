package limits

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// BucketConfig describes the token bucket applied to one signaling message
// type: sustained rate in messages per second and burst capacity.
type BucketConfig struct {
	PerSecond float64
	Burst     int
}

// defaultBuckets is the admission policy for known signaling message types.
// Candidate exchange is bursty during gathering; offers and end messages are
// rare and tightly limited.
var defaultBuckets = map[string]BucketConfig{
	"session:offer":     {PerSecond: 0.5, Burst: 3},
	"session:end":       {PerSecond: 1, Burst: 3},
	"ice:candidate":     {PerSecond: 10, Burst: 30},
	"ice:complete":      {PerSecond: 1, Burst: 3},
	"ping":              {PerSecond: 2, Burst: 5},
	"pong":              {PerSecond: 2, Burst: 5},
	"clipboard":         {PerSecond: 5, Burst: 10},
	"keyframe:request":  {PerSecond: 10, Burst: 20},
	"stats:request":     {PerSecond: 2, Burst: 5},
}

// unknownBucket is the generous default applied to message types with no
// explicit entry, so a protocol extension is throttled rather than dropped.
var unknownBucket = BucketConfig{PerSecond: 20, Burst: 50}

// RateLimiter applies per-message-type token bucket admission to inbound
// signaling traffic. It must be consulted before any payload is deserialized;
// rejected messages never reach the session state machine.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	policy   map[string]BucketConfig
}

// NewRateLimiter creates a rate limiter with the default admission policy.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithPolicy(defaultBuckets)
}

// NewRateLimiterWithPolicy creates a rate limiter with a custom policy.
// Message types absent from the policy receive the generous default bucket.
func NewRateLimiterWithPolicy(policy map[string]BucketConfig) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		policy:   policy,
	}
}

// Allow reports whether a message of the given type may be admitted now.
// Tokens are consumed on admission.
func (rl *RateLimiter) Allow(messageType string) bool {
	limiter := rl.limiterFor(messageType)

	allowed := limiter.Allow()
	if !allowed {
		logrus.WithFields(logrus.Fields{
			"function":     "Allow",
			"message_type": messageType,
		}).Warn("Inbound signaling message rejected by rate limiter")
	}
	return allowed
}

// limiterFor returns the token bucket for a message type, creating it on
// first use from the configured policy.
func (rl *RateLimiter) limiterFor(messageType string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[messageType]
	if exists {
		return limiter
	}

	cfg, known := rl.policy[messageType]
	if !known {
		cfg = unknownBucket
	}

	limiter = rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
	rl.limiters[messageType] = limiter
	return limiter
}
