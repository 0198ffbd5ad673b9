package hub

import "golang.org/x/time/rate"

// Default per-connection limits.
const (
	DefaultMessagesPerSecond = 10
	DefaultBurstSize         = 20
)

// RateLimitConfig bounds how fast one connection may send messages. LIST and
// REGISTER frames are not limited.
type RateLimitConfig struct {
	MessagesPerSecond float64 `json:"messages_per_second" yaml:"messages_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
	Enabled           bool    `json:"enabled" yaml:"enabled"`
}

// newLimiter returns nil when limiting is disabled. Zero values take the
// defaults.
func (c RateLimitConfig) newLimiter() *rate.Limiter {
	if !c.Enabled {
		return nil
	}
	perSecond := c.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = DefaultMessagesPerSecond
	}
	burst := c.BurstSize
	if burst <= 0 {
		burst = DefaultBurstSize
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// allow reports whether p may send one more message now.
func (p *peer) allow() bool {
	return p.limiter == nil || p.limiter.Allow()
}
