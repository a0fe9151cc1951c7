package delivery

import "time"

// Policy bounds the outbound publish calls for a single post.
//
// The attempt budget is persistent: attempts recorded before a crash still
// count after recovery, so a post never receives more than MaxAttempts sends
// of its main content (modulo the documented at-least-once window between a
// successful send and the MarkSent commit).
type Policy struct {
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
	SendTimeout   time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RetryBase <= 0 {
		p.RetryBase = 2 * time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 30 * time.Second
	}
	if p.RetryJitter <= 0 {
		p.RetryJitter = 0.2
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = 30 * time.Second
	}
	return p
}
