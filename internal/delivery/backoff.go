package delivery

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before the given retry (retry starts at 1
// for the first retry): exponential growth from RetryBase, capped at
// RetryMaxDelay, with relative jitter in [1-j, 1+j].
func backoffDelay(p Policy, retry int) time.Duration {
	d := p.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.RetryMaxDelay {
			d = p.RetryMaxDelay
			break
		}
	}
	if j := p.RetryJitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.RetryMaxDelay {
		d = p.RetryMaxDelay
	}
	return d
}
