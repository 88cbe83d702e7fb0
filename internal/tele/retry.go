package tele

import (
	"math/rand"
	"time"

	"github.com/jpillora/backoff"

	"github.com/cloudtele/cloudtele/helpers"
)

// retryPolicy computes reconnect delays: base * 2^attempt capped at max,
// with ±20% jitter. Pure in attempt number, the manager loop owns the
// counter and resets it on reaching connected.
type retryPolicy struct {
	b       *backoff.Backoff
	rnd     *rand.Rand
	jitter  bool
	ceiling int // attempts before giving up, 0 = unlimited
}

func newRetryPolicy(base, max time.Duration, ceiling int) *retryPolicy {
	return &retryPolicy{
		b: &backoff.Backoff{
			Min:    base,
			Max:    max,
			Factor: 2,
		},
		rnd:     helpers.RandUnix(),
		jitter:  true,
		ceiling: ceiling,
	}
}

// Delay for 1-based attempt number.
func (p *retryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.b.ForAttempt(float64(attempt - 1))
	if p.jitter {
		f := 0.8 + 0.4*p.rnd.Float64()
		d = time.Duration(float64(d) * f)
		if d > p.b.Max {
			d = p.b.Max
		}
	}
	return d
}

func (p *retryPolicy) Exhausted(attempt int) bool {
	return p.ceiling > 0 && attempt > p.ceiling
}
