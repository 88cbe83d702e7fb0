package tele

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayGrowth(t *testing.T) {
	t.Parallel()
	p := newRetryPolicy(time.Second, time.Minute, 0)
	p.jitter = false

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	// capped
	assert.Equal(t, time.Minute, p.Delay(10))
	assert.Equal(t, time.Minute, p.Delay(100))
}

func TestRetryDelayJitter(t *testing.T) {
	t.Parallel()
	p := newRetryPolicy(time.Second, time.Minute, 0)

	for attempt := 1; attempt <= 6; attempt++ {
		base := time.Duration(1<<uint(attempt-1)) * time.Second
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.True(t, d >= time.Duration(float64(base)*0.8), "attempt=%d d=%v", attempt, d)
			assert.True(t, d <= time.Duration(float64(base)*1.2), "attempt=%d d=%v", attempt, d)
			assert.True(t, d <= time.Minute)
		}
	}
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	unlimited := newRetryPolicy(time.Second, time.Minute, 0)
	assert.False(t, unlimited.Exhausted(1000000))

	limited := newRetryPolicy(time.Second, time.Minute, 5)
	assert.False(t, limited.Exhausted(5))
	assert.True(t, limited.Exhausted(6))
}
