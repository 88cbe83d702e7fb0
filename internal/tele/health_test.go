package tele

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
)

type healthEnv struct {
	silence int64 // atomic, nanoseconds
	pings   int64 // atomic
	events  chan mgrEvent
}

func newHealthEnv() *healthEnv {
	return &healthEnv{events: make(chan mgrEvent, 64)}
}

func (env *healthEnv) monitor(t testing.TB, interval time.Duration) *healthMonitor {
	return newHealthMonitor(interval,
		func(ctx context.Context, f *tele_api.Frame) error {
			if f.Action == tele_api.ActionPing {
				atomic.AddInt64(&env.pings, 1)
			}
			return nil
		},
		func() time.Duration { return time.Duration(atomic.LoadInt64(&env.silence)) },
		func(ev mgrEvent) { env.events <- ev },
		func(ctx context.Context, ev mgrEvent) { env.events <- ev },
		log2.NewTest(t, log2.LDebug))
}

func (env *healthEnv) waitEvent(t testing.TB, want mgrEvent) {
	deadline := time.After(testDefaultTimeout)
	for {
		select {
		case ev := <-env.events:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("event %d not posted", want)
		}
	}
}

func TestHealthOK(t *testing.T) {
	t.Parallel()
	env := newHealthEnv()
	hm := env.monitor(t, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hm.Run(ctx)

	env.waitEvent(t, evHeartbeatOK)
	env.waitEvent(t, evHeartbeatOK)
	cancel()
	assert.True(t, atomic.LoadInt64(&env.pings) >= 1)
}

func TestHealthMiss(t *testing.T) {
	t.Parallel()
	env := newHealthEnv()
	interval := 5 * time.Millisecond
	atomic.StoreInt64(&env.silence, int64(2*interval))
	hm := env.monitor(t, interval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hm.Run(ctx)

	env.waitEvent(t, evHeartbeatMiss)
}

func TestHealthSilenceStops(t *testing.T) {
	t.Parallel()
	env := newHealthEnv()
	interval := 5 * time.Millisecond
	atomic.StoreInt64(&env.silence, int64(3*interval))
	hm := env.monitor(t, interval)

	done := make(chan struct{})
	go func() {
		hm.Run(context.Background())
		close(done)
	}()

	env.waitEvent(t, evStreamSilence)
	select {
	case <-done:
	case <-time.After(testDefaultTimeout):
		t.Fatal("monitor did not stop after declaring silence")
	}
}
