package tele

import (
	"context"
	"time"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
)

// healthMonitor drives the keepalive side of the stream: sends a ping
// every interval and grades staleness of the last received frame.
// Misses are evaluated against multiples of the interval:
// 2x silent -> degraded signal, 3x silent -> declare the stream dead.
type healthMonitor struct {
	interval time.Duration
	send     sendFunc
	silence  func() time.Duration
	post     func(ev mgrEvent)
	postDead func(ctx context.Context, ev mgrEvent)
	log      *log2.Log
}

func newHealthMonitor(interval time.Duration, send sendFunc, silence func() time.Duration, post func(mgrEvent), postDead func(context.Context, mgrEvent), log *log2.Log) *healthMonitor {
	return &healthMonitor{
		interval: interval,
		send:     send,
		silence:  silence,
		post:     post,
		postDead: postDead,
		log:      log,
	}
}

// Run ticks until ctx is cancelled. One goroutine per established stream.
func (hm *healthMonitor) Run(ctx context.Context) {
	t := time.NewTicker(hm.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		quiet := hm.silence()
		switch {
		case quiet >= 3*hm.interval:
			hm.log.Infof("stream silent for %v, giving up on it", quiet)
			hm.postDead(ctx, evStreamSilence)
			return
		case quiet >= 2*hm.interval:
			hm.log.Debugf("heartbeat miss, silent for %v", quiet)
			hm.post(evHeartbeatMiss)
		default:
			hm.post(evHeartbeatOK)
		}

		if err := hm.send(ctx, tele_api.NewPingFrame()); err != nil {
			hm.log.Debugf("ping send err=%v", err)
		}
	}
}
