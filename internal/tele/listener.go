package tele

import (
	"sync"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
)

// registry is the external subscription surface: per-device listeners plus
// wildcard. Dispatch is called from the single inbound pump, so listeners
// of one device observe events in network arrival order.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   []regEntry
	log    *log2.Log
}

type regEntry struct {
	id       uint64
	deviceID string // tele_api.Wildcard matches all
	fn       tele_api.EventFunc
}

func newRegistry(log *log2.Log) *registry {
	return &registry{log: log}
}

func (r *registry) Subscribe(deviceID string, fn tele_api.EventFunc) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, regEntry{id: id, deviceID: deviceID, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i := range r.subs {
			if r.subs[i].id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

func (r *registry) Dispatch(ev tele_api.Event) {
	r.mu.Lock()
	fns := make([]tele_api.EventFunc, 0, len(r.subs))
	for _, e := range r.subs {
		if e.deviceID == tele_api.Wildcard || e.deviceID == ev.DeviceID {
			fns = append(fns, e.fn)
		}
	}
	r.mu.Unlock()

	if len(fns) == 0 {
		r.log.Debugf("event without listener device=%s kind=%s", ev.DeviceID, ev.Kind)
		return
	}
	for _, fn := range fns {
		fn(ev)
	}
}
