package tele

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
)

var ErrDispatchClosed = errors.New("dispatcher closed")

type sendFunc func(ctx context.Context, f *tele_api.Frame) error

// dispatcher owns the pending command map. All mutation happens under one
// lock, wire writes run outside it on the per-device head command only.
//
// Guarantees:
// - per device, commands reach the wire in submission order
// - a later command never overtakes an unresolved earlier one
// - after reconnect, still-pending commands are resubmitted in original
//   order before anything newer, flagged resent (at-least-once)
// - every command terminates: ack, rejection, local timeout or cancel
type dispatcher struct {
	mu     sync.Mutex
	devs   map[string]*deviceQueue
	closed bool

	send       sendFunc
	online     func() bool
	reg        *registry
	ackTimeout time.Duration
	log        *log2.Log
}

type deviceQueue struct {
	lastSeq  uint64
	pending  []*pendingCmd // insertion ordered, pending[0] is head
	inflight bool
}

type pendingCmd struct {
	h         *tele_api.CommandHandle
	params    json.RawMessage
	submitted time.Time
	attempts  int
	timer     *time.Timer
}

func newDispatcher(send sendFunc, online func() bool, reg *registry, ackTimeout time.Duration, log *log2.Log) *dispatcher {
	return &dispatcher{
		devs:       make(map[string]*deviceQueue, 16),
		send:       send,
		online:     online,
		reg:        reg,
		ackTimeout: ackTimeout,
		log:        log,
	}
}

// Submit queues one command and attempts immediate delivery when the
// channel is up. Never blocks on network.
func (d *dispatcher) Submit(deviceID string, params []byte) (*tele_api.CommandHandle, error) {
	return d.SubmitTimeout(deviceID, params, d.ackTimeout)
}

// SubmitTimeout is Submit with per-command acknowledgment timeout.
func (d *dispatcher) SubmitTimeout(deviceID string, params []byte, timeout time.Duration) (*tele_api.CommandHandle, error) {
	if deviceID == "" || deviceID == tele_api.Wildcard {
		return nil, errors.NotValidf("deviceID=%q", deviceID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatchClosed
	}

	dq := d.devs[deviceID]
	if dq == nil {
		dq = &deviceQueue{}
		d.devs[deviceID] = dq
	}
	dq.lastSeq++
	seq := dq.lastSeq
	h := tele_api.NewCommandHandle(deviceID, seq)
	pc := &pendingCmd{
		h:         h,
		params:    params,
		submitted: time.Now(),
	}
	pc.timer = time.AfterFunc(timeout, func() { d.onTimeout(deviceID, seq) })
	dq.pending = append(dq.pending, pc)
	d.log.Debugf("submit device=%s seq=%d pending=%d", deviceID, seq, len(dq.pending))

	d.deliverLocked(deviceID, dq)
	return h, nil
}

// caller must hold d.mu
func (d *dispatcher) deliverLocked(deviceID string, dq *deviceQueue) {
	if dq.inflight || len(dq.pending) == 0 || !d.online() {
		return
	}
	pc := dq.pending[0]
	dq.inflight = true
	pc.attempts++

	f := tele_api.NewCommandFrame(deviceID, pc.h.Seq, pc.params)
	f.Resent = pc.h.Resent()
	go func() {
		if err := d.send(context.Background(), f); err != nil {
			// handle died or channel dropped underneath; the command stays
			// pending and goes out again on the next connected flush
			d.log.Debugf("dispatch send device=%s seq=%d err=%v", deviceID, pc.h.Seq, err)
		}
	}()
}

// OnInbound routes one received frame: acknowledgment correlation first,
// everything else becomes a listener event. Called from the stream pump.
func (d *dispatcher) OnInbound(f *tele_api.Frame) {
	if f.IsAck() {
		d.onAck(f)
		return
	}
	if ev, ok := tele_api.EventFromFrame(f, time.Now()); ok {
		d.reg.Dispatch(ev)
		return
	}
	d.log.Debugf("inbound frame ignored %s", f)
}

func (d *dispatcher) onAck(f *tele_api.Frame) {
	seq := f.Seq()
	var h *tele_api.CommandHandle
	var result error

	d.mu.Lock()
	dq := d.devs[f.DeviceID]
	if dq != nil {
		if i := dq.find(seq); i >= 0 {
			pc := dq.pending[i]
			pc.timer.Stop()
			h = pc.h
			if f.Error != 0 {
				result = tele_api.NewCommandError(tele_api.CommandRejected, f.DeviceID, seq, f.Message)
			}
			dq.remove(i)
			if i == 0 {
				dq.inflight = false
			}
			d.deliverLocked(f.DeviceID, dq)
		}
	}
	d.mu.Unlock()

	if h == nil {
		d.log.Debugf("ack without pending device=%s seq=%d", f.DeviceID, seq)
		return
	}
	h.Complete(result)
}

func (d *dispatcher) onTimeout(deviceID string, seq uint64) {
	var h *tele_api.CommandHandle

	d.mu.Lock()
	if dq := d.devs[deviceID]; dq != nil {
		if i := dq.find(seq); i >= 0 {
			h = dq.pending[i].h
			dq.remove(i)
			if i == 0 {
				dq.inflight = false
			}
			d.deliverLocked(deviceID, dq)
		}
	}
	d.mu.Unlock()

	if h != nil {
		d.log.Infof("command timeout device=%s seq=%d", deviceID, seq)
		h.Complete(tele_api.NewCommandError(tele_api.CommandTimeout, deviceID, seq, "no acknowledgment"))
	}
}

// OnConnected flushes after (re)entering connected state: previously
// attempted commands are flagged resent, then delivery restarts from each
// device queue head in original order.
func (d *dispatcher) OnConnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	ids := make([]string, 0, len(d.devs))
	for id := range d.devs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		dq := d.devs[id]
		dq.inflight = false
		for _, pc := range dq.pending {
			if pc.attempts > 0 {
				pc.h.MarkResent()
			}
		}
		d.deliverLocked(id, dq)
	}
}

// Close fails every pending command with a cancellation error.
func (d *dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var handles []*tele_api.CommandHandle
	for deviceID, dq := range d.devs {
		for _, pc := range dq.pending {
			pc.timer.Stop()
			handles = append(handles, pc.h)
		}
		d.devs[deviceID] = &deviceQueue{lastSeq: dq.lastSeq}
	}
	d.mu.Unlock()

	for _, h := range handles {
		h.Complete(tele_api.NewCommandError(tele_api.CommandCancelled, h.DeviceID, h.Seq, "shutdown"))
	}
}

func (dq *deviceQueue) find(seq uint64) int {
	for i, pc := range dq.pending {
		if pc.h.Seq == seq {
			return i
		}
	}
	return -1
}

func (dq *deviceQueue) remove(i int) {
	dq.pending = append(dq.pending[:i], dq.pending[i+1:]...)
}
