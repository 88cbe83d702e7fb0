package tele

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cloudtele/cloudtele/helpers"
	"github.com/cloudtele/cloudtele/log2"
	tele_config "github.com/cloudtele/cloudtele/tele/config"
)

// Wildcard subscribes to events of all devices.
const Wildcard = "*"

type EventFunc func(Event)
type StateFunc func(State)

// Teler is the control channel client, appliance controller side.
// Contract:
// - Init() fails only with invalid config, network IO runs in background
// - Submit() never blocks on network, result is delivered through CommandHandle
// - per device, commands go to the wire in submission order
// - Control() is the one-shot request path: synchronous, no queue, no resend
// - Close() releases the stream, fails pending commands with cancelled error
type Teler interface {
	Init(ctx context.Context, log *log2.Log, cfg tele_config.Config) error
	Submit(deviceID string, params []byte) (*CommandHandle, error)
	Control(ctx context.Context, deviceID string, params []byte) error
	Subscribe(deviceID string, fn EventFunc) func()
	OnStateChange(fn StateFunc) func()
	State() State
	Devices(ctx context.Context) ([]Device, error)
	Close()
}

func NewStub() Teler { return stub{} }

type stub struct{}

func (stub) Init(context.Context, *log2.Log, tele_config.Config) error { return nil }

func (stub) Submit(deviceID string, params []byte) (*CommandHandle, error) {
	h := NewCommandHandle(deviceID, 0)
	h.Complete(nil)
	return h, nil
}

func (stub) Control(context.Context, string, []byte) error { return nil }
func (stub) Devices(context.Context) ([]Device, error)     { return nil, nil }

func (stub) Subscribe(string, EventFunc) func() { return func() {} }
func (stub) OnStateChange(StateFunc) func()     { return func() {} }
func (stub) State() State                       { return StateDisconnected }
func (stub) Close()                             {}

// Device is upstream directory entry. Used for payload shaping by
// collaborators, not by the connection core.
type Device struct {
	ID     string `json:"deviceid"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Online bool   `json:"online"`
}

type Credentials struct {
	Email    string
	Password string
	Region   string // endpoint selector unless explicit URLs are configured
}

// TokenSet is owned by the auth session and replaced wholesale,
// concurrent readers see either old or new complete value.
type TokenSet struct {
	Access    string
	Refresh   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (ts TokenSet) Valid() bool { return ts.Access != "" }

func (ts TokenSet) Expired(now time.Time) bool {
	return ts.ExpiresAt.IsZero() || !now.Before(ts.ExpiresAt)
}

// ExpiringSoon reports remaining lifetime below margin fraction of original TTL.
func (ts TokenSet) ExpiringSoon(margin float64, now time.Time) bool {
	if !ts.Valid() {
		return true
	}
	ttl := ts.ExpiresAt.Sub(ts.IssuedAt)
	if ttl <= 0 {
		return true
	}
	remain := ts.ExpiresAt.Sub(now)
	return float64(remain) < margin*float64(ttl)
}

// Session is the authenticated endpoint-bound context.
type Session struct {
	APIURL    string
	StreamURL string
	ConnID    string
	Proto     int
}

// CommandHandle resolves when the remote acknowledges, rejects or the
// command times out locally.
type CommandHandle struct {
	DeviceID string
	Seq      uint64

	fu     *helpers.Future
	resent uint32 // atomic
}

func NewCommandHandle(deviceID string, seq uint64) *CommandHandle {
	return &CommandHandle{
		DeviceID: deviceID,
		Seq:      seq,
		fu:       helpers.NewFuture(),
	}
}

func (h *CommandHandle) Done() <-chan struct{} { return h.fu.Completed() }

// Err returns nil before completion and after success.
func (h *CommandHandle) Err() error {
	e, _ := h.fu.Result().(error)
	return e
}

func (h *CommandHandle) Wait(ctx context.Context) error {
	select {
	case <-h.fu.Completed():
		return h.Err()

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete is for the dispatcher, external callers must not invoke it.
func (h *CommandHandle) Complete(e error) bool {
	if e == nil {
		return h.fu.Complete(nil)
	}
	return h.fu.Complete(e)
}

// MarkResent is for the dispatcher on post-reconnect resubmission.
func (h *CommandHandle) MarkResent()  { atomic.StoreUint32(&h.resent, 1) }
func (h *CommandHandle) Resent() bool { return atomic.LoadUint32(&h.resent) != 0 }

// Event is one decoded inbound notification. Transient, consumed by
// subscribed listeners immediately.
type Event struct {
	DeviceID string
	Kind     EventKind
	Params   json.RawMessage
	Online   bool // meaningful for EventLiveness
	Code     int  // meaningful for EventError
	Received time.Time
}

type EventKind uint8

const (
	EventStateUpdate EventKind = iota
	EventLiveness
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateUpdate:
		return "state"
	case EventLiveness:
		return "liveness"
	case EventError:
		return "error"
	}
	return "unknown"
}
