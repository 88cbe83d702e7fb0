package tele

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Frame is one message unit on the streaming channel.
// Wire form is JSON, fixed for upstream compatibility:
// commands  {"action":"update","deviceid":"D1","sequence":"3","params":{...}}
// acks      {"deviceid":"D1","sequence":"3","error":0}
// events    {"action":"update","deviceid":"D1","params":{...}}
// liveness  {"action":"sysmsg","deviceid":"D1","params":{"online":false}}
type Frame struct {
	Action   string          `json:"action,omitempty"`
	DeviceID string          `json:"deviceid,omitempty"`
	At       string          `json:"at,omitempty"` // handshake only
	ConnID   string          `json:"connid,omitempty"`
	Sequence string          `json:"sequence,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Error    int             `json:"error,omitempty"`
	Message  string          `json:"msg,omitempty"`
	Resent   bool            `json:"resent,omitempty"`
	Version  int             `json:"version,omitempty"`
}

const (
	ActionUpdate     = "update"
	ActionQuery      = "query"
	ActionSysmsg     = "sysmsg"
	ActionPing       = "ping"
	ActionPong       = "pong"
	ActionUserOnline = "userOnline"
)

func (f *Frame) Seq() uint64 {
	if f.Sequence == "" {
		return 0
	}
	n, err := strconv.ParseUint(f.Sequence, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (f *Frame) SetSeq(n uint64) { f.Sequence = strconv.FormatUint(n, 10) }

// Ack frames correlate to a pending command: no action, device and sequence set.
func (f *Frame) IsAck() bool {
	return f.Action == "" && f.DeviceID != "" && f.Sequence != ""
}

func (f *Frame) String() string {
	return fmt.Sprintf("(action=%s deviceid=%s seq=%s error=%d params=%s)",
		f.Action, f.DeviceID, f.Sequence, f.Error, string(f.Params))
}

func FrameMarshal(f *Frame) ([]byte, error) { return json.Marshal(f) }

func FrameUnmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(b, f); err != nil {
		return nil, err
	}
	return f, nil
}

func NewCommandFrame(deviceID string, seq uint64, params []byte) *Frame {
	f := &Frame{
		Action:   ActionUpdate,
		DeviceID: deviceID,
		Params:   params,
	}
	f.SetSeq(seq)
	return f
}

func NewHandshakeFrame(sess Session, ts TokenSet) *Frame {
	return &Frame{
		Action:  ActionUserOnline,
		At:      ts.Access,
		ConnID:  sess.ConnID,
		Version: sess.Proto,
	}
}

func NewPingFrame() *Frame { return &Frame{Action: ActionPing} }

// EventFromFrame decodes inbound device notifications.
// Returns false for frames that are not device events (acks, pongs, handshake).
func EventFromFrame(f *Frame, now time.Time) (Event, bool) {
	switch f.Action {
	case ActionUpdate, ActionQuery:
		if f.DeviceID == "" {
			return Event{}, false
		}
		if f.Error != 0 {
			return Event{
				DeviceID: f.DeviceID,
				Kind:     EventError,
				Params:   f.Params,
				Code:     f.Error,
				Received: now,
			}, true
		}
		return Event{
			DeviceID: f.DeviceID,
			Kind:     EventStateUpdate,
			Params:   f.Params,
			Received: now,
		}, true

	case ActionSysmsg:
		if f.DeviceID == "" {
			return Event{}, false
		}
		var p struct {
			Online bool `json:"online"`
		}
		_ = json.Unmarshal(f.Params, &p)
		return Event{
			DeviceID: f.DeviceID,
			Kind:     EventLiveness,
			Params:   f.Params,
			Online:   p.Online,
			Received: now,
		}, true
	}
	return Event{}, false
}
