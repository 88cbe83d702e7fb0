package tele

import (
	"context"
	"time"

	tele_api "github.com/cloudtele/cloudtele/tele"
)

// Transport capability contracts. Production code plugs tele/cloud here,
// tests substitute doubles at this boundary.

// Requester is the request/response side: one synchronous call per method,
// bearer token attached by the caller, no internal retries.
type Requester interface {
	Login(ctx context.Context, creds tele_api.Credentials) (tele_api.TokenSet, error)
	RefreshToken(ctx context.Context, ts tele_api.TokenSet) (tele_api.TokenSet, error)
	Devices(ctx context.Context, token string) ([]tele_api.Device, error)
	Control(ctx context.Context, token string, f *tele_api.Frame) error
}

// Streamer opens stream handles. Reconnecting is the manager's job.
type Streamer interface {
	Open(ctx context.Context, sess tele_api.Session, token string) (StreamConn, error)
}

// StreamConn is one live streaming handle.
// Receive is the sole source of inbound frames and never drops one.
// A failed Send invalidates the handle.
type StreamConn interface {
	Send(ctx context.Context, f *tele_api.Frame) error
	Receive(ctx context.Context) (*tele_api.Frame, error)
	Close() error
	Closed() bool
	SinceLastRecv() time.Duration
}

type CredentialsFunc func() (tele_api.Credentials, error)
