package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/cloudtele/cloudtele/helpers"
	"github.com/cloudtele/cloudtele/log2"
	"github.com/cloudtele/cloudtele/tele"
)

var ErrClosing = errors.New("closing")

// Stream opens websocket stream connections. One Open per session attempt,
// reconnect policy belongs to the connection manager.
type Stream struct {
	log     *log2.Log
	timeout time.Duration
}

func NewStream(log *log2.Log, networkTimeout time.Duration) *Stream {
	if networkTimeout == 0 {
		networkTimeout = 30 * time.Second
	}
	return &Stream{log: log, timeout: networkTimeout}
}

// Open dials and performs the userOnline handshake with the access token.
func (s *Stream) Open(ctx context.Context, sess tele.Session, token string) (*StreamConn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: s.timeout}
	ws, _, err := dialer.DialContext(ctx, sess.StreamURL, nil)
	if err != nil {
		if isTimeout(err) {
			return nil, tele.NewTransportError(tele.TransportTimeout,
				errors.Annotatef(err, "dial stream=%s", sess.StreamURL))
		}
		return nil, tele.NewTransportError(tele.TransportConnectionLost,
			errors.Annotatef(err, "dial stream=%s", sess.StreamURL))
	}

	c := newStreamConn(ws, s.log, s.timeout)
	hello := tele.NewHandshakeFrame(sess, tele.TokenSet{Access: token})
	if err = c.Send(ctx, hello); err != nil {
		return nil, errors.Annotate(err, "handshake send")
	}
	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := c.Receive(hctx)
	if err != nil {
		return nil, errors.Annotate(err, "handshake receive")
	}
	if resp.Error != 0 {
		err = tele.NewTransportError(tele.TransportUnauthorized,
			&RemoteError{Code: resp.Error, Msg: resp.Message})
		_ = c.die(err)
		return nil, err
	}
	s.log.Debugf("stream open connid=%s", sess.ConnID)
	return c, nil
}

// StreamConn is one live stream handle. Receive is the sole inbound
// source, a failed Send invalidates the handle, no auto-reconnect.
type StreamConn struct {
	wmu  sync.Mutex // websocket allows one concurrent writer
	ws   *websocket.Conn
	last *atomic_clock.Clock
	err  helpers.AtomicError
	log  *log2.Log

	timeout time.Duration
}

func newStreamConn(ws *websocket.Conn, log *log2.Log, timeout time.Duration) *StreamConn {
	c := &StreamConn{
		ws:      ws,
		last:    atomic_clock.Now(),
		log:     log,
		timeout: timeout,
	}
	ws.SetPingHandler(func(data string) error {
		c.last.SetNow()
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(timeout))
	})
	return c
}

func (c *StreamConn) Send(ctx context.Context, f *tele.Frame) error {
	if err, closed := c.err.Load(); closed {
		return err
	}
	b, err := tele.FrameMarshal(f)
	if err != nil {
		return errors.Annotate(err, "code error frame marshal")
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err = c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return c.die(tele.NewTransportError(tele.TransportConnectionLost,
			errors.Annotate(err, "send")))
	}
	c.log.Debugf("sent frame=%s", f)
	return nil
}

// Receive blocks until a frame arrives, the handle closes or ctx expires.
// Frames are never dropped, a decoding failure kills the handle.
func (c *StreamConn) Receive(ctx context.Context) (*tele.Frame, error) {
	if err, closed := c.err.Load(); closed {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	_ = c.ws.SetReadDeadline(deadline)
	_, b, err := c.ws.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return nil, c.die(tele.NewTransportError(tele.TransportConnectionLost,
				errors.Annotatef(ce, "closed by remote")))
		}
		return nil, c.die(tele.NewTransportError(tele.TransportConnectionLost,
			errors.Annotate(err, "receive")))
	}
	c.last.SetNow()

	// upstream answers keepalive with a bare pong word
	switch string(b) {
	case "pong":
		return &tele.Frame{Action: tele.ActionPong}, nil
	case "ping":
		return &tele.Frame{Action: tele.ActionPing}, nil
	}
	f, err := tele.FrameUnmarshal(b)
	if err != nil {
		return nil, c.die(tele.NewTransportError(tele.TransportProtocolViolation,
			errors.Annotatef(err, "frame=%.128s", string(b))))
	}
	c.log.Debugf("received frame=%s", f)
	return f, nil
}

func (c *StreamConn) Close() error {
	return c.die(ErrClosing)
}

func (c *StreamConn) Closed() bool {
	_, closed := c.err.Load()
	return closed
}

func (c *StreamConn) SinceLastRecv() time.Duration { return atomic_clock.Since(c.last) }

func (c *StreamConn) die(e error) error {
	if prev, closed := c.err.StoreOnce(e); closed {
		return prev
	}
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	_ = c.ws.Close()
	c.log.Debugf("stream die e=%v", e)
	return e
}
