package tele

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
	tele_config "github.com/cloudtele/cloudtele/tele/config"
)

type mgrEvent uint8

const (
	evStreamClosed mgrEvent = iota
	evStreamSilence
	evHeartbeatMiss
	evHeartbeatOK
	evReauth
)

const streamProtoVersion = 6

// manager is the connection state machine. One goroutine (run) owns all
// state transitions, the pump and health goroutines only post events into
// its channel. Listener notification happens inside run, so observers see
// transitions in the exact order they took effect.
type manager struct {
	alive *alive.Alive
	log   *log2.Log
	cfg   tele_config.Config

	req   Requester
	str   Streamer
	auth  *authSession
	disp  *dispatcher
	reg   *registry
	retry *retryPolicy

	sess tele_api.Session // endpoint part is fixed, ConnID set per stream

	stateMu   sync.Mutex
	state     tele_api.State
	stateSubs []stateEntry
	nextSub   uint64

	events chan mgrEvent

	connMu sync.Mutex
	conn   StreamConn
}

type stateEntry struct {
	id uint64
	fn tele_api.StateFunc
}

func newManager(a *alive.Alive, log *log2.Log, cfg tele_config.Config, req Requester, str Streamer, creds tele_api.Credentials, apiURL, streamURL string) *manager {
	m := &manager{
		alive: a,
		log:   log,
		cfg:   cfg,
		req:   req,
		str:   str,
		sess: tele_api.Session{
			APIURL:    apiURL,
			StreamURL: streamURL,
			Proto:     streamProtoVersion,
		},
		state:  tele_api.StateDisconnected,
		events: make(chan mgrEvent, 16),
	}
	m.auth = newAuthSession(req, creds, cfg.Margin(), log)
	m.reg = newRegistry(log)
	m.retry = newRetryPolicy(cfg.RetryDelay(), cfg.RetryMax(), cfg.RetryCeiling)
	m.disp = newDispatcher(m.sendFrame, m.online, m.reg, cfg.AckTimeout(), log)
	return m
}

func (m *manager) State() tele_api.State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *manager) online() bool { return m.State().Online() }

// OnStateChange registers fn and returns its cancel. fn runs on the
// manager goroutine, keep it short.
func (m *manager) OnStateChange(fn tele_api.StateFunc) func() {
	if fn == nil {
		return func() {}
	}
	m.stateMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.stateSubs = append(m.stateSubs, stateEntry{id: id, fn: fn})
	m.stateMu.Unlock()

	return func() {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		for i := range m.stateSubs {
			if m.stateSubs[i].id == id {
				m.stateSubs = append(m.stateSubs[:i], m.stateSubs[i+1:]...)
				return
			}
		}
	}
}

func (m *manager) transition(next tele_api.State) {
	m.stateMu.Lock()
	prev := m.state
	if prev == next {
		m.stateMu.Unlock()
		return
	}
	m.state = next
	fns := make([]tele_api.StateFunc, len(m.stateSubs))
	for i, e := range m.stateSubs {
		fns[i] = e.fn
	}
	m.stateMu.Unlock()

	m.log.Infof("state %s -> %s", prev, next)
	for _, fn := range fns {
		fn(next)
	}
}

// post delivers heartbeat grades. Best effort: a full channel means the
// run loop is behind on a burst of identical signals, dropping one of
// these is harmless.
func (m *manager) post(ev mgrEvent) {
	select {
	case m.events <- ev:
	default:
	}
}

// postCritical delivers stream-fatal events that must not be lost,
// blocking until the run loop takes it. A stale one left in the channel
// is discarded by drain on the next stream generation.
func (m *manager) postCritical(ctx context.Context, ev mgrEvent) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	case <-m.alive.StopChan():
	}
}

// Run is the manager main loop: authenticate, connect, serve, back off,
// repeat. Exits on Stop, credential rejection or retry ceiling, always
// through StateClosed.
func (m *manager) Run() {
	defer m.alive.Done()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.alive.StopChan()
		cancel()
	}()
	defer cancel()

	attempt := 0
	for m.alive.IsRunning() {
		attempt++
		if attempt > 1 {
			m.transition(tele_api.StateReconnecting)
			if m.retry.Exhausted(attempt) {
				m.log.Errorf("giving up after %d attempts", attempt-1)
				break
			}
			d := m.retry.Delay(attempt - 1)
			m.log.Debugf("retry attempt=%d delay=%v", attempt, d)
			if !m.sleep(ctx, d) {
				break
			}
		}

		m.transition(tele_api.StateAuthenticating)
		if _, err := m.auth.Authenticate(ctx); err != nil {
			if tele_api.IsAuthInvalid(err) {
				m.log.Errorf("credentials rejected: %v", err)
				break
			}
			m.log.Infof("auth attempt=%d err=%v", attempt, err)
			continue
		}

		m.transition(tele_api.StateConnecting)
		conn, err := m.connect(ctx)
		if err != nil {
			m.log.Infof("connect attempt=%d err=%v", attempt, err)
			continue
		}

		// backoff restarts from base after a good connection
		attempt = 1
		m.serve(ctx, conn)
	}
	m.transition(tele_api.StateClosed)
	m.disp.Close()
	m.alive.Stop()
}

func (m *manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *manager) connect(ctx context.Context) (StreamConn, error) {
	sess := m.sess
	sess.ConnID = uuid.New().String()
	token := m.auth.Tokens().Access
	conn, err := m.str.Open(ctx, sess, token)
	if err != nil {
		return nil, errors.Annotate(err, "stream open")
	}
	// an open socket alone does not prove the session works, one
	// authorized request must pass before the channel counts as up
	if _, err = m.req.Devices(ctx, token); err != nil {
		_ = conn.Close()
		return nil, errors.Annotate(err, "connect probe")
	}
	return conn, nil
}

// serve runs one established stream to its end. Heartbeat misses demote
// Connected to Degraded and back, sustained silence or a dead socket
// finish the serve and send the run loop back to reconnect.
func (m *manager) serve(ctx context.Context, conn StreamConn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.drain()
	m.transition(tele_api.StateConnected)

	sctx, scancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.pump(sctx, conn)
	}()
	hm := newHealthMonitor(m.cfg.Keepalive(), m.sendFrame, conn.SinceLastRecv, m.post, m.postCritical, m.log)
	go func() {
		defer wg.Done()
		hm.Run(sctx)
	}()
	m.disp.OnConnected()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev := <-m.events:
			switch ev {
			case evHeartbeatMiss:
				m.transition(tele_api.StateDegraded)
			case evHeartbeatOK:
				if m.State() == tele_api.StateDegraded {
					m.transition(tele_api.StateConnected)
				}
			case evStreamSilence, evStreamClosed, evReauth:
				break loop
			}
		}
	}

	m.connMu.Lock()
	m.conn = nil
	m.connMu.Unlock()
	scancel()
	_ = conn.Close()
	wg.Wait()
}

// drain discards events from a previous stream generation.
func (m *manager) drain() {
	for {
		select {
		case <-m.events:
		default:
			return
		}
	}
}

// pump is the single reader of one stream. Every inbound frame goes
// through the dispatcher, keepalive chatter is answered here.
func (m *manager) pump(ctx context.Context, conn StreamConn) {
	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Debugf("stream receive err=%v", err)
				m.postCritical(ctx, evStreamClosed)
			}
			return
		}
		switch f.Action {
		case tele_api.ActionPong:
			// liveness already recorded by the transport
		case tele_api.ActionPing:
			_ = conn.Send(ctx, &tele_api.Frame{Action: tele_api.ActionPong})
		default:
			m.disp.OnInbound(f)
		}
	}
}

// sendFrame writes one frame to the current stream. Commands get a token
// freshness check first so a session nearing expiry is renewed before,
// not after, it starts failing.
func (m *manager) sendFrame(ctx context.Context, f *tele_api.Frame) error {
	if f.Action == tele_api.ActionUpdate {
		m.freshenToken(ctx)
	}

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil || conn.Closed() {
		return tele_api.NewTransportError(tele_api.TransportConnectionLost, errors.New("stream is down"))
	}
	return conn.Send(ctx, f)
}

func (m *manager) freshenToken(ctx context.Context) {
	if !m.auth.ExpiringSoon(time.Now()) {
		return
	}
	if _, err := m.auth.Refresh(ctx); err != nil {
		m.log.Infof("token refresh failed, will reauthenticate: %v", err)
		m.postCritical(ctx, evReauth)
	}
}

// Devices queries the remote directory. On a stale token the call is
// retried once after refresh.
func (m *manager) Devices(ctx context.Context) ([]tele_api.Device, error) {
	ts := m.auth.Tokens()
	if !ts.Valid() {
		return nil, tele_api.NewTransportError(tele_api.TransportUnauthorized, errors.New("not authenticated"))
	}
	devs, err := m.req.Devices(ctx, ts.Access)
	if err == nil || !tele_api.IsUnauthorized(err) {
		return devs, err
	}
	ts, err = m.auth.Refresh(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "devices")
	}
	return m.req.Devices(ctx, ts.Access)
}

// Control issues one command over the request path, outside the stream
// dispatcher: no queue, no resend, the HTTP response is the only
// acknowledgment. On a stale token the call is retried once after refresh.
func (m *manager) Control(ctx context.Context, deviceID string, params []byte) error {
	if deviceID == "" || deviceID == tele_api.Wildcard {
		return errors.NotValidf("deviceID=%q", deviceID)
	}
	ts := m.auth.Tokens()
	if !ts.Valid() {
		return tele_api.NewTransportError(tele_api.TransportUnauthorized, errors.New("not authenticated"))
	}
	seq := uint64(time.Now().UnixNano() / int64(time.Millisecond))
	f := tele_api.NewCommandFrame(deviceID, seq, params)
	err := m.req.Control(ctx, ts.Access, f)
	if err == nil || !tele_api.IsUnauthorized(err) {
		return err
	}
	ts, err = m.auth.Refresh(ctx)
	if err != nil {
		return errors.Annotate(err, "control")
	}
	return m.req.Control(ctx, ts.Access, f)
}
