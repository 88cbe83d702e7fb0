package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/cloudtele/cloudtele/log2"
	"github.com/cloudtele/cloudtele/tele"
)

const (
	pathLogin   = "/api/user/login"
	pathRefresh = "/api/user/refresh"
	pathDevices = "/api/user/device"
	pathControl = "/api/user/device/control"

	readLimit = 1 << 20
)

// Access token lifetime when the server does not declare one.
const defaultTokenTTL = 30 * 24 * time.Hour

// RemoteError is a well-formed upstream response with non-zero error code.
type RemoteError struct {
	Code int
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error=%d msg=%s", e.Code, e.Msg)
}

// API is the request/response transport. Stateless, one call per method,
// safe for concurrent independent requests. Never retries, callers decide.
type API struct {
	base string
	hc   *http.Client
	log  *log2.Log
}

func NewAPI(baseURL string, timeout time.Duration, log *log2.Log) *API {
	return &API{
		base: baseURL,
		hc:   &http.Client{Timeout: timeout},
		log:  log,
	}
}

type envelope struct {
	Error int             `json:"error"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

type tokenData struct {
	At  string `json:"at"`
	Rt  string `json:"rt"`
	TTL int    `json:"ttl"` // seconds, optional
}

func (a *API) Login(ctx context.Context, creds tele.Credentials) (tele.TokenSet, error) {
	body := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{creds.Email, creds.Password}
	data, err := a.call(ctx, "POST", pathLogin, "", &body)
	if err != nil {
		return tele.TokenSet{}, err
	}
	return tokensFromData(data, time.Now())
}

func (a *API) RefreshToken(ctx context.Context, ts tele.TokenSet) (tele.TokenSet, error) {
	body := struct {
		Rt string `json:"rt"`
	}{ts.Refresh}
	data, err := a.call(ctx, "POST", pathRefresh, "", &body)
	if err != nil {
		return tele.TokenSet{}, err
	}
	return tokensFromData(data, time.Now())
}

// Devices lists the upstream device directory. Also used as the
// post-connect probe call.
func (a *API) Devices(ctx context.Context, token string) ([]tele.Device, error) {
	data, err := a.call(ctx, "GET", pathDevices, token, nil)
	if err != nil {
		return nil, err
	}
	var ds []tele.Device
	if err = json.Unmarshal(data, &ds); err != nil {
		return nil, tele.NewTransportError(tele.TransportProtocolViolation, err)
	}
	return ds, nil
}

// Control submits one device command over the request path.
func (a *API) Control(ctx context.Context, token string, f *tele.Frame) error {
	_, err := a.call(ctx, "POST", pathControl, token, f)
	return err
}

// call returns envelope data on error=0, *RemoteError on well-formed
// rejection, *tele.TransportError otherwise.
func (a *API) call(ctx context.Context, method, path, token string, body interface{}) (json.RawMessage, error) {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Annotatef(err, "code error marshal %s", path)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return nil, errors.Annotatef(err, "code error request %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, tele.NewTransportError(tele.TransportTimeout, err)
		}
		return nil, tele.NewTransportError(tele.TransportConnectionLost, err)
	}
	defer resp.Body.Close()
	a.log.Debugf("api %s %s status=%d", method, path, resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, tele.NewTransportError(tele.TransportUnauthorized,
			errors.Errorf("status=%d", resp.StatusCode))
	}

	b, err := ioutil.ReadAll(io.LimitReader(resp.Body, readLimit))
	if err != nil {
		return nil, tele.NewTransportError(tele.TransportConnectionLost, err)
	}
	var env envelope
	if err = json.Unmarshal(b, &env); err != nil {
		return nil, tele.NewTransportError(tele.TransportProtocolViolation,
			errors.Annotatef(err, "body=%.128s", string(b)))
	}
	if env.Error != 0 {
		if env.Error == http.StatusUnauthorized || env.Error == http.StatusForbidden {
			return nil, tele.NewTransportError(tele.TransportUnauthorized,
				&RemoteError{Code: env.Error, Msg: env.Msg})
		}
		return nil, &RemoteError{Code: env.Error, Msg: env.Msg}
	}
	return env.Data, nil
}

func tokensFromData(data json.RawMessage, now time.Time) (tele.TokenSet, error) {
	var td tokenData
	if err := json.Unmarshal(data, &td); err != nil {
		return tele.TokenSet{}, tele.NewTransportError(tele.TransportProtocolViolation, err)
	}
	if td.At == "" {
		return tele.TokenSet{}, tele.NewTransportError(tele.TransportProtocolViolation,
			errors.New("empty access token"))
	}
	ttl := defaultTokenTTL
	if td.TTL > 0 {
		ttl = time.Duration(td.TTL) * time.Second
	}
	return tele.TokenSet{
		Access:    td.At,
		Refresh:   td.Rt,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func isTimeout(err error) bool {
	if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
