package tele

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
)

// authSession owns credentials and the token set. TokenSet is replaced
// wholesale through atomic.Value, concurrent readers never observe a
// partial update. No lock is held across network calls.
type authSession struct {
	req    Requester
	creds  tele_api.Credentials
	margin float64
	tokens atomic.Value // tele_api.TokenSet
	log    *log2.Log
}

func newAuthSession(req Requester, creds tele_api.Credentials, margin float64, log *log2.Log) *authSession {
	a := &authSession{
		req:    req,
		creds:  creds,
		margin: margin,
		log:    log,
	}
	a.tokens.Store(tele_api.TokenSet{})
	return a
}

func (a *authSession) Tokens() tele_api.TokenSet {
	ts, _ := a.tokens.Load().(tele_api.TokenSet)
	return ts
}

func (a *authSession) ExpiringSoon(now time.Time) bool {
	return a.Tokens().ExpiringSoon(a.margin, now)
}

// Authenticate performs full login. Credential rejection and network
// failure are distinguished so the state machine can choose stop vs retry.
func (a *authSession) Authenticate(ctx context.Context) (tele_api.TokenSet, error) {
	ts, err := a.req.Login(ctx, a.creds)
	if err != nil {
		return tele_api.TokenSet{}, classifyAuthError(err)
	}
	a.tokens.Store(ts)
	a.log.Debugf("authenticated expires=%s", ts.ExpiresAt.Format(time.RFC3339))
	return ts, nil
}

// Refresh exchanges the refresh token. A failure here is not retried,
// the manager falls back to full authentication.
func (a *authSession) Refresh(ctx context.Context) (tele_api.TokenSet, error) {
	old := a.Tokens()
	if old.Refresh == "" {
		return tele_api.TokenSet{}, errors.Errorf("no refresh token")
	}
	ts, err := a.req.RefreshToken(ctx, old)
	if err != nil {
		return tele_api.TokenSet{}, errors.Annotate(err, "token refresh")
	}
	a.tokens.Store(ts)
	a.log.Debugf("token refreshed expires=%s", ts.ExpiresAt.Format(time.RFC3339))
	return ts, nil
}

// Login failures split in two classes: transport trouble is retryable,
// everything the server answered coherently means bad credentials.
func classifyAuthError(err error) error {
	var te *tele_api.TransportError
	if stderrors.As(err, &te) && te.Kind != tele_api.TransportUnauthorized {
		return tele_api.NewAuthError(tele_api.AuthUnreachable, err)
	}
	return tele_api.NewAuthError(tele_api.AuthInvalidCredentials, err)
}
