package coordinator

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource exposes the managed session as an oauth2.TokenSource, so
// consumers built on golang.org/x/oauth2 can plug the session manager in
// without knowing about the store or the refresh flight.
//
// Unlike RoundTrip, Token refreshes proactively: the oauth2 contract is to
// return a token that is still usable, so a session inside the refresh lead
// window is refreshed before being handed out.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c}
}

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	session, ok, err := ts.c.store.Read()
	if err == nil && ok && !session.NeedsRefresh(ts.c.nowTime()) {
		return sessionToken(session.AccessToken, session.RefreshToken, session.ExpiresAt), nil
	}

	if _, err := ts.c.Refresh(ts.ctx); err != nil {
		return nil, err
	}

	session, ok, err = ts.c.store.Read()
	if err != nil || !ok {
		return nil, ErrNoSession
	}
	return sessionToken(session.AccessToken, session.RefreshToken, session.ExpiresAt), nil
}

func sessionToken(access, refresh string, expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}
}
