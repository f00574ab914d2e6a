// Package coordinator guarantees that at most one credential refresh is in
// flight at any time, and that every request observing an authorization
// failure shares that flight's outcome.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kadykov/cv-adapt-client/credentials"
)

// refreshKey is the single-flight key: there is only ever one logical
// refresh operation per coordinator.
const refreshKey = "refresh"

// ErrNoSession is returned when a refresh is needed but no refresh
// credential is stored.
var ErrNoSession = errors.New("no stored session")

// RefreshFunc exchanges a refresh credential for a new session. The
// coordinator persists the result; the function itself must not touch the
// store.
type RefreshFunc func(ctx context.Context, refreshToken string) (credentials.Session, error)

// RefreshError wraps the error that terminated a refresh flight. By the time
// callers observe it, the stored session has been cleared: the failure is
// terminal for the session and every observer must treat the user as logged
// out.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("session refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Coordinator is an http.RoundTripper that attaches the stored access
// credential to outgoing requests and converts a 401 into a single-flighted
// refresh followed by one retry with the new credential.
//
// Construct one Coordinator per application; its flight state must not be
// shared across independent instances.
type Coordinator struct {
	store   credentials.Store
	refresh RefreshFunc
	base    http.RoundTripper
	group   singleflight.Group
	nowTime func() time.Time
	log     zerolog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithBaseTransport sets the transport that actually executes requests.
func WithBaseTransport(base http.RoundTripper) CoordinatorOption {
	return func(c *Coordinator) {
		c.base = base
	}
}

// WithLogger sets the logger for refresh diagnostics.
func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.nowTime = nowFunc
	}
}

// New creates a Coordinator over the given store and refresh call.
func New(store credentials.Store, refresh RefreshFunc, options ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("[coordinator.New] store is required")
	}
	if refresh == nil {
		return nil, errors.New("[coordinator.New] refresh func is required")
	}

	c := &Coordinator{
		store:   store,
		refresh: refresh,
		base:    http.DefaultTransport,
		nowTime: time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Client returns an HTTP client whose requests carry the managed credential.
func (c *Coordinator) Client() *http.Client {
	return &http.Client{Transport: c}
}

// RoundTrip implements http.RoundTripper.
//
// The retry after a successful refresh goes straight to the base transport,
// so a request can only be retried once: a second 401 propagates unchanged.
// No proactive refresh happens here; a request inside the refresh lead
// window still goes out with the old credential, and the reactive 401 path
// remains the correctness guarantee.
func (c *Coordinator) RoundTrip(req *http.Request) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if token, ok := credentials.AccessToken(c.store); ok {
		attempt.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.base.RoundTrip(attempt)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// A body that cannot be replayed cannot be retried.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	// Without a refresh credential there is nothing to coordinate: the
	// caller sees the 401 as-is.
	if _, ok := credentials.RefreshToken(c.store); !ok {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	token, refreshErr := c.Refresh(req.Context())
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrNoSession) {
			// The session vanished between the 401 and the flight (another
			// flight failed and cleared it). Re-issue unauthenticated so the
			// caller still gets the server's answer.
			return c.reissue(req, "")
		}
		return nil, refreshErr
	}
	return c.reissue(req, token)
}

// reissue replays the request once, straight at the base transport, with the
// given credential (or none).
func (c *Coordinator) reissue(req *http.Request, token string) (*http.Response, error) {
	retry := req.Clone(req.Context())
	if token != "" {
		retry.Header.Set("Authorization", "Bearer "+token)
	} else {
		retry.Header.Del("Authorization")
	}
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, errors.Wrap(bodyErr, "[Coordinator.reissue] rewind request body")
		}
		retry.Body = body
	}
	return c.base.RoundTrip(retry)
}

// Refresh runs (or joins) the single refresh flight and returns the access
// credential it produced. Concurrent callers share one underlying refresh
// call and observe the same new session or the same failure.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	value, err, shared := c.group.Do(refreshKey, func() (any, error) {
		return c.doRefresh(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return "", err
		}
		return "", &RefreshError{Err: err}
	}
	if shared {
		c.log.Debug().Msg("joined in-flight session refresh")
	}
	return value.(string), nil
}

func (c *Coordinator) doRefresh(ctx context.Context) (any, error) {
	session, ok, err := c.store.Read()
	if err != nil || !ok || session.RefreshToken == "" {
		return nil, ErrNoSession
	}

	newSession, err := c.refresh(ctx, session.RefreshToken)
	if err != nil {
		// Refresh failure is terminal for the session: clear it so every
		// observer treats the user as logged out.
		if clearErr := c.store.Clear(); clearErr != nil {
			c.log.Warn().Err(clearErr).Msg("clearing session after failed refresh")
		}
		c.log.Warn().Err(err).Msg("session refresh failed")
		return nil, err
	}

	if writeErr := c.store.Write(newSession); writeErr != nil {
		c.log.Warn().Err(writeErr).Msg("persisting refreshed session")
	}
	c.log.Debug().Time("expires_at", newSession.ExpiresAt).Msg("session refreshed")
	return newSession.AccessToken, nil
}
