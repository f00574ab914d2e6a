// Package client wires the credential store, auth gateway, refresh
// coordinator, session cache, and change notifier into the surface the rest
// of an application consumes: authenticated HTTP, current-user state, and
// the login/register/logout operations.
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/kadykov/cv-adapt-client/coordinator"
	"github.com/kadykov/cv-adapt-client/credentials"
	"github.com/kadykov/cv-adapt-client/gateway"
	"github.com/kadykov/cv-adapt-client/internal/config"
	"github.com/kadykov/cv-adapt-client/sessionstate"
	"github.com/kadykov/cv-adapt-client/watch"
)

// revalidateTimeout bounds the round trip triggered by an external
// credential change.
const revalidateTimeout = 30 * time.Second

// Client is the application-facing session manager facade. Construct one per
// application with New and release it with Close.
type Client struct {
	store      credentials.Store
	gw         *gateway.Gateway
	authed     *gateway.Gateway
	coord      *coordinator.Coordinator
	cache      *sessionstate.Cache
	notifier   watch.Notifier
	ownedWatch *watch.FileNotifier
	httpClient *http.Client
	nowTime    func() time.Time
	log        zerolog.Logger

	cancelWatch func()

	credMu         sync.Mutex
	lastCredential string
}

// Option configures a Client.
type Option func(*options)

type options struct {
	store     credentials.Store
	notifier  watch.Notifier
	transport http.RoundTripper
	log       zerolog.Logger
	nowTime   func() time.Time
}

// WithStore replaces the default file-backed credential store.
func WithStore(store credentials.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier replaces the default file-polling change notifier.
func WithNotifier(notifier watch.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithTransport sets the transport underneath the refresh coordinator.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(o *options) {
		o.nowTime = nowFunc
	}
}

// New builds a fully wired Client from the given configuration.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("[client.New] config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "[client.New] invalid config")
	}

	o := &options{
		log:       zerolog.Nop(),
		nowTime:   time.Now,
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		nowTime: o.nowTime,
		log:     o.log,
	}

	c.store = o.store
	if c.store == nil {
		var storeOpts []credentials.FileStoreOption
		if cfg.Passphrase != "" {
			storeOpts = append(storeOpts, credentials.WithSealing(cfg.Passphrase))
		}
		c.store = credentials.NewFileStore(cfg.CredentialsFile, storeOpts...)
	}

	gw, err := gateway.New(cfg.BaseURL,
		gateway.WithHTTPClient(&http.Client{Transport: o.transport, Timeout: cfg.HTTPTimeout}),
		gateway.WithLogger(o.log),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] build gateway")
	}
	c.gw = gw

	refresh := func(ctx context.Context, refreshToken string) (credentials.Session, error) {
		payload, err := gw.Refresh(ctx, refreshToken)
		if err != nil {
			return credentials.Session{}, err
		}
		return payload.Session(c.nowTime()), nil
	}

	coord, err := coordinator.New(c.store, refresh,
		coordinator.WithBaseTransport(o.transport),
		coordinator.WithLogger(o.log),
		coordinator.WithNowTime(o.nowTime),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] build coordinator")
	}
	c.coord = coord
	c.httpClient = &http.Client{Transport: coord, Timeout: cfg.HTTPTimeout}

	authed, err := gateway.New(cfg.BaseURL,
		gateway.WithHTTPClient(c.httpClient),
		gateway.WithLogger(o.log),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] build authenticated gateway")
	}
	c.authed = authed

	cache, err := sessionstate.New(c.store, authed.Profile,
		sessionstate.WithRevalidateInterval(cfg.RevalidateInterval),
		sessionstate.WithLogger(o.log),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] build session cache")
	}
	c.cache = cache
	cache.Start()

	c.notifier = o.notifier
	if c.notifier == nil {
		owned := watch.NewFileNotifier(c.store,
			watch.WithPollInterval(cfg.WatchInterval),
			watch.WithLogger(o.log),
		)
		c.ownedWatch = owned
		c.notifier = owned
	}

	if token, ok := credentials.AccessToken(c.store); ok {
		c.lastCredential = token
	}
	c.cancelWatch = c.notifier.Subscribe(c.onExternalChange)

	return c, nil
}

// Close stops background revalidation and change watching. In-flight network
// calls are not aborted; their results are discarded.
func (c *Client) Close() {
	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	if c.ownedWatch != nil {
		c.ownedWatch.Close()
	}
	c.cache.Close()
}

// Login authenticates with email and password. On success the session is
// persisted and the cached user is set from the response, with no extra
// round trip. Validation and server errors surface directly for display.
func (c *Client) Login(ctx context.Context, email, password string) (*gateway.User, error) {
	payload, err := c.gw.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.establishSession(ctx, payload)
}

// Register creates an account and establishes its first session.
func (c *Client) Register(ctx context.Context, email, password string) (*gateway.User, error) {
	payload, err := c.gw.Register(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.establishSession(ctx, payload)
}

// Logout invalidates the session server side (best effort) and always clears
// it locally: after Logout returns, the user is logged out here regardless
// of what the server said.
func (c *Client) Logout(ctx context.Context) error {
	serverErr := c.authed.Logout(ctx)

	c.setLastCredential("")
	if err := c.cache.SetLoggedOut(); err != nil {
		c.log.Warn().Err(err).Msg("clearing local session")
	}

	if serverErr != nil && !loggedOutAnyway(serverErr) {
		return errors.Wrap(serverErr, "[Client.Logout] server logout")
	}
	return nil
}

// CurrentUser returns the authenticated user, or nil when logged out.
func (c *Client) CurrentUser(ctx context.Context) (*gateway.User, error) {
	return c.cache.CurrentUser(ctx)
}

// IsAuthenticated reports whether a user is currently authenticated.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return c.cache.IsAuthenticated(ctx)
}

// Loading reports whether a session validation round trip is underway.
func (c *Client) Loading() bool {
	return c.cache.Loading()
}

// OnSessionChange registers an observer for login/logout/demotion
// transitions.
func (c *Client) OnSessionChange(observer func(*gateway.User)) {
	c.cache.OnChange(observer)
}

// HTTPClient returns a client whose requests carry the managed credential
// and transparently survive credential expiry.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// TokenSource exposes the managed session to x/oauth2-based consumers.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.coord.TokenSource(ctx)
}

func (c *Client) establishSession(ctx context.Context, payload *gateway.SessionPayload) (*gateway.User, error) {
	session := payload.Session(c.nowTime())
	c.setLastCredential(session.AccessToken)

	if err := c.cache.SetAuthenticated(payload.User, session); err != nil {
		c.log.Warn().Err(err).Msg("session persisted best-effort")
	}

	if payload.User != nil {
		return payload.User, nil
	}
	// The server omitted the user from the session payload; one validation
	// round trip derives it.
	return c.cache.Revalidate(ctx)
}

// onExternalChange handles a storage change observed by the notifier. A
// value this process already knows about is a no-op; anything else forces a
// revalidation, which demotes to logged-out if the session is gone.
func (c *Client) onExternalChange(newValue string) {
	c.credMu.Lock()
	if newValue == c.lastCredential {
		c.credMu.Unlock()
		return
	}
	c.lastCredential = newValue
	c.credMu.Unlock()

	c.log.Debug().Msg("credential changed externally; revalidating session")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
		defer cancel()
		if _, err := c.cache.Revalidate(ctx); err != nil {
			c.log.Warn().Err(err).Msg("revalidation after external change")
		}
	}()
}

func (c *Client) setLastCredential(value string) {
	c.credMu.Lock()
	c.lastCredential = value
	c.credMu.Unlock()
}

// loggedOutAnyway reports whether a server-side logout failure still leaves
// the user effectively logged out, so the caller need not see it.
func loggedOutAnyway(err error) bool {
	if gateway.IsUnauthorized(err) {
		return true
	}
	var refreshErr *coordinator.RefreshError
	return errors.As(err, &refreshErr) || errors.Is(err, coordinator.ErrNoSession)
}
