// Package sessionstate holds the single source of truth for "who is logged
// in". Consumers read derived state from the Cache; login, logout, and
// cross-process notifications write through it.
package sessionstate

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kadykov/cv-adapt-client/credentials"
	"github.com/kadykov/cv-adapt-client/gateway"
)

// RevalidateInterval is how often a live session is re-validated against the
// server in the background.
const RevalidateInterval = 15 * time.Minute

const revalidateKey = "revalidate"

// ProfileFunc validates the current session against the server and returns
// the user behind it. It is expected to run through the refresh coordinator,
// so an expiring credential is renewed as a side effect.
type ProfileFunc func(ctx context.Context) (*gateway.User, error)

// Cache caches the authenticated user derived from the stored session.
//
// Validation failures during loads and background revalidation never
// surface: they demote the state to logged-out, because a stale session must
// not show up as an application error.
type Cache struct {
	store    credentials.Store
	profile  ProfileFunc
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	user      *gateway.User
	validated bool
	loading   bool
	observers []func(*gateway.User)

	group    singleflight.Group
	stop     chan struct{}
	stopOnce sync.Once
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithRevalidateInterval overrides the background revalidation cadence.
func WithRevalidateInterval(interval time.Duration) CacheOption {
	return func(c *Cache) {
		c.interval = interval
	}
}

// WithLogger sets the logger for revalidation diagnostics.
func WithLogger(log zerolog.Logger) CacheOption {
	return func(c *Cache) {
		c.log = log
	}
}

// New creates a Cache over the given store and profile call.
func New(store credentials.Store, profile ProfileFunc, options ...CacheOption) (*Cache, error) {
	if store == nil {
		return nil, errors.New("[sessionstate.New] store is required")
	}
	if profile == nil {
		return nil, errors.New("[sessionstate.New] profile func is required")
	}

	c := &Cache{
		store:    store,
		profile:  profile,
		interval: RevalidateInterval,
		log:      zerolog.Nop(),
		stop:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// CurrentUser returns the authenticated user, validating the stored session
// against the server if the cached state is not current. With no stored
// credential it resolves to nil without a network call. An invalid session
// yields nil, not an error; only context cancellation is returned.
func (c *Cache) CurrentUser(ctx context.Context) (*gateway.User, error) {
	c.mu.Lock()
	if c.validated {
		user := c.user
		c.mu.Unlock()
		return user, nil
	}
	c.loading = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
	}()

	value, err, _ := c.group.Do(revalidateKey, func() (any, error) {
		return c.revalidate(ctx)
	})
	if err != nil {
		return nil, err
	}
	user, _ := value.(*gateway.User)
	return user, nil
}

// IsAuthenticated reports whether a server-confirmed session exists.
func (c *Cache) IsAuthenticated(ctx context.Context) bool {
	user, err := c.CurrentUser(ctx)
	return err == nil && user != nil
}

// Loading reports whether a validation round trip is underway.
func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Invalidate marks the cached state stale, forcing the next read to
// revalidate against the server.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.validated = false
	c.mu.Unlock()
}

// Revalidate invalidates and immediately re-reads, returning the fresh user.
func (c *Cache) Revalidate(ctx context.Context) (*gateway.User, error) {
	c.Invalidate()
	return c.CurrentUser(ctx)
}

// SetAuthenticated writes the fresh session through the store and then
// updates the cached user synchronously, so observers see the new state
// without waiting for a revalidation round trip. Used after a successful
// login or registration.
func (c *Cache) SetAuthenticated(user *gateway.User, session credentials.Session) error {
	err := c.store.Write(session)
	if err != nil {
		c.log.Warn().Err(err).Msg("persisting session; it will not survive a restart")
	}
	c.setUser(user)
	return errors.Wrap(err, "[Cache.SetAuthenticated] write session")
}

// SetLoggedOut clears the stored session and the cached user.
func (c *Cache) SetLoggedOut() error {
	err := c.store.Clear()
	c.setUser(nil)
	return errors.Wrap(err, "[Cache.SetLoggedOut] clear session")
}

// OnChange registers an observer called whenever the authenticated user
// changes, including demotion to logged-out.
func (c *Cache) OnChange(observer func(*gateway.User)) {
	c.mu.Lock()
	c.observers = append(c.observers, observer)
	c.mu.Unlock()
}

// Start begins periodic background revalidation. It returns immediately.
func (c *Cache) Start() {
	go c.run()
}

// Close stops background revalidation. In-flight validation calls are not
// aborted; their results are discarded by the next explicit read.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if _, ok := credentials.AccessToken(c.store); !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := c.Revalidate(ctx); err != nil {
				c.log.Warn().Err(err).Msg("periodic session revalidation")
			}
			cancel()
		}
	}
}

// revalidate resolves the current user from the store and, when a credential
// exists, from the server. Returns an error only for context cancellation.
func (c *Cache) revalidate(ctx context.Context) (*gateway.User, error) {
	if _, ok := credentials.AccessToken(c.store); !ok {
		c.setUser(nil)
		return nil, nil
	}

	user, err := c.profile(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cancellation says nothing about the session; leave the cached
			// state stale rather than demoting.
			return nil, ctxErr
		}
		c.log.Warn().Err(err).Msg("session validation failed; treating as logged out")
		c.setUser(nil)
		return nil, nil
	}

	c.setUser(user)
	return user, nil
}

// setUser records the validated user and notifies observers when the
// identity actually changed.
func (c *Cache) setUser(user *gateway.User) {
	c.mu.Lock()
	previous := c.user
	c.user = user
	c.validated = true
	observers := make([]func(*gateway.User), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	if sameUser(previous, user) {
		return
	}
	for _, observer := range observers {
		observer(user)
	}
}

func sameUser(a, b *gateway.User) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}
