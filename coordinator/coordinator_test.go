package coordinator_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadykov/cv-adapt-client/coordinator"
	"github.com/kadykov/cv-adapt-client/credentials"
	"github.com/kadykov/cv-adapt-client/credentials/storefakes"
)

// fakeBackend accepts exactly one bearer token and answers 401 to anything
// else, standing in for the resource API behind the coordinator.
type fakeBackend struct {
	mu         sync.Mutex
	validToken string
	hits       int
	rejected   int
	status     int // optional non-401 failure status for every request
}

func (b *fakeBackend) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hits++

	if b.status != 0 {
		return respond(b.status, "forced failure"), nil
	}
	if req.Header.Get("Authorization") != "Bearer "+b.validToken {
		b.rejected++
		return respond(http.StatusUnauthorized, "invalid credential"), nil
	}
	return respond(http.StatusOK, "ok"), nil
}

func (b *fakeBackend) rotate(newToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validToken = newToken
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// fixture wires a coordinator over a fake store, fake backend, and a
// counting refresh function.
type fixture struct {
	store   *storefakes.FakeStore
	backend *fakeBackend
	coord   *coordinator.Coordinator

	mu         sync.Mutex
	refreshes  int
	refreshErr error
	refreshLag time.Duration
	noRotate   bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   storefakes.NewFakeStore(),
		backend: &fakeBackend{validToken: "access-1"},
	}

	refresh := func(ctx context.Context, refreshToken string) (credentials.Session, error) {
		f.mu.Lock()
		f.refreshes++
		lag := f.refreshLag
		err := f.refreshErr
		noRotate := f.noRotate
		f.mu.Unlock()

		if lag > 0 {
			time.Sleep(lag)
		}
		if err != nil {
			return credentials.Session{}, err
		}

		session := credentials.Session{
			AccessToken:  "access-2",
			RefreshToken: "refresh-2",
			ExpiresAt:    time.Now().Add(time.Hour),
		}
		if !noRotate {
			f.backend.rotate(session.AccessToken)
		}
		return session, nil
	}

	coord, err := coordinator.New(f.store, refresh, coordinator.WithBaseTransport(f.backend))
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fixture) storeSession(t *testing.T, access string) {
	t.Helper()
	require.NoError(t, f.store.Write(credentials.Session{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
}

func (f *fixture) get(t *testing.T) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://api.test/jobs", nil)
	require.NoError(t, err)
	return f.coord.RoundTrip(req)
}

func TestAttachesStoredCredential(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "access-1")

	resp, err := f.get(t)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, f.refreshCount())
}

func TestUnauthorizedWithoutSessionPropagates(t *testing.T) {
	f := newFixture(t)
	// No session stored at all: there is nothing to coordinate.

	resp, err := f.get(t)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, f.refreshCount())
}

func TestStaleCredentialIsRefreshedAndRetriedOnce(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "stale-access")

	resp, err := f.get(t)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The caller sees the retried response, never the 401.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, f.refreshCount())

	session, ok, err := f.store.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "access-2", session.AccessToken)
	require.Equal(t, "refresh-2", session.RefreshToken)
}

func TestConcurrentUnauthorizedRequestsShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "stale-access")
	f.refreshLag = 50 * time.Millisecond

	const n = 20
	var wg sync.WaitGroup
	statuses := make([]int, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.get(t)
			if err != nil {
				errs[i] = err
				return
			}
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, http.StatusOK, statuses[i])
	}
	require.Equal(t, 1, f.refreshCount())
}

func TestRefreshFailureClearsSessionAndFailsAllWaiters(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "stale-access")
	f.refreshErr = errors.New("refresh token rejected")
	f.refreshLag = 20 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.get(t)
			if err == nil {
				resp.Body.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	var refreshFailures int
	for i := 0; i < n; i++ {
		var refreshErr *coordinator.RefreshError
		if errors.As(errs[i], &refreshErr) {
			refreshFailures++
			continue
		}
		// Late arrivals that missed the flight find the session already
		// cleared and see their 401 propagate instead.
		require.NoError(t, errs[i])
	}
	require.GreaterOrEqual(t, refreshFailures, 1)
	require.Equal(t, 1, f.refreshCount())

	// The clear removes the whole triple: nothing partial survives.
	_, ok, err := f.store.Read()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, f.store.Clears())
}

func TestRetriedRequestSecondUnauthorizedPropagates(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "stale-access")
	// The backend keeps rejecting even the refreshed credential.
	f.backend.validToken = "never-issued"
	f.noRotate = true

	resp, err := f.get(t)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 1, f.refreshCount())
}

func TestNonUnauthorizedFailurePassesThrough(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "access-1")
	f.backend.status = http.StatusInternalServerError

	resp, err := f.get(t)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, 0, f.refreshCount())
}

func TestRefreshDueButUnexpiredCredentialIsUsedAsIs(t *testing.T) {
	f := newFixture(t)
	// Inside the refresh lead window but not expired, and still accepted by
	// the server: the request proceeds with the old credential and no
	// refresh happens on the request path.
	require.NoError(t, f.store.Write(credentials.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	resp, err := f.get(t)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, f.refreshCount())
}

func TestNonReplayableBodyIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "stale-access")

	// io.LimitReader is a plain io.Reader, so NewRequest cannot derive
	// GetBody and the request cannot be replayed.
	body := io.LimitReader(strings.NewReader("payload"), 7)
	req, err := http.NewRequest(http.MethodPost, "http://api.test/jobs", body)
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := f.coord.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, f.refreshCount())
}

func TestReplayableBodyIsRetriedWithFreshBody(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, "stale-access")

	req, err := http.NewRequest(http.MethodPost, "http://api.test/jobs", strings.NewReader("payload"))
	require.NoError(t, err)
	require.NotNil(t, req.GetBody)

	resp, err := f.coord.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, f.refreshCount())
}
