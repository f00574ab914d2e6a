package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadykov/cv-adapt-client/gateway"
)

func newTestGateway(t *testing.T, handler http.Handler) *gateway.Gateway {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gw, err := gateway.New(server.URL, gateway.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return gw
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := gateway.New("not a url")
	require.Error(t, err)

	_, err = gateway.New("ftp://example.com")
	require.Error(t, err)

	_, err = gateway.New("http://")
	require.Error(t, err)
}

func TestLoginSendsFormEncodedCredentials(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth/login", r.URL.Path)
		require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NotEmpty(t, r.Header.Get("X-Request-Id"))

		require.NoError(t, r.ParseForm())
		require.Equal(t, "john@example.com", r.PostForm.Get("username"))
		require.Equal(t, "secret", r.PostForm.Get("password"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "bearer",
			"expires_in":    900,
			"user":          map[string]any{"id": 7, "email": "john@example.com"},
		})
	}))

	payload, err := gw.Login(context.Background(), "john@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, "access-1", payload.AccessToken)
	require.Equal(t, "refresh-1", payload.RefreshToken)
	require.NotNil(t, payload.User)
	require.Equal(t, int64(7), payload.User.ID)
}

func TestLoginValidatesBeforeNetwork(t *testing.T) {
	called := false
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	_, err := gw.Login(context.Background(), "", "secret")
	require.ErrorIs(t, err, gateway.ErrEmailRequired)

	_, err = gw.Login(context.Background(), "not-an-email", "secret")
	require.ErrorIs(t, err, gateway.ErrInvalidEmail)

	_, err = gw.Login(context.Background(), "john@example.com", "")
	require.ErrorIs(t, err, gateway.ErrPasswordRequired)

	require.False(t, called)
}

func TestLoginRemoteErrorCarriesStatusAndMessage(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "incorrect email or password"})
	}))

	_, err := gw.Login(context.Background(), "john@example.com", "wrong")
	require.Error(t, err)

	var remoteErr *gateway.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusUnauthorized, remoteErr.StatusCode)
	require.Equal(t, "incorrect email or password", remoteErr.Message)
	require.True(t, gateway.IsUnauthorized(err))
}

func TestRegisterSendsJSONBody(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/register", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req map[string]string
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, "new@example.com", req["email"])
		require.Equal(t, "secret", req["password"])

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
		})
	}))

	payload, err := gw.Register(context.Background(), "new@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, "access-1", payload.AccessToken)
}

func TestRegisterDuplicateSurfacesRemoteError(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "email already registered"})
	}))

	_, err := gw.Register(context.Background(), "dup@example.com", "secret")

	var remoteErr *gateway.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusBadRequest, remoteErr.StatusCode)
	require.Equal(t, "email already registered", remoteErr.Message)
}

func TestRefreshSendsTokenBody(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/refresh", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "refresh-1", req["token"])

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
		})
	}))

	payload, err := gw.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "access-2", payload.AccessToken)
	require.Equal(t, "refresh-2", payload.RefreshToken)
}

func TestRefreshRejectsEmptyToken(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	_, err := gw.Refresh(context.Background(), "")
	require.Error(t, err)
}

func TestLogoutAcceptsNoContent(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/logout", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, gw.Logout(context.Background()))
}

func TestProfileDecodesUser(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/users/me", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"id":    42,
			"email": "john@example.com",
			"personal_info": map[string]any{
				"full_name": "John Doe",
			},
		})
	}))

	user, err := gw.Profile(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), user.ID)
	require.Equal(t, "john@example.com", user.Email)
	require.Equal(t, "John Doe", user.PersonalInfo["full_name"])
}

func TestTransportFailureIsNotRemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing is listening any more

	gw, err := gateway.New(server.URL)
	require.NoError(t, err)

	_, err = gw.Profile(context.Background())
	require.Error(t, err)

	var remoteErr *gateway.RemoteError
	require.False(t, errors.As(err, &remoteErr))
}
