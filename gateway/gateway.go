package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// API paths consumed by the gateway.
const (
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
	refreshPath  = "/auth/refresh"
	logoutPath   = "/auth/logout"
	profilePath  = "/users/me"
)

const maxErrorBodyLength = 512

// Gateway issues the one-shot authentication calls against the cv-adapt API.
// It has no retry or queuing logic; bearer credentials on authenticated
// calls are attached by the HTTP client it is constructed with.
type Gateway struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the HTTP client used for all calls. Pass a client whose
// transport attaches credentials to make Profile and Logout authenticated.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) {
		g.log = log
	}
}

// New creates a Gateway for the API at baseURL.
func New(baseURL string, options ...Option) (*Gateway, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "[gateway.New] parse base URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.Errorf("[gateway.New] base URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("[gateway.New] base URL must include a host")
	}

	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// Login exchanges form-encoded credentials for a session payload.
func (g *Gateway) Login(ctx context.Context, email, password string) (*SessionPayload, error) {
	if err := ValidateUserCredentials(email, password); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.Login] create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var payload SessionPayload
	if err := g.do(req, http.StatusOK, &payload); err != nil {
		return nil, errors.Wrap(err, "[Gateway.Login] login request")
	}
	return &payload, nil
}

// Register creates an account and returns its first session payload.
func (g *Gateway) Register(ctx context.Context, email, password string) (*SessionPayload, error) {
	if err := ValidateUserCredentials(email, password); err != nil {
		return nil, err
	}

	req, err := g.jsonRequest(ctx, registerPath, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.Register] create request")
	}

	var payload SessionPayload
	if err := g.do(req, http.StatusOK, &payload); err != nil {
		return nil, errors.Wrap(err, "[Gateway.Register] register request")
	}
	return &payload, nil
}

// Refresh exchanges a refresh credential for a new session payload. A 401
// means the refresh credential itself is no longer valid.
func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (*SessionPayload, error) {
	if refreshToken == "" {
		return nil, errors.New("[Gateway.Refresh] refresh token is required")
	}

	req, err := g.jsonRequest(ctx, refreshPath, map[string]string{"token": refreshToken})
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.Refresh] create request")
	}

	var payload SessionPayload
	if err := g.do(req, http.StatusOK, &payload); err != nil {
		return nil, errors.Wrap(err, "[Gateway.Refresh] refresh request")
	}
	return &payload, nil
}

// Logout invalidates the current session server side. The bearer credential
// is attached by the gateway's HTTP client.
func (g *Gateway) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+logoutPath, nil)
	if err != nil {
		return errors.Wrap(err, "[Gateway.Logout] create request")
	}
	if err := g.do(req, http.StatusNoContent, nil); err != nil {
		return errors.Wrap(err, "[Gateway.Logout] logout request")
	}
	return nil
}

// Profile returns the user behind the current credential, validating the
// session server side.
func (g *Gateway) Profile(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+profilePath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.Profile] create request")
	}

	var user User
	if err := g.do(req, http.StatusOK, &user); err != nil {
		return nil, errors.Wrap(err, "[Gateway.Profile] profile request")
	}
	return &user, nil
}

func (g *Gateway) jsonRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes the request and decodes the response into out when the status
// matches wantStatus. Any other 2xx is tolerated; non-2xx becomes a
// RemoteError carrying the server's message.
func (g *Gateway) do(req *http.Request, wantStatus int, out any) error {
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	g.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("auth api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remoteError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.StatusCode != wantStatus {
		g.log.Debug().Int("status", resp.StatusCode).Int("expected", wantStatus).Msg("unexpected success status")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// remoteError extracts the server message from an error response body.
func remoteError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))

	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			message = body.Detail
		} else if body.Message != "" {
			message = body.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &RemoteError{StatusCode: resp.StatusCode, Message: message}
}
