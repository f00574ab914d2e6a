package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Validation errors, raised before any network call.
var (
	ErrEmailRequired    = errors.New("email is required")
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrPasswordRequired = errors.New("password is required")
)

// RemoteError is returned for any non-2xx response from the auth API. It
// carries the server status and message verbatim. Transport-level failures
// are not RemoteErrors; they propagate as wrapped errors with no status.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("auth api: status %d: %s", e.StatusCode, e.Message)
}

// Unauthorized reports whether the server rejected the request's credential.
func (e *RemoteError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsUnauthorized reports whether err is a RemoteError with status 401.
func IsUnauthorized(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Unauthorized()
}

// IsValidation reports whether err was raised by local input validation,
// before any network call was made.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmailRequired) ||
		errors.Is(err, ErrInvalidEmail) ||
		errors.Is(err, ErrPasswordRequired)
}
