package gateway

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/kadykov/cv-adapt-client/credentials"
	"github.com/kadykov/cv-adapt-client/internal/utils"
)

// User is the server-confirmed identity behind a session. It is derived, not
// persisted: its presence always implies a validated session.
type User struct {
	ID           int64          `json:"id"`
	Email        string         `json:"email"`
	CreatedAt    time.Time      `json:"created_at"`
	PersonalInfo map[string]any `json:"personal_info,omitempty"`
}

// SessionPayload is the response body of the login, register, and refresh
// endpoints. ExpiresIn is a pointer because the server may omit the lifetime;
// see Session for the fallback chain.
type SessionPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    *int64 `json:"expires_in,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Session converts the payload into a storable credential triple. The expiry
// is taken from expires_in when present, otherwise from the access token's
// own exp claim, otherwise a default lifetime from the moment of storage.
func (p *SessionPayload) Session(now time.Time) credentials.Session {
	expiresAt := now.Add(credentials.DefaultLifetime)
	if utils.Value(p.ExpiresIn) > 0 {
		expiresAt = now.Add(time.Duration(*p.ExpiresIn) * time.Second)
	} else if claimed, ok := tokenExpiry(p.AccessToken); ok {
		expiresAt = claimed
	}

	return credentials.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    expiresAt,
	}
}

// tokenExpiry extracts the exp claim from a JWT access token. The signature
// is not verified: the client only needs a refresh schedule, the server
// remains the authority on validity.
func tokenExpiry(rawToken string) (time.Time, bool) {
	token, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	expiry, err := token.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}
