package credentials

import "time"

const (
	// DefaultLifetime is assumed for an access credential whose server
	// response carried no explicit expiry.
	DefaultLifetime = time.Hour

	// RefreshLead is the lead time before hard expiry at which a session is
	// considered due for a proactive refresh.
	RefreshLead = 5 * time.Minute
)

// Session is the persisted credential triple: the short-lived access
// credential, the longer-lived refresh credential, and the access
// credential's expiry. The three fields are always written and cleared
// together; a session missing any one of them is treated as absent.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Complete reports whether all three fields of the triple are present.
func (s Session) Complete() bool {
	return s.AccessToken != "" && s.RefreshToken != "" && !s.ExpiresAt.IsZero()
}

// Expired reports whether the access credential has passed its expiry.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// NeedsRefresh reports whether the session is inside the refresh lead
// window, i.e. it should be refreshed proactively even though it may still
// be accepted by the server.
func (s Session) NeedsRefresh(now time.Time) bool {
	return !now.Before(s.ExpiresAt.Add(-RefreshLead))
}
