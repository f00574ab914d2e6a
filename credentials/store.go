package credentials

// Store defines the interface for session persistence. Implementations must
// replace or remove the whole triple in one operation and must report a
// partially present triple as absent.
//
// A Store has no network or UI side effects. When the backing storage is
// unavailable, reads report absence and writes are best-effort: the session
// simply will not survive a restart.
type Store interface {
	// Read returns the stored session, or ok=false when no complete triple
	// is stored.
	Read() (session Session, ok bool, err error)

	// Write replaces the stored triple with the given session.
	Write(session Session) error

	// Clear removes the stored triple. Clearing an empty store is not an
	// error.
	Clear() error
}

// AccessToken returns the stored access credential, if any.
func AccessToken(store Store) (string, bool) {
	session, ok, err := store.Read()
	if err != nil || !ok {
		return "", false
	}
	return session.AccessToken, true
}

// RefreshToken returns the stored refresh credential, if any.
func RefreshToken(store Store) (string, bool) {
	session, ok, err := store.Read()
	if err != nil || !ok {
		return "", false
	}
	return session.RefreshToken, true
}
