// Package watch propagates session changes made by other processes sharing
// the same credential storage, the way browser tabs share a storage
// partition. It only observes; writes are announced implicitly by the
// storage itself.
package watch

// Notifier announces external changes to the stored credential.
type Notifier interface {
	// Subscribe registers a handler invoked with the new access credential
	// (empty on clear) whenever the stored value changes through some other
	// writer. The returned cancel function removes the subscription; it is
	// safe to call more than once.
	Subscribe(handler func(newValue string)) (cancel func())
}
