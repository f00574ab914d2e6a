package storefakes

import (
	"errors"
	"sync"

	"github.com/kadykov/cv-adapt-client/credentials"
)

var _ credentials.Store = (*FakeStore)(nil)

// FakeStore is an in-memory Store for tests. Reads and writes can be forced
// to fail, and an OnWrite hook observes every successful write.
type FakeStore struct {
	mu      sync.Mutex
	session credentials.Session
	present bool

	FailReads  bool
	FailWrites bool
	OnWrite    func(credentials.Session)

	writes int
	clears int
}

func NewFakeStore() *FakeStore {
	return &FakeStore{}
}

func (fs *FakeStore) Read() (credentials.Session, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.FailReads {
		return credentials.Session{}, false, errors.New("read failure")
	}
	if !fs.present || !fs.session.Complete() {
		return credentials.Session{}, false, nil
	}
	return fs.session, true, nil
}

func (fs *FakeStore) Write(session credentials.Session) error {
	fs.mu.Lock()
	if fs.FailWrites {
		fs.mu.Unlock()
		return errors.New("write failure")
	}
	fs.session = session
	fs.present = true
	fs.writes++
	hook := fs.OnWrite
	fs.mu.Unlock()

	if hook != nil {
		hook(session)
	}
	return nil
}

func (fs *FakeStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.session = credentials.Session{}
	fs.present = false
	fs.clears++
	return nil
}

// Writes returns the number of successful writes.
func (fs *FakeStore) Writes() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writes
}

// Clears returns the number of Clear calls.
func (fs *FakeStore) Clears() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.clears
}
