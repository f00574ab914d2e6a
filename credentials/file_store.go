package credentials

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	fileMode = 0o600
	dirMode  = 0o700

	saltLength  = 16
	nonceLength = 24
	keyLength   = 32
)

// Argon2id parameters for deriving the sealing key from a passphrase.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// FileStore persists the session triple as a single JSON document on disk.
// The document is replaced atomically (temp file + rename), so readers never
// observe a partial triple. A missing, unreadable, or corrupt file reads as
// an absent session.
type FileStore struct {
	path       string
	passphrase []byte

	mu sync.Mutex
	// Derived sealing keys cached per salt, so polling readers do not pay
	// the Argon2 cost on every read.
	keys map[[saltLength]byte]*[keyLength]byte
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithSealing seals the stored document with a key derived from the given
// passphrase. A sealed file that cannot be opened (wrong passphrase,
// truncated file) reads as an absent session.
func WithSealing(passphrase string) FileStoreOption {
	return func(fs *FileStore) {
		fs.passphrase = []byte(passphrase)
	}
}

// NewFileStore creates a store backed by the file at path.
func NewFileStore(path string, options ...FileStoreOption) *FileStore {
	fs := &FileStore{
		path: path,
		keys: make(map[[saltLength]byte]*[keyLength]byte),
	}
	for _, opt := range options {
		opt(fs)
	}
	return fs
}

// Read implements Store.
func (fs *FileStore) Read() (Session, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	raw, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, false, nil
		}
		return Session{}, false, errors.Wrap(err, "[FileStore.Read] read file")
	}

	if fs.passphrase != nil {
		raw, err = fs.unseal(raw)
		if err != nil {
			return Session{}, false, nil
		}
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, false, nil
	}
	if !session.Complete() {
		return Session{}, false, nil
	}
	return session, true, nil
}

// Write implements Store.
func (fs *FileStore) Write(session Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "[FileStore.Write] marshal session")
	}

	if fs.passphrase != nil {
		raw, err = fs.seal(raw)
		if err != nil {
			return errors.Wrap(err, "[FileStore.Write] seal session")
		}
	}

	if err := os.MkdirAll(filepath.Dir(fs.path), dirMode); err != nil {
		return errors.Wrap(err, "[FileStore.Write] create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".credentials-*")
	if err != nil {
		return errors.Wrap(err, "[FileStore.Write] create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[FileStore.Write] chmod temp file")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[FileStore.Write] write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "[FileStore.Write] close temp file")
	}

	if err := os.Rename(tmpName, fs.path); err != nil {
		return errors.Wrap(err, "[FileStore.Write] rename temp file")
	}
	return nil
}

// Clear implements Store.
func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[FileStore.Clear] remove file")
	}
	return nil
}

// Sealed document layout: salt | nonce | secretbox(plaintext).
func (fs *FileStore) seal(plaintext []byte) ([]byte, error) {
	var salt [saltLength]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	key := fs.deriveKey(salt)
	out := make([]byte, 0, saltLength+nonceLength+len(plaintext)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

func (fs *FileStore) unseal(raw []byte) ([]byte, error) {
	if len(raw) < saltLength+nonceLength+secretbox.Overhead {
		return nil, errors.New("sealed document too short")
	}
	var salt [saltLength]byte
	copy(salt[:], raw[:saltLength])
	var nonce [nonceLength]byte
	copy(nonce[:], raw[saltLength:saltLength+nonceLength])

	plaintext, ok := secretbox.Open(nil, raw[saltLength+nonceLength:], &nonce, fs.deriveKey(salt))
	if !ok {
		return nil, errors.New("cannot open sealed document")
	}
	return plaintext, nil
}

func (fs *FileStore) deriveKey(salt [saltLength]byte) *[keyLength]byte {
	if key, ok := fs.keys[salt]; ok {
		return key
	}
	derived := argon2.IDKey(fs.passphrase, salt[:], argonTime, argonMemory, argonThreads, keyLength)
	key := new([keyLength]byte)
	copy(key[:], derived)
	fs.keys[salt] = key
	return key
}
