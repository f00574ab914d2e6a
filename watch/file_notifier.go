package watch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kadykov/cv-adapt-client/credentials"
)

// DefaultPollInterval is how often the FileNotifier re-reads the store.
const DefaultPollInterval = 2 * time.Second

var _ Notifier = (*FileNotifier)(nil)

// FileNotifier polls a credential store and fires its handlers only when the
// stored access credential actually differs from the last observed value.
// Re-writes of the same value and unrelated file churn never fire.
type FileNotifier struct {
	store    credentials.Store
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	last     string
	handlers map[int]func(string)
	nextID   int
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
}

// FileNotifierOption configures a FileNotifier.
type FileNotifierOption func(*FileNotifier)

// WithPollInterval overrides the polling cadence.
func WithPollInterval(interval time.Duration) FileNotifierOption {
	return func(n *FileNotifier) {
		n.interval = interval
	}
}

// WithLogger sets the logger for poll diagnostics.
func WithLogger(log zerolog.Logger) FileNotifierOption {
	return func(n *FileNotifier) {
		n.log = log
	}
}

// NewFileNotifier creates a notifier over the given store. Polling starts
// with the first subscription.
func NewFileNotifier(store credentials.Store, options ...FileNotifierOption) *FileNotifier {
	n := &FileNotifier{
		store:    store,
		interval: DefaultPollInterval,
		log:      zerolog.Nop(),
		handlers: make(map[int]func(string)),
		stop:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// Subscribe implements Notifier.
func (n *FileNotifier) Subscribe(handler func(newValue string)) (cancel func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = handler
	if !n.started {
		n.started = true
		n.last = n.currentValue()
		go n.run()
	}
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers, id)
			n.mu.Unlock()
		})
	}
}

// Close stops polling. Existing subscriptions stop firing.
func (n *FileNotifier) Close() {
	n.stopOnce.Do(func() {
		close(n.stop)
	})
}

func (n *FileNotifier) run() {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.poll()
		}
	}
}

func (n *FileNotifier) poll() {
	value := n.currentValue()

	n.mu.Lock()
	if value == n.last {
		n.mu.Unlock()
		return
	}
	n.last = value
	handlers := make([]func(string), 0, len(n.handlers))
	for _, handler := range n.handlers {
		handlers = append(handlers, handler)
	}
	n.mu.Unlock()

	n.log.Debug().Msg("external credential change observed")
	for _, handler := range handlers {
		handler(value)
	}
}

// currentValue reads the access credential; absence is the empty string, so
// a logout elsewhere is itself a change.
func (n *FileNotifier) currentValue() string {
	token, ok := credentials.AccessToken(n.store)
	if !ok {
		return ""
	}
	return token
}
