// Package events fans typed sync engine events out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/fruitsalade/savesync/internal/device"
)

// Type identifies what happened.
type Type string

const (
	QueueChanged   Type = "queue-changed"
	CatalogChanged Type = "catalog-changed"
	TitleChanged   Type = "title-changed"
	RequestFailed  Type = "request-failed"
	RequestInfo    Type = "request-info"
	OnlineChanged  Type = "online-changed"
	Progress       Type = "progress"
)

// Event is a single notification. Fields not relevant to Type are zero.
type Event struct {
	Type      Type
	TitleID   uint64
	Container device.Container
	Message   string
	Err       error
	QueueLen  int
	Online    bool
	Done      int64
	Total     int64
	Timestamp time.Time
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers. A nil Broadcaster discards everything.
func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
