// Package eventbus fans out payment and grant lifecycle events to in-process
// subscribers such as the admin live feed.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	InvoiceIssued     = "invoice.issued"
	PaymentSettled    = "payment.settled"
	PaymentRejected   = "payment.rejected"
	GrantCreated      = "grant.created"
	GrantDelivered    = "grant.delivered"
	GrantRevoked      = "grant.revoked"
	GrantRevokeFailed = "grant.revoke_failed"
	LogEntry          = "log.entry"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	ServerID  string          `json:"server_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	PublishType(eventType, serverID string, data any)
}

// Bus is a fan-out pub/sub event bus. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // nil filter = all types
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a channel that receives events of the given types, or of
// every type when none are given.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.mu.Lock()
	b.subs[ch] = filter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish sends e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// PublishType marshals data and publishes it as an event of eventType.
func (b *Bus) PublishType(eventType, serverID string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		ServerID:  serverID,
		Data:      raw,
	})
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) PublishType(string, string, any) {}
