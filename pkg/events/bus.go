// Package events implements the in-process push-event bus. Events are
// scoped to an owner identity and optionally to a single live connection;
// delivery is best-effort with bounded per-subscriber buffers so a stalled
// client can never block a publisher.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Event names delivered over the bus.
const (
	NameJobUpdate = "job_update"
	NamePing      = "ping"
)

// Event is one push notification.
type Event struct {
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	ConnID  string `json:"conn_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// subscriberBuffer is the per-connection channel capacity. Events beyond
// it are dropped; clients re-sync by polling.
const subscriberBuffer = 64

// Bus fans events out to subscribed connections.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Event // owner -> connID -> channel
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[string]chan Event)}
}

// Subscribe registers a live connection for the owner and returns its
// connection id, the event channel, and a cancel function. The channel is
// closed on cancel.
func (b *Bus) Subscribe(owner string) (string, <-chan Event, func()) {
	connID := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	conns, ok := b.subs[owner]
	if !ok {
		conns = make(map[string]chan Event)
		b.subs[owner] = conns
	}
	conns[connID] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if conns, ok := b.subs[owner]; ok {
			if cur, ok := conns[connID]; ok {
				delete(conns, connID)
				close(cur)
			}
			if len(conns) == 0 {
				delete(b.subs, owner)
			}
		}
	}
	return connID, ch, cancel
}

// Publish delivers the event to the owner's connections. A non-empty
// ConnID narrows delivery to that single connection. Publish never
// blocks: events to a full buffer are dropped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	conns, ok := b.subs[evt.Owner]
	if !ok {
		return
	}
	for connID, ch := range conns {
		if evt.ConnID != "" && evt.ConnID != connID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

// Ping sends a keep-alive event to one connection. It satisfies the
// sweeper's ClientPinger.
func (b *Bus) Ping(owner, connID string) {
	b.Publish(Event{Name: NamePing, Owner: owner, ConnID: connID})
}
