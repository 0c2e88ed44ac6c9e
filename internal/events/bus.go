// Package events fans core notifications out to any number of subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/buzztag/internal/models"
)

// Kind identifies an event.
type Kind int

const (
	PeerDiscovered Kind = iota
	SessionStateChanged
	MessageReceived
	MessageSent
	ProfileReceived
	PeerRemoved
	Alert
)

func (k Kind) String() string {
	switch k {
	case PeerDiscovered:
		return "peer-discovered"
	case SessionStateChanged:
		return "session-state-changed"
	case MessageReceived:
		return "message-received"
	case MessageSent:
		return "message-sent"
	case ProfileReceived:
		return "profile-received"
	case PeerRemoved:
		return "peer-removed"
	case Alert:
		return "alert"
	default:
		return "unknown"
	}
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind   Kind
	Time   time.Time
	PeerID string

	Peer     models.PeerDevice   // PeerDiscovered
	State    models.SessionState // SessionStateChanged
	Verified bool                // SessionStateChanged
	Reason   string              // SessionStateChanged, Alert
	Message  models.Message      // MessageReceived, MessageSent
	Profile  models.Profile      // ProfileReceived
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// Bus delivers each published event to every subscriber in publish order.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of events and a cancel func that unsubscribes
// and closes the channel. buffer below 1 is treated as 1.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers e to every subscriber. A zero Time is set to now.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped++
			slog.Warn("[EVENTS] subscriber buffer full, event dropped",
				"subscriber", id, "kind", e.Kind, "peer", e.PeerID, "dropped", s.dropped)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops and
// later Subscribe calls return a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
