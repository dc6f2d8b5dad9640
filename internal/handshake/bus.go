package handshake

import (
	"sync"

	"github.com/dgellow/fin-auth/internal/log"
)

// Message types a child window may post.
const (
	TypeAuthSuccess = "AUTH_SUCCESS"
	TypeAuthError   = "AUTH_ERROR"
)

// defaultInboxSize bounds how many accepted messages may queue for a session.
const defaultInboxSize = 8

// Payload is the body a child window posts.
type Payload struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
	// Code is the one-time handoff code of a command-line login. Only the
	// loopback relay ever receives it.
	Code string `json:"code,omitempty"`
}

// Message is one delivery on the bus. Origin is the origin of the page that
// posted it and Source the ID of the window it came from.
type Message struct {
	Origin string
	Source string
	Data   Payload
}

// Bus is the global message channel windows post to. Messages are only
// queued on inboxes whose predicate accepts them; everything else is dropped.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[*Inbox]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{inboxes: make(map[*Inbox]struct{})}
}

// Post delivers msg to every inbox that accepts it and returns how many did.
// Post never blocks: an inbox that is full drops the message.
func (b *Bus) Post(msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for in := range b.inboxes {
		if !in.accepts(msg) {
			continue
		}
		select {
		case in.ch <- msg:
			delivered++
		default:
			log.LogDebugWithFields("handshake", "Inbox full, dropping message", map[string]any{
				"source": msg.Source,
				"type":   msg.Data.Type,
			})
		}
	}

	if delivered == 0 {
		log.LogTraceWithFields("handshake", "Message matched no inbox", map[string]any{
			"origin": msg.Origin,
			"source": msg.Source,
		})
	}
	return delivered
}

// Listen registers an inbox that only accepts messages posted from origin by
// the window identified by source. An empty origin or source accepts nothing.
func (b *Bus) Listen(origin, source string) *Inbox {
	in := &Inbox{
		bus:    b,
		origin: origin,
		source: source,
		ch:     make(chan Message, defaultInboxSize),
	}
	b.mu.Lock()
	b.inboxes[in] = struct{}{}
	b.mu.Unlock()
	return in
}

// Listeners returns the number of registered inboxes.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.inboxes)
}

// Inbox is a filtered queue of messages for one session.
type Inbox struct {
	bus    *Bus
	origin string
	source string
	ch     chan Message
	once   sync.Once
}

func (in *Inbox) accepts(msg Message) bool {
	if in.origin == "" || in.source == "" {
		return false
	}
	return msg.Origin == in.origin && msg.Source == in.source
}

// C returns the channel accepted messages are queued on. It is closed by Close.
func (in *Inbox) C() <-chan Message {
	return in.ch
}

// Close unregisters the inbox. It is safe to call more than once.
func (in *Inbox) Close() {
	in.once.Do(func() {
		in.bus.mu.Lock()
		delete(in.bus.inboxes, in)
		close(in.ch)
		in.bus.mu.Unlock()
	})
}
