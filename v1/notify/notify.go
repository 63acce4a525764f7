// Package notify publishes session activity (token acquired, released, wait
// timed out) so other processes can observe who is running a critical
// section. Notifications are advisory: the lock never depends on them.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what happened to a session.
type Kind string

const (
	KindAcquired Kind = "acquired"
	KindReleased Kind = "released"
	KindTimeout  Kind = "timeout"
)

// Event describes one transition of one engine on one session.
type Event struct {
	Session  string    `json:"session"`
	Instance string    `json:"instance"`
	Kind     Kind      `json:"kind"`
	At       time.Time `json:"at"`
}

// Notifier delivers events somewhere.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) error { return nil }

// Channel returns the pub/sub channel used for a session.
func Channel(session string) string {
	return "singlefile:events:" + session
}

// Subject returns the NATS subject used for a session. Characters NATS
// treats as separators or wildcards are replaced.
func Subject(session string) string {
	return "singlefile.events." + subjectReplacer.Replace(session)
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func encode(ev Event) ([]byte, error) { return json.Marshal(ev) }

func decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// InMemory fans events out to local subscribers, keyed by session.
type InMemory struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemory returns an empty InMemory notifier.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan Event)}
}

// Notify implements Notifier. Slow subscribers miss events rather than
// blocking the caller.
func (n *InMemory) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	chans := append([]chan Event(nil), n.subs[ev.Session]...)
	n.mu.Unlock()
	n.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- ev:
			n.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving events for session until ctx is done
// or Unsubscribe is called.
func (n *InMemory) Subscribe(ctx context.Context, session string) (chan Event, error) {
	ch := make(chan Event, 16)
	n.mu.Lock()
	n.subs[session] = append(n.subs[session], ch)
	n.mu.Unlock()
	go func() {
		<-ctx.Done()
		n.Unsubscribe(session, ch)
	}()
	return ch, nil
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (n *InMemory) Unsubscribe(session string, ch chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[session]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(n.subs, session)
	} else {
		n.subs[session] = subs
	}
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

func (n *InMemory) Metrics() Metrics {
	return Metrics{Published: n.published.Load(), Delivered: n.delivered.Load()}
}
