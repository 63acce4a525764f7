package notify

import (
	"context"

	nats "github.com/nats-io/nats.go"
)

// NATS publishes events as JSON on the session's subject.
type NATS struct {
	conn *nats.Conn
}

// NewNATS returns a NATS notifier using conn.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Notify implements Notifier.
func (n *NATS) Notify(_ context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return n.conn.Publish(Subject(ev.Session), data)
}

// Subscribe returns a channel of decoded events for session. Delivery stops
// once ctx is done; the channel itself is never closed.
func (n *NATS) Subscribe(ctx context.Context, session string) (<-chan Event, error) {
	out := make(chan Event, 16)
	done := make(chan struct{})
	sub, err := n.conn.Subscribe(Subject(session), func(msg *nats.Msg) {
		ev, err := decode(msg.Data)
		if err != nil {
			return
		}
		select {
		case <-done:
		case out <- ev:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	go func() {
		<-ctx.Done()
		close(done)
		_ = sub.Unsubscribe()
	}()
	return out, nil
}
