package notify

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

// Redis publishes events as JSON on the session's pub/sub channel.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a Redis notifier using client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Notify implements Notifier.
func (r *Redis) Notify(ctx context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel(ev.Session), data).Err()
}

// Subscribe returns a channel of decoded events for session. The
// subscription is confirmed before Subscribe returns and is closed when ctx
// is done.
func (r *Redis) Subscribe(ctx context.Context, session string) (<-chan Event, error) {
	ps := r.client.Subscribe(ctx, Channel(session))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decode([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}
