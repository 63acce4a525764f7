package notify

import (
	"context"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
)

func event(kind Kind) Event {
	return Event{Session: "jobs", Instance: "i-1", Kind: kind, At: time.Unix(1700000000, 0).UTC()}
}

func expectEvent(t *testing.T, ch <-chan Event, want Event) {
	t.Helper()
	select {
	case got := <-ch:
		if got.Session != want.Session || got.Instance != want.Instance || got.Kind != want.Kind || !got.At.Equal(want.At) {
			t.Fatalf("expected %+v got %+v", want, got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubjectAndChannel(t *testing.T) {
	if Channel("jobs") != "singlefile:events:jobs" {
		t.Fatalf("unexpected channel %s", Channel("jobs"))
	}
	if Subject("a.b c*>") != "singlefile.events.a_b_c__" {
		t.Fatalf("unexpected subject %s", Subject("a.b c*>"))
	}
}

func TestInMemoryNotifySubscribe(t *testing.T) {
	n := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, "jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, _ := n.Subscribe(ctx, "other")

	if err := n.Notify(ctx, event(KindAcquired)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	expectEvent(t, ch, event(KindAcquired))
	select {
	case ev := <-other:
		t.Fatalf("unexpected event on other session: %+v", ev)
	default:
	}
	m := n.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryUnsubscribeOnCancel(t *testing.T) {
	n := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := n.Subscribe(ctx, "jobs")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs["jobs"]; ok {
		t.Fatal("subscription not removed")
	}
}

func TestNopNotify(t *testing.T) {
	if err := (Nop{}).Notify(context.Background(), event(KindReleased)); err != nil {
		t.Fatalf("nop: %v", err)
	}
}

func TestRedisNotifySubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewRedis(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, "jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := n.Notify(ctx, event(KindReleased)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	expectEvent(t, ch, event(KindReleased))
}

func TestNATSNotifySubscribe(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	n := NewNATS(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, "jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := n.Notify(ctx, event(KindTimeout)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	expectEvent(t, ch, event(KindTimeout))
}

func TestKafkaNotify(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		ev, err := decode(val)
		if err != nil {
			return err
		}
		if ev.Kind != KindAcquired || ev.Session != "jobs" {
			t.Errorf("unexpected event %+v", ev)
		}
		return nil
	})

	k := NewKafka(producer, "")
	if k.topic != DefaultKafkaTopic {
		t.Fatalf("expected default topic, got %s", k.topic)
	}
	if err := k.Notify(context.Background(), event(KindAcquired)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaNotifyError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	k := NewKafka(producer, "events")
	if err := k.Notify(context.Background(), event(KindReleased)); err == nil {
		t.Fatal("expected send error")
	}
	_ = k.Close()
}
