package notify

import (
	"context"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is used when NewKafka gets an empty topic.
const DefaultKafkaTopic = "singlefile-events"

// Kafka produces events to one topic, keyed by session so a session's events
// stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka returns a Kafka notifier writing to topic through producer.
func NewKafka(producer sarama.SyncProducer, topic string) *Kafka {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &Kafka{producer: producer, topic: topic}
}

// NewKafkaFromBrokers connects a sync producer to brokers.
func NewKafkaFromBrokers(brokers []string, cfg *sarama.Config, topic string) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafka(producer, topic), nil
}

// Notify implements Notifier.
func (k *Kafka) Notify(_ context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.Session),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

// Close closes the underlying producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
