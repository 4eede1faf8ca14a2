package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"permitline/internal/domain"
)

// Producer is the slice of *kgo.Client the Kafka notifier uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes notifications keyed by request id, so one request's
// notifications stay ordered within a partition.
type Kafka struct {
	Producer Producer
	Topic    string
}

// NewKafka dials the brokers. Close the returned client on shutdown.
func NewKafka(brokers []string, topic string) (*Kafka, *kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka{Producer: client, Topic: topic}, client, nil
}

func (k *Kafka) Notify(ctx context.Context, n domain.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: k.Topic,
		Key:   []byte(n.RequestID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(n.Event)},
		},
	}
	if err := k.Producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", k.Topic, err)
	}
	return nil
}
