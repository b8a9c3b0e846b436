package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes encoded payloads to a fixed topic. Each call to
// Publish is a short-lived, independently-timed-out send (spec.md §5's
// "producer pool of short-lived publish tasks per outbound message");
// the underlying kgo.Client already multiplexes concurrent ProduceSync
// calls internally, so no separate goroutine pool is needed here.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer against brokers, targeting topic.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create producer client: %w", err)
	}
	return &Producer{client: client, topic: topic}, nil
}

// Publish produces a single record with the given key and value,
// returning once the broker has acknowledged it or ProducerSendTimeout
// elapses, per spec.md §5's bounded per-task send timeout; a timed-out
// send is reported to the caller so it can be counted as dropped.
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, ProducerSendTimeout)
	defer cancel()

	record := &kgo.Record{Topic: p.topic, Key: key, Value: value}

	result := p.client.ProduceSync(sendCtx, record)
	return result.FirstErr()
}

// Close releases the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}
