package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
)

// Producer is the subset of *kgo.Client the forwarder needs
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// NewKafkaClient builds a franz-go producer for the given brokers and topic
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

// KafkaForwarder copies every bus event to a Kafka topic, keyed by session or region id
type KafkaForwarder struct {
	producer Producer
	topic    string
	logger   logger.Logger
	sub      *Subscription
	wg       sync.WaitGroup
}

// NewKafkaForwarder subscribes to bus and starts forwarding
func NewKafkaForwarder(bus *Bus, producer Producer, topic string, log logger.Logger) *KafkaForwarder {
	f := &KafkaForwarder{
		producer: producer,
		topic:    topic,
		logger:   log.With(logger.String("component", "kafka-forwarder")),
		sub:      bus.Subscribe(64),
	}

	f.wg.Add(1)
	go f.run()
	return f
}

func (f *KafkaForwarder) run() {
	defer f.wg.Done()

	for e := range f.sub.C() {
		value, err := json.Marshal(e)
		if err != nil {
			f.logger.Error("failed to encode event", logger.String("event", string(e.Name)), logger.Error(err))
			continue
		}

		record := &kgo.Record{
			Topic: f.topic,
			Key:   []byte(e.Key()),
			Value: value,
		}
		name := e.Name
		f.producer.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
			if err != nil {
				f.logger.Warn("failed to forward event",
					logger.String("event", string(name)),
					logger.Error(err))
			}
		})
	}
}

// Close waits for the closed bus to hand over its queued events, then flushes
// and closes the producer. If ctx ends first the rest of the queue is dropped.
func (f *KafkaForwarder) Close(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		f.logger.Warn("kafka forwarder closed before the event queue drained")
		f.sub.Close()
		<-drained
	}

	err := f.producer.Flush(ctx)
	f.producer.Close()
	if err != nil {
		return fmt.Errorf("failed to flush kafka producer: %w", err)
	}
	return nil
}
