package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/agentmarket/internal/circuitbreaker"
	"github.com/mbd888/agentmarket/internal/retry"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	Retry        retry.Policy

	// Breaker opens after BreakerThreshold failed batches and skips writes
	// for BreakerCooldown. Zero values select the breaker defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams committed events to a Kafka topic as JSON, keyed
// by subject so every event about one record lands on the same partition.
type KafkaPublisher struct {
	writer  messageWriter
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	key     string
}

// NewKafkaPublisher constructs a publisher backed by a kafka-go Writer.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	return newKafkaPublisher(w, cfg.Retry, breaker, cfg.Topic), nil
}

func newKafkaPublisher(w messageWriter, policy retry.Policy, breaker *circuitbreaker.Breaker, topic string) *KafkaPublisher {
	if policy.Attempts <= 0 {
		policy = retry.DefaultPolicy
	}
	return &KafkaPublisher{writer: w, policy: policy, breaker: breaker, key: "kafka:" + topic}
}

// Publish writes the batch, retrying transient broker errors. While the
// breaker is open the batch is rejected with circuitbreaker.ErrOpen without
// touching the broker.
func (p *KafkaPublisher) Publish(ctx context.Context, evts []Event) error {
	if len(evts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evts))
	for _, e := range evts {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("kafka: encode event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Subject),
			Value: value,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
			},
		})
	}

	return p.breaker.Do(p.key, func() error {
		return retry.Do(ctx, p.policy, func(ctx context.Context) error {
			return p.writer.WriteMessages(ctx, msgs...)
		})
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
