package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/releasegate/releasegate/internal/retry"
)

// Publisher pushes appended decision records to downstream consumers.
// The ledger files remain the source of truth; publication is best-effort
// with bounded retries and never blocks a cycle on broker problems.
type Publisher interface {
	Publish(ctx context.Context, rec DecisionRecord) error
	Close() error
}

// KafkaPublisherConfig configures the Kafka decision publisher.
type KafkaPublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the decisions topic to write to.
	Topic string

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration

	// Retry bounds transient-failure retries.
	Retry retry.Policy
}

// KafkaPublisher is a thin wrapper over kafka-go's Writer that publishes one
// decision envelope per appended ledger record, keyed by timestamp so all
// records for a second land on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	policy retry.Policy
}

// NewKafkaPublisher constructs a KafkaPublisher.
func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	timeout := cfg.WriteTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w, policy: cfg.Retry}, nil
}

// decisionEnvelope is the wire shape published for each record.
type decisionEnvelope struct {
	Ts       time.Time         `json:"ts"`
	Seq      uint64            `json:"seq"`
	Decision Decision          `json:"decision"`
	Score    *float64          `json:"score,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Source   string            `json:"source"`
}

// Publish writes one record to the decisions topic with bounded retries.
func (p *KafkaPublisher) Publish(ctx context.Context, rec DecisionRecord) error {
	env := decisionEnvelope{
		Ts:       rec.Timestamp,
		Seq:      rec.Sequence,
		Decision: rec.Decision,
		Score:    rec.Score,
		Metadata: rec.Metadata,
		Source:   "releasegate",
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal decision envelope: %w", err)
	}
	key := []byte(rec.Timestamp.UTC().Format(time.RFC3339))

	return p.policy.Do(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, rec DecisionRecord) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }
