// Package kafka implements the broker interfaces on top of Apache Kafka
// using segmentio/kafka-go. Messages are hash-partitioned by key, writes
// require acknowledgement from all in-sync replicas, and consumer offsets
// are committed manually after processing.
package kafka

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/log"
)

const moduleName = "kafka"

// Publisher publishes to Kafka with all-replica acknowledgement.
type Publisher struct {
	writer *kafkago.Writer
	logger *log.Logger
}

// NewPublisher creates a Kafka-backed publisher. The topic is taken from
// each message, so one publisher serves the whole pipeline.
func NewPublisher(brokers []string, logger *log.Logger) *Publisher {
	return &Publisher{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			// The pipeline's own publish paths are breaker-guarded and
			// retried by the error handler; don't also retry here.
			MaxAttempts: 1,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger.WithModule(moduleName),
	}
}

// Publish implements broker.Publisher.
func (p *Publisher) Publish(ctx context.Context, msg broker.Message) error {
	headers := make([]kafkago.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	err := p.writer.WriteMessages(ctx, kafkago.Message{
		Topic:   string(msg.Topic),
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Flush implements broker.Publisher. kafka-go's writer blocks in
// WriteMessages until acknowledgement, so there is nothing buffered left
// to flush.
func (p *Publisher) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Close implements broker.Publisher.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ broker.Publisher = (*Publisher)(nil)

// Consumer consumes a set of topics as part of a consumer group.
type Consumer struct {
	reader *kafkago.Reader
	logger *log.Logger
}

// NewConsumer creates a Kafka-backed consumer for the group over the given
// topics, starting from the earliest retained offset for a new group so
// that pipeline state can be rebuilt by replay.
func NewConsumer(brokers []string, group string, logger *log.Logger, topics ...broker.Topic) *Consumer {
	groupTopics := make([]string, 0, len(topics))
	for _, t := range topics {
		groupTopics = append(groupTopics, string(t))
	}
	return &Consumer{
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     brokers,
			GroupID:     group,
			GroupTopics: groupTopics,
			StartOffset: kafkago.FirstOffset,
		}),
		logger: logger.WithModule(moduleName).With("group", group),
	}
}

// Fetch implements broker.Consumer. The returned message must be passed
// back to Commit once fully processed.
func (c *Consumer) Fetch(ctx context.Context) (broker.Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return broker.Message{}, fmt.Errorf("kafka: fetch: %w", err)
	}
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return broker.Message{
		Topic:     broker.Topic(m.Topic),
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
		Partition: m.Partition,
		Offset:    m.Offset,
	}, nil
}

// Commit implements broker.Consumer.
func (c *Consumer) Commit(ctx context.Context, msg broker.Message) error {
	err := c.reader.CommitMessages(ctx, kafkago.Message{
		Topic:     string(msg.Topic),
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return fmt.Errorf("kafka: commit %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Lag implements broker.Consumer. For consumer-group readers kafka-go
// exposes lag through the reader stats (high watermark minus committed
// offset over the current assignment).
func (c *Consumer) Lag(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.reader.Stats().Lag, nil
}

// Close implements broker.Consumer.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

var _ broker.Consumer = (*Consumer)(nil)

// HealthChecker probes broker reachability by dialing the bootstrap
// address and listing cluster brokers.
type HealthChecker struct {
	addr string
}

// NewHealthChecker creates a health checker against the bootstrap address.
func NewHealthChecker(addr string) *HealthChecker {
	return &HealthChecker{addr: addr}
}

// Healthy implements broker.HealthChecker.
func (h *HealthChecker) Healthy(ctx context.Context) error {
	conn, err := kafkago.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		return fmt.Errorf("kafka: dial %s: %w", h.addr, err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("kafka: list brokers: %w", err)
	}
	return nil
}

var _ broker.HealthChecker = (*HealthChecker)(nil)
