// Package stream publishes audit entries to a Kafka topic after they are
// persisted. Publishing is best effort; the database remains the record.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/circuit"
)

// Config selects the brokers and topic.
type Config struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
	ProduceTimeout    time.Duration
}

// Publisher produces one record per audit entry, keyed by tenant so a
// tenant's entries stay ordered within a partition.
type Publisher struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBreaker replaces the default breaker that tracks broker health.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

// New connects a producer. It does not create the topic; call EnsureTopic.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("audit stream: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("audit stream: no topic configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("audit stream: create client: %w", err)
	}
	timeout := cfg.ProduceTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	p := &Publisher{
		client:  client,
		topic:   cfg.Topic,
		timeout: timeout,
		breaker: circuit.New("audit-stream", circuit.WithFailureThreshold(3), circuit.WithCooldown(30*time.Second)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// EnsureTopic creates the audit topic if it does not exist.
func (p *Publisher) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopic(ctx, partitions, replicationFactor, map[string]*string{
		"cleanup.policy": kadm.StringPtr("delete"),
	}, p.topic)
	if err != nil {
		return fmt.Errorf("audit stream: create topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("audit stream: create topic %s: %w", p.topic, resp.Err)
	}
	return nil
}

// Publish produces entry synchronously, bounded by the produce timeout. While
// the broker is considered down it returns circuit.ErrOpen without producing.
func (p *Publisher) Publish(ctx context.Context, entry audit.Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit stream: marshal entry: %w", err)
	}
	rec := &kgo.Record{
		Key:   []byte(entry.TenantID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "category", Value: []byte(entry.Category())},
			{Key: "action", Value: []byte(entry.Action)},
		},
		Timestamp: entry.OccurredAt,
	}

	if !p.breaker.Allow() {
		return fmt.Errorf("audit stream: %w", circuit.ErrOpen)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if p.breaker.RecordFailure().Opened {
			p.logger.ErrorContext(ctx, "audit stream unavailable",
				"topic", p.topic,
				"error", err,
			)
		}
		return fmt.Errorf("audit stream: produce: %w", err)
	}
	if p.breaker.RecordSuccess().Closed {
		p.logger.InfoContext(ctx, "audit stream recovered", "topic", p.topic)
	}
	return nil
}

// Healthy reports whether recent publishes have succeeded.
func (p *Publisher) Healthy() bool {
	return p.breaker.State() == circuit.StateClosed
}

// Ping checks broker connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}
