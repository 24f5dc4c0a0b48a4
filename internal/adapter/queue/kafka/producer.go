package kafka

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sr"

	"github.com/velivolant/gateway/internal/domain"
)

// ProducerConfig configures the request producer.
type ProducerConfig struct {
	ClientConfig
	Topic    string
	ClientID string
}

// Producer publishes request records to the request topic. The connection and
// the schema id for the topic's value subject are established lazily on the
// first publish; produce idempotence is left to the client library, which
// bounds in-flight requests at five per broker in that mode.
type Producer struct {
	cfg ProducerConfig

	mu       sync.Mutex
	client   *kgo.Client
	registry *sr.Client
	serde    *sr.Serde
	schemaID int
}

// NewProducer constructs a Producer. No connection is made until Publish.
func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.ClientID == "" {
		cfg.ClientID = "velivolant-producer"
	}
	return &Producer{cfg: cfg}
}

// Publish encodes and publishes one request record, returning the broker
// assigned partition and offset. Failures wrap domain.ErrPublish; the caller
// may retry with the same request id.
func (p *Producer) Publish(ctx domain.Context, rec domain.RequestRecord) (domain.PublishAck, error) {
	p.mu.Lock()
	if err := p.connectLocked(ctx); err != nil {
		p.mu.Unlock()
		return domain.PublishAck{}, fmt.Errorf("%w: connect: %v", domain.ErrPublish, err)
	}
	client := p.client
	value, err := p.serde.Encode(rec)
	if err != nil {
		// The subject may have evolved since connect; re-fetch the latest
		// schema id and retry the encode once.
		if rerr := p.refreshSchemaLocked(ctx); rerr == nil {
			value, err = p.serde.Encode(rec)
		}
	}
	p.mu.Unlock()
	if err != nil {
		return domain.PublishAck{}, fmt.Errorf("%w: encode: %v", domain.ErrPublish, err)
	}

	record := newRequestRecord(p.cfg.Topic, rec, value)
	r, err := client.ProduceSync(ctx, record).First()
	if err != nil {
		return domain.PublishAck{}, fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}
	return domain.PublishAck{Partition: r.Partition, Offset: r.Offset}, nil
}

// newRequestRecord frames a request for the wire: key = requestId, headers
// carry the correlation id and the emitting component.
func newRequestRecord(topic string, rec domain.RequestRecord, value []byte) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(rec.RequestID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "correlation-id", Value: []byte(rec.CorrelationID)},
			{Key: "source", Value: []byte("gateway")},
		},
	}
}

func (p *Producer) connectLocked(ctx domain.Context) error {
	if p.client != nil {
		return nil
	}
	if err := p.cfg.validate(); err != nil {
		return err
	}

	opts := append(clientOpts(p.cfg.ClientConfig, p.cfg.ClientID),
		kgo.RequestRetries(10),
		kgo.MaxProduceRequestsInflightPerBroker(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, p.cfg.Topic, 1, 1); err != nil {
		// The topic is usually provisioned out of band; creation is a
		// convenience for fresh clusters.
		slog.Warn("request topic ensure failed", slog.String("topic", p.cfg.Topic), slog.Any("error", err))
	}

	registry, err := newRegistryClient(p.cfg.ClientConfig)
	if err != nil {
		client.Close()
		return fmt.Errorf("schema registry client: %w", err)
	}
	p.client = client
	p.registry = registry

	if err := p.refreshSchemaLocked(ctx); err != nil {
		p.client.Close()
		p.client = nil
		return err
	}

	slog.Info("producer connected",
		slog.Any("brokers", p.cfg.Brokers),
		slog.String("topic", p.cfg.Topic),
		slog.Int("schema_id", p.schemaID))
	return nil
}

// refreshSchemaLocked fetches the latest schema id for the request subject
// and rebuilds the serde around it.
func (p *Producer) refreshSchemaLocked(ctx domain.Context) error {
	var ss sr.SubjectSchema
	fetch := func() error {
		var err error
		ss, err = p.registry.SchemaByVersion(ctx, valueSubject(p.cfg.Topic), -1)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(fetch, bo); err != nil {
		return fmt.Errorf("fetch schema for %s: %w", valueSubject(p.cfg.Topic), err)
	}
	p.schemaID = ss.ID
	p.serde = newSerde(ss.ID, domain.RequestRecord{})
	return nil
}

// Close closes the underlying client if a connection was ever made.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}
