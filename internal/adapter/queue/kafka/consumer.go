package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/velivolant/gateway/internal/domain"
	"github.com/velivolant/gateway/internal/observability"
)

// ResultHandler is invoked at most once per offset for every well-formed
// result record.
type ResultHandler interface {
	HandleResult(ctx context.Context, res domain.ResultRecord)
}

// State is the consumer lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateRunning      State = "running"
)

// ConsumerConfig configures the result consumer.
type ConsumerConfig struct {
	ClientConfig
	Topic    string
	Group    string
	ClientID string
}

// Consumer subscribes to the result topic and feeds decoded records to the
// handler. Unparseable records are logged and their offset committed: the
// poison message is quarantined, not retried. Historical results are served
// from the ledger, so consumption starts at the latest offset.
type Consumer struct {
	cfg     ConsumerConfig
	handler ResultHandler

	mu     sync.Mutex
	state  State
	client *kgo.Client
	cancel context.CancelFunc

	decode func([]byte) (domain.ResultRecord, error)
	wg     sync.WaitGroup
}

// NewConsumer constructs a Consumer in the disconnected state.
func NewConsumer(cfg ConsumerConfig, handler ResultHandler) *Consumer {
	if cfg.ClientID == "" {
		cfg.ClientID = "velivolant-consumer"
	}
	return &Consumer{cfg: cfg, handler: handler, state: StateDisconnected}
}

// Start connects, subscribes, and launches the poll loop. Once it returns
// nil, every well-formed record on the topic reaches the handler at most once
// per offset within the consumer group.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.cfg.validate(); err != nil {
		return err
	}
	if c.cfg.Group == "" {
		return fmt.Errorf("missing consumer group")
	}
	c.setState(StateConnecting)

	opts := append(clientOpts(c.cfg.ClientConfig, c.cfg.ClientID),
		kgo.ConsumerGroup(c.cfg.Group),
		kgo.ConsumeTopics(c.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("kafka client: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, c.cfg.Topic, 1, 1); err != nil {
		slog.Warn("result topic ensure failed", slog.String("topic", c.cfg.Topic), slog.Any("error", err))
	}

	if c.decode == nil {
		registry, err := newRegistryClient(c.cfg.ClientConfig)
		if err != nil {
			client.Close()
			c.setState(StateDisconnected)
			return fmt.Errorf("schema registry client: %w", err)
		}
		ss, err := registry.SchemaByVersion(ctx, valueSubject(c.cfg.Topic), -1)
		if err != nil {
			client.Close()
			c.setState(StateDisconnected)
			return fmt.Errorf("fetch schema for %s: %w", valueSubject(c.cfg.Topic), err)
		}
		serde := newSerde(ss.ID, domain.ResultRecord{})
		c.decode = func(b []byte) (domain.ResultRecord, error) {
			var res domain.ResultRecord
			if err := serde.Decode(b, &res); err != nil {
				return domain.ResultRecord{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
			}
			return res, nil
		}
	}

	c.mu.Lock()
	c.client = client
	c.state = StateSubscribed
	c.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pollLoop(loopCtx, client)

	slog.Info("consumer started",
		slog.Any("brokers", c.cfg.Brokers),
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.Group))
	return nil
}

func (c *Consumer) pollLoop(ctx context.Context, client *kgo.Client) {
	defer c.wg.Done()
	defer c.setState(StateDisconnected)
	c.setState(StateRunning)

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.handleRecord(ctx, rec)
			client.MarkCommitRecords(rec)
		})
	}
}

// handleRecord decodes and dispatches one record. Decode failures advance the
// offset anyway so one bad record cannot wedge the partition.
func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) {
	res, err := c.decode(rec.Value)
	if err != nil {
		observability.PoisonRecord()
		slog.Warn("undecodable result record quarantined",
			slog.String("topic", rec.Topic),
			slog.Int("partition", int(rec.Partition)),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return
	}
	c.handler.HandleResult(ctx, res)
}

// Shutdown stops the poll loop and waits for the in-flight callback to
// finish, bounded by the context.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	client := c.client
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=consumer.shutdown: %w", ctx.Err())
	}
}

// State reports the lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
