package prefevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
)

// Invalidator forgets a locally cached preference.
type Invalidator interface {
	Invalidate(ctx context.Context, scope, category, name string)
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	// GroupID is suffixed with Source so every replica reads every event.
	GroupID          string
	Source           string
	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
}

func (c ConsumerConfig) group() string {
	if c.Source == "" {
		return c.GroupID
	}
	return c.GroupID + "-" + c.Source
}

// Consumer evicts this replica's cached preferences when another replica
// changes them.
type Consumer struct {
	cfg ConsumerConfig
	log *slog.Logger
	inv Invalidator
}

func NewConsumer(cfg ConsumerConfig, inv Invalidator, log *slog.Logger) *Consumer {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 3 * time.Second
	}
	if cfg.RebalanceTimeout <= 0 {
		cfg.RebalanceTimeout = 30 * time.Second
	}
	return &Consumer{cfg: cfg, log: log, inv: inv}
}

// Start consumes until ctx is done. Consume errors are logged and retried.
func (c *Consumer) Start(ctx context.Context) error {
	if c.inv == nil {
		return errors.New("prefevents: consumer has no invalidator")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	// only changes made after start can be stale in a fresh cache
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.group(), cfg)
	if err != nil {
		return fmt.Errorf("prefevents: create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	c.log.Info("preference event consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.group())

	for {
		select {
		case <-ctx.Done():
			c.log.Info("preference event consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.log.Error("preference event consumer error", "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne handles a single event. Undecodable messages are logged and
// skipped so one bad record cannot stall the partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncPrefEventConsumed("decode_error")
		c.log.ErrorContext(ctx, "preference event decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.Source != "" && ev.Source == c.cfg.Source {
		obs.IncPrefEventConsumed("own")
		return nil
	}
	c.inv.Invalidate(ctx, ev.Scope, ev.Category, ev.Name)
	obs.IncPrefEventConsumed("evicted")
	c.log.DebugContext(ctx, "evicted preference",
		"scope", ev.Scope, "category", ev.Category, "name", ev.Name, "source", ev.Source)
	return nil
}

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

type groupHandler struct {
	process messageProcessor
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks each message only after it was processed.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
