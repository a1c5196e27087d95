// Package prefevents publishes preference changes to Kafka.
package prefevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
)

type Event struct {
	Scope    string          `json:"scope"`
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Value    json.RawMessage `json:"value"`
	TS       time.Time       `json:"ts"`
	// Source names the replica that made the change.
	Source string `json:"source,omitempty"`
}

type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	source  string
	stopped chan struct{}
}

type PublisherOption func(*Publisher)

// WithSource stamps every event with the publishing replica's ID.
func WithSource(id string) PublisherOption {
	return func(p *Publisher) { p.source = id }
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger, opts ...PublisherOption) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("prefevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log, opts...), nil
}

// NewWithProducer starts the publish loop on an existing producer.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger, opts ...PublisherOption) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = logger.Discard()
	}

	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("prefevents: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Scope + "/" + ev.Category + "/" + ev.Name),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Error("prefevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev. A full queue drops the event; callers are never blocked.
func (p *Publisher) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = p.source
	}
	select {
	case p.events <- ev:
	default:
		observability.IncPrefEventDropped()
	}
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("prefevents: close producer: %w", err)
	}
	return nil
}
