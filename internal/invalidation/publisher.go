package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

var ErrQueueFull = errors.New("invalidation queue full")

// Publisher sends events to other instances.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event; used when invalidation is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// KafkaPublisher queues events and hands them to an async producer. A full
// queue drops the event instead of blocking the caller.
type KafkaPublisher struct {
	topic   string
	log     *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	errDone chan struct{}
	once    sync.Once
}

func NewKafkaPublisher(brokers []string, topic string, queueSize int, logger *slog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalidation: create async producer: %w", err)
	}
	return newKafkaPublisher(prod, topic, queueSize, logger), nil
}

func newKafkaPublisher(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		topic:   topic,
		log:     logger,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("invalidation: marshal event", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(fmt.Sprintf("%d", ev.QueryID)),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Error("invalidation: producer error", "err", err)
			}
		}
	}()

	return p
}

func (p *KafkaPublisher) Publish(_ context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalidation: %w", err)
	}
	select {
	case p.events <- ev:
		return nil
	default:
		p.log.Warn("invalidation queue full, event dropped", "query_id", ev.QueryID, "op", ev.Op)
		return ErrQueueFull
	}
}

func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("invalidation: close producer: %w", cerr)
		}
		<-p.errDone
	})
	return err
}
