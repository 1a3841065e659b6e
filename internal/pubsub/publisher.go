package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// Sink transports one encoded event to its subscribers.
type Sink interface {
	Name() string
	// Send delivers payload under the topic label. key groups related events.
	Send(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// Publisher encodes chain events and fans them out to every sink.
// Publish calls are serialized.
type Publisher struct {
	mu     sync.Mutex
	topic  string
	sinks  []Sink
	closed bool

	metrics *metrics.Pipeline
	logger  *log.Entry
}

func NewPublisher(topic string, m *metrics.Pipeline, sinks ...Sink) *Publisher {
	return &Publisher{
		topic:   topic,
		sinks:   sinks,
		metrics: m,
		logger:  log.WithFields(log.Fields{"component": "publisher", "topic": topic}),
	}
}

// Publish sends ev to all sinks. A failing sink does not stop delivery to the
// others; the joined error names each failed sink.
func (p *Publisher) Publish(ctx context.Context, ev models.ChainEvent) error {
	payload, err := models.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := []byte(eventKey(ev))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	var errs []error
	for _, s := range p.sinks {
		if err := s.Send(ctx, p.topic, key, payload); err != nil {
			p.metrics.PublishFailures.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.metrics.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()
	p.logger.WithField("kind", ev.Kind()).Debug("event published")
	return nil
}

// Close closes every sink. Calling it more than once is a no-op.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func eventKey(ev models.ChainEvent) string {
	switch e := ev.(type) {
	case models.NewDeposit:
		return e.Deposit.Address
	case models.NewAddress:
		return e.Address
	case models.NewTransaction:
		return e.TxID
	default:
		return ""
	}
}
