package eventbus

import (
	"context"
	"fmt"

	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Sink receives every encoded envelope after it is published.
type Sink interface {
	Deliver(eventType string, data []byte)
}

// streamPublisher is the subset of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher drains coordinator outputs from the publish channel and
// publishes each event to futures.events.<EventType>. Publishing is best
// effort: the persisted event log stays the source of truth.
type Publisher struct {
	js        streamPublisher
	inputChan <-chan core.CoreOutput
	sinks     []Sink
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewPublisher returns a publisher. js may be nil, in which case events
// only reach the local sinks.
func NewPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger, sinks ...Sink) *Publisher {
	p := &Publisher{
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		logger:    logger,
	}
	if js != nil {
		p.js = js
	}
	return p
}

// Run blocks until ctx is done or the input channel is closed.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if p.metrics != nil {
				p.metrics.SetChannelMetrics("publish", len(p.inputChan), cap(p.inputChan))
			}
			for _, env := range out.Events {
				if err := p.publish(ctx, env); err != nil {
					p.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := event.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	eventType := env.EventType.String()

	if p.js != nil {
		_, err = p.js.Publish(ctx, Subject(env.EventType), data, jetstream.WithMsgID(env.EventID.String()))
		if err != nil {
			if p.metrics != nil {
				p.metrics.PublishErrors.Inc()
			}
			// Local sinks still see the event.
			err = fmt.Errorf("publish %s: %w", eventType, err)
		}
	}
	for _, s := range p.sinks {
		s.Deliver(eventType, data)
	}
	if err == nil && p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
	return err
}
