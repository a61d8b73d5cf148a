package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ConfidentialFutures/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Delivery is one decoded event handed to the consumer. Ack after the
// event has been handled; Nak to have it redelivered.
type Delivery struct {
	Envelope event.Envelope
	Subject  string
	Ack      func()
	Nak      func()
}

// Subscriber feeds events from a durable JetStream consumer into a
// channel.
type Subscriber struct {
	js       jetstream.JetStream
	outChan  chan<- Delivery
	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, outChan chan<- Delivery, logger zerolog.Logger) *Subscriber {
	return &Subscriber{js: js, outChan: outChan, logger: logger}
}

// Subscribe creates (or resumes) the durable consumer filtered to types.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, durable string, types []event.EventType) error {
	filters := make([]string, 0, len(types))
	for _, et := range types {
		filters = append(filters, Subject(et))
	}
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:        durable,
		FilterSubjects: filters,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        30 * time.Second,
		MaxDeliver:     5,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		d, err := decode(msg.Subject(), msg.Data())
		if err != nil {
			// Redelivery cannot fix a malformed message.
			s.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping undecodable event")
			msg.Term()
			return
		}
		d.Ack = func() { msg.Ack() }
		d.Nak = func() { msg.Nak() }

		select {
		case s.outChan <- d:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	s.consumer = cc
	s.logger.Info().Str("consumer", durable).Strs("subjects", filters).Msg("subscribed")
	return nil
}

// Stop stops the consumer. Unacked messages are redelivered to the next
// subscriber with the same durable name.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("NATS subscriber stopped")
}

func decode(subject string, data []byte) (Delivery, error) {
	env, err := event.UnmarshalEnvelope(data)
	if err != nil {
		return Delivery{}, err
	}
	if want := strings.TrimPrefix(subject, SubjectPrefix); want != env.EventType.String() {
		return Delivery{}, fmt.Errorf("subject %s carries %s event", subject, env.EventType)
	}
	return Delivery{Envelope: env, Subject: subject}, nil
}
