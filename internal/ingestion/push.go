// Package ingestion subscribes to the pushed event channel and the periodic
// quote feed over NATS JetStream, converting raw payloads into typed events
// for the reconciliation engine.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"RiskWatch/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subscriber consumes risk events and price ticks and forwards typed events
// on eventChan. Delivery may be duplicated or out of order; downstream
// monotonic invariants absorb both.
type Subscriber struct {
	js        jetstream.JetStream
	log       zerolog.Logger
	health    *observability.ChannelHealth
	eventChan chan<- PushEvent
	consumers []jetstream.ConsumeContext
}

const (
	streamEvents = "RISK_EVENTS"
	streamQuotes = "RISK_QUOTES"
)

func NewSubscriber(js jetstream.JetStream, log zerolog.Logger, health *observability.ChannelHealth, eventChan chan<- PushEvent) *Subscriber {
	return &Subscriber{
		js:        js,
		log:       log,
		health:    health,
		eventChan: eventChan,
	}
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      streamEvents,
			Subjects:  []string{"risk.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      streamQuotes,
			Subjects:  []string{"risk.quotes.>"},
			Storage:   jetstream.MemoryStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    time.Minute,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// SubscribeQuotes consumes the quote feed for all symbols.
func (s *Subscriber) SubscribeQuotes(ctx context.Context) error {
	return s.consume(ctx, streamQuotes, "riskwatch-quotes", "risk.quotes.>", func(data []byte) (PushEvent, error) {
		return parseQuoteTick(data)
	})
}

// SubscribeAccount consumes pushed risk events for one account.
func (s *Subscriber) SubscribeAccount(ctx context.Context, accountID string) error {
	err := s.consume(ctx, streamEvents, "riskwatch-closed-"+accountID,
		fmt.Sprintf("risk.events.position_closed.%s", accountID),
		func(data []byte) (PushEvent, error) { return parsePositionClosed(data) })
	if err != nil {
		return err
	}
	return s.consume(ctx, streamEvents, "riskwatch-status-"+accountID,
		fmt.Sprintf("risk.events.status_changed.%s", accountID),
		func(data []byte) (PushEvent, error) { return parseStatusChanged(data) })
}

func (s *Subscriber) consume(ctx context.Context, stream, durable, subject string, parse func([]byte) (PushEvent, error)) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		evt, perr := parse(msg.Data())
		if perr != nil {
			// A malformed payload will never parse on redelivery.
			s.log.Warn().Err(perr).Str("subject", msg.Subject()).Msg("dropping unparseable push payload")
			msg.Term()
			return
		}
		if s.health != nil {
			s.health.MarkEvent()
		}
		select {
		case s.eventChan <- evt:
			msg.Ack()
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	s.consumers = append(s.consumers, cc)
	s.log.Info().Str("subject", subject).Str("consumer", durable).Msg("subscribed")
	return nil
}

// Stop gracefully stops all consumers. Safe to call more than once.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.consumers = nil
}

// Connect establishes a NATS connection and returns a JetStream context.
// Reconnect state feeds the push-channel health tracker so the engine can
// fall back to polling while degraded.
func Connect(url string, log zerolog.Logger, health *observability.ChannelHealth) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("push channel disconnected")
			if health != nil {
				health.MarkDisconnected()
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("push channel reconnected")
			if health != nil {
				health.MarkConnected()
			}
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	if health != nil {
		health.MarkConnected()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
