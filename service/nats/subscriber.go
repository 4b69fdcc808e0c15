package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber streams outcome events back out of JetStream.
type Subscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for reading outcome events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*Subscriber, error) {
	nc, err := Connect(natsURL, "txlander-subscriber")
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Subscriber{nc: nc, js: js, logger: logger}, nil
}

// WatchOptions selects which events Watch delivers.
type WatchOptions struct {
	// ProgramID restricts events to one program; empty means all.
	ProgramID string

	// Durable names a consumer that survives restarts; empty is ephemeral.
	Durable string

	// DeliverAll replays retained events instead of only new ones.
	DeliverAll bool
}

// Watch calls handle for each event until ctx is done. Messages that fail
// to decode are acknowledged and skipped. An error from handle stops the
// watch and leaves the message unacknowledged.
func (s *Subscriber) Watch(ctx context.Context, opts WatchOptions, handle func(*OutcomeEvent) error) error {
	cfg := jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: Subject(opts.ProgramID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if opts.DeliverAll {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	errCh := make(chan error, 1)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event OutcomeEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.Warn("skipping malformed outcome event", "subject", msg.Subject(), "error", err)
			_ = msg.Ack()
			return
		}
		if err := handle(&event); err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Close closes the connection to NATS.
func (s *Subscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
