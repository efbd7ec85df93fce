package ingestion

import (
	"SlotLock/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "SLOTLOCK_COMMANDS"
	EventStream   = "SLOTLOCK_EVENTS"

	commandPrefix = "slotlock.commands."
	eventPrefix   = "slotlock.events."

	ackWait    = 30 * time.Second
	maxDeliver = 5
)

// CommandKind selects the parser for a subject.
type CommandKind string

const (
	KindReserve CommandKind = "reserve"
	KindFulfill CommandKind = "fulfill"
)

// RawCommand is a message as received, before token verification and
// parsing.
type RawCommand struct {
	Subject   string
	Kind      CommandKind
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, or rejected for good
	NakFunc   func() // redeliver
	TermFunc  func() // malformed, never redeliver
}

// SubjectConfig binds one command kind to its subject filter and durable
// consumer on the command stream.
type SubjectConfig struct {
	Subject      string
	Kind         CommandKind
	ConsumerName string
	StreamName   string
}

// subjectFor builds the default binding: slotlock.commands.<kind>.<caller hint>.
func subjectFor(kind CommandKind) SubjectConfig {
	return SubjectConfig{
		Subject:      commandPrefix + string(kind) + ".>",
		Kind:         kind,
		ConsumerName: "slotlock-" + string(kind),
		StreamName:   CommandStream,
	}
}

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{subjectFor(KindReserve), subjectFor(KindFulfill)}
}

// NATSSubscriber feeds JetStream command messages into a channel. Acking is
// left to whoever drains the channel.
type NATSSubscriber struct {
	js      jetstream.JetStream
	out     chan<- RawCommand
	running []jetstream.ConsumeContext
	logger  zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		out:    out,
		logger: observability.NewLogger("ingestion"),
	}
}

// Subscribe starts one durable, explicitly acked consumer per binding.
// Messages that cannot be handed off before ctx ends are nak'ed.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, bindings []SubjectConfig) error {
	for _, b := range bindings {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, b.StreamName, jetstream.ConsumerConfig{
			Durable:       b.ConsumerName,
			FilterSubject: b.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    maxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("consumer %s: %w", b.ConsumerName, err)
		}

		cc, err := consumer.Consume(ns.handoff(ctx, b.Kind))
		if err != nil {
			return fmt.Errorf("consume %s: %w", b.ConsumerName, err)
		}
		ns.running = append(ns.running, cc)
		ns.logger.Info().Str("subject", b.Subject).Str("consumer", b.ConsumerName).Msg("consuming commands")
	}
	return nil
}

func (ns *NATSSubscriber) handoff(ctx context.Context, kind CommandKind) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		raw := RawCommand{
			Subject:   msg.Subject(),
			Kind:      kind,
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { _ = msg.Ack() },
			NakFunc:   func() { _ = msg.Nak() },
			TermFunc:  func() { _ = msg.Term() },
		}
		select {
		case ns.out <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	}
}

// Stop halts every consumer started by Subscribe. Unacked messages are
// redelivered after ackWait.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.running {
		cc.Stop()
	}
	ns.running = nil
	ns.logger.Info().Msg("command consumers stopped")
}

// EnsureStreams creates or updates the command stream and the outbound
// event stream. The event stream deduplicates on the event sequence, which
// the publisher sets as the message ID, so a replayed flush is not
// published twice within the window.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{commandPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
		},
		{
			Name:       EventStream,
			Subjects:   []string{eventPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     30 * 24 * time.Hour,
			Duplicates: 10 * time.Minute,
		},
	}

	logger := observability.NewLogger("ingestion")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Strs("subjects", cfg.Subjects).Msg("stream ready")
	}
	return nil
}

// ConnectNATS dials url with unlimited reconnects and returns the
// connection with its JetStream handle.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("ingestion")
	nc, err := nats.Connect(url,
		nats.Name("slotlock"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
