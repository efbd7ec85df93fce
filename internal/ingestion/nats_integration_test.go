package ingestion_test

import (
	"SlotLock/internal/core"
	"SlotLock/internal/event"
	"SlotLock/internal/ingestion"
	"SlotLock/internal/testutil"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func TestNATS_CommandToOutboundEvent(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}
	for _, name := range []string{ingestion.CommandStream, ingestion.EventStream} {
		stream, err := js.Stream(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if err := stream.Purge(ctx); err != nil {
			t.Fatalf("purge %s: %v", name, err)
		}
	}

	eng, persisted := newEngine(t)
	tokens := newTokens()

	commands := make(chan ingestion.RawCommand, 8)
	sub := ingestion.NewNATSSubscriber(js, commands)
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	data, err := json.Marshal(map[string]any{
		"request_id": "nats-1",
		"token":      issue(t, tokens, "alice"),
		"asset_id":   1,
		"day":        "2025-06-03",
		"contact":    "a@x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := js.Publish(ctx, "slotlock.commands.reserve.alice", data); err != nil {
		t.Fatalf("publish command: %v", err)
	}

	var raw ingestion.RawCommand
	select {
	case raw = <-commands:
	case <-ctx.Done():
		t.Fatal("command not delivered")
	}
	if raw.Kind != ingestion.KindReserve {
		t.Fatalf("kind %s", raw.Kind)
	}
	if got := ingestion.NewProcessor(eng, tokens, nil).Handle(ctx, raw); got != "applied" {
		t.Fatalf("handle: %s", got)
	}

	publish := make(chan core.Output, 1)
	publish <- <-persisted
	close(publish)
	if err := ingestion.NewOutboundPublisher(js, publish).Run(ctx); err != nil {
		t.Fatalf("publisher: %v", err)
	}

	consumer, err := js.OrderedConsumer(ctx, ingestion.EventStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{"slotlock.events.>"},
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := consumer.Next(jetstream.FetchMaxWait(5 * time.Second))
	if err != nil {
		t.Fatalf("no outbound event: %v", err)
	}
	if msg.Subject() != "slotlock.events.ReservationMade" {
		t.Errorf("subject %s", msg.Subject())
	}
	var evt ingestion.PublishedEvent
	if err := json.Unmarshal(msg.Data(), &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Sequence != 1 || evt.IdempotencyKey != event.RequestKey("alice", "nats-1") || evt.Day != "2025-06-03" {
		t.Errorf("event %+v", evt)
	}
}
