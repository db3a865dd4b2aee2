package northbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smartsolutions/datwall/pkg/factory"
)

func TestBrokerKeepsLatestPerTopic(t *testing.T) {
	broker := NewBroker(nil)
	if _, ok := broker.Latest(TopicLedger); ok {
		t.Fatalf("no event expected before the first publish")
	}

	broker.Publish(TopicLedger, "first")
	broker.Publish(TopicLedger, "second")
	broker.Publish(TopicHistory, "history")

	event, ok := broker.Latest(TopicLedger)
	if !ok || event.Payload != "second" || event.Sequence != 2 {
		t.Fatalf("unexpected latest event %+v", event)
	}
	if event, _ := broker.Latest(TopicHistory); event.Payload != "history" {
		t.Fatalf("topics must not share snapshots")
	}
}

func TestSubscribeReceivesEventsAndCancelCloses(t *testing.T) {
	broker := NewBroker(nil)
	events, cancel := broker.Subscribe(TopicPackages)

	broker.Publish(TopicPackages, 1)
	broker.Publish(TopicCompaction, 2)

	select {
	case event := <-events:
		if event.Topic != TopicPackages || event.Payload != 1 {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	cancel()
	cancel()
	if _, open := <-events; open {
		t.Fatalf("channel must be closed after cancel")
	}
	broker.Publish(TopicPackages, 3)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	broker := NewBroker(nil)
	_, cancel := broker.Subscribe(TopicLedger)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			broker.Publish(TopicLedger, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if event, _ := broker.Latest(TopicLedger); event.Payload != subscriberBuffer*4-1 {
		t.Fatalf("latest must be the last published payload, got %v", event.Payload)
	}
}

func TestHTTPSinkForwardsEvents(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var event Event
		if err := json.NewDecoder(request.Body).Decode(&event); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
		writer.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink, err := NewSinkFromConfig(context.Background(), factory.EventsSection{Sink: "http", WebhookURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	broker := NewBroker(sink)
	if err := broker.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = broker.Stop(context.Background()) }()

	broker.Publish(TopicHistory, map[string]int{"count": 3})

	select {
	case event := <-received:
		if event.Topic != TopicHistory || event.Sequence != 1 {
			t.Fatalf("unexpected forwarded event %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event not forwarded to webhook")
	}
}

func TestHTTPSinkReportsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		http.Error(writer, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewHTTPNotifier(server.URL)
	if err := sink.Deliver(context.Background(), Event{Topic: TopicLedger}); err == nil {
		t.Fatalf("expected error on 500")
	}
	_ = sink.Close()
}

func TestNoneSinkIsNil(t *testing.T) {
	sink, err := NewSinkFromConfig(context.Background(), factory.EventsSection{Sink: "none"})
	if err != nil || sink != nil {
		t.Fatalf("expected nil sink, got %v, %v", sink, err)
	}
	if _, err := NewSinkFromConfig(context.Background(), factory.EventsSection{Sink: "kafka"}); err == nil {
		t.Fatalf("expected unknown sink error")
	}
}
