// Package northbound publishes state changes of datwall toward the UI and
// notification layers. Every change is an Event on a Topic; the Broker keeps
// the latest Event per Topic, fans it out to in-process subscribers and
// forwards it to an optional external Sink (HTTP webhook or Redis).
package northbound

import (
	"context"
	"sync"
	"time"

	"github.com/smartsolutions/datwall/internal/logger"
)

// Topic names a stream of snapshots.
type Topic string

const (
	TopicPackages   Topic = "packages"
	TopicLedger     Topic = "ledger"
	TopicHistory    Topic = "history"
	TopicCompaction Topic = "compaction"
)

// Topics lists every known topic.
var Topics = []Topic{TopicPackages, TopicLedger, TopicHistory, TopicCompaction}

// Event is one published snapshot.
type Event struct {
	Topic     Topic       `json:"topic"`
	Sequence  uint64      `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Publisher is what producers (ledger, eligibility, compactor) depend on.
type Publisher interface {
	Publish(topic Topic, payload interface{})
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Topic, interface{}) {}

// Sink delivers events outside of the process.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
	Close() error
}

const (
	subscriberBuffer = 16
	sinkQueueSize    = 256
)

// Broker is a concurrency-safe latest-value publish/subscribe hub.
type Broker struct {
	mutexForState sync.RWMutex
	sequence      uint64
	latest        map[Topic]Event
	subscribers   map[Topic]map[chan Event]struct{}

	sink        Sink
	sinkQueue   chan Event
	sinkTimeout time.Duration

	startStopMutex sync.Mutex
	started        bool
	sinkClosed     bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
}

// NewBroker creates a Broker forwarding to sink, which may be nil.
func NewBroker(sink Sink) *Broker {
	return &Broker{
		latest:         make(map[Topic]Event),
		subscribers:    make(map[Topic]map[chan Event]struct{}),
		sink:           sink,
		sinkQueue:      make(chan Event, sinkQueueSize),
		sinkTimeout:    5 * time.Second,
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
}

// Publish records payload as the latest value of topic and notifies
// subscribers. It never blocks: slow subscribers miss intermediate events
// but can always read the latest one.
func (broker *Broker) Publish(topic Topic, payload interface{}) {
	broker.mutexForState.Lock()
	broker.sequence++
	event := Event{
		Topic:     topic,
		Sequence:  broker.sequence,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	broker.latest[topic] = event
	for subscriber := range broker.subscribers[topic] {
		select {
		case subscriber <- event:
		default:
			logger.NorthboundLog.Debugf("subscriber of %s is slow, event %d skipped", topic, event.Sequence)
		}
	}
	broker.mutexForState.Unlock()

	if broker.sink == nil {
		return
	}
	select {
	case broker.sinkQueue <- event:
	default:
		logger.NorthboundLog.Warnf("sink queue full, event %s/%d dropped", topic, event.Sequence)
	}
}

// Latest returns the last event of topic.
func (broker *Broker) Latest(topic Topic) (Event, bool) {
	broker.mutexForState.RLock()
	defer broker.mutexForState.RUnlock()
	event, ok := broker.latest[topic]
	return event, ok
}

// Subscribe returns a channel receiving the future events of topic and a
// function that cancels the subscription and closes the channel.
func (broker *Broker) Subscribe(topic Topic) (<-chan Event, func()) {
	channel := make(chan Event, subscriberBuffer)

	broker.mutexForState.Lock()
	if broker.subscribers[topic] == nil {
		broker.subscribers[topic] = make(map[chan Event]struct{})
	}
	broker.subscribers[topic][channel] = struct{}{}
	broker.mutexForState.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			broker.mutexForState.Lock()
			delete(broker.subscribers[topic], channel)
			broker.mutexForState.Unlock()
			close(channel)
		})
	}
	return channel, cancel
}

// Start launches the sink forwarding loop. Without a sink it is a no-op.
func (broker *Broker) Start(ctx context.Context) error {
	broker.startStopMutex.Lock()
	defer broker.startStopMutex.Unlock()

	if broker.started || broker.sink == nil {
		return nil
	}
	broker.started = true

	go broker.forwardLoop()

	logger.NorthboundLog.Info("event forwarding started")
	return nil
}

// Stop ends the forwarding loop, waits for it and closes the sink.
// It is safe to call Stop() multiple times.
func (broker *Broker) Stop(ctx context.Context) error {
	broker.startStopMutex.Lock()
	defer broker.startStopMutex.Unlock()

	if !broker.started {
		return nil
	}

	select {
	case <-broker.stopChannel:
	default:
		close(broker.stopChannel)
	}

	select {
	case <-broker.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	if broker.sinkClosed {
		return nil
	}
	broker.sinkClosed = true
	if err := broker.sink.Close(); err != nil {
		logger.NorthboundLog.Warnf("closing sink: %v", err)
	}
	logger.NorthboundLog.Info("event forwarding stopped")
	return nil
}

func (broker *Broker) forwardLoop() {
	defer close(broker.stoppedChannel)

	for {
		select {
		case <-broker.stopChannel:
			return
		case event := <-broker.sinkQueue:
			ctx, cancel := context.WithTimeout(context.Background(), broker.sinkTimeout)
			if err := broker.sink.Deliver(ctx, event); err != nil {
				logger.NorthboundLog.Errorf("delivering %s/%d failed: %v", event.Topic, event.Sequence, err)
			}
			cancel()
		}
	}
}
