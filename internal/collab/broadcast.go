package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans page events out to subscribers. Delivery is at-most-once with
// no replay; a subscriber that cannot keep up loses events.
type Broadcaster interface {
	Publish(ctx context.Context, pageID wiki.PageID, topic Topic, origin wiki.UserID, payload any) error
	Subscribe(ctx context.Context, pageID wiki.PageID, topics ...Topic) (<-chan Event, func())
}

// LocalBroadcaster delivers events to subscribers in this process.
type LocalBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[wiki.PageID]map[int64]*pageSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type pageSubscriber struct {
	id     int64
	topics map[Topic]struct{}
	stream chan Event
	once   sync.Once
}

// NewLocalBroadcaster constructs an in-process broadcaster.
func NewLocalBroadcaster(clock func() time.Time) *LocalBroadcaster {
	if clock == nil {
		clock = time.Now
	}
	return &LocalBroadcaster{
		subscribers: make(map[wiki.PageID]map[int64]*pageSubscriber),
		bufferSize:  defaultSubscriberBuffer,
		clock:       clock,
	}
}

// Subscribe registers interest in topics of pageID; no topics means all broadcast
// topics. The stream is closed when ctx ends or the returned cancel is called.
func (b *LocalBroadcaster) Subscribe(ctx context.Context, pageID wiki.PageID, topics ...Topic) (<-chan Event, func()) {
	if pageID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if len(topics) == 0 {
		topics = BroadcastTopics
	}
	subscriber := &pageSubscriber{
		id:     b.nextSequence(),
		topics: make(map[Topic]struct{}, len(topics)),
		stream: make(chan Event, b.bufferSize),
	}
	for _, topic := range topics {
		subscriber.topics[topic] = struct{}{}
	}
	b.registerSubscriber(pageID, subscriber)
	cleanup := func() {
		b.unregisterSubscriber(pageID, subscriber)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish encodes payload and delivers it to local subscribers.
func (b *LocalBroadcaster) Publish(_ context.Context, pageID wiki.PageID, topic Topic, origin wiki.UserID, payload any) error {
	event, err := newEvent(pageID, topic, origin, payload, b.clock())
	if err != nil {
		return err
	}
	b.Deliver(event)
	return nil
}

// Deliver hands an already encoded event to local subscribers without blocking.
func (b *LocalBroadcaster) Deliver(event Event) {
	if event.PageID == "" || event.Topic == "" {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subscriber := range b.subscribers[event.PageID] {
		if _, ok := subscriber.topics[event.Topic]; !ok {
			continue
		}
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func newEvent(pageID wiki.PageID, topic Topic, origin wiki.UserID, payload any, now time.Time) (Event, error) {
	if pageID == "" || topic == "" {
		return Event{}, fmt.Errorf("%w: event requires page and topic", errMissingCollaborator)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("broadcast: encode %s payload: %w", topic, err)
	}
	return Event{
		PageID:    pageID,
		Topic:     topic,
		Origin:    origin,
		Payload:   encoded,
		Timestamp: now.UTC(),
	}, nil
}

func (b *LocalBroadcaster) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *LocalBroadcaster) registerSubscriber(pageID wiki.PageID, subscriber *pageSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[pageID]; !ok {
		b.subscribers[pageID] = make(map[int64]*pageSubscriber)
	}
	b.subscribers[pageID][subscriber.id] = subscriber
}

// unregisterSubscriber closes the stream under the write lock so Deliver never
// sends on a closed channel.
func (b *LocalBroadcaster) unregisterSubscriber(pageID wiki.PageID, subscriber *pageSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscribers := b.subscribers[pageID]
	if subscribers != nil {
		delete(subscribers, subscriber.id)
		if len(subscribers) == 0 {
			delete(b.subscribers, pageID)
		}
	}
	subscriber.once.Do(func() { close(subscriber.stream) })
}

// SubscriberCount reports local subscribers for a page.
func (b *LocalBroadcaster) SubscriberCount(pageID wiki.PageID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[pageID])
}
