package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const broadcastChannelPrefix = "wiki:broadcast:page:"

// RedisBroadcaster relays events through Redis pub/sub so editors of one page
// connected to different nodes see each other's events. Every node, the
// publisher included, receives events back from Redis and fans them out locally.
type RedisBroadcaster struct {
	client redis.UniversalClient
	local  *LocalBroadcaster
	clock  func() time.Time
	logger *zap.Logger
}

// NewRedisBroadcaster wires a Redis client to a local fan-out.
func NewRedisBroadcaster(client redis.UniversalClient, local *LocalBroadcaster, clock func() time.Time, logger *zap.Logger) (*RedisBroadcaster, error) {
	if client == nil || local == nil {
		return nil, fmt.Errorf("%w: redis broadcaster", errMissingCollaborator)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroadcaster{client: client, local: local, clock: clock, logger: logger}, nil
}

func broadcastChannel(pageID wiki.PageID) string {
	return broadcastChannelPrefix + pageID.String()
}

// Publish sends the event to Redis; local subscribers receive it from the relay.
func (b *RedisBroadcaster) Publish(ctx context.Context, pageID wiki.PageID, topic Topic, origin wiki.UserID, payload any) error {
	event, err := newEvent(pageID, topic, origin, payload, b.clock())
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("broadcast: encode event: %w", err)
	}
	if err := b.client.Publish(ctx, broadcastChannel(pageID), encoded).Err(); err != nil {
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, pageID wiki.PageID, topics ...Topic) (<-chan Event, func()) {
	return b.local.Subscribe(ctx, pageID, topics...)
}

// Start subscribes to every page channel and relays messages until ctx ends.
// It returns once the subscription is confirmed by Redis.
func (b *RedisBroadcaster) Start(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, broadcastChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("broadcast: subscribe: %w", err)
	}
	go b.relay(ctx, pubsub)
	return nil
}

func (b *RedisBroadcaster) relay(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			event, err := decodeRelayedEvent(message)
			if err != nil {
				b.logger.Warn("dropping malformed broadcast", zap.String("channel", message.Channel), zap.Error(err))
				continue
			}
			b.local.Deliver(event)
		}
	}
}

func decodeRelayedEvent(message *redis.Message) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
		return Event{}, err
	}
	if channelPage := strings.TrimPrefix(message.Channel, broadcastChannelPrefix); channelPage != event.PageID.String() {
		return Event{}, errors.New("page id does not match channel")
	}
	return event, nil
}
