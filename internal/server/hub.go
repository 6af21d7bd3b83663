package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/collab"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

const defaultConnectionBuffer = 64

// outboundFrame is the JSON shape of every server-to-client websocket message.
type outboundFrame struct {
	Topic     collab.Topic    `json:"topic"`
	PageID    wiki.PageID     `json:"page_id,omitempty"`
	Origin    wiki.UserID     `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func frameFromEvent(event collab.Event) outboundFrame {
	return outboundFrame{
		Topic:     event.Topic,
		PageID:    event.PageID,
		Origin:    event.Origin,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	}
}

// ConnectionHub tracks the open websocket connections of each user on this node
// and implements collab.Transport for private messages.
type ConnectionHub struct {
	mu          sync.RWMutex
	connections map[wiki.UserID]map[int64]*HubConnection
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

// HubConnection is one registered websocket connection.
type HubConnection struct {
	hub    *ConnectionHub
	id     int64
	userID wiki.UserID
	pageID wiki.PageID
	send   chan []byte
	closed bool
}

// NewConnectionHub constructs an empty hub.
func NewConnectionHub(clock func() time.Time) *ConnectionHub {
	if clock == nil {
		clock = time.Now
	}
	return &ConnectionHub{
		connections: make(map[wiki.UserID]map[int64]*HubConnection),
		bufferSize:  defaultConnectionBuffer,
		clock:       clock,
	}
}

// Register adds a connection of userID editing pageID.
func (h *ConnectionHub) Register(userID wiki.UserID, pageID wiki.PageID) *HubConnection {
	connection := &HubConnection{
		hub:    h,
		id:     h.nextSequence(),
		userID: userID,
		pageID: pageID,
		send:   make(chan []byte, h.bufferSize),
	}
	h.mu.Lock()
	if _, ok := h.connections[userID]; !ok {
		h.connections[userID] = make(map[int64]*HubConnection)
	}
	h.connections[userID][connection.id] = connection
	h.mu.Unlock()
	return connection
}

// SendTo delivers a private message to the connections userID holds on pageID.
// Connections on other pages never see it. Full queues drop the message.
func (h *ConnectionHub) SendTo(_ context.Context, pageID wiki.PageID, userID wiki.UserID, topic collab.Topic, payload any) error {
	frame, err := h.privateFrame(pageID, topic, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, connection := range h.connections[userID] {
		if connection.pageID == pageID {
			connection.enqueue(frame)
		}
	}
	return nil
}

// privateFrame encodes a unicast frame stamped with the page it concerns.
func (h *ConnectionHub) privateFrame(pageID wiki.PageID, topic collab.Topic, payload any) ([]byte, error) {
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hub: encode %s payload: %w", topic, err)
	}
	frame, err := json.Marshal(outboundFrame{
		Topic:     topic,
		PageID:    pageID,
		Payload:   encodedPayload,
		Timestamp: h.clock().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("hub: encode frame: %w", err)
	}
	return frame, nil
}

// Outbound is the queue the connection's writer drains. It is closed by Close.
func (c *HubConnection) Outbound() <-chan []byte {
	return c.send
}

// Enqueue queues an encoded frame for this connection only.
func (c *HubConnection) Enqueue(frame []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	c.enqueue(frame)
}

// Send queues a private frame for this connection only.
func (c *HubConnection) Send(topic collab.Topic, payload any) error {
	frame, err := c.hub.privateFrame(c.pageID, topic, payload)
	if err != nil {
		return err
	}
	c.Enqueue(frame)
	return nil
}

// Close unregisters the connection and closes its queue. It reports whether this
// was the user's last connection on the page; only the first Close of a
// connection can report true.
func (c *HubConnection) Close() bool {
	return c.hub.unregister(c)
}

// enqueue must be called with the hub lock held so it never races the close.
func (c *HubConnection) enqueue(frame []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *ConnectionHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

// unregister removes the connection and counts the survivors under the same
// lock, so concurrent closes on one page elect exactly one last connection.
func (h *ConnectionHub) unregister(connection *HubConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if connection.closed {
		return false
	}
	connection.closed = true
	close(connection.send)

	connections := h.connections[connection.userID]
	delete(connections, connection.id)
	if len(connections) == 0 {
		delete(h.connections, connection.userID)
		return true
	}
	for _, remaining := range connections {
		if remaining.pageID == connection.pageID {
			return false
		}
	}
	return true
}
