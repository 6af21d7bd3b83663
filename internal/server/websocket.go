package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/collab"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client message types.
const (
	messageJoin        = "join"
	messageHeartbeat   = "heartbeat"
	messageCursor      = "cursor"
	messageContent     = "content"
	messageIncremental = "incremental"
	messageLeave       = "leave"
)

var errUnknownMessageType = errors.New("unknown message type")

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type cursorMessage struct {
	LocationMarker json.RawMessage `json:"locationMarker"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type contentMessage struct {
	Content string `json:"content"`
}

type incrementalMessage struct {
	DeltaPayload json.RawMessage `json:"deltaPayload"`
}

// pageSocket is one editor's websocket session on one page.
type pageSocket struct {
	conn       *websocket.Conn
	connection *HubConnection
	service    *collab.Service
	pageID     wiki.PageID
	userID     wiki.UserID
	logger     *zap.Logger
	left       bool
}

func (h *httpHandler) handlePageSocket(c *gin.Context) {
	userID := wiki.UserID(c.GetString(userIDContextKey))
	pageID := wiki.PageID(c.GetString(pageIDContextKey))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		h.logger.Info("websocket upgrade failed",
			zap.String("page_id", pageID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	socket := &pageSocket{
		conn:       conn,
		connection: h.hub.Register(userID, pageID),
		service:    h.sessions,
		pageID:     pageID,
		userID:     userID,
		logger:     h.logger,
	}
	socket.run(c.Request.Context())
}

// run blocks until the client disconnects or leaves.
func (s *pageSocket) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	// subscribe before joining so the joiner sees its own editors broadcast
	events, unsubscribe := s.service.Subscribe(ctx, s.pageID)
	go s.forward(ctx, events)

	if _, err := s.service.Join(ctx, s.pageID, s.userID); err != nil {
		// the rejection has been queued for this client; flush it and hang up
		unsubscribe()
		s.connection.Close()
		<-writerDone
		return
	}

	s.readPump(ctx)

	unsubscribe()
	// the hub decides under its lock whether this was the user's last tab on the page
	if lastOnPage := s.connection.Close(); lastOnPage && !s.left {
		if err := s.service.Leave(context.WithoutCancel(ctx), s.pageID, s.userID); err != nil {
			s.logger.Warn("leave on disconnect failed",
				zap.String("page_id", s.pageID.String()),
				zap.String("user_id", s.userID.String()),
				zap.Error(err))
		}
	}
	<-writerDone
}

// forward relays page broadcasts to this client. Cursor and incremental events
// are not echoed to their origin.
func (s *pageSocket) forward(ctx context.Context, events <-chan collab.Event) {
	for event := range events {
		if event.Origin == s.userID && (event.Topic == collab.TopicCursors || event.Topic == collab.TopicIncremental) {
			continue
		}
		deliverable, err := s.service.Deliverable(ctx, s.pageID, s.userID)
		if err != nil || !deliverable {
			continue
		}
		frame, err := json.Marshal(frameFromEvent(event))
		if err != nil {
			s.logger.Warn("frame encode failed", zap.String("topic", string(event.Topic)), zap.Error(err))
			continue
		}
		s.connection.Enqueue(frame)
	}
}

func (s *pageSocket) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error",
					zap.String("page_id", s.pageID.String()),
					zap.String("user_id", s.userID.String()),
					zap.Error(err))
			}
			return
		}
		// any client traffic proves the connection is alive
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.dispatch(ctx, message); err != nil {
			if errors.Is(err, errUnknownMessageType) || isDecodeError(err) {
				s.rejectMalformed(err)
			}
			// service rejections were already reported to the client
			s.logger.Debug("client message rejected",
				zap.String("page_id", s.pageID.String()),
				zap.String("user_id", s.userID.String()),
				zap.Error(err))
		}
		if s.left {
			return
		}
	}
}

func (s *pageSocket) dispatch(ctx context.Context, raw []byte) error {
	var message inboundMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return decodeError{err}
	}
	switch message.Type {
	case messageJoin:
		_, err := s.service.Join(ctx, s.pageID, s.userID)
		return err
	case messageHeartbeat:
		return s.service.Heartbeat(ctx, s.pageID, s.userID)
	case messageCursor:
		var payload cursorMessage
		if err := decodePayload(message.Payload, &payload); err != nil {
			return err
		}
		return s.service.UpdateCursor(ctx, s.pageID, s.userID, payload.LocationMarker, payload.UpdatedAt)
	case messageContent:
		var payload contentMessage
		if err := decodePayload(message.Payload, &payload); err != nil {
			return err
		}
		_, err := s.service.SubmitContentChange(ctx, s.pageID, s.userID, payload.Content)
		return err
	case messageIncremental:
		var payload incrementalMessage
		if err := decodePayload(message.Payload, &payload); err != nil {
			return err
		}
		return s.service.SubmitIncrementalChange(ctx, s.pageID, s.userID, payload.DeltaPayload)
	case messageLeave:
		s.left = true
		return s.service.Leave(ctx, s.pageID, s.userID)
	default:
		return errUnknownMessageType
	}
}

func (s *pageSocket) rejectMalformed(err error) {
	payload := collab.ErrorPayload{Code: collab.CodeInvalidRequest, Message: err.Error()}
	if sendErr := s.connection.Send(collab.TopicErrors, payload); sendErr != nil {
		s.logger.Warn("error frame failed", zap.Error(sendErr))
	}
}

func (s *pageSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	outbound := s.connection.Outbound()
	for {
		select {
		case frame, ok := <-outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type decodeError struct {
	err error
}

func (e decodeError) Error() string {
	return "malformed message: " + e.err.Error()
}

func (e decodeError) Unwrap() error {
	return e.err
}

func isDecodeError(err error) bool {
	var target decodeError
	return errors.As(err, &target)
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return decodeError{errors.New("payload required")}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return decodeError{err}
	}
	return nil
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}
