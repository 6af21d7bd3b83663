package collab

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

// Topic names a per-page event stream.
type Topic string

const (
	// TopicEditors carries the ordered editor list of a page.
	TopicEditors Topic = "editors"
	// TopicCursors carries single cursor updates.
	TopicCursors Topic = "cursors"
	// TopicContent carries fully committed content changes.
	TopicContent Topic = "content"
	// TopicIncremental carries unpersisted live-typing deltas.
	TopicIncremental Topic = "incremental"
	// TopicSession is unicast to a joining client with the current page state.
	TopicSession Topic = "session"
	// TopicErrors is unicast to a client whose operation was rejected.
	TopicErrors Topic = "errors"
)

// BroadcastTopics lists the topics fanned out to every editor of a page.
var BroadcastTopics = []Topic{TopicEditors, TopicCursors, TopicContent, TopicIncremental}

// Event is one message on a page's broadcast channel.
type Event struct {
	PageID    wiki.PageID     `json:"page_id"`
	Topic     Topic           `json:"topic"`
	Origin    wiki.UserID     `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// EditorInfo is one entry of the editors topic.
type EditorInfo struct {
	UserID   wiki.UserID `json:"userId"`
	JoinedAt time.Time   `json:"joinedAt"`
}

// CursorPayload is the cursors topic payload.
type CursorPayload struct {
	UserID         wiki.UserID     `json:"userId"`
	LocationMarker json.RawMessage `json:"locationMarker"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ContentPayload is the content topic payload.
type ContentPayload struct {
	Version           int64       `json:"version"`
	EditorID          wiki.UserID `json:"editorId"`
	NewContentSummary string      `json:"newContentSummary"`
	CommittedAt       time.Time   `json:"committedAt"`
}

// IncrementalPayload is the incremental topic payload.
type IncrementalPayload struct {
	UserID       wiki.UserID     `json:"userId"`
	DeltaPayload json.RawMessage `json:"deltaPayload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SessionPayload is sent privately to a client after it joins.
type SessionPayload struct {
	PageID         wiki.PageID     `json:"pageId"`
	Editors        []EditorInfo    `json:"editors"`
	Cursors        []CursorPayload `json:"cursors"`
	CurrentVersion int64           `json:"currentVersion"`
}

// ErrorPayload is sent privately to a client whose operation was rejected.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

const contentSummaryLength = 200

func summarizeContent(content string) string {
	runes := []rune(content)
	if len(runes) <= contentSummaryLength {
		return content
	}
	return string(runes[:contentSummaryLength]) + "..."
}
