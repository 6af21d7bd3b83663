package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/kv"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

type sentMessage struct {
	PageID  wiki.PageID
	UserID  wiki.UserID
	Topic   Topic
	Payload any
}

type recordingTransport struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (t *recordingTransport) SendTo(_ context.Context, pageID wiki.PageID, userID wiki.UserID, topic Topic, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, sentMessage{PageID: pageID, UserID: userID, Topic: topic, Payload: payload})
	return nil
}

func (t *recordingTransport) errorsFor(userID wiki.UserID) []ErrorPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []ErrorPayload
	for _, message := range t.messages {
		if message.UserID == userID && message.Topic == TopicErrors {
			result = append(result, message.Payload.(ErrorPayload))
		}
	}
	return result
}

func (t *recordingTransport) pagesFor(userID wiki.UserID, topic Topic) []wiki.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []wiki.PageID
	for _, message := range t.messages {
		if message.UserID == userID && message.Topic == topic {
			result = append(result, message.PageID)
		}
	}
	return result
}

func (t *recordingTransport) sessionsFor(userID wiki.UserID) []SessionPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []SessionPayload
	for _, message := range t.messages {
		if message.UserID == userID && message.Topic == TopicSession {
			result = append(result, message.Payload.(SessionPayload))
		}
	}
	return result
}

type memberSet map[wiki.UserID]bool

func (m memberSet) IsMember(_ context.Context, _ wiki.ProjectID, userID wiki.UserID) (bool, error) {
	return m[userID], nil
}

type committerFunc func(ctx context.Context, pageID wiki.PageID, editorID wiki.UserID, newContent string) (wiki.VersionRecord, error)

func (f committerFunc) Commit(ctx context.Context, pageID wiki.PageID, editorID wiki.UserID, newContent string) (wiki.VersionRecord, error) {
	return f(ctx, pageID, editorID, newContent)
}

type serviceFixture struct {
	clock       *manualClock
	store       *kv.MemoryStore
	presence    *PresenceStore
	cursors     *CursorStore
	locks       *LockManager
	broadcaster *LocalBroadcaster
	transport   *recordingTransport
	pages       *wiki.PageService
	history     *wiki.HistoryManager
	service     *Service
	pageID      wiki.PageID
}

// newServiceFixture wires a Service over an in-memory store and sqlite pages.
// A nil committer commits through the real history manager.
func newServiceFixture(t *testing.T, members memberSet, committer Committer) serviceFixture {
	t.Helper()
	clock := newManualClock()
	store := kv.NewMemoryStore(clock.Now)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(&wiki.WikiPage{}, &wiki.VersionRecord{}))

	pages, err := wiki.NewPageService(wiki.PageServiceConfig{
		Database:   database,
		Clock:      clock.Now,
		IDProvider: staticIDs{"page-7"},
	})
	require.NoError(t, err)
	history, err := wiki.NewHistoryManager(wiki.HistoryConfig{Database: database, Clock: clock.Now})
	require.NoError(t, err)
	page, err := pages.CreatePage(context.Background(), wiki.CreatePageRequest{
		ProjectID: "project-1",
		Path:      "/handbook",
		Title:     "Notes",
	})
	require.NoError(t, err)

	presence := NewPresenceStore(store, 30*time.Second, clock.Now)
	cursors := NewCursorStore(store, presence, 20*time.Second, clock.Now)
	locks, err := NewLockManager(LockManagerConfig{Store: store, TTL: 10 * time.Second, Clock: clock.Now, Projection: pages})
	require.NoError(t, err)
	broadcaster := NewLocalBroadcaster(clock.Now)
	transport := &recordingTransport{}
	if committer == nil {
		committer = history
	}

	service, err := NewService(ServiceConfig{
		Presence:    presence,
		Cursors:     cursors,
		Locks:       locks,
		Broadcaster: broadcaster,
		Pages:       pages,
		Access:      members,
		History:     committer,
		Transport:   transport,
		Clock:       clock.Now,
	})
	require.NoError(t, err)

	return serviceFixture{
		clock:       clock,
		store:       store,
		presence:    presence,
		cursors:     cursors,
		locks:       locks,
		broadcaster: broadcaster,
		transport:   transport,
		pages:       pages,
		history:     history,
		service:     service,
		pageID:      page.ID,
	}
}

type staticIDs []string

func (ids staticIDs) NewID() (string, error) {
	return ids[0], nil
}

func receiveEvent(t *testing.T, stream <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-stream:
		require.True(t, ok, "stream closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func decodePayload[T any](t *testing.T, event Event) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	return payload
}
