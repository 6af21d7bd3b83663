package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/kv"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

const (
	editorKeyPrefix   = "wiki:editors:page:"
	userPageKeyPrefix = "wiki:user:page:"
	editorUserInfix   = ":user:"

	// DefaultPresenceTTL is the inactivity window after which an editor expires.
	DefaultPresenceTTL = 90 * time.Second
)

// EditingSession is the presence entry of one user on one page.
type EditingSession struct {
	PageID          wiki.PageID `json:"pageId"`
	UserID          wiki.UserID `json:"userId"`
	JoinedAt        time.Time   `json:"joinedAt"`
	LastHeartbeatAt time.Time   `json:"lastHeartbeatAt"`
}

// PresenceStore tracks which users are editing which page. Each (page, user)
// entry carries its own TTL so abandoned sessions expire independently.
type PresenceStore struct {
	store kv.Store
	ttl   time.Duration
	clock func() time.Time
}

// NewPresenceStore constructs a PresenceStore. Non-positive ttl selects DefaultPresenceTTL.
func NewPresenceStore(store kv.Store, ttl time.Duration, clock func() time.Time) *PresenceStore {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &PresenceStore{store: store, ttl: ttl, clock: clock}
}

func editorKey(pageID wiki.PageID, userID wiki.UserID) string {
	return editorKeyPrefix + pageID.String() + editorUserInfix + userID.String()
}

// editorIndexKey names the set of user ids that joined pageID. Members may
// outlive their entries, so readers confirm each one against editorKey.
func editorIndexKey(pageID wiki.PageID) string {
	return editorKeyPrefix + pageID.String()
}

func userPageKey(userID wiki.UserID) string {
	return userPageKeyPrefix + userID.String()
}

// Join registers userID on pageID with a fresh TTL. A user edits one page at a
// time, so an entry on another page is removed and that page is returned.
func (p *PresenceStore) Join(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) (EditingSession, wiki.PageID, error) {
	previous, _, err := p.CurrentPage(ctx, userID)
	if err != nil {
		return EditingSession{}, "", err
	}
	if previous != "" && previous != pageID {
		if err := p.store.Delete(ctx, editorKey(previous, userID)); err != nil {
			return EditingSession{}, "", fmt.Errorf("presence: leave previous page: %w", err)
		}
		if err := p.store.SetRemove(ctx, editorIndexKey(previous), userID.String()); err != nil {
			return EditingSession{}, "", fmt.Errorf("presence: unindex previous page: %w", err)
		}
	} else {
		previous = ""
	}

	now := p.clock().UTC()
	session := EditingSession{PageID: pageID, UserID: userID, JoinedAt: now, LastHeartbeatAt: now}
	encoded, err := json.Marshal(session)
	if err != nil {
		return EditingSession{}, "", err
	}
	if err := p.store.Set(ctx, editorKey(pageID, userID), string(encoded), p.ttl); err != nil {
		return EditingSession{}, "", fmt.Errorf("presence: join: %w", err)
	}
	if err := p.store.SetAdd(ctx, editorIndexKey(pageID), userID.String(), p.ttl); err != nil {
		return EditingSession{}, "", fmt.Errorf("presence: index editor: %w", err)
	}
	if err := p.store.Set(ctx, userPageKey(userID), pageID.String(), p.ttl); err != nil {
		return EditingSession{}, "", fmt.Errorf("presence: index user page: %w", err)
	}
	return session, previous, nil
}

// Leave removes the user's presence and returns the page they were on.
func (p *PresenceStore) Leave(ctx context.Context, userID wiki.UserID) (wiki.PageID, error) {
	pageID, ok, err := p.CurrentPage(ctx, userID)
	if err != nil {
		return "", err
	}
	keys := []string{userPageKey(userID)}
	if ok {
		keys = append(keys, editorKey(pageID, userID))
	}
	if err := p.store.Delete(ctx, keys...); err != nil {
		return "", fmt.Errorf("presence: leave: %w", err)
	}
	if ok {
		if err := p.store.SetRemove(ctx, editorIndexKey(pageID), userID.String()); err != nil {
			return "", fmt.Errorf("presence: unindex editor: %w", err)
		}
	}
	return pageID, nil
}

// Heartbeat refreshes the entry's TTL and lastHeartbeatAt. It reports false when
// the user has no live entry on the page.
func (p *PresenceStore) Heartbeat(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) (bool, error) {
	now := p.clock().UTC()
	refreshed, err := p.store.Update(ctx, editorKey(pageID, userID), p.ttl, func(current string, exists bool) (string, bool) {
		if !exists {
			return "", false
		}
		var session EditingSession
		if json.Unmarshal([]byte(current), &session) != nil {
			return "", false
		}
		session.LastHeartbeatAt = now
		encoded, err := json.Marshal(session)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	})
	if err != nil {
		return false, fmt.Errorf("presence: heartbeat: %w", err)
	}
	if !refreshed {
		return false, nil
	}
	if err := p.store.Set(ctx, userPageKey(userID), pageID.String(), p.ttl); err != nil {
		return false, fmt.Errorf("presence: heartbeat index: %w", err)
	}
	if err := p.store.SetAdd(ctx, editorIndexKey(pageID), userID.String(), p.ttl); err != nil {
		return false, fmt.Errorf("presence: heartbeat index: %w", err)
	}
	return true, nil
}

// ListEditors returns live sessions on the page ordered by join time, then user id.
// Index members whose entry has expired are pruned.
func (p *PresenceStore) ListEditors(ctx context.Context, pageID wiki.PageID) ([]EditingSession, error) {
	indexKey := editorIndexKey(pageID)
	userIDs, err := p.store.SetMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("presence: list editors: %w", err)
	}
	sessions := make([]EditingSession, 0, len(userIDs))
	var stale []string
	for _, userID := range userIDs {
		value, ok, err := p.store.Get(ctx, editorKey(pageID, wiki.UserID(userID)))
		if err != nil {
			return nil, fmt.Errorf("presence: list editors: %w", err)
		}
		if !ok {
			stale = append(stale, userID)
			continue
		}
		var session EditingSession
		if err := json.Unmarshal([]byte(value), &session); err != nil {
			continue
		}
		if session.PageID != pageID {
			continue
		}
		sessions = append(sessions, session)
	}
	if len(stale) > 0 {
		if err := p.store.SetRemove(ctx, indexKey, stale...); err != nil {
			return nil, fmt.Errorf("presence: prune editors: %w", err)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
		}
		return sessions[i].UserID < sessions[j].UserID
	})
	return sessions, nil
}

// IsEditing reports whether userID has a live entry on pageID.
func (p *PresenceStore) IsEditing(ctx context.Context, userID wiki.UserID, pageID wiki.PageID) (bool, error) {
	_, ok, err := p.store.Get(ctx, editorKey(pageID, userID))
	if err != nil {
		return false, fmt.Errorf("presence: lookup: %w", err)
	}
	return ok, nil
}

// CurrentPage returns the page the user is editing, if any.
func (p *PresenceStore) CurrentPage(ctx context.Context, userID wiki.UserID) (wiki.PageID, bool, error) {
	value, ok, err := p.store.Get(ctx, userPageKey(userID))
	if err != nil {
		return "", false, fmt.Errorf("presence: current page: %w", err)
	}
	return wiki.PageID(value), ok, nil
}
