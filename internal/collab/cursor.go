package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/kv"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

const (
	cursorKeyPrefix = "wiki:cursor:user:"

	// DefaultCursorTTL bounds how long an idle cursor is remembered.
	DefaultCursorTTL = 60 * time.Second
)

// CursorPosition is the last known cursor of a user on a page. LocationMarker is
// opaque client data.
type CursorPosition struct {
	PageID         wiki.PageID     `json:"pageId"`
	UserID         wiki.UserID     `json:"userId"`
	LocationMarker json.RawMessage `json:"locationMarker"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (position CursorPosition) payload() CursorPayload {
	return CursorPayload{
		UserID:         position.UserID,
		LocationMarker: position.LocationMarker,
		UpdatedAt:      position.UpdatedAt,
	}
}

// CursorStore keeps one overwrite-only cursor per user.
type CursorStore struct {
	store    kv.Store
	presence *PresenceStore
	ttl      time.Duration
	clock    func() time.Time
}

// NewCursorStore constructs a CursorStore gated by presence.
func NewCursorStore(store kv.Store, presence *PresenceStore, ttl time.Duration, clock func() time.Time) *CursorStore {
	if ttl <= 0 {
		ttl = DefaultCursorTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &CursorStore{store: store, presence: presence, ttl: ttl, clock: clock}
}

func cursorKey(userID wiki.UserID) string {
	return cursorKeyPrefix + userID.String()
}

// Update stores the position when the user is editing the page. A zero updatedAt
// is stamped with the server clock. Writes older than the stored position for the
// same page are dropped. The bool reports whether the position was stored.
func (c *CursorStore) Update(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, marker json.RawMessage, updatedAt time.Time) (CursorPosition, bool, error) {
	editing, err := c.presence.IsEditing(ctx, userID, pageID)
	if err != nil {
		return CursorPosition{}, false, err
	}
	if !editing {
		return CursorPosition{}, false, nil
	}
	if updatedAt.IsZero() {
		updatedAt = c.clock()
	}
	position := CursorPosition{
		PageID:         pageID,
		UserID:         userID,
		LocationMarker: marker,
		UpdatedAt:      updatedAt.UTC(),
	}
	encoded, err := json.Marshal(position)
	if err != nil {
		return CursorPosition{}, false, fmt.Errorf("cursor: encode: %w", err)
	}
	stored, err := c.store.Update(ctx, cursorKey(userID), c.ttl, func(current string, exists bool) (string, bool) {
		if exists {
			var previous CursorPosition
			if json.Unmarshal([]byte(current), &previous) == nil &&
				previous.PageID == pageID &&
				previous.UpdatedAt.After(position.UpdatedAt) {
				return "", false
			}
		}
		return string(encoded), true
	})
	if err != nil {
		return CursorPosition{}, false, fmt.Errorf("cursor: update: %w", err)
	}
	return position, stored, nil
}

// GetAll returns the cursors of the page's current editors in editor order.
func (c *CursorStore) GetAll(ctx context.Context, pageID wiki.PageID) ([]CursorPosition, error) {
	editors, err := c.presence.ListEditors(ctx, pageID)
	if err != nil {
		return nil, err
	}
	positions := make([]CursorPosition, 0, len(editors))
	for _, editor := range editors {
		value, ok, err := c.store.Get(ctx, cursorKey(editor.UserID))
		if err != nil {
			return nil, fmt.Errorf("cursor: get: %w", err)
		}
		if !ok {
			continue
		}
		var position CursorPosition
		if err := json.Unmarshal([]byte(value), &position); err != nil {
			continue
		}
		if position.PageID != pageID {
			continue
		}
		positions = append(positions, position)
	}
	return positions, nil
}

// Clear drops the user's cursor.
func (c *CursorStore) Clear(ctx context.Context, userID wiki.UserID) error {
	if err := c.store.Delete(ctx, cursorKey(userID)); err != nil {
		return fmt.Errorf("cursor: clear: %w", err)
	}
	return nil
}
