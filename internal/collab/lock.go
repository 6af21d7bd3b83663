package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/kv"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix = "wiki:lock:page:"

	// DefaultLockTTL covers validating and persisting one change.
	DefaultLockTTL = 30 * time.Second
)

// PageLock is the authoritative write lock of a page.
type PageLock struct {
	PageID       wiki.PageID   `json:"pageId"`
	HolderUserID wiki.UserID   `json:"holderUserId"`
	AcquiredAt   time.Time     `json:"acquiredAt"`
	TTL          time.Duration `json:"ttl"`
}

// LockProjection mirrors lock state onto the page row for display.
type LockProjection interface {
	MarkLocked(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, acquiredAt time.Time) error
	ClearLock(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) error
}

// LockManagerConfig describes the dependencies required by LockManager.
type LockManagerConfig struct {
	Store      kv.Store
	TTL        time.Duration
	Clock      func() time.Time
	Projection LockProjection
	Logger     *zap.Logger
}

// LockManager hands out non-blocking, TTL-bounded page locks.
type LockManager struct {
	store      kv.Store
	ttl        time.Duration
	clock      func() time.Time
	projection LockProjection
	logger     *zap.Logger
}

// NewLockManager constructs a LockManager. Projection is optional.
func NewLockManager(cfg LockManagerConfig) (*LockManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: lock store", errMissingCollaborator)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		store:      cfg.Store,
		ttl:        ttl,
		clock:      clock,
		projection: cfg.Projection,
		logger:     logger,
	}, nil
}

func lockKey(pageID wiki.PageID) string {
	return lockKeyPrefix + pageID.String()
}

// TryAcquire attempts a single set-if-absent and never waits.
func (l *LockManager) TryAcquire(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) (bool, error) {
	lock := PageLock{PageID: pageID, HolderUserID: userID, AcquiredAt: l.clock().UTC(), TTL: l.ttl}
	encoded, err := json.Marshal(lock)
	if err != nil {
		return false, err
	}
	acquired, err := l.store.SetNX(ctx, lockKey(pageID), string(encoded), l.ttl)
	if err != nil {
		return false, fmt.Errorf("lock: acquire: %w", err)
	}
	if !acquired {
		return false, nil
	}
	if l.projection != nil {
		if err := l.projection.MarkLocked(ctx, pageID, userID, lock.AcquiredAt); err != nil {
			l.logger.Warn("lock projection update failed",
				zap.String("page_id", pageID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
	return true, nil
}

// Release deletes the lock only while userID still holds it. Releasing a lock
// held by someone else, or an expired one, is a no-op.
func (l *LockManager) Release(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) error {
	raw, ok, err := l.store.Get(ctx, lockKey(pageID))
	if err != nil {
		return fmt.Errorf("lock: release lookup: %w", err)
	}
	if !ok {
		return nil
	}
	var lock PageLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil || lock.HolderUserID != userID {
		return nil
	}
	removed, err := l.store.DeleteIfEquals(ctx, lockKey(pageID), raw)
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	if removed && l.projection != nil {
		if err := l.projection.ClearLock(ctx, pageID, userID); err != nil {
			l.logger.Warn("lock projection clear failed",
				zap.String("page_id", pageID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// Holder returns the current lock, if any.
func (l *LockManager) Holder(ctx context.Context, pageID wiki.PageID) (PageLock, bool, error) {
	raw, ok, err := l.store.Get(ctx, lockKey(pageID))
	if err != nil {
		return PageLock{}, false, fmt.Errorf("lock: holder: %w", err)
	}
	if !ok {
		return PageLock{}, false, nil
	}
	var lock PageLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return PageLock{}, false, fmt.Errorf("lock: decode: %w", err)
	}
	return lock, true, nil
}
