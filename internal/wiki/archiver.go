package wiki

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ArchiverUserID is the lock holder recorded while the archiver sweeps a page.
const ArchiverUserID UserID = "system:archiver"

const (
	defaultArchiveInterval  = 5 * time.Minute
	defaultArchiveBatchSize = 100
)

// PageLocker is the lock discipline the archiver shares with content commits.
type PageLocker interface {
	TryAcquire(ctx context.Context, pageID PageID, userID UserID) (bool, error)
	Release(ctx context.Context, pageID PageID, userID UserID) error
}

// ArchiverConfig describes the dependencies required by Archiver.
type ArchiverConfig struct {
	Pages     *PageService
	History   *HistoryManager
	Locker    PageLocker
	Interval  time.Duration
	BatchSize int
	Logger    *zap.Logger
}

// Archiver periodically moves buffer overflow into the archive for pages that
// were left over the bound, for example after the bound was lowered.
type Archiver struct {
	pages     *PageService
	history   *HistoryManager
	locker    PageLocker
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// SweepResult summarises one archiver pass.
type SweepResult struct {
	Scanned  int
	Archived int
	Skipped  int
}

// NewArchiver validates the configuration and returns an Archiver.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Pages == nil || cfg.History == nil || cfg.Locker == nil {
		return nil, errors.New("wiki: archiver requires pages, history, and locker")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultArchiveInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultArchiveBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Archiver{
		pages:     cfg.Pages,
		history:   cfg.History,
		locker:    cfg.Locker,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := a.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("archive sweep failed", zap.Error(err))
				continue
			}
			if result.Archived > 0 {
				a.logger.Info("archive sweep completed",
					zap.Int("scanned", result.Scanned),
					zap.Int("archived", result.Archived),
					zap.Int("skipped", result.Skipped))
			}
		}
	}
}

// Sweep archives overflow for every candidate page once.
func (a *Archiver) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var after PageID
	for {
		candidates, err := a.pages.ListArchiveCandidates(ctx, a.history.RecentLimit(), after, a.batchSize)
		if err != nil {
			return result, err
		}
		for _, pageID := range candidates {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Scanned++
			moved, locked, err := a.ArchivePage(ctx, pageID)
			if err != nil {
				return result, err
			}
			if !locked {
				result.Skipped++
				continue
			}
			result.Archived += moved
		}
		if len(candidates) < a.batchSize {
			return result, nil
		}
		after = candidates[len(candidates)-1]
	}
}

// ArchivePage archives one page's overflow under the page lock. A page whose lock
// is held by an editor is skipped and reported with locked=false.
func (a *Archiver) ArchivePage(ctx context.Context, pageID PageID) (moved int, locked bool, err error) {
	acquired, err := a.locker.TryAcquire(ctx, pageID, ArchiverUserID)
	if err != nil {
		return 0, false, err
	}
	if !acquired {
		a.logger.Debug("archive skipped, page locked", zap.String(fieldPageID, pageID.String()))
		return 0, false, nil
	}
	defer func() {
		if releaseErr := a.locker.Release(context.WithoutCancel(ctx), pageID, ArchiverUserID); releaseErr != nil {
			a.logger.Warn("archive lock release failed",
				zap.String(fieldPageID, pageID.String()),
				zap.Error(releaseErr))
		}
	}()
	moved, err = a.history.ArchiveOverflow(ctx, pageID)
	if err != nil {
		return 0, true, err
	}
	return moved, true, nil
}
