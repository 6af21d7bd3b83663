package wiki

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wikidiff"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryConfig describes the dependencies required by HistoryManager.
type HistoryConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Logger      *zap.Logger
	RecentLimit int
}

// HistoryManager commits new versions and serves history across the inline
// buffer and the durable archive.
type HistoryManager struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	recentLimit int
}

// NewHistoryManager validates the configuration and returns a HistoryManager.
func NewHistoryManager(cfg HistoryConfig) (*HistoryManager, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opHistoryNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recentLimit := cfg.RecentLimit
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	return &HistoryManager{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		recentLimit: recentLimit,
	}, nil
}

// RecentLimit reports the configured buffer bound.
func (m *HistoryManager) RecentLimit() int {
	return m.recentLimit
}

// Commit records newContent as the next version of the page. Version allocation,
// buffer append, overflow archival, and the content update share one transaction,
// so a failed commit consumes no version number. Content whose hash matches the
// current content is not recorded: Commit returns the current head together with
// ErrContentUnchanged.
func (m *HistoryManager) Commit(ctx context.Context, pageID PageID, editorID UserID, newContent string) (VersionRecord, error) {
	var committed VersionRecord
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		page, err := m.lockPage(tx, opCommit, pageID)
		if err != nil {
			return err
		}

		newHash := wikidiff.Hash(newContent)
		if newHash == page.ContentHash {
			committed = VersionRecord{
				WikiPageID:       page.ID,
				Version:          page.CurrentVersion,
				ProjectID:        page.ProjectID,
				ContentHash:      page.ContentHash,
				CreatedAtSeconds: page.UpdatedAtSeconds,
			}
			return ErrContentUnchanged
		}

		patch, err := wikidiff.Calculate(page.Content, newContent)
		if err != nil {
			m.logError(opCommit, reasonDiffFailed, err, zap.String(fieldPageID, pageID.String()))
			return newServiceError(opCommit, reasonDiffFailed, err)
		}
		stats := wikidiff.Stats(page.Content, newContent)
		nowSeconds := m.clock().UTC().Unix()

		summary := VersionSummary{
			Version:           page.CurrentVersion + 1,
			ContentDiff:       patch,
			ContentHash:       newHash,
			AddedLines:        stats.AddedLines,
			DeletedLines:      stats.DeletedLines,
			ChangedChars:      stats.ChangedChars,
			ChangeDescription: stats.Summary(),
			CreatedBy:         editorID.String(),
			CreatedAtSeconds:  nowSeconds,
		}
		page.RecentVersions = append(page.RecentVersions, summary)
		if _, err := m.archiveOverflowTx(tx, opCommit, &page, nowSeconds); err != nil {
			return err
		}

		page.Content = newContent
		page.ContentHash = summary.ContentHash
		page.CurrentVersion = summary.Version
		page.RecentCount = len(page.RecentVersions)
		page.UpdatedAtSeconds = nowSeconds
		if err := tx.Save(&page).Error; err != nil {
			m.logError(opCommit, reasonPageSaveFailed, err,
				zap.String(fieldPageID, pageID.String()),
				zap.Int64(fieldVersion, summary.Version))
			return newServiceError(opCommit, reasonPageSaveFailed, err)
		}

		committed = summary.record(page.ID, page.ProjectID)
		return nil
	})
	if errors.Is(txErr, ErrContentUnchanged) {
		return committed, txErr
	}
	if txErr != nil {
		return VersionRecord{}, txErr
	}
	return committed, nil
}

// ArchiveOverflow moves buffer entries beyond the bound into the archive and
// returns how many were moved.
func (m *HistoryManager) ArchiveOverflow(ctx context.Context, pageID PageID) (int, error) {
	moved := 0
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		page, err := m.lockPage(tx, opArchiveOverflow, pageID)
		if err != nil {
			return err
		}
		moved, err = m.archiveOverflowTx(tx, opArchiveOverflow, &page, m.clock().UTC().Unix())
		if err != nil {
			return err
		}
		if moved == 0 && page.RecentCount == len(page.RecentVersions) {
			return nil
		}
		page.RecentCount = len(page.RecentVersions)
		if err := tx.Save(&page).Error; err != nil {
			m.logError(opArchiveOverflow, reasonPageSaveFailed, err, zap.String(fieldPageID, pageID.String()))
			return newServiceError(opArchiveOverflow, reasonPageSaveFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return moved, nil
}

// archiveOverflowTx inserts the oldest overflow entries into the archive and only
// then trims them from the buffer.
func (m *HistoryManager) archiveOverflowTx(tx *gorm.DB, operation string, page *WikiPage, nowSeconds int64) (int, error) {
	overflow := len(page.RecentVersions) - m.recentLimit
	if overflow <= 0 {
		return 0, nil
	}
	archivedAt := nowSeconds
	records := make([]VersionRecord, 0, overflow)
	for _, summary := range page.RecentVersions[:overflow] {
		record := summary.record(page.ID, page.ProjectID)
		record.ArchivedAtSeconds = &archivedAt
		records = append(records, record)
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error; err != nil {
		m.logError(operation, reasonArchiveFailed, err,
			zap.String(fieldPageID, page.ID),
			zap.Int("overflow", overflow))
		return 0, newServiceError(operation, reasonArchiveFailed, err)
	}
	page.RecentVersions = append([]VersionSummary(nil), page.RecentVersions[overflow:]...)
	return overflow, nil
}

// GetHistory returns versions in the range ordered by version, drawing recent
// entries from the buffer and older ones from the archive.
func (m *HistoryManager) GetHistory(ctx context.Context, pageID PageID, versions HistoryRange) ([]VersionRecord, error) {
	page, err := m.loadPage(ctx, opGetHistory, pageID)
	if err != nil {
		return nil, err
	}

	query := m.db.WithContext(ctx).Where(queryHistoryPage, pageID.String())
	if versions.From > 0 {
		query = query.Where("version >= ?", versions.From)
	}
	if versions.To > 0 {
		query = query.Where("version <= ?", versions.To)
	}
	var archived []VersionRecord
	if err := query.Order(orderVersionAsc).Find(&archived).Error; err != nil {
		m.logError(opGetHistory, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
		return nil, newServiceError(opGetHistory, reasonQueryFailed, err)
	}

	return mergeHistory(page, archived, versions), nil
}

func mergeHistory(page WikiPage, archived []VersionRecord, versions HistoryRange) []VersionRecord {
	byVersion := make(map[int64]VersionRecord, len(archived)+len(page.RecentVersions))
	for _, record := range archived {
		byVersion[record.Version] = record
	}
	for _, summary := range page.RecentVersions {
		if !versions.contains(summary.Version) {
			continue
		}
		// an entry may briefly exist in both places; the archive copy is authoritative
		if _, ok := byVersion[summary.Version]; ok {
			continue
		}
		byVersion[summary.Version] = summary.record(page.ID, page.ProjectID)
	}
	merged := make([]VersionRecord, 0, len(byVersion))
	for _, record := range byVersion {
		merged = append(merged, record)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Version < merged[j].Version
	})
	return merged
}

// VersionContent reconstructs the full text of a version by reverse-applying
// diffs from the current content back to the requested version.
func (m *HistoryManager) VersionContent(ctx context.Context, pageID PageID, version int64) (string, error) {
	page, err := m.loadPage(ctx, opVersionContent, pageID)
	if err != nil {
		return "", err
	}
	return m.reconstruct(ctx, page, version)
}

// CompareVersions returns the unified diff between two versions of a page.
func (m *HistoryManager) CompareVersions(ctx context.Context, pageID PageID, fromVersion, toVersion int64) (string, error) {
	page, err := m.loadPage(ctx, opCompareVersions, pageID)
	if err != nil {
		return "", err
	}
	fromContent, err := m.reconstruct(ctx, page, fromVersion)
	if err != nil {
		return "", err
	}
	toContent, err := m.reconstruct(ctx, page, toVersion)
	if err != nil {
		return "", err
	}
	patch, err := wikidiff.Calculate(fromContent, toContent)
	if err != nil {
		m.logError(opCompareVersions, reasonDiffFailed, err, zap.String(fieldPageID, pageID.String()))
		return "", newServiceError(opCompareVersions, reasonDiffFailed, err)
	}
	return patch, nil
}

// DeleteHistory drops every archived version of a page and returns the count removed.
func (m *HistoryManager) DeleteHistory(ctx context.Context, pageID PageID) (int64, error) {
	result := m.db.WithContext(ctx).Where(queryHistoryPage, pageID.String()).Delete(&VersionRecord{})
	if result.Error != nil {
		m.logError(opDeleteHistory, reasonDeleteFailed, result.Error, zap.String(fieldPageID, pageID.String()))
		return 0, newServiceError(opDeleteHistory, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (m *HistoryManager) reconstruct(ctx context.Context, page WikiPage, version int64) (string, error) {
	if version < 1 || version > page.CurrentVersion {
		err := fmt.Errorf("%w: %d (current %d)", ErrVersionNotFound, version, page.CurrentVersion)
		return "", newServiceError(opVersionContent, reasonVersionNotFound, err)
	}

	summaries := make(map[int64]VersionSummary, len(page.RecentVersions))
	for _, summary := range page.RecentVersions {
		summaries[summary.Version] = summary
	}
	if _, ok := summaries[version]; !ok {
		var archived []VersionRecord
		err := m.db.WithContext(ctx).
			Where(queryHistoryPageFrom, page.ID, version).
			Order(orderVersionAsc).
			Find(&archived).Error
		if err != nil {
			m.logError(opVersionContent, reasonQueryFailed, err, zap.String(fieldPageID, page.ID))
			return "", newServiceError(opVersionContent, reasonQueryFailed, err)
		}
		for _, record := range archived {
			if _, ok := summaries[record.Version]; !ok {
				summaries[record.Version] = summaryFromRecord(record)
			}
		}
	}

	content := page.Content
	for current := page.CurrentVersion; current > version; current-- {
		summary, ok := summaries[current]
		if !ok {
			err := fmt.Errorf("%w: version %d missing", ErrHistoryIncomplete, current)
			m.logError(opVersionContent, reasonHistoryIncomplete, err, zap.String(fieldPageID, page.ID))
			return "", newServiceError(opVersionContent, reasonHistoryIncomplete, err)
		}
		previous, err := wikidiff.Reverse(content, summary.ContentDiff)
		if err != nil {
			wrapped := fmt.Errorf("%w: version %d: %v", ErrHistoryIncomplete, current, err)
			m.logError(opVersionContent, reasonHistoryIncomplete, wrapped, zap.String(fieldPageID, page.ID))
			return "", newServiceError(opVersionContent, reasonHistoryIncomplete, wrapped)
		}
		content = previous
	}

	target, ok := summaries[version]
	if !ok || !wikidiff.VerifyHash(content, target.ContentHash) {
		err := fmt.Errorf("%w: version %d hash mismatch", ErrHistoryIncomplete, version)
		m.logError(opVersionContent, reasonHistoryIncomplete, err, zap.String(fieldPageID, page.ID))
		return "", newServiceError(opVersionContent, reasonHistoryIncomplete, err)
	}
	return content, nil
}

func summaryFromRecord(record VersionRecord) VersionSummary {
	return VersionSummary{
		Version:           record.Version,
		ContentDiff:       record.ContentDiff,
		ContentHash:       record.ContentHash,
		AddedLines:        record.AddedLines,
		DeletedLines:      record.DeletedLines,
		ChangedChars:      record.ChangedChars,
		ChangeDescription: record.ChangeDescription,
		CreatedBy:         record.CreatedBy,
		CreatedAtSeconds:  record.CreatedAtSeconds,
	}
}

func (m *HistoryManager) lockPage(tx *gorm.DB, operation string, pageID PageID) (WikiPage, error) {
	var page WikiPage
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryPageID, pageID.String()).
		Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WikiPage{}, newServiceError(operation, reasonPageNotFound, ErrPageNotFound)
	}
	if err != nil {
		m.logError(operation, reasonPageSelectFailed, err, zap.String(fieldPageID, pageID.String()))
		return WikiPage{}, newServiceError(operation, reasonPageSelectFailed, err)
	}
	return page, nil
}

func (m *HistoryManager) loadPage(ctx context.Context, operation string, pageID PageID) (WikiPage, error) {
	var page WikiPage
	err := m.db.WithContext(ctx).Where(queryPageID, pageID.String()).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WikiPage{}, newServiceError(operation, reasonPageNotFound, ErrPageNotFound)
	}
	if err != nil {
		m.logError(operation, reasonPageSelectFailed, err, zap.String(fieldPageID, pageID.String()))
		return WikiPage{}, newServiceError(operation, reasonPageSelectFailed, err)
	}
	return page, nil
}

func (m *HistoryManager) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(m.logger, operation, reason, err, fields...)
}
