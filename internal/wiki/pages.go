package wiki

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wikidiff"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PageServiceConfig describes the dependencies required by PageService.
type PageServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// PageService owns page lookups and the lock projection columns.
type PageService struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewPageService validates the configuration and returns a PageService.
func NewPageService(cfg PageServiceConfig) (*PageService, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opPagesNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opPagesNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &PageService{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreatePageRequest carries the inputs for a new page.
type CreatePageRequest struct {
	ProjectID ProjectID
	ParentID  *PageID
	Path      string
	Title     string
	Content   string
}

// CreatePage persists a new page at version zero.
func (s *PageService) CreatePage(ctx context.Context, request CreatePageRequest) (PageSnapshot, error) {
	if request.ProjectID == "" || strings.TrimSpace(request.Path) == "" {
		err := fmt.Errorf("%w: project and path are required", ErrInvalidProjectID)
		s.logError(opCreatePage, reasonInvalidInput, err)
		return PageSnapshot{}, newServiceError(opCreatePage, reasonInvalidInput, err)
	}
	pageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreatePage, reasonIDGeneration, err)
		return PageSnapshot{}, newServiceError(opCreatePage, reasonIDGeneration, err)
	}
	nowSeconds := s.clock().UTC().Unix()
	page := WikiPage{
		ID:               pageID,
		ProjectID:        request.ProjectID.String(),
		Path:             strings.TrimSpace(request.Path),
		Title:            strings.TrimSpace(request.Title),
		Content:          request.Content,
		ContentHash:      wikidiff.Hash(request.Content),
		RecentVersions:   []VersionSummary{},
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	if request.ParentID != nil {
		parent := request.ParentID.String()
		page.ParentID = &parent
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if page.ParentID != nil {
			if err := s.requireParent(tx, *page.ParentID, page.ProjectID); err != nil {
				return err
			}
		}
		if err := tx.Create(&page).Error; err != nil {
			s.logError(opCreatePage, reasonPageInsertFailed, err, zap.String(fieldPageID, pageID))
			return newServiceError(opCreatePage, reasonPageInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return PageSnapshot{}, txErr
	}
	return page.snapshot(), nil
}

// requireParent keeps the page tree inside one project: the parent must exist
// and share the child's project. The row lock holds it until the child is in.
func (s *PageService) requireParent(tx *gorm.DB, parentID, projectID string) error {
	var parent WikiPage
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "project_id").
		Where(queryPageID, parentID).
		Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opCreatePage, reasonParentNotFound,
			fmt.Errorf("%w: %s does not exist", ErrInvalidParent, parentID))
	}
	if err != nil {
		s.logError(opCreatePage, reasonPageSelectFailed, err, zap.String("parent_id", parentID))
		return newServiceError(opCreatePage, reasonPageSelectFailed, err)
	}
	if parent.ProjectID != projectID {
		return newServiceError(opCreatePage, reasonParentProjectMismatch,
			fmt.Errorf("%w: %s belongs to another project", ErrInvalidParent, parentID))
	}
	return nil
}

// GetPage returns the current content view of a page.
func (s *PageService) GetPage(ctx context.Context, pageID PageID) (PageSnapshot, error) {
	var page WikiPage
	err := s.db.WithContext(ctx).Where(queryPageID, pageID.String()).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PageSnapshot{}, newServiceError(opGetPage, reasonPageNotFound, ErrPageNotFound)
	}
	if err != nil {
		s.logError(opGetPage, reasonPageSelectFailed, err, zap.String(fieldPageID, pageID.String()))
		return PageSnapshot{}, newServiceError(opGetPage, reasonPageSelectFailed, err)
	}
	return page.snapshot(), nil
}

// GetProjectIDForPage resolves the owning project of a page.
func (s *PageService) GetProjectIDForPage(ctx context.Context, pageID PageID) (ProjectID, error) {
	snapshot, err := s.GetPage(ctx, pageID)
	if err != nil {
		return "", err
	}
	return snapshot.ProjectID, nil
}

// MarkLocked refreshes the page's lock projection after an acquire.
func (s *PageService) MarkLocked(ctx context.Context, pageID PageID, userID UserID, acquiredAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&WikiPage{}).
		Where(queryPageID, pageID.String()).
		Updates(map[string]interface{}{
			"is_locked":   true,
			"locked_by":   userID.String(),
			"locked_at_s": acquiredAt.UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opMarkLocked, reasonPageSaveFailed, result.Error,
			zap.String(fieldPageID, pageID.String()),
			zap.String(fieldUserID, userID.String()))
		return newServiceError(opMarkLocked, reasonPageSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkLocked, reasonPageNotFound, ErrPageNotFound)
	}
	return nil
}

// ClearLock resets the projection, but only while it still names userID.
func (s *PageService) ClearLock(ctx context.Context, pageID PageID, userID UserID) error {
	err := s.db.WithContext(ctx).Model(&WikiPage{}).
		Where("id = ? AND locked_by = ?", pageID.String(), userID.String()).
		Updates(map[string]interface{}{
			"is_locked":   false,
			"locked_by":   "",
			"locked_at_s": 0,
		}).Error
	if err != nil {
		s.logError(opClearLock, reasonPageSaveFailed, err,
			zap.String(fieldPageID, pageID.String()),
			zap.String(fieldUserID, userID.String()))
		return newServiceError(opClearLock, reasonPageSaveFailed, err)
	}
	return nil
}

// ListArchiveCandidates pages through pages whose recent buffer holds more than
// recentLimit entries, ordered by id and starting after afterID.
func (s *PageService) ListArchiveCandidates(ctx context.Context, recentLimit int, afterID PageID, batchSize int) ([]PageID, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&WikiPage{}).
		Where("recent_count > ? AND id > ?", recentLimit, afterID.String()).
		Order("id ASC").
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		s.logError(opListOverflowing, reasonQueryFailed, err)
		return nil, newServiceError(opListOverflowing, reasonQueryFailed, err)
	}
	pageIDs := make([]PageID, 0, len(ids))
	for _, id := range ids {
		pageIDs = append(pageIDs, PageID(id))
	}
	return pageIDs, nil
}

func (s *PageService) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil {
		logServiceError(noOpLogger, operation, reason, err, fields...)
		return
	}
	logServiceError(s.logger, operation, reason, err, fields...)
}
