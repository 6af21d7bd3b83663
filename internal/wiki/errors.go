package wiki

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrPageNotFound indicates the requested page does not exist.
	ErrPageNotFound = errors.New("wiki: page not found")
	// ErrVersionNotFound indicates the requested version is outside the page's history.
	ErrVersionNotFound = errors.New("wiki: version not found")
	// ErrHistoryIncomplete indicates a version needed for reconstruction is missing or corrupt.
	ErrHistoryIncomplete = errors.New("wiki: history incomplete")
	// ErrInvalidParent indicates a parent page that is missing or in another project.
	ErrInvalidParent = errors.New("wiki: invalid parent page")
	// ErrContentUnchanged indicates a commit carried the page's current content.
	ErrContentUnchanged = errors.New("wiki: content unchanged")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	opPagesNew           = "wiki.pages.new"
	opCreatePage         = "wiki.create_page"
	opGetPage            = "wiki.get_page"
	opMarkLocked         = "wiki.mark_locked"
	opClearLock          = "wiki.clear_lock"
	opListOverflowing    = "wiki.list_overflowing"
	opHistoryNew         = "wiki.history.new"
	opCommit             = "wiki.commit"
	opArchiveOverflow    = "wiki.archive_overflow"
	opGetHistory         = "wiki.get_history"
	opVersionContent     = "wiki.version_content"
	opCompareVersions    = "wiki.compare_versions"
	opDeleteHistory      = "wiki.delete_history"
	fieldPageID          = "page_id"
	fieldUserID          = "user_id"
	fieldVersion         = "version"
	queryPageID          = "id = ?"
	queryHistoryPage     = "wiki_page_id = ?"
	queryHistoryPageFrom = "wiki_page_id = ? AND version >= ?"
	orderVersionAsc      = "version ASC"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidInput      = "invalid_input"
	reasonIDGeneration      = "id_generation_failed"
	reasonPageNotFound      = "page_not_found"
	reasonParentNotFound    = "parent_not_found"
	reasonPageSelectFailed  = "page_select_failed"
	reasonPageInsertFailed  = "page_insert_failed"
	reasonPageSaveFailed    = "page_save_failed"
	reasonDiffFailed        = "diff_failed"
	reasonArchiveFailed     = "archive_insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonVersionNotFound   = "version_not_found"
	reasonHistoryIncomplete = "history_incomplete"
	reasonDeleteFailed      = "delete_failed"

	reasonParentProjectMismatch = "parent_project_mismatch"
)

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("wiki service error", attrs...)
}
