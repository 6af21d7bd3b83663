package collab

import (
	"errors"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

var (
	// ErrAccessDenied indicates the caller is not a member of the page's project.
	ErrAccessDenied = errors.New("collab: access denied")
	// ErrSessionNotActive indicates the caller has no live presence on the page.
	ErrSessionNotActive = errors.New("collab: session not active")
	// ErrLockContention indicates another editor is committing; retry later.
	ErrLockContention = errors.New("collab: page locked by another editor")
	// ErrCommitFailed indicates the version commit failed after the lock was acquired.
	ErrCommitFailed = errors.New("collab: commit failed")
	// ErrPageNotFound indicates the page does not exist.
	ErrPageNotFound = errors.New("collab: page not found")

	errMissingCollaborator = errors.New("collab: missing collaborator")
)

// Wire codes carried by ErrorPayload.
const (
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeSessionNotActive = "SESSION_NOT_ACTIVE"
	CodeLockContention   = "LOCK_CONTENTION"
	CodeCommitFailed     = "COMMIT_FAILED"
	CodePageNotFound     = "PAGE_NOT_FOUND"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInternal         = "INTERNAL_ERROR"
)

// CodeOf maps an error to its wire code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrSessionNotActive):
		return CodeSessionNotActive
	case errors.Is(err, ErrLockContention):
		return CodeLockContention
	case errors.Is(err, ErrCommitFailed):
		return CodeCommitFailed
	case errors.Is(err, ErrPageNotFound), errors.Is(err, wiki.ErrPageNotFound):
		return CodePageNotFound
	case errors.Is(err, wiki.ErrInvalidPageID), errors.Is(err, wiki.ErrInvalidUserID):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

// Retryable reports whether the client should retry the rejected operation unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockContention)
}
