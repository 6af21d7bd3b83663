// Package collab coordinates concurrent editing of wiki pages: presence, cursors,
// the per-page write lock, and per-page event broadcast.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of one (page, user) editing session.
type SessionState string

const (
	StateNotEditing SessionState = "NOT_EDITING"
	StateJoining    SessionState = "JOINING"
	StateActive     SessionState = "ACTIVE"
	StateLeaving    SessionState = "LEAVING"
	StateExpired    SessionState = "EXPIRED"
)

// AccessChecker decides project membership.
type AccessChecker interface {
	IsMember(ctx context.Context, projectID wiki.ProjectID, userID wiki.UserID) (bool, error)
}

// PageDirectory resolves pages.
type PageDirectory interface {
	GetProjectIDForPage(ctx context.Context, pageID wiki.PageID) (wiki.ProjectID, error)
	GetPage(ctx context.Context, pageID wiki.PageID) (wiki.PageSnapshot, error)
}

// Committer records a new content version.
type Committer interface {
	Commit(ctx context.Context, pageID wiki.PageID, editorID wiki.UserID, newContent string) (wiki.VersionRecord, error)
}

// Transport delivers a private message to one user's connections on one page.
type Transport interface {
	SendTo(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, topic Topic, payload any) error
}

// ServiceConfig describes the dependencies required by Service.
type ServiceConfig struct {
	Presence    *PresenceStore
	Cursors     *CursorStore
	Locks       *LockManager
	Broadcaster Broadcaster
	Pages       PageDirectory
	Access      AccessChecker
	History     Committer
	Transport   Transport
	Clock       func() time.Time
	Logger      *zap.Logger
	Meter       metric.Meter
}

// Service is the entry point the connection handlers call into.
type Service struct {
	presence    *PresenceStore
	cursors     *CursorStore
	locks       *LockManager
	broadcaster Broadcaster
	pages       PageDirectory
	access      AccessChecker
	history     Committer
	transport   Transport
	clock       func() time.Time
	logger      *zap.Logger
	metrics     sessionMetrics
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Presence == nil:
		return nil, fmt.Errorf("%w: presence store", errMissingCollaborator)
	case cfg.Cursors == nil:
		return nil, fmt.Errorf("%w: cursor store", errMissingCollaborator)
	case cfg.Locks == nil:
		return nil, fmt.Errorf("%w: lock manager", errMissingCollaborator)
	case cfg.Broadcaster == nil:
		return nil, fmt.Errorf("%w: broadcaster", errMissingCollaborator)
	case cfg.Pages == nil:
		return nil, fmt.Errorf("%w: page directory", errMissingCollaborator)
	case cfg.Access == nil:
		return nil, fmt.Errorf("%w: access checker", errMissingCollaborator)
	case cfg.History == nil:
		return nil, fmt.Errorf("%w: committer", errMissingCollaborator)
	case cfg.Transport == nil:
		return nil, fmt.Errorf("%w: transport", errMissingCollaborator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := newSessionMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("collab: metrics: %w", err)
	}
	return &Service{
		presence:    cfg.Presence,
		cursors:     cfg.Cursors,
		locks:       cfg.Locks,
		broadcaster: cfg.Broadcaster,
		pages:       cfg.Pages,
		access:      cfg.Access,
		history:     cfg.History,
		transport:   cfg.Transport,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Join registers userID as an editor of pageID, announces the new editor list,
// and sends the joiner the current editors, cursors, and version.
func (s *Service) Join(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) (SessionPayload, error) {
	page, err := s.pages.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, wiki.ErrPageNotFound) {
			err = fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
		}
		return SessionPayload{}, s.reject(ctx, "join", pageID, userID, err)
	}
	if err := s.requireMember(ctx, page.ProjectID, userID); err != nil {
		return SessionPayload{}, s.reject(ctx, "join", pageID, userID, err)
	}

	_, previousPage, err := s.presence.Join(ctx, pageID, userID)
	if err != nil {
		return SessionPayload{}, s.reject(ctx, "join", pageID, userID, err)
	}
	if previousPage != "" {
		s.publishEditors(ctx, previousPage, userID)
	}

	editors, err := s.editorInfos(ctx, pageID)
	if err != nil {
		return SessionPayload{}, s.reject(ctx, "join", pageID, userID, err)
	}
	positions, err := s.cursors.GetAll(ctx, pageID)
	if err != nil {
		return SessionPayload{}, s.reject(ctx, "join", pageID, userID, err)
	}
	cursors := make([]CursorPayload, 0, len(positions))
	for _, position := range positions {
		cursors = append(cursors, position.payload())
	}

	s.publish(ctx, pageID, TopicEditors, userID, editors)
	snapshot := SessionPayload{
		PageID:         pageID,
		Editors:        editors,
		Cursors:        cursors,
		CurrentVersion: page.CurrentVersion,
	}
	s.send(ctx, pageID, userID, TopicSession, snapshot)

	s.metrics.joins.Add(ctx, 1)
	s.logger.Info("editor joined",
		zap.String("page_id", pageID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("editors", len(editors)))
	return snapshot, nil
}

// Leave ends the user's session on pageID, releasing the page lock if the user
// happens to hold it.
func (s *Service) Leave(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) error {
	current, ok, err := s.presence.CurrentPage(ctx, userID)
	if err != nil {
		s.logError("leave", pageID, userID, err)
		return err
	}
	if ok && current == pageID {
		if _, err := s.presence.Leave(ctx, userID); err != nil {
			s.logError("leave", pageID, userID, err)
			return err
		}
		if err := s.cursors.Clear(ctx, userID); err != nil {
			s.logger.Warn("cursor clear failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	if err := s.locks.Release(ctx, pageID, userID); err != nil {
		s.logger.Warn("lock release on leave failed",
			zap.String("page_id", pageID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	s.publishEditors(ctx, pageID, userID)

	s.metrics.leaves.Add(ctx, 1)
	s.logger.Info("editor left",
		zap.String("page_id", pageID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// Heartbeat keeps an idle session alive.
func (s *Service) Heartbeat(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) error {
	if err := s.requireActive(ctx, pageID, userID); err != nil {
		return s.reject(ctx, "heartbeat", pageID, userID, err)
	}
	return nil
}

// UpdateCursor stores and broadcasts the user's cursor.
func (s *Service) UpdateCursor(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, marker json.RawMessage, updatedAt time.Time) error {
	if err := s.requireActive(ctx, pageID, userID); err != nil {
		return s.reject(ctx, "update_cursor", pageID, userID, err)
	}
	position, stored, err := s.cursors.Update(ctx, pageID, userID, marker, updatedAt)
	if err != nil {
		return s.reject(ctx, "update_cursor", pageID, userID, err)
	}
	if !stored {
		// superseded by a newer position or the session expired in between
		return nil
	}
	s.publish(ctx, pageID, TopicCursors, userID, position.payload())
	return nil
}

// SubmitContentChange commits newContent as the next version under the page lock
// and announces it. Contention is reported to the caller and nothing is recorded.
// Content identical to the current head returns that head without a broadcast.
func (s *Service) SubmitContentChange(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, newContent string) (wiki.VersionRecord, error) {
	if err := s.requireActive(ctx, pageID, userID); err != nil {
		return wiki.VersionRecord{}, s.reject(ctx, "submit_content", pageID, userID, err)
	}
	projectID, err := s.pages.GetProjectIDForPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, wiki.ErrPageNotFound) {
			err = fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
		}
		return wiki.VersionRecord{}, s.reject(ctx, "submit_content", pageID, userID, err)
	}
	if err := s.requireMember(ctx, projectID, userID); err != nil {
		return wiki.VersionRecord{}, s.reject(ctx, "submit_content", pageID, userID, err)
	}

	record, err := s.commitUnderLock(ctx, pageID, userID, newContent)
	if errors.Is(err, wiki.ErrContentUnchanged) {
		s.logger.Debug("content unchanged",
			zap.String("page_id", pageID.String()),
			zap.String("user_id", userID.String()),
			zap.Int64("version", record.Version))
		return record, nil
	}
	if err != nil {
		return wiki.VersionRecord{}, s.reject(ctx, "submit_content", pageID, userID, err)
	}

	s.publish(ctx, pageID, TopicContent, userID, ContentPayload{
		Version:           record.Version,
		EditorID:          userID,
		NewContentSummary: summarizeContent(newContent),
		CommittedAt:       record.CreatedAt(),
	})
	s.metrics.commits.Add(ctx, 1)
	s.logger.Info("content committed",
		zap.String("page_id", pageID.String()),
		zap.String("user_id", userID.String()),
		zap.Int64("version", record.Version),
		zap.String("change", record.ChangeDescription))
	return record, nil
}

// commitUnderLock holds the page lock only for the commit and releases it on
// every path, including commit failure and caller cancellation.
func (s *Service) commitUnderLock(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, newContent string) (record wiki.VersionRecord, err error) {
	acquired, err := s.locks.TryAcquire(ctx, pageID, userID)
	if err != nil {
		return wiki.VersionRecord{}, err
	}
	if !acquired {
		return wiki.VersionRecord{}, ErrLockContention
	}
	defer func() {
		if releaseErr := s.locks.Release(context.WithoutCancel(ctx), pageID, userID); releaseErr != nil {
			s.logger.Error("lock release failed",
				zap.String("page_id", pageID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(releaseErr))
		}
	}()

	started := s.clock()
	record, err = s.history.Commit(ctx, pageID, userID, newContent)
	s.metrics.commitDuration.Record(ctx, s.clock().Sub(started).Seconds())
	if errors.Is(err, wiki.ErrContentUnchanged) {
		return record, err
	}
	if err != nil {
		return wiki.VersionRecord{}, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	return record, nil
}

// SubmitIncrementalChange relays a live-typing delta. Nothing is locked or stored;
// the next content commit is the durable checkpoint.
func (s *Service) SubmitIncrementalChange(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, delta json.RawMessage) error {
	if err := s.requireActive(ctx, pageID, userID); err != nil {
		return s.reject(ctx, "submit_incremental", pageID, userID, err)
	}
	s.publish(ctx, pageID, TopicIncremental, userID, IncrementalPayload{
		UserID:       userID,
		DeltaPayload: delta,
		Timestamp:    s.clock().UTC(),
	})
	return nil
}

// Deliverable reports whether broadcasts for pageID should reach userID.
func (s *Service) Deliverable(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) (bool, error) {
	return s.presence.IsEditing(ctx, userID, pageID)
}

// State reports the observable session state of userID on pageID.
func (s *Service) State(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) (SessionState, error) {
	editing, err := s.presence.IsEditing(ctx, userID, pageID)
	if err != nil {
		return StateNotEditing, err
	}
	if editing {
		return StateActive, nil
	}
	return StateNotEditing, nil
}

// Editors returns the current editor list of a page.
func (s *Service) Editors(ctx context.Context, pageID wiki.PageID) ([]EditorInfo, error) {
	return s.editorInfos(ctx, pageID)
}

// LockStatus returns the authoritative lock of a page, if held.
func (s *Service) LockStatus(ctx context.Context, pageID wiki.PageID) (PageLock, bool, error) {
	return s.locks.Holder(ctx, pageID)
}

// Subscribe exposes the page's broadcast stream to a transport.
func (s *Service) Subscribe(ctx context.Context, pageID wiki.PageID, topics ...Topic) (<-chan Event, func()) {
	return s.broadcaster.Subscribe(ctx, pageID, topics...)
}

// CanAccess reports whether userID may read pageID.
func (s *Service) CanAccess(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) error {
	projectID, err := s.pages.GetProjectIDForPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, wiki.ErrPageNotFound) {
			return fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
		}
		return err
	}
	return s.requireMember(ctx, projectID, userID)
}

func (s *Service) requireActive(ctx context.Context, pageID wiki.PageID, userID wiki.UserID) error {
	refreshed, err := s.presence.Heartbeat(ctx, pageID, userID)
	if err != nil {
		return err
	}
	if !refreshed {
		return ErrSessionNotActive
	}
	return nil
}

func (s *Service) requireMember(ctx context.Context, projectID wiki.ProjectID, userID wiki.UserID) error {
	member, err := s.access.IsMember(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrAccessDenied
	}
	return nil
}

func (s *Service) editorInfos(ctx context.Context, pageID wiki.PageID) ([]EditorInfo, error) {
	sessions, err := s.presence.ListEditors(ctx, pageID)
	if err != nil {
		return nil, err
	}
	editors := make([]EditorInfo, 0, len(sessions))
	for _, session := range sessions {
		editors = append(editors, EditorInfo{UserID: session.UserID, JoinedAt: session.JoinedAt})
	}
	return editors, nil
}

func (s *Service) publishEditors(ctx context.Context, pageID wiki.PageID, origin wiki.UserID) {
	editors, err := s.editorInfos(ctx, pageID)
	if err != nil {
		s.logger.Warn("editor list unavailable", zap.String("page_id", pageID.String()), zap.Error(err))
		return
	}
	s.publish(ctx, pageID, TopicEditors, origin, editors)
}

// publish is best effort; broadcast failures never fail the operation.
func (s *Service) publish(ctx context.Context, pageID wiki.PageID, topic Topic, origin wiki.UserID, payload any) {
	if err := s.broadcaster.Publish(ctx, pageID, topic, origin, payload); err != nil {
		s.logger.Warn("broadcast failed",
			zap.String("page_id", pageID.String()),
			zap.String("topic", string(topic)),
			zap.Error(err))
	}
}

func (s *Service) send(ctx context.Context, pageID wiki.PageID, userID wiki.UserID, topic Topic, payload any) {
	if err := s.transport.SendTo(ctx, pageID, userID, topic, payload); err != nil {
		s.logger.Warn("unicast failed",
			zap.String("page_id", pageID.String()),
			zap.String("user_id", userID.String()),
			zap.String("topic", string(topic)),
			zap.Error(err))
	}
}

// reject notifies the caller of a failed operation and returns err unchanged.
func (s *Service) reject(ctx context.Context, operation string, pageID wiki.PageID, userID wiki.UserID, err error) error {
	code := CodeOf(err)
	s.metrics.recordRejection(ctx, code)
	message := err.Error()
	if code == CodeInternal {
		message = "internal error"
	}
	s.send(ctx, pageID, userID, TopicErrors, ErrorPayload{Code: code, Message: message, Retryable: Retryable(err)})

	switch code {
	case CodeLockContention, CodeSessionNotActive:
		s.logger.Debug("operation rejected",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.String("page_id", pageID.String()),
			zap.String("user_id", userID.String()))
	case CodeInternal, CodeCommitFailed:
		s.logError(operation, pageID, userID, err)
	default:
		s.logger.Info("operation rejected",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.String("page_id", pageID.String()),
			zap.String("user_id", userID.String()))
	}
	return err
}

func (s *Service) logError(operation string, pageID wiki.PageID, userID wiki.UserID, err error) {
	s.logger.Error("collab service error",
		zap.String("operation", operation),
		zap.String("page_id", pageID.String()),
		zap.String("user_id", userID.String()),
		zap.Error(err))
}
