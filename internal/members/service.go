package members

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidMembership indicates a missing project or user identifier.
var ErrInvalidMembership = errors.New("members: invalid membership")

// ServiceConfig describes the dependencies required for membership checks.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service answers project membership questions from the project_members table.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("members: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// IsMember reports whether userID belongs to projectID. Every call reads the
// table, so a revocation made by any node or tool applies to the next check.
func (s *Service) IsMember(ctx context.Context, projectID wiki.ProjectID, userID wiki.UserID) (bool, error) {
	project, user := normalize(projectID.String()), normalize(userID.String())
	if project == "" || user == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ProjectMember{}).
		Where("project_id = ? AND user_id = ?", project, user).
		Count(&count).
		Error
	if err != nil {
		s.logger.Error("membership lookup failed",
			zap.String("project_id", project),
			zap.String("user_id", user),
			zap.Error(err))
		return false, err
	}
	return count > 0, nil
}

// AddMember grants userID access to projectID. Adding an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, projectID wiki.ProjectID, userID wiki.UserID, role Role) error {
	project, user := normalize(projectID.String()), normalize(userID.String())
	if project == "" || user == "" {
		return ErrInvalidMembership
	}
	if role == "" {
		role = RoleEditor
	}
	member := ProjectMember{
		ProjectID:        project,
		UserID:           user,
		Role:             string(role),
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).
		Error
	if err != nil {
		s.logger.Error("membership insert failed",
			zap.String("project_id", project),
			zap.String("user_id", user),
			zap.Error(err))
		return err
	}
	return nil
}

// RemoveMember revokes access and reports whether a membership existed.
func (s *Service) RemoveMember(ctx context.Context, projectID wiki.ProjectID, userID wiki.UserID) (bool, error) {
	project, user := normalize(projectID.String()), normalize(userID.String())
	if project == "" || user == "" {
		return false, ErrInvalidMembership
	}
	result := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", project, user).
		Delete(&ProjectMember{})
	if result.Error != nil {
		s.logger.Error("membership delete failed",
			zap.String("project_id", project),
			zap.String("user_id", user),
			zap.Error(result.Error))
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListMembers returns a project's members ordered by user id.
func (s *Service) ListMembers(ctx context.Context, projectID wiki.ProjectID) ([]ProjectMember, error) {
	var members []ProjectMember
	err := s.db.WithContext(ctx).
		Where("project_id = ?", normalize(projectID.String())).
		Order("user_id ASC").
		Find(&members).
		Error
	if err != nil {
		return nil, err
	}
	return members, nil
}
