package members

import "strings"

// Role names a member's standing within a project.
type Role string

const (
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// ProjectMember records that a user may read and edit the pages of a project.
type ProjectMember struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role             string `gorm:"column:role;size:32;not null;default:'editor'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing project membership.
func (ProjectMember) TableName() string {
	return "project_members"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
