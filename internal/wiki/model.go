package wiki

import "time"

// DefaultRecentLimit bounds the inline recent-versions buffer.
const DefaultRecentLimit = 10

// VersionSummary is one entry of a page's inline recent-versions buffer.
type VersionSummary struct {
	Version           int64  `json:"version"`
	ContentDiff       string `json:"contentDiff"`
	ContentHash       string `json:"contentHash"`
	AddedLines        int    `json:"addedLines"`
	DeletedLines      int    `json:"deletedLines"`
	ChangedChars      int    `json:"changedChars"`
	ChangeDescription string `json:"changeDescription"`
	CreatedBy         string `json:"createdBy"`
	CreatedAtSeconds  int64  `json:"createdAtSeconds"`
}

// WikiPage models the persisted page together with its recent history and lock projection.
type WikiPage struct {
	ID               string           `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID        string           `gorm:"column:project_id;size:190;not null;index:idx_wiki_pages_project_path,priority:1"`
	ParentID         *string          `gorm:"column:parent_id;size:190;index:idx_wiki_pages_parent"`
	Path             string           `gorm:"column:path;size:512;not null;index:idx_wiki_pages_project_path,priority:2"`
	Title            string           `gorm:"column:title;size:512;not null"`
	Content          string           `gorm:"column:content;type:text;not null"`
	ContentHash      string           `gorm:"column:content_hash;size:64;not null"`
	CurrentVersion   int64            `gorm:"column:current_version;not null;default:0"`
	RecentVersions   []VersionSummary `gorm:"column:recent_versions;type:text;serializer:json"`
	RecentCount      int              `gorm:"column:recent_count;not null;default:0;index:idx_wiki_pages_recent_count"`
	IsLocked         bool             `gorm:"column:is_locked;not null;default:false"`
	LockedBy         string           `gorm:"column:locked_by;size:190;not null;default:''"`
	LockedAtSeconds  int64            `gorm:"column:locked_at_s;not null;default:0"`
	CreatedAtSeconds int64            `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64            `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WikiPage) TableName() string {
	return "wiki_pages"
}

// VersionRecord is an immutable version of a page. Archived records live in the
// wiki_version_history table; buffered ones are materialised from the page row.
type VersionRecord struct {
	WikiPageID        string `gorm:"column:wiki_page_id;primaryKey;size:190;not null" json:"wikiPageId"`
	Version           int64  `gorm:"column:version;primaryKey;not null" json:"version"`
	ProjectID         string `gorm:"column:project_id;size:190;not null;index:idx_version_history_project" json:"projectId"`
	ContentDiff       string `gorm:"column:content_diff;type:text;not null" json:"contentDiff"`
	ContentHash       string `gorm:"column:content_hash;size:64;not null" json:"contentHash"`
	AddedLines        int    `gorm:"column:added_lines;not null;default:0" json:"addedLines"`
	DeletedLines      int    `gorm:"column:deleted_lines;not null;default:0" json:"deletedLines"`
	ChangedChars      int    `gorm:"column:changed_chars;not null;default:0" json:"changedChars"`
	ChangeDescription string `gorm:"column:change_description;size:512;not null;default:''" json:"changeDescription"`
	CreatedBy         string `gorm:"column:created_by;size:190;not null" json:"createdBy"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null" json:"createdAtSeconds"`
	ArchivedAtSeconds *int64 `gorm:"column:archived_at_s" json:"archivedAtSeconds,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "wiki_version_history"
}

// Archived reports whether the record was read from the durable archive.
func (record VersionRecord) Archived() bool {
	return record.ArchivedAtSeconds != nil
}

// CreatedAt returns the commit time in UTC.
func (record VersionRecord) CreatedAt() time.Time {
	return time.Unix(record.CreatedAtSeconds, 0).UTC()
}

func (summary VersionSummary) record(pageID, projectID string) VersionRecord {
	return VersionRecord{
		WikiPageID:        pageID,
		Version:           summary.Version,
		ProjectID:         projectID,
		ContentDiff:       summary.ContentDiff,
		ContentHash:       summary.ContentHash,
		AddedLines:        summary.AddedLines,
		DeletedLines:      summary.DeletedLines,
		ChangedChars:      summary.ChangedChars,
		ChangeDescription: summary.ChangeDescription,
		CreatedBy:         summary.CreatedBy,
		CreatedAtSeconds:  summary.CreatedAtSeconds,
	}
}

// PageSnapshot is the read-only view of a page used by collaborators.
type PageSnapshot struct {
	ID             PageID
	ProjectID      ProjectID
	Path           string
	Title          string
	Content        string
	ContentHash    string
	CurrentVersion int64
	IsLocked       bool
	LockedBy       string
}

func (page WikiPage) snapshot() PageSnapshot {
	return PageSnapshot{
		ID:             PageID(page.ID),
		ProjectID:      ProjectID(page.ProjectID),
		Path:           page.Path,
		Title:          page.Title,
		Content:        page.Content,
		ContentHash:    page.ContentHash,
		CurrentVersion: page.CurrentVersion,
		IsLocked:       page.IsLocked,
		LockedBy:       page.LockedBy,
	}
}

// HistoryRange selects versions From..To inclusive; zero bounds are open.
type HistoryRange struct {
	From int64
	To   int64
}

func (r HistoryRange) contains(version int64) bool {
	if r.From > 0 && version < r.From {
		return false
	}
	if r.To > 0 && version > r.To {
		return false
	}
	return true
}
