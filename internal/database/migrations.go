package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wikidiff"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillContentHash = "2024-06-01_backfill_page_content_hash"
	migrationNormalizeMemberRole = "2024-06-15_normalize_member_role"
	migrationBackfillRecentCount = "2024-07-01_backfill_recent_count"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, clock func() time.Time, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillContentHash, apply: backfillContentHash},
		{name: migrationNormalizeMemberRole, apply: normalizeMemberRole},
		{name: migrationBackfillRecentCount, apply: backfillRecentCount},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := clock().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillContentHash fills content_hash for pages imported without one, so
// version reconstruction can verify its result.
func backfillContentHash(db *gorm.DB) error {
	var pages []wiki.WikiPage
	if err := db.Select("id", "content").Where("content_hash = ?", "").Find(&pages).Error; err != nil {
		return err
	}
	for _, page := range pages {
		if err := db.Model(&wiki.WikiPage{}).
			Where("id = ?", page.ID).
			Update("content_hash", wikidiff.Hash(page.Content)).Error; err != nil {
			return err
		}
	}
	return nil
}

func normalizeMemberRole(db *gorm.DB) error {
	return db.Exec("UPDATE project_members SET role = 'editor' WHERE role IS NULL OR role = ''").Error
}

// backfillRecentCount derives recent_count from the stored buffer for pages
// written before the column existed.
func backfillRecentCount(db *gorm.DB) error {
	var pages []wiki.WikiPage
	if err := db.Select("id", "recent_versions").Where("current_version > ?", 0).Find(&pages).Error; err != nil {
		return err
	}
	for _, page := range pages {
		if err := db.Model(&wiki.WikiPage{}).
			Where("id = ?", page.ID).
			Update("recent_count", len(page.RecentVersions)).Error; err != nil {
			return err
		}
	}
	return nil
}
