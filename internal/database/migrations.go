package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/blobstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillBlobSizes        = "2026-09-14_backfill_blob_sizes"
	migrationBackfillJSONContentTypes = "2026-09-21_backfill_json_content_types"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillBlobSizes, apply: backfillBlobSizes},
		{name: migrationBackfillJSONContentTypes, apply: backfillJSONContentTypes},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Objects written before size tracking carry size_bytes = 0.
func backfillBlobSizes(db *gorm.DB) error {
	return db.Model(&blobstore.Object{}).
		Where("size_bytes = 0 AND data IS NOT NULL AND length(data) > 0").
		Update("size_bytes", gorm.Expr("length(data)")).Error
}

func backfillJSONContentTypes(db *gorm.DB) error {
	return db.Model(&blobstore.Object{}).
		Where("content_type = '' AND object_key LIKE ?", "%.json").
		Update("content_type", blobstore.ContentTypeJSON).Error
}
