package store

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationImportLegacyBannedGifs = "2026-10-01_import_legacy_banned_gifs"
	legacyBannedGifsTable           = "banned_gifs"
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
		{name: migrationImportLegacyBannedGifs, apply: importLegacyBannedGifs},
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
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// importLegacyBannedGifs copies rows from the banned_gifs table used by earlier bot
// releases. Rows whose banner is not a known user, or whose url is already banned, are
// skipped.
func importLegacyBannedGifs(db *gorm.DB) error {
	if !db.Migrator().HasTable(legacyBannedGifsTable) {
		return nil
	}
	return db.Exec(`INSERT INTO banned_media (banned_by, url, reason, created_at)
SELECT CAST(MIN(legacy.banned_by) AS TEXT), legacy.url, MIN(COALESCE(legacy.reason, 'No reason given')), MIN(legacy.created_at)
FROM banned_gifs legacy
WHERE CAST(legacy.banned_by AS TEXT) IN (SELECT id FROM users)
AND legacy.url NOT IN (SELECT url FROM banned_media)
GROUP BY legacy.url`).Error
}
