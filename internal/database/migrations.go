package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parchmentlabs/roomkit/internal/store"
)

const migrationBackfillWriteTimestamps = "2026-07-14_backfill_room_write_timestamps"

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
		{name: migrationBackfillWriteTimestamps, apply: backfillWriteTimestamps},
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

// backfillWriteTimestamps repairs room documents persisted before written_at_s
// was recorded. Rows with a zero timestamp inherit the current time so the
// last-write-wins comparison never sees a zero value.
func backfillWriteTimestamps(db *gorm.DB) error {
	now := time.Now().UTC().Unix()
	return db.Model(&store.RoomDocument{}).
		Where("written_at_s = 0").
		Update("written_at_s", now).Error
}
