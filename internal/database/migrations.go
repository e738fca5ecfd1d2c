package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tesseralab/tessera/backend/internal/store"
)

const migrationPurgeExpiredSessions = "2026-07-14_purge_expired_sessions"

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
		{name: migrationPurgeExpiredSessions, apply: purgeExpiredSessions},
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

// purgeExpiredSessions clears out sessions whose expiry passed before the
// cleanup job existed, along with their scoped rows.
func purgeExpiredSessions(db *gorm.DB) error {
	cutoff := time.Now().UTC().Unix()

	var expired []store.SessionRecord
	err := db.Where("expires_at_s IS NOT NULL AND expires_at_s <= ?", cutoff).
		Find(&expired).Error
	if err != nil {
		return err
	}
	for _, session := range expired {
		for _, model := range []interface{}{&store.CardRecord{}, &store.ElementRecord{}, &store.ParticipantRecord{}, &store.ChangeRecord{}} {
			if err := db.Where("session_id = ?", session.SessionID).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := db.Where("session_id = ?", session.SessionID).Delete(&store.SessionRecord{}).Error; err != nil {
			return err
		}
	}
	return nil
}
