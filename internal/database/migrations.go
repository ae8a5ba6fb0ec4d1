package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/directory"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearNodelessPresence = "2026-09-01_clear_nodeless_presence"

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
		{name: migrationClearNodelessPresence, apply: clearNodelessPresence},
	}

	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
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

// clearNodelessPresence marks presence rows without a node as offline; they
// cannot be routed and would otherwise read as online forever.
func clearNodelessPresence(db *gorm.DB) error {
	return db.Model(&directory.UserPresence{}).
		Where("online = ? AND (node_id IS NULL OR node_id = '')", true).
		Update("online", false).Error
}
