package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/collaborators"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRemoveOrphanCollaborators = "2026-10-01_remove_orphan_collaborators"

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
		{name: migrationRemoveOrphanCollaborators, apply: removeOrphanCollaborators},
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

// removeOrphanCollaborators drops membership rows whose document left the index.
func removeOrphanCollaborators(db *gorm.DB) error {
	indexed := db.Model(&documents.Document{}).Select("id")
	return db.Where("document NOT IN (?)", indexed).Delete(&collaborators.Collaborator{}).Error
}
