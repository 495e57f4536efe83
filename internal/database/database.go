package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/hub/internal/blobs"
	"github.com/MarcoPoloResearchLab/hub/internal/collaborators"
	"github.com/MarcoPoloResearchLab/hub/internal/content"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	"github.com/MarcoPoloResearchLab/hub/internal/publications"
	"github.com/MarcoPoloResearchLab/hub/internal/users"
	"github.com/MarcoPoloResearchLab/hub/internal/versions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open establishes a database connection for driver and performs schema migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if driver != DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}

// Models lists every table the hub owns.
func Models() []any {
	models := []any{
		&documents.Document{},
		&collaborators.Collaborator{},
		&blobs.Blob{},
		&versions.Version{},
		&publications.Publication{},
		&publications.Network{},
		&users.User{},
		&users.Identity{},
		&migrationRecord{},
	}
	return append(models, content.SQLModels()...)
}
