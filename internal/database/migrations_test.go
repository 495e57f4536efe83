package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/hub/internal/collaborators"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRemovesOrphanCollaborators(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&documents.Document{}, &collaborators.Collaborator{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := database.Create(&documents.Document{ID: "doc-1", Creator: "alice"}).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	rows := []collaborators.Collaborator{
		{ID: "keep", Document: "doc-1", Username: "bob"},
		{ID: "orphan", Document: "doc-gone", Username: "bob"},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert collaborators: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []collaborators.Collaborator
	if err := database.Order("id").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload collaborators: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "keep" {
		testContext.Fatalf("expected only the indexed collaboration to remain, got %+v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRemoveOrphanCollaborators).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
}

func TestOpenMigratesEveryModel(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "hub.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if _, err := Open("oracle", databasePath, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
