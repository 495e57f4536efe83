package publications

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestCreateRegistersIndexRowForUnsyncedDocument(t *testing.T) {
	service, index := newTestService(t)
	ctx := context.Background()
	mustCreateNetwork(t, service, "science")

	publication, err := service.Create(ctx, "science", "doc-1", "alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if publication.State != stateActive {
		t.Fatalf("expected active state, got %q", publication.State)
	}

	document, err := index.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("expected index row: %v", err)
	}
	if document.Creator != "alice" {
		t.Fatalf("unexpected creator %q", document.Creator)
	}

	if _, err := service.Create(ctx, "science", "doc-1", "alice"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict on duplicate publication, got %v", err)
	}
}

func TestCreateRejectsUnknownNetwork(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.Create(context.Background(), "nowhere", "doc-1", "alice"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPublicationLifecycle(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	mustCreateNetwork(t, service, "science")
	mustCreateNetwork(t, service, "art")

	first, err := service.Create(ctx, "science", "doc-1", "alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.Create(ctx, "art", "doc-1", "alice"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rows, err := service.FindByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(rows) != 2 || rows[0].Network != "art" {
		t.Fatalf("unexpected publications %+v", rows)
	}

	if err := service.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.Get(ctx, first.ID); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := service.DeleteAll(ctx, "doc-1"); err != nil {
		t.Fatalf("delete all failed: %v", err)
	}
	rows, err = service.FindByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no publications, got %d", len(rows))
	}
}

func TestNetworks(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	mustCreateNetwork(t, service, "science")
	if _, err := service.CreateNetwork(ctx, Network{ID: "science", Creator: "alice"}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	networks, err := service.ListNetworks(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(networks) != 1 || networks[0].Name != "science" {
		t.Fatalf("unexpected networks %+v", networks)
	}
}

func mustCreateNetwork(t *testing.T, service *Service, id string) {
	t.Helper()
	if _, err := service.CreateNetwork(context.Background(), Network{ID: id, Creator: "alice"}); err != nil {
		t.Fatalf("failed to create network %s: %v", id, err)
	}
}

func newTestService(t *testing.T) (*Service, *documents.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:publications_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}, &Publication{}, &Network{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	index, err := documents.NewStore(documents.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	sequence := 0
	service, err := NewService(ServiceConfig{
		Database: db,
		Index:    index,
		IDGenerator: func() string {
			sequence++
			return fmt.Sprintf("pub-%d", sequence)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, index
}
