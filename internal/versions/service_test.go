package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/blobs"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestCreateStoresBlobsAndBumpsVersion(t *testing.T) {
	service, blobStore := newTestService(t)
	ctx := context.Background()

	data := map[string]any{
		"title": "Draft",
		"blobs": map[string]any{
			"cover": "data:image/png;base64,aGVsbG8=",
		},
	}
	version, err := service.Create(ctx, "doc-1", "alice", data)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if _, ok := data["blobs"]; !ok {
		t.Fatalf("caller data must not be mutated")
	}

	stored, err := blobStore.Get(ctx, "doc-1", "cover")
	if err != nil {
		t.Fatalf("expected blob to be stored: %v", err)
	}
	if string(stored) != "data:image/png;base64,aGVsbG8=" {
		t.Fatalf("unexpected blob payload %q", stored)
	}

	second, err := service.Create(ctx, "doc-1", "alice", map[string]any{"title": "Final"})
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second != 2 {
		t.Fatalf("expected version 2, got %d", second)
	}

	latest, err := service.FindLatest(ctx, "doc-1")
	if err != nil {
		t.Fatalf("find latest failed: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("expected latest version 2, got %d", latest.Version)
	}
	var payload map[string]any
	if err := json.Unmarshal(latest.Data, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["title"] != "Final" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := payload["blobs"]; ok {
		t.Fatalf("blobs must be stripped from the stored payload")
	}
}

func TestCreateRejectsUnencodableBlobs(t *testing.T) {
	service, blobStore := newTestService(t)
	ctx := context.Background()
	data := map[string]any{
		"title": "Draft",
		"blobs": map[string]any{
			"a-cover": "fine",
			"b-broken": map[string]any{"callback": func() {}},
		},
	}
	_, err := service.Create(ctx, "doc-1", "alice", data)
	if !errors.Is(err, apperr.ErrWrongValue) {
		t.Fatalf("expected wrong value error, got %v", err)
	}
	if exists, err := blobStore.Exists(ctx, "doc-1", "a-cover"); err != nil || exists {
		t.Fatalf("expected no blobs written, exists=%v err=%v", exists, err)
	}
	if _, err := service.FindLatest(ctx, "doc-1"); !apperr.IsNotFound(err) {
		t.Fatalf("expected no version recorded, got %v", err)
	}
}

func TestCreateUnknownDocumentIsNotFound(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.Create(context.Background(), "missing", "alice", map[string]any{}); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteAllClearsVersions(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Create(ctx, "doc-1", "alice", map[string]any{"title": "Draft"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := service.DeleteAll(ctx, "doc-1"); err != nil {
		t.Fatalf("delete all failed: %v", err)
	}
	if _, err := service.FindLatest(ctx, "doc-1"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found after delete all, got %v", err)
	}
}

func newTestService(t *testing.T) (*Service, *blobs.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:versions_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&documents.Document{}, &blobs.Blob{}, &Version{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	index, err := documents.NewStore(documents.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	if _, err := index.Create(context.Background(), documents.Document{ID: "doc-1", Creator: "alice"}); err != nil {
		t.Fatalf("failed to seed index: %v", err)
	}
	blobStore, err := blobs.NewStore(blobs.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Index: index, Blobs: blobStore})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, blobStore
}
