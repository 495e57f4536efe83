package documents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestCreateIsInsertIfAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, Document{ID: "doc-1", Creator: "alice"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if !created {
		t.Fatalf("expected first create to insert the row")
	}

	created, err = store.Create(ctx, Document{ID: "doc-1", Creator: "bob"})
	if err != nil {
		t.Fatalf("unexpected second create error: %v", err)
	}
	if created {
		t.Fatalf("expected second create to leave the existing row")
	}

	document, err := store.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if document.Creator != "alice" {
		t.Fatalf("expected original creator to remain, got %s", document.Creator)
	}
	if document.Version != 0 {
		t.Fatalf("expected new document to start at version 0, got %d", document.Version)
	}
}

func TestCreateRejectsEmptyIdentifiers(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(context.Background(), Document{ID: " ", Creator: "alice"})
	if !errors.Is(err, apperr.ErrWrongValue) {
		t.Fatalf("expected wrong value error, got %v", err)
	}
	_, err = store.Create(context.Background(), Document{ID: "doc-1", Creator: ""})
	if !errors.Is(err, apperr.ErrWrongValue) {
		t.Fatalf("expected wrong value error for creator, got %v", err)
	}
}

func TestCreateStoresTrimmedIdentifiers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, Document{ID: " doc-1 ", Creator: " alice\t"}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	document, err := store.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("expected trimmed id to be stored: %v", err)
	}
	if document.Creator != "alice" {
		t.Fatalf("expected trimmed creator, got %q", document.Creator)
	}
	if err := store.IsCreator(ctx, "alice", "doc-1"); err != nil {
		t.Fatalf("expected alice to own doc-1: %v", err)
	}
}

func TestGetMissingDocumentIsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIsCreator(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "doc-1", "alice")

	if err := store.IsCreator(ctx, "alice", "doc-1"); err != nil {
		t.Fatalf("expected alice to be creator: %v", err)
	}
	if err := store.IsCreator(ctx, "bob", "doc-1"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bob, got %v", err)
	}
	if err := store.IsCreator(ctx, "alice", "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found for missing document, got %v", err)
	}
}

func TestIncrementVersionIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "doc-1", "alice")

	previous := int64(0)
	for attempt := 0; attempt < 5; attempt++ {
		version, err := store.IncrementVersion(ctx, "doc-1")
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if version <= previous {
			t.Fatalf("expected version to grow beyond %d, got %d", previous, version)
		}
		previous = version
	}
	if previous != 5 {
		t.Fatalf("expected five increments to reach 5, got %d", previous)
	}
}

func TestIncrementVersionConcurrentCallersObserveDistinctValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "doc-1", "alice")

	const workers = 8
	var waitGroup sync.WaitGroup
	results := make(chan int64, workers)
	failures := make(chan error, workers)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			version, err := store.IncrementVersion(ctx, "doc-1")
			if err != nil {
				failures <- err
				return
			}
			results <- version
		}()
	}
	waitGroup.Wait()
	close(results)
	close(failures)

	for err := range failures {
		t.Fatalf("increment failed: %v", err)
	}
	seen := make(map[int64]bool, workers)
	for version := range results {
		if seen[version] {
			t.Fatalf("version %d observed twice", version)
		}
		seen[version] = true
	}

	document, err := store.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if document.Version != workers {
		t.Fatalf("expected final version %d, got %d", workers, document.Version)
	}
}

func TestIncrementVersionMissingDocument(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.IncrementVersion(context.Background(), "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "doc-1", "alice")

	if err := store.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "doc-1"); !apperr.IsNotFound(err) {
		t.Fatalf("expected document to be gone, got %v", err)
	}
	if err := store.Delete(ctx, "doc-1"); !apperr.IsNotFound(err) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestListQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "doc-2", "alice")
	mustCreate(t, store, "doc-1", "alice")
	mustCreate(t, store, "doc-3", "bob")

	owned, err := store.ListByCreator(ctx, "alice")
	if err != nil {
		t.Fatalf("list by creator failed: %v", err)
	}
	if len(owned) != 2 || owned[0].ID != "doc-1" || owned[1].ID != "doc-2" {
		t.Fatalf("unexpected rows %+v", owned)
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:documents_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Document{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustCreate(t *testing.T, store *Store, id, creator string) {
	t.Helper()
	if _, err := store.Create(context.Background(), Document{ID: id, Creator: creator}); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
}
