// Package hubstore coordinates the document index with the per-owner content
// stores. It keeps no state of its own.
package hubstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/content"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	"github.com/MarcoPoloResearchLab/hub/internal/realtime"
	"github.com/MarcoPoloResearchLab/hub/internal/search"
	"go.uber.org/zap"
)

const (
	opCreate      = "hubstore.create"
	opDelete      = "hubstore.delete"
	opCommits     = "hubstore.commits"
	searchLimit   = 50
	metaTitle     = "title"
	metaAbstract  = "abstract"
	metaContainer = "properties"
)

var errMissingDependency = errors.New("hubstore: index and content factory are required")

// Index is the relational document index.
type Index interface {
	Get(ctx context.Context, id string) (documents.Document, error)
	Create(ctx context.Context, document documents.Document) (bool, error)
	Delete(ctx context.Context, id string) error
	IncrementVersion(ctx context.Context, id string) (int64, error)
	ListAll(ctx context.Context) ([]documents.Document, error)
}

// Collaborations resolves and clears collaborator membership.
type Collaborations interface {
	ListCollaborations(ctx context.Context, username string) ([]string, error)
	DeleteAll(ctx context.Context, document string) error
}

// DocumentCleaner removes auxiliary rows that reference a document.
type DocumentCleaner interface {
	DeleteAll(ctx context.Context, document string) error
}

// SearchIndex is the full text index over document metadata.
type SearchIndex interface {
	IndexDocument(entry search.Entry) error
	Delete(id string) error
	Rebuild(entries []search.Entry) error
	Search(query string, limit int) ([]search.Hit, error)
}

// Notifier receives change notifications.
type Notifier interface {
	Publish(message realtime.Message)
}

// EngineConfig describes the collaborators of the engine.
type EngineConfig struct {
	Index         Index
	Content       content.Factory
	Collaborators Collaborations
	Versions      DocumentCleaner
	Publications  DocumentCleaner
	Blobs         DocumentCleaner
	Search        SearchIndex
	Notifier      Notifier
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Engine is the synchronization engine.
type Engine struct {
	index         Index
	content       content.Factory
	collaborators Collaborations
	versions      DocumentCleaner
	publications  DocumentCleaner
	blobs         DocumentCleaner
	search        SearchIndex
	notifier      Notifier
	logger        *zap.Logger
	now           func() time.Time
}

// DocumentInfo is a content summary enriched with the index version.
type DocumentInfo struct {
	content.Info
	Version int64 `json:"version"`
}

// DocumentSnapshot is a document summary together with a commit range.
type DocumentSnapshot struct {
	DocumentInfo
	Commits []content.Commit `json:"commits"`
}

// UpdateResult reports the outcome of an update.
type UpdateResult struct {
	Version int64  `json:"version"`
	Master  string `json:"master"`
}

// NewEngine constructs the engine. Optional collaborators may be nil.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Index == nil || cfg.Content == nil {
		return nil, apperr.Internal("hubstore.engine.new", "missing_dependency", errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		index:         cfg.Index,
		content:       cfg.Content,
		collaborators: cfg.Collaborators,
		versions:      cfg.Versions,
		publications:  cfg.Publications,
		blobs:         cfg.Blobs,
		search:        cfg.Search,
		notifier:      cfg.Notifier,
		logger:        logger,
		now:           clock,
	}, nil
}

// Create registers docID for owner in the index and then in owner's content store.
// When the content step fails the index row inserted by this call is removed again,
// unless the content entry turned out to exist already.
func (e *Engine) Create(ctx context.Context, owner, docID string, meta map[string]any) (DocumentInfo, error) {
	inserted, err := e.index.Create(ctx, documents.Document{ID: docID, Creator: owner})
	if err != nil {
		return DocumentInfo{}, err
	}
	if !inserted {
		existing, err := e.index.Get(ctx, docID)
		if err != nil {
			return DocumentInfo{}, err
		}
		if existing.Creator != owner {
			return DocumentInfo{}, apperr.Conflict(opCreate, "document_exists", nil)
		}
	}

	info, err := e.content.ForOwner(owner).Create(ctx, docID, meta)
	if err != nil {
		// A conflict means another caller already owns the content entry.
		if inserted && !errors.Is(err, apperr.ErrConflict) {
			if rollbackErr := e.index.Delete(ctx, docID); rollbackErr != nil {
				e.logger.Error("index compensation failed",
					zap.String("operation", opCreate),
					zap.String("document_id", docID),
					zap.Error(rollbackErr),
				)
				err = errors.Join(err, rollbackErr)
			}
		}
		return DocumentInfo{}, err
	}

	e.reindex(info)
	version := int64(0)
	if row, err := e.index.Get(ctx, docID); err == nil {
		version = row.Version
	}
	return DocumentInfo{Info: info, Version: version}, nil
}

// Delete removes docID everywhere. Every step runs even when an earlier one failed;
// the failures are joined into the returned error.
func (e *Engine) Delete(ctx context.Context, docID string) error {
	doc, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return err
	}

	var errs []error
	collect := func(step string, err error) {
		if err == nil || apperr.IsNotFound(err) {
			return
		}
		e.logger.Warn("delete step failed",
			zap.String("operation", opDelete),
			zap.String("step", step),
			zap.String("document_id", docID),
			zap.Error(err),
		)
		errs = append(errs, err)
	}

	collect("content", store.Delete(ctx, docID))
	collect("index", e.index.Delete(ctx, docID))
	if e.versions != nil {
		collect("versions", e.versions.DeleteAll(ctx, docID))
	}
	if e.publications != nil {
		collect("publications", e.publications.DeleteAll(ctx, docID))
	}
	if e.collaborators != nil {
		collect("collaborators", e.collaborators.DeleteAll(ctx, docID))
	}
	if e.blobs != nil {
		collect("blobs", e.blobs.DeleteAll(ctx, docID))
	}
	if e.search != nil {
		collect("search", e.search.Delete(docID))
	}

	e.notify(realtime.Message{Document: docID, EventType: realtime.EventDocumentDeleted, Author: doc.Creator})
	return errors.Join(errs...)
}

// List returns owner's documents together with the documents owner collaborates on.
func (e *Engine) List(ctx context.Context, owner string) ([]DocumentInfo, error) {
	own, err := e.content.ForOwner(owner).List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(own))
	result := make([]DocumentInfo, 0, len(own))
	for _, info := range own {
		seen[info.ID] = struct{}{}
		result = append(result, e.withVersion(ctx, info))
	}

	if e.collaborators != nil {
		collaborations, err := e.collaborators.ListCollaborations(ctx, owner)
		if err != nil {
			return nil, err
		}
		for _, docID := range collaborations {
			if _, duplicate := seen[docID]; duplicate {
				continue
			}
			doc, err := e.index.Get(ctx, docID)
			if apperr.IsNotFound(err) {
				e.logger.Warn("collaboration references unknown document", zap.String("document_id", docID), zap.String("username", owner))
				continue
			}
			if err != nil {
				return nil, err
			}
			info, err := e.content.ForOwner(doc.Creator).GetInfo(ctx, docID)
			if apperr.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			seen[docID] = struct{}{}
			result = append(result, DocumentInfo{Info: info, Version: doc.Version})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Get returns the document with its full chain.
func (e *Engine) Get(ctx context.Context, docID string) (DocumentSnapshot, error) {
	doc, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	stored, err := store.Get(ctx, docID)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	return DocumentSnapshot{
		DocumentInfo: DocumentInfo{Info: stored.Info, Version: doc.Version},
		Commits:      stored.Commits,
	}, nil
}

// Info returns the document summary.
func (e *Engine) Info(ctx context.Context, docID string) (DocumentInfo, error) {
	doc, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return DocumentInfo{}, err
	}
	info, err := store.GetInfo(ctx, docID)
	if err != nil {
		return DocumentInfo{}, err
	}
	return DocumentInfo{Info: info, Version: doc.Version}, nil
}

// Commits returns the summary plus the commits after since, ending at last
// (master when empty), oldest first.
func (e *Engine) Commits(ctx context.Context, docID, since, last string) (DocumentSnapshot, error) {
	doc, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	exists, err := store.Exists(ctx, docID)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	if !exists {
		return DocumentSnapshot{}, apperr.NotFound(opCommits, "missing_document", nil)
	}
	info, err := store.GetInfo(ctx, docID)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	commits, err := store.Commits(ctx, docID, last, since)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	return DocumentSnapshot{
		DocumentInfo: DocumentInfo{Info: info, Version: doc.Version},
		Commits:      commits,
	}, nil
}

// Update appends commits to the owner's chain and bumps the version once.
// Without explicit refs master advances to the last appended commit.
func (e *Engine) Update(ctx context.Context, docID string, commits []content.Commit, meta map[string]any, refs *content.Refs) (UpdateResult, error) {
	_, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return UpdateResult{}, err
	}
	if refs == nil && len(commits) > 0 {
		refs = &content.Refs{Master: commits[len(commits)-1].Sha}
	}
	if err := store.Update(ctx, docID, commits, meta, refs); err != nil {
		return UpdateResult{}, err
	}
	version, err := e.index.IncrementVersion(ctx, docID)
	if err != nil {
		return UpdateResult{}, err
	}

	info, err := store.GetInfo(ctx, docID)
	if err != nil {
		return UpdateResult{}, err
	}
	e.reindex(info)

	author := ""
	if len(commits) > 0 {
		author = commits[len(commits)-1].Author
	}
	e.notify(realtime.Message{
		Document:  docID,
		EventType: realtime.EventDocumentChanged,
		Version:   version,
		Master:    info.Refs.Master,
		Author:    author,
	})
	return UpdateResult{Version: version, Master: info.Refs.Master}, nil
}

// CreateBlob stores a blob in the owner's content store.
func (e *Engine) CreateBlob(ctx context.Context, docID, blobID string, data []byte) error {
	_, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return err
	}
	return store.CreateBlob(ctx, docID, blobID, data)
}

// GetBlob loads a blob from the owner's content store.
func (e *Engine) GetBlob(ctx context.Context, docID, blobID string) ([]byte, error) {
	_, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	return store.GetBlob(ctx, docID, blobID)
}

// DeleteBlob removes a blob from the owner's content store.
func (e *Engine) DeleteBlob(ctx context.Context, docID, blobID string) error {
	_, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return err
	}
	return store.DeleteBlob(ctx, docID, blobID)
}

// ListBlobs lists the blob ids of a document.
func (e *Engine) ListBlobs(ctx context.Context, docID string) ([]string, error) {
	_, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	return store.ListBlobs(ctx, docID)
}

// BlobExists reports whether a blob is stored for the document.
func (e *Engine) BlobExists(ctx context.Context, docID, blobID string) (bool, error) {
	_, store, err := e.withDoc(ctx, docID)
	if err != nil {
		return false, err
	}
	return store.BlobExists(ctx, docID, blobID)
}

// Search runs query against the metadata index and keeps only documents username can access.
func (e *Engine) Search(ctx context.Context, username, query string) ([]search.Hit, error) {
	if e.search == nil {
		return []search.Hit{}, nil
	}
	hits, err := e.search.Search(query, searchLimit)
	if err != nil {
		return nil, apperr.Internal("hubstore.search", "query_failed", err)
	}
	accessible, err := e.List(ctx, username)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(accessible))
	for _, info := range accessible {
		allowed[info.ID] = struct{}{}
	}
	filtered := make([]search.Hit, 0, len(hits))
	for _, hit := range hits {
		if _, ok := allowed[hit.ID]; ok {
			filtered = append(filtered, hit)
		}
	}
	return filtered, nil
}

// Reindex rebuilds the search index from every indexed document.
func (e *Engine) Reindex(ctx context.Context) error {
	if e.search == nil {
		return nil
	}
	rows, err := e.index.ListAll(ctx)
	if err != nil {
		return err
	}
	entries := make([]search.Entry, 0, len(rows))
	for _, row := range rows {
		info, err := e.content.ForOwner(row.Creator).GetInfo(ctx, row.ID)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		entries = append(entries, entryFor(info))
	}
	return e.search.Rebuild(entries)
}

// withDoc resolves the owner of docID and returns the owner's content store.
func (e *Engine) withDoc(ctx context.Context, docID string) (documents.Document, content.Store, error) {
	doc, err := e.index.Get(ctx, docID)
	if err != nil {
		return documents.Document{}, nil, err
	}
	return doc, e.content.ForOwner(doc.Creator), nil
}

func (e *Engine) withVersion(ctx context.Context, info content.Info) DocumentInfo {
	result := DocumentInfo{Info: info}
	if row, err := e.index.Get(ctx, info.ID); err == nil {
		result.Version = row.Version
	}
	return result
}

func (e *Engine) reindex(info content.Info) {
	if e.search == nil {
		return
	}
	if err := e.search.IndexDocument(entryFor(info)); err != nil {
		e.logger.Warn("search index update failed", zap.String("document_id", info.ID), zap.Error(err))
	}
}

func (e *Engine) notify(message realtime.Message) {
	if e.notifier == nil {
		return
	}
	message.Timestamp = e.now().UTC()
	e.notifier.Publish(message)
}

func entryFor(info content.Info) search.Entry {
	return search.Entry{
		ID:        info.ID,
		Creator:   info.Creator,
		Title:     metaString(info.Meta, metaTitle),
		Abstract:  metaString(info.Meta, metaAbstract),
		UpdatedAt: info.UpdatedAt,
	}
}

func metaString(meta map[string]any, key string) string {
	if value, ok := meta[key].(string); ok {
		return value
	}
	if nested, ok := meta[metaContainer].(map[string]any); ok {
		if value, ok := nested[key].(string); ok {
			return value
		}
	}
	return ""
}
