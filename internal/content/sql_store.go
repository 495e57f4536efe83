package content

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opCreate     = "content.create"
	opGet        = "content.get"
	opList       = "content.list"
	opDelete     = "content.delete"
	opGetRefs    = "content.get_refs"
	opBlob       = "content.blob"
	queryScopeID = "scope = ? AND id = ?"
	queryChain   = "scope = ? AND document = ?"
)

var errMissingDatabase = errors.New("content: database handle is required")

// BlobBackend stores blob payloads on behalf of both content backends.
type BlobBackend interface {
	Create(ctx context.Context, document, blobID string, data []byte) error
	Get(ctx context.Context, document, blobID string) ([]byte, error)
	Delete(ctx context.Context, document, blobID string) error
	List(ctx context.Context, document string) ([]string, error)
	Exists(ctx context.Context, document, blobID string) (bool, error)
	DeleteAll(ctx context.Context, document string) error
}

type documentRecord struct {
	Scope     string         `gorm:"column:scope;primaryKey;size:190;not null"`
	ID        string         `gorm:"column:id;primaryKey;size:190;not null"`
	Meta      datatypes.JSON `gorm:"column:meta"`
	Master    string         `gorm:"column:master;size:190"`
	Tail      string         `gorm:"column:tail;size:190"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (documentRecord) TableName() string {
	return "content_documents"
}

type commitRecord struct {
	Scope     string         `gorm:"column:scope;primaryKey;size:190;not null"`
	Document  string         `gorm:"column:document;primaryKey;size:190;not null"`
	Sha       string         `gorm:"column:sha;primaryKey;size:190;not null"`
	Parent    string         `gorm:"column:parent;size:190"`
	Op        datatypes.JSON `gorm:"column:op"`
	Author    string         `gorm:"column:author;size:190"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (commitRecord) TableName() string {
	return "content_commits"
}

// SQLModels lists the gorm models backing the sql content store.
func SQLModels() []any {
	return []any{&documentRecord{}, &commitRecord{}}
}

// SQLFactoryConfig describes the dependencies of the gorm backend.
type SQLFactoryConfig struct {
	Database *gorm.DB
	Blobs    BlobBackend
	Locker   *Locker
	Logger   *zap.Logger
	Clock    func() time.Time
}

// SQLFactory creates gorm-backed Store handles.
type SQLFactory struct {
	db     *gorm.DB
	blobs  BlobBackend
	locker *Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLFactory constructs the gorm backend.
func NewSQLFactory(cfg SQLFactoryConfig) (*SQLFactory, error) {
	if cfg.Database == nil || cfg.Blobs == nil {
		return nil, apperr.Internal("content.sql.new", "missing_dependency", errMissingDatabase)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLFactory{db: cfg.Database, blobs: cfg.Blobs, locker: locker, logger: logger, now: clock}, nil
}

// ForOwner returns the handle for owner's scope.
func (f *SQLFactory) ForOwner(owner string) Store {
	return &sqlStore{factory: f, scope: owner}
}

type sqlStore struct {
	factory *SQLFactory
	scope   string
}

func (s *sqlStore) Scope() string {
	return s.scope
}

func (s *sqlStore) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.factory.db.WithContext(ctx).Model(&documentRecord{}).Where(queryScopeID, s.scope, id).Count(&count).Error
	if err != nil {
		return false, s.internal(opGet, "query_failed", err, id)
	}
	return count > 0, nil
}

func (s *sqlStore) Create(ctx context.Context, id string, meta map[string]any) (Info, error) {
	if id == "" {
		return Info{}, apperr.WrongValue(opCreate, "missing_document", nil)
	}
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	encoded, err := encodeMeta(meta)
	if err != nil {
		return Info{}, apperr.WrongValue(opCreate, "invalid_meta", err)
	}
	now := s.factory.now().UTC()
	record := documentRecord{Scope: s.scope, ID: id, Meta: encoded, CreatedAt: now, UpdatedAt: now}
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if exists {
		return Info{}, apperr.Conflict(opCreate, "document_exists", nil)
	}
	if err := s.factory.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Info{}, s.internal(opCreate, "insert_failed", err, id)
	}
	return s.toInfo(record)
}

func (s *sqlStore) Get(ctx context.Context, id string) (Document, error) {
	record, err := s.load(ctx, s.factory.db, id)
	if err != nil {
		return Document{}, err
	}
	info, err := s.toInfo(record)
	if err != nil {
		return Document{}, err
	}
	chain, err := s.loadChain(ctx, s.factory.db, id)
	if err != nil {
		return Document{}, err
	}
	commits, err := walkChain(chain, record.Master, "", record.Tail)
	if err != nil {
		return Document{}, err
	}
	return Document{Info: info, Commits: commits}, nil
}

func (s *sqlStore) GetInfo(ctx context.Context, id string) (Info, error) {
	record, err := s.load(ctx, s.factory.db, id)
	if err != nil {
		return Info{}, err
	}
	return s.toInfo(record)
}

func (s *sqlStore) List(ctx context.Context) ([]Info, error) {
	var records []documentRecord
	if err := s.factory.db.WithContext(ctx).Where("scope = ?", s.scope).Order("id ASC").Find(&records).Error; err != nil {
		return nil, s.internal(opList, "query_failed", err, "")
	}
	infos := make([]Info, 0, len(records))
	for _, record := range records {
		info, err := s.toInfo(record)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *sqlStore) Update(ctx context.Context, id string, commits []Commit, meta map[string]any, refs *Refs) error {
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	return s.factory.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		record, err := s.load(ctx, transaction, id)
		if err != nil {
			return err
		}
		chain, err := s.loadChain(ctx, transaction, id)
		if err != nil {
			return err
		}
		now := s.factory.now().UTC()
		pending, err := prepareBatch(chain, commits, now)
		if err != nil {
			return err
		}
		if refs != nil {
			if err := checkRef(opUpdate, "master", refs.Master, chain, pending); err != nil {
				return err
			}
		}
		for _, commit := range pending {
			row := commitRecord{
				Scope:     s.scope,
				Document:  id,
				Sha:       commit.Sha,
				Parent:    commit.Parent,
				Op:        datatypes.JSON(commit.Op),
				Author:    commit.Author,
				CreatedAt: commit.CreatedAt,
			}
			if err := transaction.Create(&row).Error; err != nil {
				return s.internal(opUpdate, "insert_commit_failed", err, id)
			}
		}

		updates := map[string]any{"updated_at": now}
		if meta != nil {
			encoded, err := encodeMeta(meta)
			if err != nil {
				return apperr.WrongValue(opUpdate, "invalid_meta", err)
			}
			updates["meta"] = datatypes.JSON(encoded)
		}
		if refs != nil && refs.Master != "" {
			updates["master"] = refs.Master
		}
		err = transaction.Model(&documentRecord{}).Where(queryScopeID, s.scope, record.ID).Updates(updates).Error
		if err != nil {
			return s.internal(opUpdate, "update_failed", err, id)
		}
		return nil
	})
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	err := s.factory.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Where(queryScopeID, s.scope, id).Delete(&documentRecord{})
		if result.Error != nil {
			return s.internal(opDelete, "delete_failed", result.Error, id)
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound(opDelete, "missing_document", nil)
		}
		if err := transaction.Where(queryChain, s.scope, id).Delete(&commitRecord{}).Error; err != nil {
			return s.internal(opDelete, "delete_commits_failed", err, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.factory.blobs.DeleteAll(ctx, id)
}

func (s *sqlStore) Commits(ctx context.Context, id, last, since string) ([]Commit, error) {
	record, err := s.load(ctx, s.factory.db, id)
	if err != nil {
		return nil, err
	}
	chain, err := s.loadChain(ctx, s.factory.db, id)
	if err != nil {
		return nil, err
	}
	if last == "" {
		last = record.Master
	}
	return walkChain(chain, last, since, record.Tail)
}

func (s *sqlStore) GetRefs(ctx context.Context, id string) (Refs, error) {
	record, err := s.load(ctx, s.factory.db, id)
	if err != nil {
		return Refs{}, err
	}
	return Refs{Master: record.Master, Tail: record.Tail}, nil
}

func (s *sqlStore) SetRefs(ctx context.Context, id string, refs Refs) error {
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	return s.factory.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := s.load(ctx, transaction, id); err != nil {
			return err
		}
		chain, err := s.loadChain(ctx, transaction, id)
		if err != nil {
			return err
		}
		if err := checkRef(opSetRefs, "master", refs.Master, chain, nil); err != nil {
			return err
		}
		if err := checkRef(opSetRefs, "tail", refs.Tail, chain, nil); err != nil {
			return err
		}
		updates := map[string]any{"master": refs.Master, "tail": refs.Tail, "updated_at": s.factory.now().UTC()}
		if err := transaction.Model(&documentRecord{}).Where(queryScopeID, s.scope, id).Updates(updates).Error; err != nil {
			return s.internal(opSetRefs, "update_failed", err, id)
		}
		return nil
	})
}

func (s *sqlStore) CreateBlob(ctx context.Context, id, blobID string, data []byte) error {
	if err := s.requireDocument(ctx, id); err != nil {
		return err
	}
	release := s.factory.locker.Lock(s.scope, id)
	defer release()
	return s.factory.blobs.Create(ctx, id, blobID, data)
}

func (s *sqlStore) GetBlob(ctx context.Context, id, blobID string) ([]byte, error) {
	if err := s.requireDocument(ctx, id); err != nil {
		return nil, err
	}
	return s.factory.blobs.Get(ctx, id, blobID)
}

func (s *sqlStore) DeleteBlob(ctx context.Context, id, blobID string) error {
	if err := s.requireDocument(ctx, id); err != nil {
		return err
	}
	release := s.factory.locker.Lock(s.scope, id)
	defer release()
	return s.factory.blobs.Delete(ctx, id, blobID)
}

func (s *sqlStore) ListBlobs(ctx context.Context, id string) ([]string, error) {
	if err := s.requireDocument(ctx, id); err != nil {
		return nil, err
	}
	return s.factory.blobs.List(ctx, id)
}

func (s *sqlStore) BlobExists(ctx context.Context, id, blobID string) (bool, error) {
	if err := s.requireDocument(ctx, id); err != nil {
		return false, err
	}
	return s.factory.blobs.Exists(ctx, id, blobID)
}

func (s *sqlStore) requireDocument(ctx context.Context, id string) error {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound(opBlob, "missing_document", nil)
	}
	return nil
}

func (s *sqlStore) load(ctx context.Context, db *gorm.DB, id string) (documentRecord, error) {
	var record documentRecord
	err := db.WithContext(ctx).Where(queryScopeID, s.scope, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return documentRecord{}, apperr.NotFound(opGet, "missing_document", err)
	}
	if err != nil {
		return documentRecord{}, s.internal(opGet, "query_failed", err, id)
	}
	return record, nil
}

func (s *sqlStore) loadChain(ctx context.Context, db *gorm.DB, id string) (map[string]Commit, error) {
	var rows []commitRecord
	if err := db.WithContext(ctx).Where(queryChain, s.scope, id).Find(&rows).Error; err != nil {
		return nil, s.internal(opCommits, "query_failed", err, id)
	}
	chain := make(map[string]Commit, len(rows))
	for _, row := range rows {
		chain[row.Sha] = Commit{
			Sha:       row.Sha,
			Parent:    row.Parent,
			Op:        json.RawMessage(row.Op),
			Author:    row.Author,
			CreatedAt: row.CreatedAt,
		}
	}
	return chain, nil
}

func (s *sqlStore) toInfo(record documentRecord) (Info, error) {
	meta, err := decodeMeta(record.Meta)
	if err != nil {
		return Info{}, s.internal(opGet, "decode_meta_failed", err, record.ID)
	}
	return Info{
		ID:        record.ID,
		Creator:   s.scope,
		Meta:      meta,
		Refs:      Refs{Master: record.Master, Tail: record.Tail},
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

func (s *sqlStore) internal(operation, reason string, err error, id string) error {
	s.factory.logger.Error("content store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("scope", s.scope),
		zap.String("document_id", id),
		zap.Error(err),
	)
	return apperr.Internal(operation, reason, err)
}

func encodeMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(meta)
}

func decodeMeta(raw []byte) (map[string]any, error) {
	meta := map[string]any{}
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
