package documents

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGet              = "documents.get"
	opCreate           = "documents.create"
	opDelete           = "documents.delete"
	opIsCreator        = "documents.is_creator"
	opIncrementVersion = "documents.increment_version"
	opListByCreator    = "documents.list_by_creator"
	opListAll          = "documents.list_all"
	queryID            = "id = ?"
	queryCreator       = "creator = ?"
	columnVersion      = "version"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the index store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the relational source of truth for document existence, ownership and versions.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs an index store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal("documents.store.new", "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Get loads a document row. A missing row yields an apperr.ErrNotFound error.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).Where(queryID, id).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, apperr.NotFound(opGet, "missing_document", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("document_id", id))
		return Document{}, apperr.Internal(opGet, "query_failed", err)
	}
	return document, nil
}

// Create inserts the row unless one with the same id already exists.
// It reports whether this call inserted the row.
func (s *Store) Create(ctx context.Context, document Document) (bool, error) {
	id, err := NewDocumentID(document.ID)
	if err != nil {
		return false, apperr.WrongValue(opCreate, "invalid_document_id", err)
	}
	creator, err := NewUsername(document.Creator)
	if err != nil {
		return false, apperr.WrongValue(opCreate, "invalid_creator", err)
	}
	row := Document{ID: id.String(), Creator: creator.String(), Version: document.Version}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		s.logError(opCreate, "insert_failed", result.Error, zap.String("document_id", row.ID))
		return false, apperr.Internal(opCreate, "insert_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Delete removes the row. A missing row yields an apperr.ErrNotFound error.
func (s *Store) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where(queryID, id).Delete(&Document{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("document_id", id))
		return apperr.Internal(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound(opDelete, "missing_document", nil)
	}
	return nil
}

// IsCreator succeeds only when user owns the document.
func (s *Store) IsCreator(ctx context.Context, user, id string) error {
	document, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if document.Creator != user {
		return apperr.Unauthorized(opIsCreator, "not_creator", nil)
	}
	return nil
}

// IncrementVersion bumps the version counter and returns the new value.
// The update and the read share a transaction so concurrent callers observe distinct values.
func (s *Store) IncrementVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&Document{}).
			Where(queryID, id).
			UpdateColumn(columnVersion, gorm.Expr(columnVersion+" + 1"))
		if result.Error != nil {
			return apperr.Internal(opIncrementVersion, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound(opIncrementVersion, "missing_document", nil)
		}
		var document Document
		if err := transaction.Select(columnVersion).Where(queryID, id).Take(&document).Error; err != nil {
			return apperr.Internal(opIncrementVersion, "reload_failed", err)
		}
		version = document.Version
		return nil
	})
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.logError(opIncrementVersion, "transaction_failed", err, zap.String("document_id", id))
		}
		return 0, err
	}
	return version, nil
}

// ListByCreator returns every index row owned by creator.
func (s *Store) ListByCreator(ctx context.Context, creator string) ([]Document, error) {
	var rows []Document
	if err := s.db.WithContext(ctx).Where(queryCreator, creator).Order("id ASC").Find(&rows).Error; err != nil {
		s.logError(opListByCreator, "query_failed", err, zap.String("creator", creator))
		return nil, apperr.Internal(opListByCreator, "query_failed", err)
	}
	return rows, nil
}

// ListAll returns every index row.
func (s *Store) ListAll(ctx context.Context) ([]Document, error) {
	var rows []Document
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		s.logError(opListAll, "query_failed", err)
		return nil, apperr.Internal(opListAll, "query_failed", err)
	}
	return rows, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents store error", attrs...)
}
