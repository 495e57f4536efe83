package blobs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreate      = "blobs.create"
	opGet         = "blobs.get"
	opDelete      = "blobs.delete"
	opList        = "blobs.list"
	opDeleteAll   = "blobs.delete_all"
	opDecode      = "blobs.decode"
	queryBlob     = "document = ? AND blob_id = ?"
	queryDocument = "document = ?"
	dataURLPrefix = "data:"
	base64Marker  = ";base64,"
)

var (
	errMissingDatabase = errors.New("blobs: database handle is required")
	// ErrMalformedDataURL indicates a payload that is not a base64 data URL.
	ErrMalformedDataURL = errors.New("blobs: malformed data url")
)

// StoreConfig describes the dependencies of the blob store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store keeps blobs keyed by (document, blob id) with overwrite semantics.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a blob store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal("blobs.store.new", "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Create replaces any blob stored under (document, blobID) with data.
func (s *Store) Create(ctx context.Context, document, blobID string, data []byte) error {
	if document == "" || blobID == "" {
		return apperr.WrongValue(opCreate, "missing_key", nil)
	}
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryBlob, document, blobID).Delete(&Blob{}).Error; err != nil {
			return err
		}
		return transaction.Create(&Blob{Document: document, BlobID: blobID, Data: data}).Error
	})
	if err != nil {
		s.logError(opCreate, "transaction_failed", err, zap.String("document_id", document), zap.String("blob_id", blobID))
		return apperr.Internal(opCreate, "transaction_failed", err)
	}
	return nil
}

// Get loads the payload of a blob.
func (s *Store) Get(ctx context.Context, document, blobID string) ([]byte, error) {
	var blob Blob
	err := s.db.WithContext(ctx).Where(queryBlob, document, blobID).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(opGet, "missing_blob", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("document_id", document), zap.String("blob_id", blobID))
		return nil, apperr.Internal(opGet, "query_failed", err)
	}
	return blob.Data, nil
}

// Delete removes a blob. A missing blob is not an error.
func (s *Store) Delete(ctx context.Context, document, blobID string) error {
	if err := s.db.WithContext(ctx).Where(queryBlob, document, blobID).Delete(&Blob{}).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("document_id", document), zap.String("blob_id", blobID))
		return apperr.Internal(opDelete, "delete_failed", err)
	}
	return nil
}

// List returns the blob ids stored for document.
func (s *Store) List(ctx context.Context, document string) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Model(&Blob{}).Where(queryDocument, document).Order("blob_id ASC").Pluck("blob_id", &ids).Error
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("document_id", document))
		return nil, apperr.Internal(opList, "query_failed", err)
	}
	return ids, nil
}

// Exists reports whether a blob is stored under (document, blobID).
func (s *Store) Exists(ctx context.Context, document, blobID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Blob{}).Where(queryBlob, document, blobID).Count(&count).Error; err != nil {
		return false, apperr.Internal(opGet, "query_failed", err)
	}
	return count > 0, nil
}

// DeleteAll removes every blob of document.
func (s *Store) DeleteAll(ctx context.Context, document string) error {
	if err := s.db.WithContext(ctx).Where(queryDocument, document).Delete(&Blob{}).Error; err != nil {
		s.logError(opDeleteAll, "delete_failed", err, zap.String("document_id", document))
		return apperr.Internal(opDeleteAll, "delete_failed", err)
	}
	return nil
}

// DecodeDataURL splits a "data:<mime>;base64,<payload>" value into its MIME type and bytes.
func DecodeDataURL(value string) (string, []byte, error) {
	if !strings.HasPrefix(value, dataURLPrefix) {
		return "", nil, apperr.WrongValue(opDecode, "missing_prefix", ErrMalformedDataURL)
	}
	header, payload, found := strings.Cut(strings.TrimPrefix(value, dataURLPrefix), base64Marker)
	if !found {
		return "", nil, apperr.WrongValue(opDecode, "not_base64", ErrMalformedDataURL)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, apperr.WrongValue(opDecode, "invalid_payload", fmt.Errorf("%w: %v", ErrMalformedDataURL, err))
	}
	mimeType := header
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, decoded, nil
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
	s.logger.Error("blob store error", attrs...)
}
