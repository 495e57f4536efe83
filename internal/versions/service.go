package versions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opCreate     = "versions.create"
	opFindLatest = "versions.find_latest"
	opDeleteAll  = "versions.delete_all"
	blobsField   = "blobs"
)

var errMissingDependency = errors.New("versions: database, index and blob store are required")

// VersionCounter bumps a document's version counter.
type VersionCounter interface {
	IncrementVersion(ctx context.Context, id string) (int64, error)
}

// BlobWriter stores blob payloads attached to a version.
type BlobWriter interface {
	Create(ctx context.Context, document, blobID string, data []byte) error
}

// ServiceConfig describes the dependencies of the version service.
type ServiceConfig struct {
	Database    *gorm.DB
	Index       VersionCounter
	Blobs       BlobWriter
	Logger      *zap.Logger
	IDGenerator func() string
}

// Service records published versions.
type Service struct {
	db     *gorm.DB
	index  VersionCounter
	blobs  BlobWriter
	logger *zap.Logger
	newID  func() string
}

// NewService constructs the version service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil || cfg.Index == nil || cfg.Blobs == nil {
		return nil, apperr.Internal("versions.service.new", "missing_dependency", errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{db: cfg.Database, index: cfg.Index, blobs: cfg.Blobs, logger: logger, newID: newID}, nil
}

// Create stores the blobs embedded in data under data.blobs, bumps the document
// version and records the remaining payload as the new version.
func (s *Service) Create(ctx context.Context, document, creator string, data map[string]any) (int64, error) {
	if document == "" {
		return 0, apperr.WrongValue(opCreate, "missing_document", nil)
	}
	payload := make(map[string]any, len(data))
	for key, value := range data {
		payload[key] = value
	}

	if embedded, ok := payload[blobsField].(map[string]any); ok {
		blobIDs := make([]string, 0, len(embedded))
		for blobID := range embedded {
			blobIDs = append(blobIDs, blobID)
		}
		sort.Strings(blobIDs)
		encodedBlobs := make([][]byte, len(blobIDs))
		for index, blobID := range blobIDs {
			encodedBlob, err := blobBytes(embedded[blobID])
			if err != nil {
				return 0, apperr.WrongValue(opCreate, "invalid_blob", err)
			}
			encodedBlobs[index] = encodedBlob
		}
		for index, blobID := range blobIDs {
			if err := s.blobs.Create(ctx, document, blobID, encodedBlobs[index]); err != nil {
				return 0, err
			}
		}
	}
	delete(payload, blobsField)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, apperr.WrongValue(opCreate, "invalid_data", err)
	}

	version, err := s.index.IncrementVersion(ctx, document)
	if err != nil {
		return 0, err
	}

	row := Version{
		ID:       s.newID(),
		Document: document,
		Version:  version,
		Creator:  creator,
		Data:     datatypes.JSON(encoded),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("document_id", document))
		return 0, apperr.Internal(opCreate, "insert_failed", err)
	}
	return version, nil
}

// FindLatest returns the most recent version of document.
func (s *Service) FindLatest(ctx context.Context, document string) (Version, error) {
	var row Version
	err := s.db.WithContext(ctx).
		Where("document = ?", document).
		Order("version DESC").
		Order("created_at DESC").
		Take(&row).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, apperr.NotFound(opFindLatest, "no_version", err)
	}
	if err != nil {
		s.logError(opFindLatest, "query_failed", err, zap.String("document_id", document))
		return Version{}, apperr.Internal(opFindLatest, "query_failed", err)
	}
	return row, nil
}

// DeleteAll removes every version of document.
func (s *Service) DeleteAll(ctx context.Context, document string) error {
	if err := s.db.WithContext(ctx).Where("document = ?", document).Delete(&Version{}).Error; err != nil {
		s.logError(opDeleteAll, "delete_failed", err, zap.String("document_id", document))
		return apperr.Internal(opDeleteAll, "delete_failed", err)
	}
	return nil
}

func blobBytes(value any) ([]byte, error) {
	switch typed := value.(type) {
	case string:
		return []byte(typed), nil
	case []byte:
		return typed, nil
	default:
		return json.Marshal(typed)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("version service error", attrs...)
}
