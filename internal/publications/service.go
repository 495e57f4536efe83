package publications

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreate         = "publications.create"
	opGet            = "publications.get"
	opFindByDocument = "publications.find_by_document"
	opDelete         = "publications.delete"
	opDeleteAll      = "publications.delete_all"
	opNetworkList    = "networks.list"
	opNetworkCreate  = "networks.create"
	opNetworkGet     = "networks.get"
)

var errMissingDependency = errors.New("publications: database and index are required")

// DocumentIndex registers index rows for documents published before their first sync.
type DocumentIndex interface {
	Create(ctx context.Context, document documents.Document) (bool, error)
}

// ServiceConfig describes the dependencies of the publication service.
type ServiceConfig struct {
	Database    *gorm.DB
	Index       DocumentIndex
	Logger      *zap.Logger
	IDGenerator func() string
}

// Service manages publications and networks.
type Service struct {
	db     *gorm.DB
	index  DocumentIndex
	logger *zap.Logger
	newID  func() string
}

// NewService constructs the publication service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil || cfg.Index == nil {
		return nil, apperr.Internal("publications.service.new", "missing_dependency", errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{db: cfg.Database, index: cfg.Index, logger: logger, newID: newID}, nil
}

// Create publishes document into network. A document that has never been
// synced gets an index row owned by creator.
func (s *Service) Create(ctx context.Context, network, document, creator string) (Publication, error) {
	if network == "" {
		return Publication{}, apperr.WrongValue(opCreate, "missing_network", nil)
	}
	if document == "" {
		return Publication{}, apperr.WrongValue(opCreate, "missing_document", nil)
	}
	if _, err := s.GetNetwork(ctx, network); err != nil {
		return Publication{}, err
	}
	row := Publication{
		ID:       s.newID(),
		Network:  network,
		Document: document,
		Creator:  creator,
		State:    stateActive,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		s.logError(opCreate, "insert_failed", result.Error, zap.String("document_id", document))
		return Publication{}, apperr.Internal(opCreate, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Publication{}, apperr.Conflict(opCreate, "already_published", nil)
	}
	if _, err := s.index.Create(ctx, documents.Document{ID: document, Creator: creator}); err != nil {
		return Publication{}, err
	}
	return row, nil
}

// Get loads a publication by id.
func (s *Service) Get(ctx context.Context, id string) (Publication, error) {
	var row Publication
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Publication{}, apperr.NotFound(opGet, "missing_publication", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("publication_id", id))
		return Publication{}, apperr.Internal(opGet, "query_failed", err)
	}
	return row, nil
}

// FindByDocument lists the publications of document.
func (s *Service) FindByDocument(ctx context.Context, document string) ([]Publication, error) {
	rows := []Publication{}
	if err := s.db.WithContext(ctx).Where("document = ?", document).Order("network ASC").Find(&rows).Error; err != nil {
		s.logError(opFindByDocument, "query_failed", err, zap.String("document_id", document))
		return nil, apperr.Internal(opFindByDocument, "query_failed", err)
	}
	return rows, nil
}

// Delete removes a publication by id.
func (s *Service) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Publication{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("publication_id", id))
		return apperr.Internal(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound(opDelete, "missing_publication", nil)
	}
	return nil
}

// DeleteAll removes every publication of document.
func (s *Service) DeleteAll(ctx context.Context, document string) error {
	if err := s.db.WithContext(ctx).Where("document = ?", document).Delete(&Publication{}).Error; err != nil {
		s.logError(opDeleteAll, "delete_failed", err, zap.String("document_id", document))
		return apperr.Internal(opDeleteAll, "delete_failed", err)
	}
	return nil
}

// ListNetworks returns all networks ordered by name.
func (s *Service) ListNetworks(ctx context.Context) ([]Network, error) {
	rows := []Network{}
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		s.logError(opNetworkList, "query_failed", err)
		return nil, apperr.Internal(opNetworkList, "query_failed", err)
	}
	return rows, nil
}

// CreateNetwork registers a network. Duplicate ids yield apperr.ErrConflict.
func (s *Service) CreateNetwork(ctx context.Context, network Network) (Network, error) {
	if network.ID == "" {
		return Network{}, apperr.WrongValue(opNetworkCreate, "missing_id", nil)
	}
	if network.Name == "" {
		network.Name = network.ID
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&network)
	if result.Error != nil {
		s.logError(opNetworkCreate, "insert_failed", result.Error, zap.String("network_id", network.ID))
		return Network{}, apperr.Internal(opNetworkCreate, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Network{}, apperr.Conflict(opNetworkCreate, "duplicate_network", nil)
	}
	return network, nil
}

// GetNetwork loads a network by id.
func (s *Service) GetNetwork(ctx context.Context, id string) (Network, error) {
	var row Network
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Network{}, apperr.NotFound(opNetworkGet, "missing_network", err)
	}
	if err != nil {
		s.logError(opNetworkGet, "query_failed", err, zap.String("network_id", id))
		return Network{}, apperr.Internal(opNetworkGet, "query_failed", err)
	}
	return row, nil
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
	s.logger.Error("publication service error", attrs...)
}
