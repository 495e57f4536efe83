package collaborators

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opFind               = "collaborators.find"
	opListCollaborations = "collaborators.list_collaborations"
	opCreate             = "collaborators.create"
	opGet                = "collaborators.get"
	opDelete             = "collaborators.delete"
	opDeleteAll          = "collaborators.delete_all"
	opIsCollaborator     = "collaborators.is_collaborator"
	queryDocument        = "document = ?"
)

var errMissingDatabase = errors.New("collaborators: database handle is required")

// UserDirectory resolves known users.
type UserDirectory interface {
	Find(ctx context.Context, username string) (users.User, error)
}

// RegistryConfig describes the dependencies of the registry.
type RegistryConfig struct {
	Database    *gorm.DB
	Users       UserDirectory
	Logger      *zap.Logger
	IDGenerator func() string
}

// Registry stores document/user membership.
type Registry struct {
	db     *gorm.DB
	users  UserDirectory
	logger *zap.Logger
	newID  func() string
}

// NewRegistry constructs a collaborator registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal("collaborators.registry.new", "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &Registry{db: cfg.Database, users: cfg.Users, logger: logger, newID: newID}, nil
}

// Find lists the collaborators of a document ordered by username.
func (r *Registry) Find(ctx context.Context, document string) ([]Collaborator, error) {
	var rows []Collaborator
	if err := r.db.WithContext(ctx).Where(queryDocument, document).Order("username ASC").Find(&rows).Error; err != nil {
		r.logError(opFind, "query_failed", err, zap.String("document_id", document))
		return nil, apperr.Internal(opFind, "query_failed", err)
	}
	return rows, nil
}

// ListCollaborations returns the ids of documents username collaborates on.
func (r *Registry) ListCollaborations(ctx context.Context, username string) ([]string, error) {
	var documents []string
	err := r.db.WithContext(ctx).
		Model(&Collaborator{}).
		Where("username = ?", username).
		Order("document ASC").
		Pluck("document", &documents).
		Error
	if err != nil {
		r.logError(opListCollaborations, "query_failed", err, zap.String("username", username))
		return nil, apperr.Internal(opListCollaborations, "query_failed", err)
	}
	return documents, nil
}

// Create adds username to document. The user must be registered.
func (r *Registry) Create(ctx context.Context, document, username string) (Collaborator, error) {
	if document == "" {
		return Collaborator{}, apperr.WrongValue(opCreate, "missing_document", nil)
	}
	if username == "" {
		return Collaborator{}, apperr.WrongValue(opCreate, "missing_collaborator", nil)
	}
	if r.users != nil {
		if _, err := r.users.Find(ctx, username); err != nil {
			if apperr.IsNotFound(err) {
				return Collaborator{}, apperr.WrongValue(opCreate, "unknown_user", err)
			}
			return Collaborator{}, err
		}
	}
	row := Collaborator{ID: r.newID(), Document: document, Username: username}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		r.logError(opCreate, "insert_failed", result.Error, zap.String("document_id", document))
		return Collaborator{}, apperr.Internal(opCreate, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Collaborator{}, apperr.Conflict(opCreate, "duplicate_collaborator", nil)
	}
	return row, nil
}

// Get loads a membership row by id.
func (r *Registry) Get(ctx context.Context, id string) (Collaborator, error) {
	var row Collaborator
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collaborator{}, apperr.NotFound(opGet, "missing_collaborator", err)
	}
	if err != nil {
		r.logError(opGet, "query_failed", err, zap.String("collaborator_id", id))
		return Collaborator{}, apperr.Internal(opGet, "query_failed", err)
	}
	return row, nil
}

// Delete removes a membership row by id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Collaborator{})
	if result.Error != nil {
		r.logError(opDelete, "delete_failed", result.Error, zap.String("collaborator_id", id))
		return apperr.Internal(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound(opDelete, "missing_collaborator", nil)
	}
	return nil
}

// DeleteAll removes every membership row of document.
func (r *Registry) DeleteAll(ctx context.Context, document string) error {
	if err := r.db.WithContext(ctx).Where(queryDocument, document).Delete(&Collaborator{}).Error; err != nil {
		r.logError(opDeleteAll, "delete_failed", err, zap.String("document_id", document))
		return apperr.Internal(opDeleteAll, "delete_failed", err)
	}
	return nil
}

// IsCollaborator fails with apperr.ErrNotFound when the pair is not registered.
func (r *Registry) IsCollaborator(ctx context.Context, username, document string) error {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Collaborator{}).
		Where("document = ? AND username = ?", document, username).
		Count(&count).
		Error
	if err != nil {
		r.logError(opIsCollaborator, "query_failed", err, zap.String("document_id", document))
		return apperr.Internal(opIsCollaborator, "query_failed", err)
	}
	if count == 0 {
		return apperr.NotFound(opIsCollaborator, "not_collaborator", nil)
	}
	return nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("collaborator registry error", attrs...)
}
