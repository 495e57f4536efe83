package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opFind     = "users.find"
	opRegister = "users.register"
	opResolve  = "users.resolve"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages registered users and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Find loads a registered user. Unknown users yield apperr.ErrNotFound.
func (s *Service) Find(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", normalize(username)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound(opFind, "unknown_user", err)
	}
	if err != nil {
		return User{}, apperr.Internal(opFind, "query_failed", err)
	}
	return user, nil
}

// Register creates a user account. Existing usernames yield apperr.ErrConflict.
func (s *Service) Register(ctx context.Context, user User) (User, error) {
	user.Username = normalize(user.Username)
	user.Email = normalize(user.Email)
	user.DisplayName = normalize(user.DisplayName)
	if user.Username == "" {
		return User{}, apperr.WrongValue(opRegister, "missing_username", ErrInvalidIdentity)
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
	if result.Error != nil {
		return User{}, apperr.Internal(opRegister, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, apperr.Conflict(opRegister, "duplicate_username", nil)
	}
	return user, nil
}

// ResolveUsername returns the hub username for the provided session claims.
// It registers the user and the provider mapping the first time a login is seen.
func (s *Service) ResolveUsername(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if username, ok := cached.(string); ok {
			return username, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		username := normalize(claims.Username)
		if username == "" {
			username = subject
		}
		identity = Identity{
			Provider:   provider,
			Subject:    subject,
			Username:   username,
			LastSeenAt: s.now(),
		}
		transactionErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			user := User{
				Username:    username,
				Email:       normalize(claims.UserEmail),
				DisplayName: normalize(claims.UserDisplayName),
			}
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
				return err
			}
			return transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error
		})
		if transactionErr != nil {
			return "", apperr.Internal(opResolve, "register_failed", transactionErr)
		}
	case err != nil:
		return "", apperr.Internal(opResolve, "query_failed", err)
	default:
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Update("last_seen_at", s.now()).
			Error
	}

	s.cache.Store(cacheKey, identity.Username)
	return identity.Username, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	if strings.Contains(subject, ":") {
		segments := strings.SplitN(subject, ":", 2)
		if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			provider = normalize(segments[0])
			subject = normalize(segments[1])
		}
	}
	if subject == "" {
		subject = normalize(claims.Username)
	}
	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}
