package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultProvider      = "default"
	queryProviderSubject = "provider = ? AND subject = ?"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	errMissingDatabase = errors.New("users: database connection required")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to canonical user ids.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the session claims,
// recording the provider+subject pair the first time it is seen. Profile
// refreshes on later sightings are best effort.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if canonical, ok := cached.(string); ok {
			return canonical, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where(queryProviderSubject, provider, subject).Take(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", fmt.Errorf("users: create identity: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("users: load identity: %w", err)
	default:
		s.refreshProfile(db, identity, claims)
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) refreshProfile(db *gorm.DB, identity Identity, claims auth.SessionClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
	}
	err := db.Model(&Identity{}).
		Where(queryProviderSubject, identity.Provider, identity.Subject).
		Updates(updates).Error
	if err != nil {
		s.logger.Warn("identity profile refresh failed",
			zap.String("provider", identity.Provider),
			zap.String("subject", identity.Subject),
			zap.Error(err))
	}
}

// deriveProviderSubject splits "provider:subject" user ids; bare ids fall back
// to the default provider.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
