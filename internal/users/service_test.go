package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	userID, err = service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count identities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveCanonicalUserIDRefreshesProfile(t *testing.T) {
	service, db := newTestService(t)
	claims := auth.SessionClaims{UserID: "editor-7", UserDisplayName: "Old Name"}

	if _, err := service.ResolveCanonicalUserID(context.Background(), claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	fresh, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	claims.UserDisplayName = "New Name"
	if _, err := fresh.ResolveCanonicalUserID(context.Background(), claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	var stored Identity
	if err := db.Where("provider = ? AND subject = ?", defaultProvider, "editor-7").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if stored.DisplayName != "New Name" {
		t.Fatalf("expected refreshed display name, got %q", stored.DisplayName)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)

	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
