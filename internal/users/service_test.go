package users

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/parchmentlabs/roomkit/internal/auth"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
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
	return service
}

func TestResolveProfileCreatesRecordWithStableColor(t *testing.T) {
	service := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "user-12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	profile, err := service.ResolveProfile(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "user-12345" {
		t.Fatalf("unexpected user id %q", profile.UserID)
	}
	if profile.DisplayName != "Example User" {
		t.Fatalf("unexpected display name %q", profile.DisplayName)
	}
	if profile.Color == "" {
		t.Fatalf("expected a palette color to be assigned")
	}

	// second call should return the same record with the same color.
	again, err := service.ResolveProfile(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again.Color != profile.Color {
		t.Fatalf("expected color to stay stable, got %q then %q", profile.Color, again.Color)
	}

	var count int64
	if err := service.db.Model(&Profile{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count profiles: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single profile record, got %d", count)
	}
}

func TestResolveProfileRefreshesDisplayNameKeepsColor(t *testing.T) {
	service := newTestService(t)

	first, err := service.ResolveProfile(auth.SessionClaims{
		UserID:          "user-12345",
		UserDisplayName: "Old Name",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	second, err := service.ResolveProfile(auth.SessionClaims{
		UserID:          "user-12345",
		UserDisplayName: "New Name",
	})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.DisplayName != "New Name" {
		t.Fatalf("expected refreshed display name, got %q", second.DisplayName)
	}
	if second.Color != first.Color {
		t.Fatalf("expected color to survive a rename")
	}
}

func TestResolveProfileFallsBackToSubjectAndEmail(t *testing.T) {
	service := newTestService(t)

	profile, err := service.ResolveProfile(auth.SessionClaims{
		UserEmail:        "fallback@example.com",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "subject-9"},
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "subject-9" {
		t.Fatalf("expected subject fallback for user id, got %q", profile.UserID)
	}
	if profile.DisplayName != "fallback@example.com" {
		t.Fatalf("expected email fallback for display name, got %q", profile.DisplayName)
	}
}

func TestResolveProfileRejectsEmptyIdentity(t *testing.T) {
	service := newTestService(t)

	if _, err := service.ResolveProfile(auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestColorForIsDeterministic(t *testing.T) {
	first := ColorFor("user-12345")
	second := ColorFor("user-12345")
	if first != second {
		t.Fatalf("expected deterministic color, got %q then %q", first, second)
	}
}
