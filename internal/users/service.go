package users

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/parchmentlabs/roomkit/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// cursorPalette holds the colors handed out to collaborators. Assignment is
// a stable hash of the user id so the same collaborator always maps to the
// same palette entry.
var cursorPalette = []string{
	"#e53935",
	"#8e24aa",
	"#3949ab",
	"#039be5",
	"#00897b",
	"#7cb342",
	"#fdd835",
	"#fb8c00",
	"#6d4c41",
	"#546e7a",
}

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages collaborator profiles keyed by canonical user id.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
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

// ResolveProfile returns the collaborator profile for the provided session
// claims, creating one with a palette color on first sight. Display name and
// email refresh on every call so the registry tracks the identity service.
func (s *Service) ResolveProfile(claims auth.SessionClaims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return s.refresh(profile, claims)
		}
	}

	var profile Profile
	err := s.db.Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:      userID,
			DisplayName: displayNameFor(claims, userID),
			Email:       normalize(claims.UserEmail),
			Color:       ColorFor(userID),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		s.cache.Store(userID, profile)
		return profile, nil
	}
	if err != nil {
		return Profile{}, err
	}

	s.cache.Store(userID, profile)
	return s.refresh(profile, claims)
}

// refresh propagates changed identity fields to the stored profile. Color is
// never updated; it is the stable part of the profile.
func (s *Service) refresh(profile Profile, claims auth.SessionClaims) (Profile, error) {
	updates := map[string]interface{}{}
	if display := normalize(claims.UserDisplayName); display != "" && display != profile.DisplayName {
		updates["display_name"] = display
		profile.DisplayName = display
	}
	if email := normalize(claims.UserEmail); email != "" && email != profile.Email {
		updates["email"] = email
		profile.Email = email
	}
	updates["last_seen_at"] = s.now()
	profile.LastSeenAt = s.now()

	if err := s.db.Model(&Profile{}).
		Where("user_id = ?", profile.UserID).
		Updates(updates).
		Error; err != nil {
		return Profile{}, err
	}

	s.cache.Store(profile.UserID, profile)
	return profile, nil
}

// ColorFor maps a user id onto the cursor palette.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return cursorPalette[hasher.Sum32()%uint32(len(cursorPalette))]
}

func displayNameFor(claims auth.SessionClaims, userID string) string {
	if display := normalize(claims.UserDisplayName); display != "" {
		return display
	}
	if email := normalize(claims.UserEmail); email != "" {
		return email
	}
	return userID
}
