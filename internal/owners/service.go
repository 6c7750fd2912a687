package owners

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidCredential indicates the credential carried no usable subject.
var ErrInvalidCredential = errors.New("owners: invalid credential")

const defaultRealm = "default"

// Credential is the authenticated identity presented on a token request.
// Subject may carry an explicit realm as "realm:subject".
type Credential struct {
	Subject     string
	DisplayName string
}

// ServiceConfig describes the dependencies required for owner resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps authenticated credentials onto canonical owner ids, creating
// the mapping on first sight and caching resolved ids in memory.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the owner identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("owners: database connection required")
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

// ResolveOwnerID returns the canonical owner id for the credential, creating
// a new identity row when the realm+subject pair has not been seen before.
func (s *Service) ResolveOwnerID(credential Credential) (string, error) {
	realm, subject := splitRealmSubject(credential.Subject)
	if subject == "" {
		return "", ErrInvalidCredential
	}

	cacheKey := realm + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if ownerID, ok := cached.(string); ok {
			return ownerID, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("realm = ? AND subject = ?", realm, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Realm:       realm,
			Subject:     subject,
			OwnerID:     subject,
			DisplayName: normalize(credential.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if display := normalize(credential.DisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
		}
		_ = s.db.Model(&Identity{}).
			Where("realm = ? AND subject = ?", realm, subject).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, identity.OwnerID)
	return identity.OwnerID, nil
}

func splitRealmSubject(raw string) (string, string) {
	value := normalize(raw)
	if strings.Contains(value, ":") {
		segments := strings.SplitN(value, ":", 2)
		realm := normalize(segments[0])
		subject := normalize(segments[1])
		if realm != "" && subject != "" {
			return realm, subject
		}
	}
	return defaultRealm, value
}
