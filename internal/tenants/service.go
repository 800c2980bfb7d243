package tenants

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCacheSize = 4096

var (
	// ErrInvalidIdentity indicates an empty tenant or user identifier.
	ErrInvalidIdentity = errors.New("tenants: invalid identity")
	// ErrTenantNotFound indicates the tenant has not been provisioned.
	ErrTenantNotFound = errors.New("tenants: tenant not found")
	// ErrNotMember indicates the user has no membership in the tenant.
	ErrNotMember = errors.New("tenants: user is not a member of tenant")
	// ErrInvalidTimezone indicates a timezone name the runtime cannot load.
	ErrInvalidTimezone = errors.New("tenants: invalid timezone")
)

// ServiceConfig describes the dependencies required for tenant lookups.
type ServiceConfig struct {
	Database  *gorm.DB
	CacheSize int
	Logger    *zap.Logger
}

// Service resolves tenant memberships and timezones. Positive membership
// decisions and resolved locations are cached; denials are not, so a newly
// added member is admitted on the next attempt.
type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	members   *lru.Cache[string, struct{}]
	locations *lru.Cache[string, *time.Location]
}

// NewService constructs the tenant service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("tenants: database connection required")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	members, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	locations, err := lru.New[string, *time.Location](size)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		logger:    logger,
		members:   members,
		locations: locations,
	}, nil
}

// EnsureTenant creates the tenant or updates its name and timezone.
func (s *Service) EnsureTenant(ctx context.Context, tenantID, name, timezone string) (Tenant, error) {
	tenantID = normalize(tenantID)
	if tenantID == "" {
		return Tenant{}, ErrInvalidIdentity
	}
	timezone = normalize(timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return Tenant{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}

	tenant := Tenant{TenantID: tenantID, Name: normalize(name), Timezone: timezone}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "timezone", "updated_at"}),
	}).Create(&tenant).Error
	if err != nil {
		return Tenant{}, err
	}
	s.locations.Add(tenantID, location)
	return s.Get(ctx, tenantID)
}

// Get loads a tenant by id.
func (s *Service) Get(ctx context.Context, tenantID string) (Tenant, error) {
	var tenant Tenant
	err := s.db.WithContext(ctx).Where("tenant_id = ?", normalize(tenantID)).Take(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

// AddMember grants the user access to the tenant. Adding an existing member
// is a no-op.
func (s *Service) AddMember(ctx context.Context, tenantID, userID, role string) error {
	tenantID = normalize(tenantID)
	userID = normalize(userID)
	if tenantID == "" || userID == "" {
		return ErrInvalidIdentity
	}
	if _, err := s.Get(ctx, tenantID); err != nil {
		return err
	}
	role = normalize(role)
	if role == "" {
		role = RoleStaff
	}
	member := Member{TenantID: tenantID, UserID: userID, Role: role}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		return err
	}
	s.members.Add(memberKey(tenantID, userID), struct{}{})
	return nil
}

// Authorize reports whether the user may open a channel for the tenant.
func (s *Service) Authorize(ctx context.Context, tenantID, userID string) error {
	tenantID = normalize(tenantID)
	userID = normalize(userID)
	if tenantID == "" || userID == "" {
		return ErrInvalidIdentity
	}
	key := memberKey(tenantID, userID)
	if _, ok := s.members.Get(key); ok {
		return nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&Member{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Count(&count).Error
	if err != nil {
		s.logger.Error("membership lookup failed",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
		return err
	}
	if count == 0 {
		return ErrNotMember
	}
	s.members.Add(key, struct{}{})
	return nil
}

// Location returns the tenant's configured timezone.
func (s *Service) Location(ctx context.Context, tenantID string) (*time.Location, error) {
	tenantID = normalize(tenantID)
	if location, ok := s.locations.Get(tenantID); ok {
		return location, nil
	}
	tenant, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	location, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tenant.Timezone)
	}
	s.locations.Add(tenantID, location)
	return location, nil
}

func memberKey(tenantID, userID string) string {
	return tenantID + "\x00" + userID
}
