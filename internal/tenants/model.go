package tenants

import (
	"strings"
	"time"
)

// Roles recognised for tenant members.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Tenant is a clinic account. Timezone is an IANA name used to decide what
// "today" means for the clinic's connections.
type Tenant struct {
	TenantID  string    `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Name      string    `gorm:"column:name;size:320;not null;default:''"`
	Timezone  string    `gorm:"column:timezone;size:64;not null;default:'UTC'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing tenants.
func (Tenant) TableName() string {
	return "tenants"
}

// Member grants a user access to a tenant's appointment channel.
type Member struct {
	TenantID  string    `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role      string    `gorm:"column:role;size:32;not null;default:'staff'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing tenant memberships.
func (Member) TableName() string {
	return "tenant_members"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
