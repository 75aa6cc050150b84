package gateway

import (
	"time"

	"github.com/google/uuid"
)

// User is a backend account that handles log in as.
type User struct {
	ID           string `gorm:"type:varchar(36);primaryKey"`
	TenantID     string `gorm:"type:varchar(64);not null;uniqueIndex:uq_erp_users_login"`
	BusinessUnit string `gorm:"type:varchar(64);not null;default:'';uniqueIndex:uq_erp_users_login"`
	Username     string `gorm:"type:varchar(128);not null;uniqueIndex:uq_erp_users_login"`
	PasswordHash string `gorm:"type:varchar(255);not null"`
	Disabled     bool   `gorm:"not null;default:false"`
	// Notice is surfaced as a warning message on every login.
	Notice    string `gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (User) TableName() string { return "erp_users" }

// Session records one logged-in handle. EndedAt is set when the handle is disposed.
type Session struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	TenantID  string `gorm:"type:varchar(64);not null;index:idx_erp_sessions_tenant"`
	UserID    string `gorm:"type:varchar(36);not null"`
	HandleID  string `gorm:"type:varchar(36);not null"`
	StartedAt time.Time
	EndedAt   *time.Time
}

// TableName implements gorm's tabler.
func (Session) TableName() string { return "erp_sessions" }

func newID() string { return uuid.NewString() }
