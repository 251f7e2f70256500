package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	IntegrationActive       = "active"
	IntegrationDisconnected = "disconnected"
	IntegrationError        = "error"
)

// Integration holds one connected CRM account. Tokens are encrypted in the
// application layer before they reach this row.
type Integration struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex:idx_integration_account" json:"user_id"`

	Provider  string `gorm:"not null;uniqueIndex:idx_integration_account" json:"provider"`
	AccountID string `gorm:"column:provider_account_id;uniqueIndex:idx_integration_account" json:"provider_account_id"`

	AccessToken    string     `gorm:"type:text;not null" json:"-"` // Encrypted
	RefreshToken   string     `gorm:"type:text" json:"-"`          // Encrypted
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	InstanceURL    string     `json:"instance_url,omitempty"`

	Settings datatypes.JSONMap `json:"settings"`

	Status         string     `gorm:"not null;default:'active';index" json:"status"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
}

const (
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// SyncRun records one pass over an integration.
type SyncRun struct {
	gorm.Model
	IntegrationID uint   `gorm:"not null;index" json:"integration_id"`
	UserID        uint   `gorm:"not null;index" json:"user_id"`
	Provider      string `json:"provider"`
	Trigger       string `json:"trigger"` // manual, scheduled

	Status     string     `gorm:"not null;default:'running'" json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`

	Results datatypes.JSON `json:"results"`
	Error   string         `gorm:"type:text" json:"error,omitempty"`
}

// ConversionEvent marks a deal already forwarded to the conversion sink.
type ConversionEvent struct {
	gorm.Model
	DealID  uint      `gorm:"not null;uniqueIndex" json:"deal_id"`
	OwnerID uint      `gorm:"not null;index" json:"owner_id"`
	Value   float64   `json:"value"`
	Sent    bool      `json:"sent"`
	SentAt  time.Time `json:"sent_at"`
}

// Lead is the latest manually reported state of a lead, keyed by the caller's
// own lead id.
type Lead struct {
	gorm.Model
	OwnerID    uint              `gorm:"not null;uniqueIndex:idx_lead_owner_ref" json:"owner_id"`
	LeadRef    string            `gorm:"not null;uniqueIndex:idx_lead_owner_ref" json:"lead_id"`
	Status     string            `gorm:"not null" json:"status"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	Value      float64           `json:"value"`
	PixelSent  bool              `json:"pixel_sent"`
	CustomData datatypes.JSONMap `json:"custom_data,omitempty"`
}

// Event is an inbound CRM event delivered through the signed webhook, or a
// manually reported lead event.
type Event struct {
	gorm.Model
	EventName      string            `gorm:"not null" json:"event_name"`
	EventType      string            `gorm:"not null;index" json:"event_type"`
	Source         string            `gorm:"not null" json:"source"`
	ContactRef     string            `json:"contact_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	Properties     datatypes.JSONMap `json:"properties"`
	IdempotencyKey string            `gorm:"not null;uniqueIndex" json:"idempotency_key"`
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Company{},
		&Contact{},
		&Deal{},
		&Integration{},
		&SyncRun{},
		&ConversionEvent{},
		&Lead{},
		&Event{},
	)
}
