package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Contact is an imported person. Email is the natural key within one owner.
type Contact struct {
	gorm.Model
	OwnerID uint `gorm:"not null;uniqueIndex:idx_contact_owner_email" json:"owner_id"`

	ExternalID     string `gorm:"index" json:"external_id"`
	Email          string `gorm:"not null;uniqueIndex:idx_contact_owner_email" json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Phone          string `json:"phone"`
	Source         string `gorm:"index" json:"source"` // amocrm, hubspot, salesforce, csv
	LifecycleStage string `json:"lifecycle_stage"`
	Status         string `gorm:"default:'active'" json:"status"`

	CompanyID *uint    `gorm:"index" json:"company_id,omitempty"`
	Company   *Company `json:"company,omitempty"`

	SourceCreatedAt *time.Time        `json:"source_created_at,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata"`
}

// Company is an imported organisation keyed by the provider's id.
type Company struct {
	gorm.Model
	OwnerID uint `gorm:"not null;uniqueIndex:idx_company_owner_external" json:"owner_id"`

	ExternalID string `gorm:"not null;uniqueIndex:idx_company_owner_external" json:"external_id"`
	Name       string `gorm:"not null;index" json:"name"`
	Domain     string `json:"domain"`
	Industry   string `json:"industry"`
	Size       string `json:"size"`
	Source     string `json:"source"`

	Metadata datatypes.JSONMap `json:"metadata"`
}

// Deal is an imported opportunity. Contact and company links are optional.
type Deal struct {
	gorm.Model
	OwnerID uint `gorm:"not null;uniqueIndex:idx_deal_owner_external" json:"owner_id"`

	ExternalID  string     `gorm:"not null;uniqueIndex:idx_deal_owner_external" json:"external_id"`
	Name        string     `gorm:"not null" json:"name"`
	Amount      float64    `gorm:"not null;default:0" json:"amount"`
	Currency    string     `gorm:"size:3;default:'USD'" json:"currency"`
	Stage       string     `gorm:"index" json:"stage"`
	Probability int        `json:"probability"`
	CloseDate   *time.Time `json:"close_date,omitempty"`
	Source      string     `json:"source"`

	ContactID *uint    `gorm:"index" json:"contact_id,omitempty"`
	Contact   *Contact `json:"contact,omitempty"`
	CompanyID *uint    `gorm:"index" json:"company_id,omitempty"`
	Company   *Company `json:"company,omitempty"`

	Metadata datatypes.JSONMap `json:"metadata"`
}
