package crm

import (
	"strings"
	"time"
)

// Provider identifies a CRM source.
type Provider string

const (
	ProviderAmoCRM     Provider = "amocrm"
	ProviderHubSpot    Provider = "hubspot"
	ProviderSalesforce Provider = "salesforce"
	ProviderCSV        Provider = "csv"
)

// ParseProvider normalises a provider id coming from a URL or a stored record.
func ParseProvider(s string) (Provider, bool) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderAmoCRM, ProviderHubSpot, ProviderSalesforce, ProviderCSV:
		return p, true
	}
	return "", false
}

// EntityType names the record families an adapter can page through.
type EntityType string

const (
	EntityContacts  EntityType = "contacts"
	EntityCompanies EntityType = "companies"
	EntityDeals     EntityType = "deals"
)

// Metadata keeps the raw provider payload next to the normalised fields.
type Metadata map[string]any

// Contact is the normalised person record.
type Contact struct {
	ExternalID     string     `json:"externalId" validate:"required"`
	Email          string     `json:"email" validate:"required,email"`
	FirstName      string     `json:"firstName,omitempty"`
	LastName       string     `json:"lastName,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	CompanyName    string     `json:"companyName,omitempty"`
	Source         Provider   `json:"source"`
	LifecycleStage string     `json:"lifecycleStage,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
}

// Company is the normalised organisation record.
type Company struct {
	ExternalID string   `json:"externalId" validate:"required"`
	Name       string   `json:"name" validate:"required"`
	Domain     string   `json:"domain,omitempty"`
	Industry   string   `json:"industry,omitempty"`
	Size       string   `json:"size,omitempty"`
	Source     Provider `json:"source"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

// Deal is the normalised opportunity record. ContactEmail and CompanyName are
// soft links resolved at import time.
type Deal struct {
	ExternalID   string     `json:"externalId" validate:"required"`
	Name         string     `json:"name" validate:"required"`
	Amount       float64    `json:"amount" validate:"gte=0"`
	Currency     string     `json:"currency" validate:"omitempty,len=3"`
	Stage        string     `json:"stage"`
	Probability  int        `json:"probability" validate:"gte=0,lte=100"`
	CloseDate    *time.Time `json:"closeDate,omitempty"`
	ContactEmail string     `json:"contactEmail,omitempty"`
	CompanyName  string     `json:"companyName,omitempty"`
	Source       Provider   `json:"source"`
	Metadata     Metadata   `json:"metadata,omitempty"`
}

// WonStages are the lower-cased stage names treated as closed-won.
var WonStages = []string{StageClosedWon, "closedwon", "closed won", "won", "success"}

// IsWon reports whether the deal reached a closed-won stage.
func (d Deal) IsWon() bool {
	stage := strings.ToLower(strings.TrimSpace(d.Stage))
	for _, s := range WonStages {
		if stage == s {
			return true
		}
	}
	return false
}

// FetchOptions is a pagination window. Adapters clamp Limit to their own
// page-size ceiling.
type FetchOptions struct {
	Limit         int
	Offset        int
	ModifiedSince *time.Time
}

// ImportError describes one failed record, or a whole-run failure when Row is 0.
type ImportError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ImportResult aggregates one import run.
type ImportResult struct {
	Success  bool          `json:"success"`
	Imported int           `json:"imported"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// Total is the number of source records iterated.
func (r ImportResult) Total() int {
	return r.Imported + r.Failed + r.Skipped
}
