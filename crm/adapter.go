package crm

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Adapter is the uniform read contract every CRM source implements.
// Fetch methods are pagination windows: callers advance Offset until an
// empty page comes back.
type Adapter interface {
	Provider() Provider
	// TestConnection issues a cheap read and reports false on any failure.
	TestConnection(ctx context.Context) bool
	FetchContacts(ctx context.Context, opts FetchOptions) ([]Contact, error)
	FetchCompanies(ctx context.Context, opts FetchOptions) ([]Company, error)
	FetchDeals(ctx context.Context, opts FetchOptions) ([]Deal, error)
	TotalCount(ctx context.Context, entity EntityType) (int, error)
	// Close releases the adapter's rate limiter.
	Close() error
}

// Credentials is what a stored integration hands to an adapter factory.
type Credentials struct {
	Provider     Provider
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// AccountID is the provider-side account: the amoCRM subdomain, the
	// HubSpot portal id or the Salesforce org id.
	AccountID   string
	InstanceURL string
	Settings    map[string]any
}

// Token converts the credential into an oauth2 token.
func (c Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// CredentialStore persists rotated tokens. SaveTokens is called inside the
// refresh critical section, before any other request may use the new token.
type CredentialStore interface {
	SaveTokens(ctx context.Context, token *oauth2.Token) error
	// LoadTokens returns the currently persisted token so a refresher can
	// detect that another run already rotated it.
	LoadTokens(ctx context.Context) (*oauth2.Token, error)
}
