package crm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ provider Provider }

func (s stubAdapter) Provider() Provider                    { return s.provider }
func (s stubAdapter) TestConnection(context.Context) bool   { return true }
func (s stubAdapter) Close() error                          { return nil }
func (s stubAdapter) TotalCount(context.Context, EntityType) (int, error) { return 0, nil }
func (s stubAdapter) FetchContacts(context.Context, FetchOptions) ([]Contact, error) {
	return nil, nil
}
func (s stubAdapter) FetchCompanies(context.Context, FetchOptions) ([]Company, error) {
	return nil, nil
}
func (s stubAdapter) FetchDeals(context.Context, FetchOptions) ([]Deal, error) { return nil, nil }

func TestRegistryResolvesByProvider(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ProviderHubSpot, func(creds Credentials, _ CredentialStore) (Adapter, error) {
		return stubAdapter{provider: creds.Provider}, nil
	})

	a, err := reg.New(Credentials{Provider: " HubSpot "}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderHubSpot, a.Provider())
	assert.Equal(t, []Provider{ProviderHubSpot}, reg.Providers())
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.New(Credentials{Provider: "pipedrive"}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = reg.New(Credentials{Provider: ProviderSalesforce}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
