package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmpulse/models"
	"crmpulse/services"
	"crmpulse/store"
)

func integrationApp(t *testing.T) (*fiber.App, *store.Store) {
	t.Helper()
	st := setupTestDB(t)
	cipher := testCipher(t)
	registry := stubRegistry()

	hub := services.NewProgressHub()
	sync := services.NewSyncService(services.SyncConfig{
		Store:    st,
		Registry: registry,
		Cipher:   cipher,
		Importer: services.NewImportService(st, testLogger()),
		Progress: hub,
		Logger:   testLogger(),
	})
	ic := NewIntegrationController(st, registry, cipher, sync, testLogger())
	app := authedApp(func(r fiber.Router) {
		r.Get("/integrations", ic.ListIntegrations)
		r.Post("/integrations", ic.CreateIntegration)
		r.Delete("/integrations/:id", ic.DeleteIntegration)
		r.Post("/integrations/:id/test", ic.TestIntegration)
		r.Post("/integrations/:id/sync", ic.SyncIntegration)
	})
	return app, st
}

func createIntegration(t *testing.T, app *fiber.App, userID uint, body map[string]string) (int, models.Integration) {
	t.Helper()
	resp, err := app.Test(bearer(t, jsonRequest(t, "POST", "/integrations", body), userID))
	require.NoError(t, err)
	var env envelope
	decode(t, resp, &env)
	var in models.Integration
	if env.Success {
		require.NoError(t, json.Unmarshal(env.Data, &in))
	}
	return resp.StatusCode, in
}

func TestCreateIntegration(t *testing.T) {
	app, st := integrationApp(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"unknown provider", map[string]string{"provider": "pipedrive", "access_token": "good-token"}, fiber.StatusBadRequest},
		{"oauth provider", map[string]string{"provider": "amocrm", "access_token": "good-token"}, fiber.StatusBadRequest},
		{"missing token", map[string]string{"provider": "hubspot"}, fiber.StatusBadRequest},
		{"salesforce without instance", map[string]string{"provider": "salesforce", "access_token": "good-token"}, fiber.StatusBadRequest},
		{"failed connection test", map[string]string{"provider": "hubspot", "access_token": "stale"}, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := createIntegration(t, app, 1, tt.body)
			assert.Equal(t, tt.want, status)
		})
	}

	status, in := createIntegration(t, app, 1, map[string]string{"provider": "HubSpot", "access_token": "good-token", "account_id": "portal-9"})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "hubspot", in.Provider)
	assert.Equal(t, "portal-9", in.AccountID)

	stored, err := st.GetIntegration(context.Background(), in.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "good-token", stored.AccessToken)
	assert.NotEmpty(t, stored.AccessToken)

	status, sf := createIntegration(t, app, 1, map[string]string{"provider": "salesforce", "access_token": "good-token", "instance_url": "https://acme.my.salesforce.com/"})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "https://acme.my.salesforce.com", sf.InstanceURL)
}

func TestListIntegrations_HidesTokensAndOtherUsers(t *testing.T) {
	app, _ := integrationApp(t)
	createIntegration(t, app, 1, map[string]string{"provider": "hubspot", "access_token": "good-token"})
	createIntegration(t, app, 2, map[string]string{"provider": "hubspot", "access_token": "good-token"})

	resp, err := app.Test(bearer(t, httptest.NewRequest("GET", "/integrations", nil), 1))
	require.NoError(t, err)
	var env envelope
	decode(t, resp, &env)
	assert.NotContains(t, string(env.Data), "access_token")
	assert.NotContains(t, string(env.Data), "good-token")

	var list []models.Integration
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, uint(1), list[0].UserID)
}

func TestIntegrationActions(t *testing.T) {
	app, _ := integrationApp(t)
	_, in := createIntegration(t, app, 1, map[string]string{"provider": "hubspot", "access_token": "good-token"})
	path := fmt.Sprintf("/integrations/%d", in.ID)

	resp, err := app.Test(bearer(t, httptest.NewRequest("POST", path+"/test", nil), 1))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var env envelope
	decode(t, resp, &env)
	assert.JSONEq(t, `{"connected":true}`, string(env.Data))

	resp, err = app.Test(bearer(t, httptest.NewRequest("POST", path+"/sync", nil), 1))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decode(t, resp, &env)
	var run models.SyncRun
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, models.SyncCompleted, run.Status)

	// Another user cannot see or remove it.
	resp, err = app.Test(bearer(t, httptest.NewRequest("POST", path+"/test", nil), 2))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	resp, err = app.Test(bearer(t, httptest.NewRequest("DELETE", path, nil), 2))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(bearer(t, httptest.NewRequest("DELETE", path, nil), 1))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, err = app.Test(bearer(t, httptest.NewRequest("DELETE", path, nil), 1))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(bearer(t, httptest.NewRequest("POST", "/integrations/abc/sync", nil), 1))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
