package controller

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmpulse/models"
	"crmpulse/services"
)

func TestSyncController(t *testing.T) {
	app, st := integrationApp(t)
	createIntegration(t, app, 3, map[string]string{"provider": "hubspot", "access_token": "good-token"})
	createIntegration(t, app, 3, map[string]string{"provider": "salesforce", "access_token": "good-token", "instance_url": "https://acme.my.salesforce.com"})

	hub := services.NewProgressHub()
	sync := services.NewSyncService(services.SyncConfig{
		Store:    st,
		Registry: stubRegistry(),
		Cipher:   testCipher(t),
		Importer: services.NewImportService(st, testLogger()),
		Progress: hub,
		Logger:   testLogger(),
	})
	sc := NewSyncController(st, sync, hub, testLogger())
	syncApp := authedApp(func(r fiber.Router) {
		r.Post("/sync/manual", sc.ManualSync)
		r.Get("/sync/runs", sc.ListRuns)
		r.Get("/sync/progress/ws", RequireUpgrade, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	})

	resp, err := syncApp.Test(bearer(t, httptest.NewRequest("POST", "/sync/manual", nil), 3))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var env envelope
	decode(t, resp, &env)
	var outcomes []services.SyncOutcome
	require.NoError(t, json.Unmarshal(env.Data, &outcomes))
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Empty(t, o.Error)
	}

	resp, err = syncApp.Test(bearer(t, httptest.NewRequest("GET", "/sync/runs?limit=1", nil), 3))
	require.NoError(t, err)
	decode(t, resp, &env)
	var runs []models.SyncRun
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, services.TriggerManual, runs[0].Trigger)

	resp, err = syncApp.Test(bearer(t, httptest.NewRequest("GET", "/sync/progress/ws", nil), 3))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
