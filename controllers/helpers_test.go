package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crmpulse/crm"
	"crmpulse/middleware"
	"crmpulse/models"
	"crmpulse/store"
	"crmpulse/utils"
)

const testJWTSecret = "controller-test-secret"

func setupTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store.New(db)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testCipher(t *testing.T) *utils.TokenCipher {
	t.Helper()
	c, err := utils.NewTokenCipher("controller-test-key")
	require.NoError(t, err)
	return c
}

// authedApp mounts routes behind the real JWT middleware.
func authedApp(mount func(r fiber.Router)) *fiber.App {
	app := fiber.New()
	mount(app.Group("", middleware.Protected(testJWTSecret)))
	return app
}

func bearer(t *testing.T, req *http.Request, userID uint) *http.Request {
	t.Helper()
	tok, err := utils.GenerateAccessToken(testJWTSecret, userID, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, target, csv string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "contacts.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(csv))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest("POST", target, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Details string          `json:"details"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// stubAdapter answers TestConnection with a fixed value and serves no data.
type stubAdapter struct {
	provider crm.Provider
	healthy  bool
}

func (s *stubAdapter) Provider() crm.Provider              { return s.provider }
func (s *stubAdapter) TestConnection(context.Context) bool { return s.healthy }
func (s *stubAdapter) Close() error                        { return nil }

func (s *stubAdapter) TotalCount(context.Context, crm.EntityType) (int, error) {
	return 0, nil
}
func (s *stubAdapter) FetchContacts(context.Context, crm.FetchOptions) ([]crm.Contact, error) {
	return nil, nil
}
func (s *stubAdapter) FetchCompanies(context.Context, crm.FetchOptions) ([]crm.Company, error) {
	return nil, nil
}
func (s *stubAdapter) FetchDeals(context.Context, crm.FetchOptions) ([]crm.Deal, error) {
	return nil, nil
}

// stubRegistry serves stub adapters for HubSpot and Salesforce that pass the
// connection test only for "good-token".
func stubRegistry() *crm.Registry {
	registry := crm.NewRegistry()
	stub := func(creds crm.Credentials, _ crm.CredentialStore) (crm.Adapter, error) {
		return &stubAdapter{provider: creds.Provider, healthy: creds.AccessToken == "good-token"}, nil
	}
	registry.Register(crm.ProviderHubSpot, stub)
	registry.Register(crm.ProviderSalesforce, stub)
	return registry
}
