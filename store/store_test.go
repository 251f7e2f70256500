package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crmpulse/models"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(db)
}

func TestContactUpsertAndLookup(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	c := &models.Contact{OwnerID: 1, Email: "ann@x.com", FirstName: "Ann", Source: "csv"}
	require.NoError(t, s.UpsertContact(ctx, c))
	require.NotZero(t, c.ID)

	got, err := s.FindContactByEmail(ctx, 1, "ann@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.FirstName)

	_, err = s.FindContactByEmail(ctx, 2, "ann@x.com")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertContact(ctx, &models.Contact{OwnerID: 1, Email: "ann@x.com", FirstName: "Anna", Source: "hubspot"}))
	n, err := s.CountContacts(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err = s.FindContactByEmail(ctx, 1, "ann@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Anna", got.FirstName)
	assert.Equal(t, "hubspot", got.Source)
}

func TestUpdateContact_RestrictedFields(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	c := &models.Contact{OwnerID: 1, Email: "bob@x.com", FirstName: "Bob", Phone: "1", ExternalID: "ext-1"}
	require.NoError(t, s.UpsertContact(ctx, c))

	require.NoError(t, s.UpdateContact(ctx, c.ID, ContactUpdate{FirstName: "Robert", Phone: "", LifecycleStage: "customer"}))

	got, err := s.FindContactByEmail(ctx, 1, "bob@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Robert", got.FirstName)
	assert.Empty(t, got.Phone)
	assert.Equal(t, "customer", got.LifecycleStage)
	assert.Equal(t, "ext-1", got.ExternalID)

	assert.ErrorIs(t, s.UpdateContact(ctx, 9999, ContactUpdate{}), ErrNotFound)
}

func TestCompanyLookups(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCompany(ctx, &models.Company{OwnerID: 1, ExternalID: "c-1", Name: "Acme Inc"}))

	byName, err := s.FindCompanyByName(ctx, 1, "ACME INC")
	require.NoError(t, err)
	assert.Equal(t, "c-1", byName.ExternalID)

	byID, err := s.FindCompanyByExternalID(ctx, 1, "c-1")
	require.NoError(t, err)
	assert.Equal(t, byName.ID, byID.ID)

	_, err = s.FindCompanyByExternalID(ctx, 1, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversionClaims(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	contact := &models.Contact{OwnerID: 1, Email: "won@x.com"}
	require.NoError(t, s.UpsertContact(ctx, contact))
	deal := &models.Deal{OwnerID: 1, ExternalID: "d-1", Name: "Won", Stage: "closed-won", Amount: 10, ContactID: &contact.ID}
	require.NoError(t, s.UpsertDeal(ctx, deal))
	require.NoError(t, s.UpsertDeal(ctx, &models.Deal{OwnerID: 1, ExternalID: "d-2", Name: "Open", Stage: "proposal"}))

	pending, err := s.WonDealsPendingConversion(ctx, 1, []string{"closed-won"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].Contact)
	assert.Equal(t, "won@x.com", pending[0].Contact.Email)

	created, err := s.RecordConversion(ctx, &models.ConversionEvent{DealID: deal.ID, OwnerID: 1})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.RecordConversion(ctx, &models.ConversionEvent{DealID: deal.ID, OwnerID: 1})
	require.NoError(t, err)
	assert.False(t, created)

	pending, err = s.WonDealsPendingConversion(ctx, 1, []string{"closed-won"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.ReleaseConversion(ctx, deal.ID))
	pending, err = s.WonDealsPendingConversion(ctx, 1, []string{"closed-won"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestIntegrationLifecycle(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	in := &models.Integration{UserID: 7, Provider: "amocrm", AccountID: "acme", AccessToken: "enc-a"}
	require.NoError(t, s.SaveIntegration(ctx, in))
	assert.Equal(t, models.IntegrationActive, in.Status)

	now := time.Now().UTC()
	n, err := s.Disconnect(ctx, "amocrm", "acme", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	active, err := s.ActiveIntegrations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Reconnecting the same account reactivates the row.
	again := &models.Integration{UserID: 7, Provider: "amocrm", AccountID: "acme", AccessToken: "enc-b", Status: models.IntegrationActive}
	require.NoError(t, s.SaveIntegration(ctx, again))
	all, err := s.ListIntegrations(ctx, 7)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "enc-b", all[0].AccessToken)
	assert.Equal(t, models.IntegrationActive, all[0].Status)
	assert.Nil(t, all[0].DisconnectedAt)

	exp := now.Add(time.Hour)
	require.NoError(t, s.UpdateTokens(ctx, all[0].ID, "enc-c", "enc-r", &exp))
	got, err := s.GetUserIntegration(ctx, 7, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "enc-c", got.AccessToken)
	assert.Equal(t, "enc-r", got.RefreshToken)

	_, err = s.GetUserIntegration(ctx, 8, all[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteIntegration(ctx, 7, all[0].ID))
	assert.ErrorIs(t, s.DeleteIntegration(ctx, 7, all[0].ID), ErrNotFound)
}

func TestInsertEvent_Idempotent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ev, created, err := s.InsertEvent(ctx, &models.Event{EventName: "signup", EventType: "lead", Source: "web", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := s.InsertEvent(ctx, &models.Event{EventName: "signup", EventType: "lead", Source: "web", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ev.ID, dup.ID)
}

func TestSyncRuns(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	run := &models.SyncRun{IntegrationID: 1, UserID: 3, Provider: "hubspot", Status: models.SyncRunning, StartedAt: time.Now()}
	require.NoError(t, s.CreateSyncRun(ctx, run))

	done := time.Now()
	run.Status = models.SyncCompleted
	run.FinishedAt = &done
	run.Imported = 5
	require.NoError(t, s.FinishSyncRun(ctx, run))

	runs, err := s.ListSyncRuns(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.SyncCompleted, runs[0].Status)
	assert.Equal(t, 5, runs[0].Imported)
}
