package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crmpulse/crm"
	"crmpulse/models"
	"crmpulse/pixel"
	"crmpulse/store"
)

func setupTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite allows one writer; concurrent syncs share the connection.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store.New(db)
}

var errPageFailed = errors.New("upstream exploded")

// fakeAdapter serves fixed records and can fail at a given offset or clamp
// pages below the requested limit.
type fakeAdapter struct {
	provider  crm.Provider
	contacts  []crm.Contact
	companies []crm.Company
	deals     []crm.Deal
	failAt    int // offset that fails; -1 disables
	pageCap   int

	mu      sync.Mutex
	offsets []int
	since   []*time.Time
	closed  bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{provider: crm.ProviderHubSpot, failAt: -1}
}

func window[T any](f *fakeAdapter, all []T, opts crm.FetchOptions) ([]T, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, opts.Offset)
	f.since = append(f.since, opts.ModifiedSince)
	f.mu.Unlock()
	if opts.Offset == f.failAt {
		return nil, errPageFailed
	}
	limit := opts.Limit
	if f.pageCap > 0 && limit > f.pageCap {
		limit = f.pageCap
	}
	if opts.Offset >= len(all) {
		return nil, nil
	}
	end := opts.Offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[opts.Offset:end], nil
}

func (f *fakeAdapter) Provider() crm.Provider                  { return f.provider }
func (f *fakeAdapter) TestConnection(ctx context.Context) bool { return true }
func (f *fakeAdapter) FetchContacts(_ context.Context, o crm.FetchOptions) ([]crm.Contact, error) {
	return window(f, f.contacts, o)
}
func (f *fakeAdapter) FetchCompanies(_ context.Context, o crm.FetchOptions) ([]crm.Company, error) {
	return window(f, f.companies, o)
}
func (f *fakeAdapter) FetchDeals(_ context.Context, o crm.FetchOptions) ([]crm.Deal, error) {
	return window(f, f.deals, o)
}
func (f *fakeAdapter) TotalCount(context.Context, crm.EntityType) (int, error) { return 0, nil }
func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func contactsN(n int) []crm.Contact {
	out := make([]crm.Contact, n)
	for i := range out {
		out[i] = crm.Contact{
			ExternalID: fmt.Sprintf("c-%d", i),
			Email:      fmt.Sprintf("user%d@example.com", i),
			Source:     crm.ProviderHubSpot,
		}
	}
	return out
}

type recordingSink struct {
	mu   sync.Mutex
	sent []pixel.Conversion
	fail bool
}

func (s *recordingSink) Enabled() bool { return true }

func (s *recordingSink) SendConversion(_ context.Context, c pixel.Conversion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false
	}
	s.sent = append(s.sent, c)
	return true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
