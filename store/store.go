// Package store is the gorm-backed repository for imported CRM records,
// integrations and webhook events. Writes of imported records are upserts
// keyed by natural identity, so concurrent pipelines need no extra locking.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crmpulse/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: record not found")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for health checks and transactions.
func (s *Store) DB() *gorm.DB { return s.db }

func first[T any](tx *gorm.DB, query string, args ...any) (*T, error) {
	var out T
	err := tx.Where(query, args...).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) FindContactByEmail(ctx context.Context, ownerID uint, email string) (*models.Contact, error) {
	return first[models.Contact](s.db.WithContext(ctx), "owner_id = ? AND email = ?", ownerID, email)
}

// UpsertContact inserts the contact or overwrites the row holding the same
// owner and email.
func (s *Store) UpsertContact(ctx context.Context, c *models.Contact) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_id", "first_name", "last_name", "phone", "source",
			"lifecycle_stage", "company_id", "source_created_at", "metadata", "updated_at",
		}),
	}).Create(c).Error
}

// ContactUpdate is the restricted set of fields a re-import may change.
type ContactUpdate struct {
	FirstName      string
	LastName       string
	Phone          string
	LifecycleStage string
	Metadata       map[string]any
}

func (s *Store) UpdateContact(ctx context.Context, id uint, u ContactUpdate) error {
	res := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Updates(map[string]any{
		"first_name":      u.FirstName,
		"last_name":       u.LastName,
		"phone":           u.Phone,
		"lifecycle_stage": u.LifecycleStage,
		"metadata":        jsonMap(u.Metadata),
		"updated_at":      time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("update contact %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FindCompanyByExternalID(ctx context.Context, ownerID uint, externalID string) (*models.Company, error) {
	return first[models.Company](s.db.WithContext(ctx), "owner_id = ? AND external_id = ?", ownerID, externalID)
}

// FindCompanyByName matches case-insensitively and prefers the oldest row.
func (s *Store) FindCompanyByName(ctx context.Context, ownerID uint, name string) (*models.Company, error) {
	return first[models.Company](s.db.WithContext(ctx).Order("id"), "owner_id = ? AND LOWER(name) = LOWER(?)", ownerID, name)
}

func (s *Store) UpsertCompany(ctx context.Context, c *models.Company) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "domain", "industry", "size", "source", "metadata", "updated_at"}),
	}).Create(c).Error
}

func (s *Store) FindDealByExternalID(ctx context.Context, ownerID uint, externalID string) (*models.Deal, error) {
	return first[models.Deal](s.db.WithContext(ctx), "owner_id = ? AND external_id = ?", ownerID, externalID)
}

func (s *Store) UpsertDeal(ctx context.Context, d *models.Deal) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "amount", "currency", "stage", "probability", "close_date",
			"source", "contact_id", "company_id", "metadata", "updated_at",
		}),
	}).Create(d).Error
}

// CountContacts is used by tests and the dashboard summary.
func (s *Store) CountContacts(ctx context.Context, ownerID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("owner_id = ?", ownerID).Count(&n).Error
	return n, err
}

// WonDealsPendingConversion lists deals in a won stage that have no
// conversion row yet, with their contact preloaded.
func (s *Store) WonDealsPendingConversion(ctx context.Context, ownerID uint, stages []string) ([]models.Deal, error) {
	var deals []models.Deal
	err := s.db.WithContext(ctx).
		Preload("Contact").
		Where("owner_id = ? AND LOWER(stage) IN ?", ownerID, stages).
		Where("NOT EXISTS (SELECT 1 FROM conversion_events ce WHERE ce.deal_id = deals.id AND ce.deleted_at IS NULL)").
		Order("id").
		Find(&deals).Error
	return deals, err
}

// RecordConversion stores the marker for a forwarded deal. It reports false
// when another run recorded the same deal first.
func (s *Store) RecordConversion(ctx context.Context, ev *models.ConversionEvent) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "deal_id"}},
		DoNothing: true,
	}).Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkConversionSent flags a claimed conversion as delivered.
func (s *Store) MarkConversionSent(ctx context.Context, dealID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.ConversionEvent{}).
		Where("deal_id = ?", dealID).
		Updates(map[string]any{"sent": true, "sent_at": at}).Error
}

// ReleaseConversion drops an undelivered claim so a later run retries it.
func (s *Store) ReleaseConversion(ctx context.Context, dealID uint) error {
	return s.db.WithContext(ctx).Unscoped().
		Where("deal_id = ? AND sent = ?", dealID, false).
		Delete(&models.ConversionEvent{}).Error
}

func jsonMap(m map[string]any) datatypes.JSONMap {
	if m == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}
