package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"crmpulse/models"
)

// SaveIntegration creates the integration or reconnects the existing row for
// the same user, provider and account.
func (s *Store) SaveIntegration(ctx context.Context, in *models.Integration) error {
	if in.Status == "" {
		in.Status = models.IntegrationActive
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}, {Name: "provider_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "token_expires_at", "instance_url",
			"settings", "status", "disconnected_at", "last_error", "updated_at",
		}),
	}).Create(in).Error
}

func (s *Store) GetIntegration(ctx context.Context, id uint) (*models.Integration, error) {
	return first[models.Integration](s.db.WithContext(ctx), "id = ?", id)
}

// GetUserIntegration scopes the lookup to the owning user.
func (s *Store) GetUserIntegration(ctx context.Context, userID, id uint) (*models.Integration, error) {
	return first[models.Integration](s.db.WithContext(ctx), "id = ? AND user_id = ?", id, userID)
}

func (s *Store) ListIntegrations(ctx context.Context, userID uint) ([]models.Integration, error) {
	var out []models.Integration
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// ActiveIntegrations lists active rows, for one user or for everyone when
// userID is 0.
func (s *Store) ActiveIntegrations(ctx context.Context, userID uint) ([]models.Integration, error) {
	tx := s.db.WithContext(ctx).Where("status = ?", models.IntegrationActive)
	if userID != 0 {
		tx = tx.Where("user_id = ?", userID)
	}
	var out []models.Integration
	err := tx.Order("id").Find(&out).Error
	return out, err
}

// DeleteIntegration removes the row for good so the account can be
// reconnected later without tripping the unique index.
func (s *Store) DeleteIntegration(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Unscoped().Where("id = ? AND user_id = ?", id, userID).Delete(&models.Integration{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTokens persists already encrypted tokens.
func (s *Store) UpdateTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiry *time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Updates(map[string]any{
		"access_token":     accessToken,
		"refresh_token":    refreshToken,
		"token_expires_at": expiry,
		"updated_at":       time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("update tokens for integration %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkSynced(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).
		Updates(map[string]any{"last_sync_at": at, "last_error": ""}).Error
}

func (s *Store) MarkSyncError(ctx context.Context, id uint, msg string) error {
	return s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).
		Update("last_error", msg).Error
}

// Disconnect flags every integration bound to the provider account and
// returns how many rows changed.
func (s *Store) Disconnect(ctx context.Context, provider, accountID string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Integration{}).
		Where("provider = ? AND provider_account_id = ?", provider, accountID).
		Updates(map[string]any{"status": models.IntegrationDisconnected, "disconnected_at": at})
	return res.RowsAffected, res.Error
}

func (s *Store) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *Store) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Model(run).Select(
		"status", "finished_at", "imported", "skipped", "failed", "results", "error",
	).Updates(run).Error
}

func (s *Store) ListSyncRuns(ctx context.Context, userID uint, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.SyncRun
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// InsertEvent stores an inbound event unless its idempotency key is already
// known. The returned event is the stored row either way.
func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) (*models.Event, bool, error) {
	existing, err := first[models.Event](s.db.WithContext(ctx), "idempotency_key = ?", ev.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(ev)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent delivery of the same key.
		existing, err := first[models.Event](s.db.WithContext(ctx), "idempotency_key = ?", ev.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return ev, true, nil
}
