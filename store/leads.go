package store

import (
	"context"

	"gorm.io/gorm/clause"

	"crmpulse/models"
)

// UpsertLead records the latest reported state of a lead, replacing the row
// with the same owner and lead id.
func (s *Store) UpsertLead(ctx context.Context, l *models.Lead) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "lead_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "email", "phone", "first_name", "last_name",
			"value", "pixel_sent", "custom_data", "updated_at",
		}),
	}).Create(l).Error
}

func (s *Store) FindLead(ctx context.Context, ownerID uint, leadRef string) (*models.Lead, error) {
	return first[models.Lead](s.db.WithContext(ctx), "owner_id = ? AND lead_ref = ?", ownerID, leadRef)
}
