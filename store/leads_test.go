package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmpulse/models"
)

func TestUpsertLead(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertLead(ctx, &models.Lead{OwnerID: 1, LeadRef: "L-1", Status: "lead", Email: "a@x.com", Value: 10}))
	require.NoError(t, s.UpsertLead(ctx, &models.Lead{OwnerID: 1, LeadRef: "L-1", Status: "purchase", Email: "a@x.com", Value: 99, PixelSent: true}))
	require.NoError(t, s.UpsertLead(ctx, &models.Lead{OwnerID: 2, LeadRef: "L-1", Status: "lead"}))

	got, err := s.FindLead(ctx, 1, "L-1")
	require.NoError(t, err)
	assert.Equal(t, "purchase", got.Status)
	assert.Equal(t, 99.0, got.Value)
	assert.True(t, got.PixelSent)

	other, err := s.FindLead(ctx, 2, "L-1")
	require.NoError(t, err)
	assert.Equal(t, "lead", other.Status)
	assert.NotEqual(t, got.ID, other.ID)

	_, err = s.FindLead(ctx, 1, "L-2")
	assert.ErrorIs(t, err, ErrNotFound)
}
