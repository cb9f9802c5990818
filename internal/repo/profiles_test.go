package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/model"
)

func TestProfileRepo_UpsertRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	profiles := NewProfileRepo(db)

	p := model.UserProfile{
		UserID: 5, ChatID: 1, DisplayName: "Olena", Username: "olena",
		FirstSeen: 100, LastSeen: 100, CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, profiles.Upsert(ctx, p))

	p.DisplayName = "Olena K"
	p.LastSeen = 200
	p.UpdatedAt = 200
	require.NoError(t, profiles.Upsert(ctx, p))

	got, err := profiles.Get(ctx, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, "Olena K", got.DisplayName)
	assert.Equal(t, int64(100), got.FirstSeen)
	assert.Equal(t, int64(200), got.LastSeen)
}

func TestProfileRepo_LastSeenNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	profiles := NewProfileRepo(db)

	p := model.UserProfile{UserID: 5, ChatID: 1, FirstSeen: 100, LastSeen: 500, CreatedAt: 100, UpdatedAt: 100}
	require.NoError(t, profiles.Upsert(ctx, p))

	// An out-of-order redelivery with an older timestamp.
	p.LastSeen = 200
	require.NoError(t, profiles.Upsert(ctx, p))

	got, err := profiles.Get(ctx, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.LastSeen)
}

func TestProfileRepo_GetUnknownIsNotFound(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	profiles := NewProfileRepo(db)

	_, err := profiles.Get(ctx, 404, 1)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}
