package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanRepo_BanUnbanRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	bans := NewBanRepo(db)

	banned, err := bans.IsBanned(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, bans.Ban(ctx, 1, 5))
	require.NoError(t, bans.Ban(ctx, 1, 5)) // re-ban is a no-op

	banned, err = bans.IsBanned(ctx, 1, 5)
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, bans.Unban(ctx, 1, 5))
	banned, err = bans.IsBanned(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestNoticeRepo_DedupesWithinTTL(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	notices := NewNoticeRepo(db)

	ok, err := notices.ShouldSend(ctx, 1, 5, "api_limit", 1000, 1800)
	require.NoError(t, err)
	assert.True(t, ok, "first notice in a window is permitted")

	ok, err = notices.ShouldSend(ctx, 1, 5, "api_limit", 1500, 1800)
	require.NoError(t, err)
	assert.False(t, ok, "a repeat inside the TTL is suppressed")

	ok, err = notices.ShouldSend(ctx, 1, 5, "api_limit", 1000+1800, 1800)
	require.NoError(t, err)
	assert.True(t, ok, "the window reopens once the TTL elapses")
}

func TestNoticeRepo_ReasonsAreIndependent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	notices := NewNoticeRepo(db)

	ok, err := notices.ShouldSend(ctx, 1, 5, "api_limit", 1000, 1800)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = notices.ShouldSend(ctx, 1, 5, "banned", 1000, 1800)
	require.NoError(t, err)
	assert.True(t, ok, "dedupe keys on (chat, user, reason), not (chat, user)")
}
