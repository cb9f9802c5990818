package repo

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/oleksiy-k/botcore/internal/dbstore"
	"github.com/oleksiy-k/botcore/internal/model"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := dbstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, dbstore.NewMigrator(db).Run(ctx))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFactRepo_UpsertDedupesUserScopedFacts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	facts := NewFactRepo(db)

	chatID := int64(7)
	f := model.Fact{
		EntityType: model.EntityUser, EntityID: 42, ChatContext: &chatID,
		FactCategory: model.CategoryPersonal, FactKey: "location", FactValue: "kyiv",
		Confidence: 0.9, EvidenceText: "я з Києва", FirstObserved: 100, LastReinforced: 100,
		DecayRate: 0.01, CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, facts.Upsert(ctx, f))

	f.LastReinforced = 200
	f.UpdatedAt = 200
	require.NoError(t, facts.Upsert(ctx, f))

	rows, err := facts.ActiveForEntity(ctx, model.EntityUser, 42, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].EvidenceCount)
	require.NotNil(t, rows[0].ChatContext)
	require.Equal(t, chatID, *rows[0].ChatContext)
}

// TestFactRepo_UpsertDedupesChatScopedFacts guards against the SQLite
// NULL-in-UNIQUE-constraint pitfall: a NULL chat_context column is excluded
// from uniqueness comparisons, so two chat-scoped facts with the same key
// would otherwise insert as two rows instead of reinforcing one.
func TestFactRepo_UpsertDedupesChatScopedFacts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	facts := NewFactRepo(db)

	f := model.Fact{
		EntityType: model.EntityChat, EntityID: 7, ChatContext: nil,
		FactCategory: model.CategoryTradition, FactKey: "weekly_standup", FactValue: "mondays",
		Confidence: 0.8, FirstObserved: 100, LastReinforced: 100, CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, facts.Upsert(ctx, f))
	require.NoError(t, facts.Upsert(ctx, f))

	rows, err := facts.ActiveForEntity(ctx, model.EntityChat, 7, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].EvidenceCount)
	require.Nil(t, rows[0].ChatContext)
}

func TestFactRepo_UpsertKeepsHigherConfidenceValue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	facts := NewFactRepo(db)

	chatID := int64(1)
	low := model.Fact{
		EntityType: model.EntityUser, EntityID: 1, ChatContext: &chatID,
		FactCategory: model.CategorySkill, FactKey: "programming_language", FactValue: "javascript",
		Confidence: 0.6, FirstObserved: 1, LastReinforced: 1, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, facts.Upsert(ctx, low))

	high := low
	high.FactValue = "typescript"
	high.Confidence = 0.95
	high.LastReinforced = 2
	high.UpdatedAt = 2
	require.NoError(t, facts.Upsert(ctx, high))

	rows, err := facts.ActiveForEntity(ctx, model.EntityUser, 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "typescript", rows[0].FactValue)
	require.Equal(t, 0.95, rows[0].Confidence)
}
