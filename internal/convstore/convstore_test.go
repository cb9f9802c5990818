package convstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oleksiy-k/botcore/internal/dbstore"
	"github.com/oleksiy-k/botcore/internal/model"
	"github.com/oleksiy-k/botcore/internal/repo"
)

func TestCosine_IdenticalVectorsScoreOne(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, Cosine(v, v), 1e-9)
}

func TestCosine_OrthogonalVectorsScoreZero(t *testing.T) {
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestCosine_MismatchedLengthScoresZero(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{1, 2}, []float32{1, 2, 3}))
}

func TestCosine_ZeroMagnitudeScoresZero(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestCosine_EmptyVectorsScoreZero(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestCosine_IsWithinUnitRangeForRealVectors(t *testing.T) {
	score := Cosine([]float32{1, 2, -1}, []float32{2, -1, 0.5})
	assert.GreaterOrEqual(t, score, -1.0)
	assert.LessOrEqual(t, score, 1.0)
}

func newTestStore(t *testing.T) (*Store, *repo.TurnRepo) {
	t.Helper()
	ctx := context.Background()
	db, err := dbstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, dbstore.NewMigrator(db).Run(ctx))
	t.Cleanup(func() { db.Close() })

	turns := repo.NewTurnRepo(db)
	return New(turns, repo.NewBanRepo(db), repo.NewNoticeRepo(db), repo.NewThrottleRepo(db)), turns
}

func embeddedTurn(chatID, messageID, ts int64, text string, vec []float32) model.Turn {
	uid := int64(5)
	return model.Turn{
		ChatID: chatID, MessageID: messageID, UserID: &uid, Role: model.RoleUser,
		Text: text, Embedding: vec, Timestamp: ts, RetentionDays: 90,
	}
}

func TestSemanticSearch_OrdersByScoreWithRecencyTiebreak(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	// Query axis [1,0]: scores are 1.0, 0.6 (twice, a tie), 0.
	require.NoError(t, store.AddTurn(ctx, embeddedTurn(1, 10, 100, "exact", []float32{1, 0})))
	require.NoError(t, store.AddTurn(ctx, embeddedTurn(1, 11, 200, "older tie", []float32{0.6, 0.8})))
	require.NoError(t, store.AddTurn(ctx, embeddedTurn(1, 12, 300, "newer tie", []float32{0.6, 0.8})))
	require.NoError(t, store.AddTurn(ctx, embeddedTurn(1, 13, 400, "orthogonal", []float32{0, 1})))

	results, err := store.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "exact", results[0].Turn.Text)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "newer tie", results[1].Turn.Text, "equal scores break ties by recency")
	assert.Equal(t, "older tie", results[2].Turn.Text)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score, "scores must be descending")
	}
}

func TestSemanticSearch_IgnoresTurnsWithoutEmbeddings(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.AddTurn(ctx, embeddedTurn(1, 10, 100, "embedded", []float32{1, 0})))
	bare := embeddedTurn(1, 11, 200, "bare", nil)
	require.NoError(t, store.AddTurn(ctx, bare))

	results, err := store.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "embedded", results[0].Turn.Text)
}

func TestSemanticSearch_ScopedToChat(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.AddTurn(ctx, embeddedTurn(1, 10, 100, "mine", []float32{1, 0})))
	require.NoError(t, store.AddTurn(ctx, embeddedTurn(2, 10, 100, "other chat", []float32{1, 0})))

	results, err := store.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].Turn.Text)
}

func TestStore_HasTurn(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.AddTurn(ctx, embeddedTurn(1, 10, 100, "x", nil)))

	ok, err := store.HasTurn(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasTurn(ctx, 1, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}
