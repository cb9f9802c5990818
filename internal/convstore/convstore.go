// Package convstore implements the Conversation (Context) Store: turn
// persistence, recent-window retrieval, semantic recall via cosine
// similarity, ban-list checks, and notice deduplication.
package convstore

import (
	"context"
	"math"
	"sort"

	"github.com/oleksiy-k/botcore/internal/model"
	"github.com/oleksiy-k/botcore/internal/repo"
)

// semanticCandidateScanLimit bounds how many recent embedded turns are
// scanned per semantic_search call. The spec explicitly permits any
// implementation that preserves the top-K-by-cosine contract; no index or
// ANN structure is used (DESIGN.md explains the scan-and-sort choice).
const semanticCandidateScanLimit = 100

// Store is the Conversation Store.
type Store struct {
	turns     *repo.TurnRepo
	bans      *repo.BanRepo
	notices   *repo.NoticeRepo
	throttle  *repo.ThrottleRepo
}

// New builds a Store over the given repositories.
func New(turns *repo.TurnRepo, bans *repo.BanRepo, notices *repo.NoticeRepo, throttle *repo.ThrottleRepo) *Store {
	return &Store{turns: turns, bans: bans, notices: notices, throttle: throttle}
}

// AddTurn persists a turn. Duplicate (chat, message_id) pairs are silently
// ignored by the repository layer; callers never need to retry on conflict.
func (s *Store) AddTurn(ctx context.Context, t model.Turn) error {
	return s.turns.AddTurn(ctx, t)
}

// HasTurn reports whether (chatID, messageID) is already persisted.
func (s *Store) HasTurn(ctx context.Context, chatID, messageID int64) (bool, error) {
	return s.turns.Exists(ctx, chatID, messageID)
}

// Recent returns the last maxTurns turns for (chatID, threadID), oldest first.
func (s *Store) Recent(ctx context.Context, chatID int64, threadID *int64, maxTurns int) ([]model.Turn, error) {
	return s.turns.Recent(ctx, chatID, threadID, maxTurns)
}

// ScoredTurn pairs a turn with its cosine similarity to the query embedding.
type ScoredTurn struct {
	Turn  model.Turn
	Score float64
}

// SemanticSearch scans up to semanticCandidateScanLimit recent embedded
// turns in (chatID, threadID) and returns the top `limit` by cosine
// similarity to queryEmbedding, descending, ties broken by recency (the
// candidate scan is already newest-first, so a stable sort on score alone
// preserves that tiebreak).
func (s *Store) SemanticSearch(ctx context.Context, chatID int64, threadID *int64, queryEmbedding []float32, limit int) ([]ScoredTurn, error) {
	candidates, err := s.turns.EmbeddingCandidates(ctx, chatID, threadID, semanticCandidateScanLimit)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredTurn, 0, len(candidates))
	for _, t := range candidates {
		scored = append(scored, ScoredTurn{Turn: t, Score: Cosine(queryEmbedding, t.Embedding)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Cosine computes dot(a,b) / (||a|| * ||b||), returning 0 when the vectors
// differ in length or either magnitude is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// IsBanned checks the ban list.
func (s *Store) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	return s.bans.IsBanned(ctx, chatID, userID)
}

// Ban adds a ban-list entry.
func (s *Store) Ban(ctx context.Context, chatID, userID int64) error { return s.bans.Ban(ctx, chatID, userID) }

// Unban removes a ban-list entry.
func (s *Store) Unban(ctx context.Context, chatID, userID int64) error { return s.bans.Unban(ctx, chatID, userID) }

// LogRequest appends a request-history entry for reputation scoring.
func (s *Store) LogRequest(ctx context.Context, userID int64, now int64, wasThrottled bool) error {
	return s.throttle.LogRequest(ctx, userID, now, wasThrottled)
}

// ShouldSendNotice reports whether a canned notice may be sent to
// (chatID, userID) for reason, given a TTL; permitted calls eagerly stamp
// the last-sent time.
func (s *Store) ShouldSendNotice(ctx context.Context, chatID, userID int64, reason string, now, ttlSeconds int64) (bool, error) {
	return s.notices.ShouldSend(ctx, chatID, userID, reason, now, ttlSeconds)
}
