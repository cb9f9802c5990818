package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/model"
)

// FactRepo persists unified user/chat facts.
type FactRepo struct {
	db *sqlx.DB
}

func NewFactRepo(db *sqlx.DB) *FactRepo { return &FactRepo{db: db} }

// Upsert writes a fact candidate. On a (entity_type, entity_id, chat_context,
// fact_category, fact_key) conflict, the higher-confidence variant wins and
// evidence_count increments, matching the spec's reinforcement invariant.
func (r *FactRepo) Upsert(ctx context.Context, f model.Fact) error {
	// chat_context is stored as 0 ("no chat context") rather than NULL: a
	// NULL column is excluded from SQLite's UNIQUE-constraint comparison,
	// which would silently defeat dedup for every chat-scoped fact.
	var chatContext int64
	if f.ChatContext != nil {
		chatContext = *f.ChatContext
	}
	var sourceMessageID any
	if f.SourceMessageID != nil {
		sourceMessageID = *f.SourceMessageID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO facts (entity_type, entity_id, chat_context, fact_category, fact_key, fact_value,
			fact_description, confidence, evidence_count, evidence_text, source_message_id,
			first_observed, last_reinforced, is_active, decay_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, chat_context, fact_category, fact_key) DO UPDATE SET
			fact_value = CASE WHEN excluded.confidence >= facts.confidence THEN excluded.fact_value ELSE facts.fact_value END,
			confidence = MAX(facts.confidence, excluded.confidence),
			evidence_count = facts.evidence_count + 1,
			evidence_text = CASE WHEN excluded.confidence >= facts.confidence THEN excluded.evidence_text ELSE facts.evidence_text END,
			last_reinforced = excluded.last_reinforced,
			updated_at = excluded.updated_at`,
		string(f.EntityType), f.EntityID, chatContext, string(f.FactCategory), f.FactKey, f.FactValue,
		f.FactDescription, f.Confidence, f.EvidenceText, sourceMessageID,
		f.FirstObserved, f.LastReinforced, f.DecayRate, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "FactRepo.Upsert", err, "entity_id", f.EntityID, "fact_key", f.FactKey)
	}
	return nil
}

// ActiveForEntity returns active facts at or above minConfidence for an entity.
func (r *FactRepo) ActiveForEntity(ctx context.Context, entityType model.EntityType, entityID int64, minConfidence float64) ([]model.Fact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, chat_context, fact_category, fact_key, fact_value,
			fact_description, confidence, evidence_count, evidence_text, source_message_id,
			first_observed, last_reinforced, is_active, decay_rate, created_at, updated_at
		FROM facts WHERE entity_type = ? AND entity_id = ? AND is_active = 1 AND confidence >= ?
		ORDER BY last_reinforced DESC`, string(entityType), entityID, minConfidence)
	if err != nil {
		return nil, coreerr.New(coreerr.PersistentStore, "FactRepo.ActiveForEntity", err, "entity_id", entityID)
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		var f model.Fact
		var entType, category string
		var chatContext int64
		var sourceMessageID sql.NullInt64
		var isActive int
		if err := rows.Scan(&f.ID, &entType, &f.EntityID, &chatContext, &category, &f.FactKey, &f.FactValue,
			&f.FactDescription, &f.Confidence, &f.EvidenceCount, &f.EvidenceText, &sourceMessageID,
			&f.FirstObserved, &f.LastReinforced, &isActive, &f.DecayRate, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, coreerr.New(coreerr.PersistentStore, "FactRepo.ActiveForEntity.scan", err)
		}
		f.EntityType = model.EntityType(entType)
		f.FactCategory = model.FactCategory(category)
		f.IsActive = isActive != 0
		if chatContext != 0 {
			v := chatContext
			f.ChatContext = &v
		}
		if sourceMessageID.Valid {
			v := sourceMessageID.Int64
			f.SourceMessageID = &v
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
