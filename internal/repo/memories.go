package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/model"
)

// MemoryRepo manages the FIFO-capped free-form memory list per (user, chat).
type MemoryRepo struct {
	db *sqlx.DB
}

func NewMemoryRepo(db *sqlx.DB) *MemoryRepo { return &MemoryRepo{db: db} }

// Add inserts a memory, evicting the oldest row for (userID, chatID) first
// if the cap (model.MaxUserMemories) would otherwise be exceeded. Duplicate
// (user, chat, memory_text) insertions are no-ops.
func (r *MemoryRepo) Add(ctx context.Context, userID, chatID int64, text string, now int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "MemoryRepo.Add.begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var dup int
	if err := tx.GetContext(ctx, &dup, `SELECT COUNT(*) FROM user_memories WHERE user_id = ? AND chat_id = ? AND memory_text = ?`, userID, chatID, text); err != nil {
		return coreerr.New(coreerr.PersistentStore, "MemoryRepo.Add.dup", err)
	}
	if dup > 0 {
		return nil
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM user_memories WHERE user_id = ? AND chat_id = ?`, userID, chatID); err != nil {
		return coreerr.New(coreerr.PersistentStore, "MemoryRepo.Add.count", err)
	}
	if count >= model.MaxUserMemories {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_memories WHERE id IN (
				SELECT id FROM user_memories WHERE user_id = ? AND chat_id = ?
				ORDER BY created_at ASC, id ASC LIMIT ?
			)`, userID, chatID, count-model.MaxUserMemories+1); err != nil {
			return coreerr.New(coreerr.PersistentStore, "MemoryRepo.Add.evict", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_memories (user_id, chat_id, memory_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id, memory_text) DO NOTHING`, userID, chatID, text, now, now); err != nil {
		return coreerr.New(coreerr.PersistentStore, "MemoryRepo.Add.insert", err)
	}
	if err := tx.Commit(); err != nil {
		return coreerr.New(coreerr.PersistentStore, "MemoryRepo.Add.commit", err)
	}
	return nil
}

// List returns memories for (userID, chatID) ordered oldest-first.
func (r *MemoryRepo) List(ctx context.Context, userID, chatID int64) ([]model.UserMemory, error) {
	var memories []model.UserMemory
	err := r.db.SelectContext(ctx, &memories, `
		SELECT id, user_id, chat_id, memory_text, created_at, updated_at
		FROM user_memories WHERE user_id = ? AND chat_id = ? ORDER BY created_at ASC`, userID, chatID)
	if err != nil {
		return nil, coreerr.New(coreerr.PersistentStore, "MemoryRepo.List", err, "user_id", userID)
	}
	return memories, nil
}
