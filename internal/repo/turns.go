// Package repo implements typed data access for turns, profiles, facts,
// memories, and throttle metrics on top of the sqlx connection dbstore opens.
// Repositories exclusively own persisted entity rows.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/model"
)

// TurnRepo persists and queries conversational turns.
type TurnRepo struct {
	db *sqlx.DB
}

func NewTurnRepo(db *sqlx.DB) *TurnRepo { return &TurnRepo{db: db} }

type turnRow struct {
	ID            int64          `db:"id"`
	ChatID        int64          `db:"chat_id"`
	ThreadID      sql.NullInt64  `db:"thread_id"`
	MessageID     int64          `db:"message_id"`
	UserID        sql.NullInt64  `db:"user_id"`
	Role          string         `db:"role"`
	Text          string         `db:"text"`
	Media         string         `db:"media"`
	Metadata      string         `db:"metadata"`
	Embedding     sql.NullString `db:"embedding"`
	TS            int64          `db:"ts"`
	RetentionDays int            `db:"retention_days"`
}

func (r turnRow) toModel() (model.Turn, error) {
	t := model.Turn{
		ID:            r.ID,
		ChatID:        r.ChatID,
		MessageID:     r.MessageID,
		Role:          model.Role(r.Role),
		Text:          r.Text,
		Timestamp:     r.TS,
		RetentionDays: r.RetentionDays,
	}
	if r.ThreadID.Valid {
		v := r.ThreadID.Int64
		t.ThreadID = &v
	}
	if r.UserID.Valid {
		v := r.UserID.Int64
		t.UserID = &v
	}
	if err := json.Unmarshal([]byte(r.Media), &t.Media); err != nil {
		return model.Turn{}, errors.Wrap(err, "unmarshal media")
	}
	if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
		return model.Turn{}, errors.Wrap(err, "unmarshal metadata")
	}
	if r.Embedding.Valid && r.Embedding.String != "" {
		if err := json.Unmarshal([]byte(r.Embedding.String), &t.Embedding); err != nil {
			return model.Turn{}, errors.Wrap(err, "unmarshal embedding")
		}
	}
	return t, nil
}

// AddTurn inserts a turn. Duplicate (chat_id, message_id) pairs are silently
// ignored: callers never retry on conflict, matching the idempotence law.
func (r *TurnRepo) AddTurn(ctx context.Context, t model.Turn) error {
	media, err := json.Marshal(t.Media)
	if err != nil {
		return coreerr.New(coreerr.Validation, "AddTurn.marshal_media", err)
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return coreerr.New(coreerr.Validation, "AddTurn.marshal_metadata", err)
	}
	var embedding any
	if len(t.Embedding) > 0 {
		b, err := json.Marshal(t.Embedding)
		if err != nil {
			return coreerr.New(coreerr.Validation, "AddTurn.marshal_embedding", err)
		}
		embedding = string(b)
	}

	var threadID, userID any
	if t.ThreadID != nil {
		threadID = *t.ThreadID
	}
	if t.UserID != nil {
		userID = *t.UserID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, thread_id, message_id, user_id, role, text, media, metadata, embedding, ts, retention_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO NOTHING`,
		t.ChatID, threadID, t.MessageID, userID, string(t.Role), t.Text, string(media), string(metadata), embedding, t.Timestamp, t.RetentionDays)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "AddTurn.insert", err, "chat_id", t.ChatID, "message_id", t.MessageID)
	}
	return nil
}

// Exists reports whether a turn with (chatID, messageID) is already
// persisted. The handler uses it to make reprocessing a delivered message a
// no-op.
func (r *TurnRepo) Exists(ctx context.Context, chatID, messageID int64) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, `SELECT 1 FROM messages WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, coreerr.New(coreerr.PersistentStore, "Exists.select", err, "chat_id", chatID, "message_id", messageID)
	}
	return true, nil
}

// Recent returns the most recent maxTurns for (chat, thread), ordered
// ascending by timestamp (oldest first).
func (r *TurnRepo) Recent(ctx context.Context, chatID int64, threadID *int64, maxTurns int) ([]model.Turn, error) {
	query := `SELECT id, chat_id, thread_id, message_id, user_id, role, text, media, metadata, embedding, ts, retention_days
		FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if threadID != nil {
		query += ` AND thread_id = ?`
		args = append(args, *threadID)
	} else {
		query += ` AND thread_id IS NULL`
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, maxTurns)

	var rows []turnRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, coreerr.New(coreerr.PersistentStore, "Recent.select", err, "chat_id", chatID)
	}

	turns := make([]model.Turn, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- { // reverse: newest-first query -> ascending result
		t, err := rows[i].toModel()
		if err != nil {
			return nil, coreerr.New(coreerr.PersistentStore, "Recent.decode", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// EmbeddingCandidates returns up to limit most-recent turns in (chat, thread)
// that have a non-null embedding, newest first.
func (r *TurnRepo) EmbeddingCandidates(ctx context.Context, chatID int64, threadID *int64, limit int) ([]model.Turn, error) {
	query := `SELECT id, chat_id, thread_id, message_id, user_id, role, text, media, metadata, embedding, ts, retention_days
		FROM messages WHERE chat_id = ? AND embedding IS NOT NULL`
	args := []any{chatID}
	if threadID != nil {
		query += ` AND thread_id = ?`
		args = append(args, *threadID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	var rows []turnRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, coreerr.New(coreerr.PersistentStore, "EmbeddingCandidates.select", err, "chat_id", chatID)
	}
	turns := make([]model.Turn, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, coreerr.New(coreerr.PersistentStore, "EmbeddingCandidates.decode", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// PurgeExpired deletes turns whose retention horizon has passed.
func (r *TurnRepo) PurgeExpired(ctx context.Context, now int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE (? - ts) > (retention_days * 86400)`, now)
	if err != nil {
		return 0, coreerr.New(coreerr.PersistentStore, "PurgeExpired.delete", err)
	}
	return res.RowsAffected()
}
