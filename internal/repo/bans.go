package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/oleksiy-k/botcore/internal/coreerr"
)

// BanRepo tracks the per-chat ban list.
type BanRepo struct {
	db *sqlx.DB
}

func NewBanRepo(db *sqlx.DB) *BanRepo { return &BanRepo{db: db} }

func (r *BanRepo) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	var exists int
	err := r.db.GetContext(ctx, &exists, `SELECT 1 FROM bans WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, coreerr.New(coreerr.PersistentStore, "BanRepo.IsBanned", err, "chat_id", chatID, "user_id", userID)
	}
	return true, nil
}

func (r *BanRepo) Ban(ctx context.Context, chatID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO bans (chat_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, chatID, userID)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "BanRepo.Ban", err, "chat_id", chatID, "user_id", userID)
	}
	return nil
}

func (r *BanRepo) Unban(ctx context.Context, chatID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM bans WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "BanRepo.Unban", err, "chat_id", chatID, "user_id", userID)
	}
	return nil
}

// NoticeRepo tracks the last-sent timestamp per (chat, user, reason) so the
// handler can rate-limit canonical fallback notices.
type NoticeRepo struct {
	db *sqlx.DB
}

func NewNoticeRepo(db *sqlx.DB) *NoticeRepo { return &NoticeRepo{db: db} }

// ShouldSend reports whether a notice for (chatID, userID, reason) may be
// sent given ttlSeconds, and eagerly stamps last_sent_at to now when
// permitted -- matching the original's "stamp on every permitted call"
// behavior regardless of whether the caller ultimately emits the notice.
func (r *NoticeRepo) ShouldSend(ctx context.Context, chatID, userID int64, reason string, now, ttlSeconds int64) (bool, error) {
	var lastSent sql.NullInt64
	err := r.db.GetContext(ctx, &lastSent, `
		SELECT last_sent_at FROM notices WHERE chat_id = ? AND user_id = ? AND reason = ?`, chatID, userID, reason)
	if err != nil && err != sql.ErrNoRows {
		return false, coreerr.New(coreerr.PersistentStore, "NoticeRepo.ShouldSend.select", err)
	}

	if err == nil && lastSent.Valid && now-lastSent.Int64 < ttlSeconds {
		return false, nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notices (chat_id, user_id, reason, last_sent_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id, reason) DO UPDATE SET last_sent_at = excluded.last_sent_at`,
		chatID, userID, reason, now)
	if err != nil {
		return false, coreerr.New(coreerr.PersistentStore, "NoticeRepo.ShouldSend.stamp", err)
	}
	return true, nil
}
