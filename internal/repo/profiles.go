package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/model"
)

// ProfileRepo persists per (user, chat) profile rows.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo { return &ProfileRepo{db: db} }

// Upsert inserts a new profile row or refreshes display fields and last_seen
// on an existing one. Invariant: last_seen is never moved backward.
func (r *ProfileRepo) Upsert(ctx context.Context, p model.UserProfile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, chat_id, first_name, username, first_seen, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			first_name = excluded.first_name,
			username = excluded.username,
			last_seen = MAX(user_profiles.last_seen, excluded.last_seen),
			updated_at = excluded.updated_at`,
		p.UserID, p.ChatID, p.DisplayName, p.Username, p.FirstSeen, p.LastSeen, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "ProfileRepo.Upsert", err, "user_id", p.UserID, "chat_id", p.ChatID)
	}
	return nil
}

// Get returns the profile for (userID, chatID), or a NotFound error.
func (r *ProfileRepo) Get(ctx context.Context, userID, chatID int64) (model.UserProfile, error) {
	var p model.UserProfile
	var firstName, username string
	row := r.db.QueryRowxContext(ctx, `
		SELECT user_id, chat_id, first_name, username, first_seen, last_seen, created_at, updated_at
		FROM user_profiles WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	if err := row.Scan(&p.UserID, &p.ChatID, &firstName, &username, &p.FirstSeen, &p.LastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.UserProfile{}, coreerr.New(coreerr.NotFound, "ProfileRepo.Get", err, "user_id", userID, "chat_id", chatID)
	}
	p.DisplayName, p.Username = firstName, username
	return p, nil
}
