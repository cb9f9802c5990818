package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/model"
)

// ThrottleRepo persists ThrottleMetrics and the append-only RequestHistory log.
type ThrottleRepo struct {
	db *sqlx.DB
}

func NewThrottleRepo(db *sqlx.DB) *ThrottleRepo { return &ThrottleRepo{db: db} }

// LogRequest appends one entry to the rolling request-history log.
func (r *ThrottleRepo) LogRequest(ctx context.Context, userID int64, ts int64, wasThrottled bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_request_history (user_id, requested_at, was_throttled) VALUES (?, ?, ?)`,
		userID, ts, wasThrottled)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "ThrottleRepo.LogRequest", err, "user_id", userID)
	}
	return nil
}

// HistoryWindow returns the request-history entries for userID within
// [since, now], ordered ascending by time.
func (r *ThrottleRepo) HistoryWindow(ctx context.Context, userID, since int64) ([]model.RequestHistoryEntry, error) {
	var rows []model.RequestHistoryEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT user_id, requested_at, was_throttled FROM user_request_history
		WHERE user_id = ? AND requested_at >= ? ORDER BY requested_at ASC`, userID, since)
	if err != nil {
		return nil, coreerr.New(coreerr.PersistentStore, "ThrottleRepo.HistoryWindow", err, "user_id", userID)
	}
	return rows, nil
}

// PurgeHistoryBefore deletes request-history rows older than the retention cutoff.
func (r *ThrottleRepo) PurgeHistoryBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_request_history WHERE requested_at < ?`, cutoff)
	if err != nil {
		return 0, coreerr.New(coreerr.PersistentStore, "ThrottleRepo.PurgeHistoryBefore", err)
	}
	return res.RowsAffected()
}

// Get returns the stored ThrottleMetrics for userID, or NotFound.
func (r *ThrottleRepo) Get(ctx context.Context, userID int64) (model.ThrottleMetrics, error) {
	var m model.ThrottleMetrics
	row := r.db.QueryRowxContext(ctx, `
		SELECT user_id, throttle_multiplier, spam_score, total_requests, throttled_requests,
			burst_requests, avg_request_spacing_seconds, last_reputation_update
		FROM user_throttle_metrics WHERE user_id = ?`, userID)
	if err := row.Scan(&m.UserID, &m.ThrottleMultiplier, &m.SpamScore, &m.TotalRequests, &m.ThrottledRequests,
		&m.BurstRequests, &m.AvgRequestSpacingSeconds, &m.LastReputationUpdate); err != nil {
		if err == sql.ErrNoRows {
			return model.ThrottleMetrics{}, coreerr.New(coreerr.NotFound, "ThrottleRepo.Get", err, "user_id", userID)
		}
		return model.ThrottleMetrics{}, coreerr.New(coreerr.PersistentStore, "ThrottleRepo.Get", err, "user_id", userID)
	}
	return m, nil
}

// Upsert persists a recomputed ThrottleMetrics row.
func (r *ThrottleRepo) Upsert(ctx context.Context, m model.ThrottleMetrics, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_throttle_metrics (user_id, throttle_multiplier, spam_score, total_requests,
			throttled_requests, burst_requests, avg_request_spacing_seconds, last_reputation_update, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			throttle_multiplier = excluded.throttle_multiplier,
			spam_score = excluded.spam_score,
			total_requests = excluded.total_requests,
			throttled_requests = excluded.throttled_requests,
			burst_requests = excluded.burst_requests,
			avg_request_spacing_seconds = excluded.avg_request_spacing_seconds,
			last_reputation_update = excluded.last_reputation_update,
			updated_at = excluded.updated_at`,
		m.UserID, m.ThrottleMultiplier, m.SpamScore, m.TotalRequests, m.ThrottledRequests,
		m.BurstRequests, m.AvgRequestSpacingSeconds, m.LastReputationUpdate, now, now)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "ThrottleRepo.Upsert", err, "user_id", m.UserID)
	}
	return nil
}
