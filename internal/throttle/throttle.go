// Package throttle implements the Adaptive Throttle Manager: per-user
// reputation scoring from recent request history, mapped to a multiplier
// applied to the base quota, plus the in-memory token-bucket gate itself.
package throttle

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oleksiy-k/botcore/internal/model"
	"github.com/oleksiy-k/botcore/internal/repo"
)

const (
	historyWindow       = 7 * 24 * time.Hour
	burstWindow         = 60 * time.Second
	burstThreshold      = 5
	reputationRecompute = 24 * time.Hour

	burstScoreCap   = 0.4
	throttleScoreCap = 0.4
	spacingScoreCap  = 0.2
)

// Manager derives and caches per-user reputation multipliers.
type Manager struct {
	repo *repo.ThrottleRepo

	mu          sync.Mutex // serializes the 24h recompute region per the spec's concurrency model
	refreshing  map[int64]bool
	baseLimiters map[int64]*rate.Limiter
	baseRate    rate.Limit
	now         func() time.Time
}

// New builds a Manager. baseRequestsPerHour is the un-multiplied quota.
func New(r *repo.ThrottleRepo, baseRequestsPerHour int) *Manager {
	return &Manager{
		repo:         r,
		refreshing:   make(map[int64]bool),
		baseLimiters: make(map[int64]*rate.Limiter),
		baseRate:     rate.Limit(float64(baseRequestsPerHour) / 3600.0),
		now:          time.Now,
	}
}

// GetMultiplier returns the user's stored throttle multiplier (1.0 for
// unknown users), triggering a background reputation refresh if the stored
// value is stale (stale-while-revalidate).
func (m *Manager) GetMultiplier(ctx context.Context, userID int64) float64 {
	metrics, err := m.repo.Get(ctx, userID)
	if err != nil {
		return 1.0
	}

	if m.now().Unix()-metrics.LastReputationUpdate >= int64(reputationRecompute.Seconds()) {
		m.scheduleRefresh(userID)
	}

	return metrics.ThrottleMultiplier
}

func (m *Manager) scheduleRefresh(userID int64) {
	m.mu.Lock()
	if m.refreshing[userID] {
		m.mu.Unlock()
		return
	}
	m.refreshing[userID] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.refreshing, userID)
			m.mu.Unlock()
		}()
		_ = m.UpdateReputation(context.Background(), userID)
	}()
}

// UpdateReputation recomputes and persists the user's throttle metrics from
// the last 7 days of request history.
func (m *Manager) UpdateReputation(ctx context.Context, userID int64) error {
	now := m.now()
	since := now.Add(-historyWindow).Unix()

	history, err := m.repo.HistoryWindow(ctx, userID, since)
	if err != nil {
		return err
	}

	if len(history) == 0 {
		metrics := model.DefaultThrottleMetrics(userID)
		metrics.LastReputationUpdate = now.Unix()
		return m.repo.Upsert(ctx, metrics, now.Unix())
	}

	metrics := computeMetrics(userID, history, now)
	return m.repo.Upsert(ctx, metrics, now.Unix())
}

func computeMetrics(userID int64, history []model.RequestHistoryEntry, now time.Time) model.ThrottleMetrics {
	total := int64(len(history))
	var throttled int64
	timestamps := make([]int64, 0, len(history))
	for _, h := range history {
		if h.WasThrottled {
			throttled++
		}
		timestamps = append(timestamps, h.RequestedAt)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	burstCount := countBurstWindows(timestamps)
	throttleRate := float64(throttled) / float64(total)
	avgSpacing := averageSpacing(timestamps)

	burstScore := minF(float64(burstCount)/10.0, burstScoreCap)
	throttleScore := minF(throttleRate, throttleScoreCap)
	spacingScore := spacingScoreOf(avgSpacing)

	spamScore := minF(burstScore+throttleScore+spacingScore, 1.0)
	reputation := 1.0 - spamScore

	return model.ThrottleMetrics{
		UserID:                   userID,
		ThrottleMultiplier:       multiplierFor(reputation),
		SpamScore:                spamScore,
		TotalRequests:            total,
		ThrottledRequests:        throttled,
		BurstRequests:            int64(burstCount),
		AvgRequestSpacingSeconds: avgSpacing,
		LastReputationUpdate:     now.Unix(),
	}
}

// countBurstWindows counts the number of sliding 60-second windows
// containing >= burstThreshold requests, using a two-pointer scan over the
// sorted timestamps.
func countBurstWindows(sortedTS []int64) int {
	count := 0
	left := 0
	for right := 0; right < len(sortedTS); right++ {
		for sortedTS[right]-sortedTS[left] > int64(burstWindow.Seconds()) {
			left++
		}
		if right-left+1 >= burstThreshold {
			count++
		}
	}
	return count
}

func averageSpacing(sortedTS []int64) float64 {
	if len(sortedTS) < 2 {
		return 0
	}
	var sum int64
	for i := 1; i < len(sortedTS); i++ {
		sum += sortedTS[i] - sortedTS[i-1]
	}
	return float64(sum) / float64(len(sortedTS)-1)
}

func spacingScoreOf(avgSpacing float64) float64 {
	switch {
	case avgSpacing >= 60 && avgSpacing <= 120:
		return 0.0
	case avgSpacing < 30:
		return 0.2
	case avgSpacing > 300:
		return 0.1
	default:
		return 0.05
	}
}

func multiplierFor(reputation float64) float64 {
	switch {
	case reputation >= 0.9:
		return 1.5
	case reputation >= 0.7:
		return 1.25
	case reputation >= 0.5:
		return 1.0
	case reputation >= 0.3:
		return 0.85
	default:
		return 0.7
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Allow reports whether userID may make a request right now, scaling the
// per-second base rate by the user's reputation multiplier. The limiter's
// rate is re-applied on every call so a background reputation refresh takes
// effect without recreating the bucket.
func (m *Manager) Allow(ctx context.Context, userID int64) bool {
	multiplier := m.GetMultiplier(ctx, userID)
	scaled := m.baseRate * rate.Limit(multiplier)

	m.mu.Lock()
	limiter, ok := m.baseLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(scaled, int(scaled*60)+1)
		m.baseLimiters[userID] = limiter
	} else if limiter.Limit() != scaled {
		limiter.SetLimit(scaled)
		limiter.SetBurst(int(scaled*60) + 1)
	}
	m.mu.Unlock()

	return limiter.Allow()
}
