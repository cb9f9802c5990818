package handler

import (
	"sync"
	"time"

	"github.com/oleksiy-k/botcore/internal/model"
)

const (
	scopedCacheMaxLen     = 5
	scopedCacheTTL        = 300 * time.Second
	scopedCacheExcerptLen = 80
)

type scopedKey struct {
	chatID   int64
	threadID int64 // 0 stands in for "no thread"
}

// scopedEntry summarizes one recent unaddressed message.
type scopedEntry struct {
	messageID int64
	userID    int64
	name      string
	username  string
	excerpt   string
	text      string
	media     []model.Media
	storedAt  time.Time
}

// ScopedCache remembers the last few unaddressed messages per (chat, thread)
// so the handler can resolve a reply to an unaddressed message back to a
// plausible target without a full history scan. Entries expire lazily: a
// read drops stale entries from the oldest end rather than running a background
// sweep.
type ScopedCache struct {
	mu      sync.Mutex
	entries map[scopedKey][]scopedEntry
	now     func() time.Time
}

// NewScopedCache builds an empty cache.
func NewScopedCache() *ScopedCache {
	return &ScopedCache{entries: make(map[scopedKey][]scopedEntry), now: time.Now}
}

func key(chatID int64, threadID *int64) scopedKey {
	var t int64
	if threadID != nil {
		t = *threadID
	}
	return scopedKey{chatID: chatID, threadID: t}
}

func excerptOf(text string) string {
	runes := []rune(text)
	if len(runes) <= scopedCacheExcerptLen {
		return text
	}
	return string(runes[:scopedCacheExcerptLen])
}

// Push records a new message summary, evicting the oldest if the per-scope
// deque would exceed scopedCacheMaxLen.
func (c *ScopedCache) Push(chatID int64, threadID *int64, msg InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(chatID, threadID)
	entries := append(c.entries[k], scopedEntry{
		messageID: msg.MessageID,
		userID:    msg.UserID,
		name:      msg.UserDisplay,
		username:  msg.UserUsername,
		excerpt:   excerptOf(msg.Text),
		text:      msg.Text,
		media:     msg.Media,
		storedAt:  c.now(),
	})
	if len(entries) > scopedCacheMaxLen {
		entries = entries[len(entries)-scopedCacheMaxLen:]
	}
	c.entries[k] = entries
}

func (c *ScopedCache) fresh(k scopedKey) []scopedEntry {
	entries := c.entries[k]
	cutoff := c.now().Add(-scopedCacheTTL)
	for len(entries) > 0 && entries[0].storedAt.Before(cutoff) {
		entries = entries[1:]
	}
	c.entries[k] = entries
	return entries
}

// Find returns the still-fresh cached entry for messageID in
// (chatID, threadID), if any. The handler uses it to synthesize fallback
// reply metadata when a user replies to an unaddressed message.
func (c *ScopedCache) Find(chatID int64, threadID *int64, messageID int64) (scopedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.fresh(key(chatID, threadID)) {
		if e.messageID == messageID {
			return e, true
		}
	}
	return scopedEntry{}, false
}

// LastMessageID returns the most recently pushed, still-fresh message ID for
// (chatID, threadID), or (0, false) if the scope is empty or fully expired.
func (c *ScopedCache) LastMessageID(chatID int64, threadID *int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.fresh(key(chatID, threadID))
	if len(entries) == 0 {
		return 0, false
	}
	return entries[len(entries)-1].messageID, true
}
