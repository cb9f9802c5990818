package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushMsg(c *ScopedCache, chatID int64, threadID *int64, messageID int64, text string) {
	c.Push(chatID, threadID, InboundMessage{
		ChatID: chatID, ThreadID: threadID, MessageID: messageID,
		UserID: 7, UserDisplay: "Test", UserUsername: "tester", Text: text,
	})
}

func TestScopedCache_ReturnsMostRecentMessage(t *testing.T) {
	c := NewScopedCache()
	pushMsg(c, 1, nil, 100, "hi")
	pushMsg(c, 1, nil, 101, "there")

	id, ok := c.LastMessageID(1, nil)
	require.True(t, ok)
	assert.Equal(t, int64(101), id)
}

func TestScopedCache_FindLocatesAnyCachedEntry(t *testing.T) {
	c := NewScopedCache()
	pushMsg(c, 1, nil, 100, "first")
	pushMsg(c, 1, nil, 101, "second")

	e, ok := c.Find(1, nil, 100)
	require.True(t, ok)
	assert.Equal(t, "first", e.text)
	assert.Equal(t, "first", e.excerpt)
	assert.Equal(t, int64(7), e.userID)

	_, ok = c.Find(1, nil, 999)
	assert.False(t, ok)
}

func TestScopedCache_ExcerptIsBounded(t *testing.T) {
	c := NewScopedCache()
	long := ""
	for i := 0; i < 50; i++ {
		long += "abcd "
	}
	pushMsg(c, 1, nil, 1, long)

	e, ok := c.Find(1, nil, 1)
	require.True(t, ok)
	assert.Len(t, []rune(e.excerpt), scopedCacheExcerptLen)
	assert.Equal(t, long, e.text)
}

func TestScopedCache_EvictsBeyondMaxLen(t *testing.T) {
	c := NewScopedCache()
	for i := int64(0); i < 10; i++ {
		pushMsg(c, 1, nil, i, "x")
	}
	c.mu.Lock()
	entries := c.entries[key(1, nil)]
	c.mu.Unlock()
	assert.LessOrEqual(t, len(entries), scopedCacheMaxLen)
}

func TestScopedCache_ExpiresStaleEntries(t *testing.T) {
	c := NewScopedCache()
	start := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return start }
	pushMsg(c, 1, nil, 42, "old")

	c.now = func() time.Time { return start.Add(scopedCacheTTL + time.Second) }
	_, ok := c.LastMessageID(1, nil)
	assert.False(t, ok, "an entry older than the TTL must not be returned")
}

func TestScopedCache_ScopesByChatAndThread(t *testing.T) {
	c := NewScopedCache()
	thread := int64(5)
	pushMsg(c, 1, nil, 1, "a")
	pushMsg(c, 1, &thread, 2, "b")

	id, ok := c.LastMessageID(1, nil)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)

	id, ok = c.LastMessageID(1, &thread)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
}
