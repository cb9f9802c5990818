package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oleksiy-k/botcore/internal/convstore"
	"github.com/oleksiy-k/botcore/internal/dbstore"
	"github.com/oleksiy-k/botcore/internal/factextract"
	"github.com/oleksiy-k/botcore/internal/generation"
	"github.com/oleksiy-k/botcore/internal/model"
	"github.com/oleksiy-k/botcore/internal/persona"
	"github.com/oleksiy-k/botcore/internal/repo"
	"github.com/oleksiy-k/botcore/internal/telemetry"
	"github.com/oleksiy-k/botcore/internal/throttle"
)

// fakeReplier records outbound replies and hands out fresh message ids the
// way the real platform does.
type fakeReplier struct {
	mu      sync.Mutex
	replies []string
	nextID  int64
}

func (f *fakeReplier) Reply(ctx context.Context, chatID int64, threadID *int64, replyToMessageID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	f.nextID++
	return 10_000 + f.nextID, nil
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func (f *fakeReplier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

// stubCompletionServer serves an OpenAI-compatible chat completion endpoint
// that always answers with content, after an optional delay.
func stubCompletionServer(t *testing.T, content string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestPersona(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	templatesPath := filepath.Join(dir, "templates.json")
	require.NoError(t, os.WriteFile(templatesPath, []byte(`{
		"banned": "you are banned here",
		"temporarily_unavailable": "temporarily unavailable",
		"say_it_more_clearly": "say it more clearly"
	}`), 0o644))

	cfgPath := filepath.Join(dir, "persona.yaml")
	cfg := `
name: testbot
display_name: TestBot
system_prompt: "You are TestBot."
trigger_patterns:
  - "testbot"
admin_users: [111]
response_templates_path: ` + templatesPath + `
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath
}

type handlerFixture struct {
	h       *Handler
	db      *sqlx.DB
	replier *fakeReplier
	store   *convstore.Store
}

func newHandlerFixture(t *testing.T, upstream *httptest.Server, genTimeout time.Duration) *handlerFixture {
	t.Helper()
	ctx := context.Background()

	db, err := dbstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, dbstore.NewMigrator(db).Run(ctx))
	t.Cleanup(func() { db.Close() })

	turns := repo.NewTurnRepo(db)
	throttleRepo := repo.NewThrottleRepo(db)
	store := convstore.New(turns, repo.NewBanRepo(db), repo.NewNoticeRepo(db), throttleRepo)

	tel := telemetry.New()

	apiCfg := openai.DefaultConfig("test-key")
	apiCfg.BaseURL = upstream.URL + "/v1"
	api := openai.NewClientWithConfig(apiCfg)
	gen := generation.New(api, "test-model", genTimeout, tel)

	p, err := persona.Load(writeTestPersona(t), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	replier := &fakeReplier{}
	h := New(
		store,
		repo.NewProfileRepo(db),
		repo.NewFactRepo(db),
		repo.NewMemoryRepo(db),
		throttle.New(throttleRepo, 30),
		nil, // optimizer
		nil, // embeddings
		gen,
		factextract.NewHybrid(nil),
		p,
		tel,
		slog.New(slog.NewTextHandler(os.Stderr, nil)),
		replier,
		Options{},
	)
	t.Cleanup(h.Shutdown)

	return &handlerFixture{h: h, db: db, replier: replier, store: store}
}

func addressedMsg(messageID int64) InboundMessage {
	return InboundMessage{
		ChatID: 1, MessageID: messageID, UserID: 5,
		UserDisplay: "Olena", UserUsername: "olena",
		Text: "testbot, how are you?", Timestamp: 1_700_000_000,
	}
}

func countTurns(t *testing.T, db *sqlx.DB, role string) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM messages WHERE role = ?`, role))
	return n
}

func TestHandler_ReprocessingSameMessageIsANoOp(t *testing.T) {
	srv := stubCompletionServer(t, "hello there", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, addressedMsg(100)))
	require.NoError(t, f.h.Handle(ctx, addressedMsg(100)))

	assert.Equal(t, 1, countTurns(t, f.db, "user"), "exactly one user turn for a redelivered message")
	assert.Equal(t, 1, countTurns(t, f.db, "model"), "at most one model turn for a redelivered message")
	assert.Equal(t, 1, f.replier.count())
}

func TestHandler_ConcurrentDuplicatesPersistOnce(t *testing.T) {
	srv := stubCompletionServer(t, "hello", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.h.Handle(context.Background(), addressedMsg(200))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, countTurns(t, f.db, "user"))
	assert.LessOrEqual(t, countTurns(t, f.db, "model"), 1)
}

func TestHandler_ModelTurnGetsItsOwnMessageID(t *testing.T) {
	srv := stubCompletionServer(t, "hello", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)

	require.NoError(t, f.h.Handle(context.Background(), addressedMsg(300)))

	var ids []int64
	require.NoError(t, f.db.Select(&ids, `SELECT message_id FROM messages ORDER BY role DESC`)) // user first
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1], "user and model turns must not collide on (chat_id, message_id)")
}

func TestHandler_ThrottleDenyIsSilentButPersistsTurn(t *testing.T) {
	srv := stubCompletionServer(t, "ok", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)
	ctx := context.Background()

	// Base quota of 30/hour yields a burst of one: the first request passes,
	// an immediate second one is denied.
	m1 := addressedMsg(400)
	require.NoError(t, f.h.Handle(ctx, m1))

	m2 := addressedMsg(401)
	require.NoError(t, f.h.Handle(ctx, m2))

	assert.Equal(t, 1, f.replier.count(), "a denied request must not produce a reply")
	assert.Equal(t, 2, countTurns(t, f.db, "user"), "the denied turn is still persisted for context coherence")

	var throttled int
	require.NoError(t, f.db.Get(&throttled, `SELECT COUNT(*) FROM user_request_history WHERE user_id = 5 AND was_throttled = 1`))
	assert.Equal(t, 1, throttled)
}

func TestHandler_AdminBypassesThrottle(t *testing.T) {
	srv := stubCompletionServer(t, "ok", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		msg := addressedMsg(500 + i)
		msg.UserID = 111 // persona admin
		require.NoError(t, f.h.Handle(ctx, msg))
	}
	assert.Equal(t, 3, f.replier.count())
}

func TestHandler_BannedUserGetsDedupedTemplate(t *testing.T) {
	srv := stubCompletionServer(t, "ok", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, f.store.Ban(ctx, 1, 5))

	require.NoError(t, f.h.Handle(ctx, addressedMsg(600)))
	require.NoError(t, f.h.Handle(ctx, addressedMsg(601)))

	assert.Equal(t, 1, f.replier.count(), "the banned notice is rate-limited per (chat, user, reason)")
	assert.Equal(t, "you are banned here", f.replier.last())
	assert.Equal(t, 0, countTurns(t, f.db, "model"))
}

func TestHandler_UnaddressedMessageOnlyFeedsScopedCache(t *testing.T) {
	srv := stubCompletionServer(t, "ok", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)
	ctx := context.Background()

	msg := addressedMsg(700)
	msg.Text = "just chatting with friends"
	require.NoError(t, f.h.Handle(ctx, msg))

	assert.Equal(t, 0, f.replier.count())
	assert.Equal(t, 0, countTurns(t, f.db, "user"))

	id, ok := f.h.scoped.LastMessageID(1, nil)
	require.True(t, ok)
	assert.Equal(t, int64(700), id)

	var profiles int
	require.NoError(t, f.db.Get(&profiles, `SELECT COUNT(*) FROM user_profiles WHERE user_id = 5 AND chat_id = 1`))
	assert.Equal(t, 1, profiles, "ingest always refreshes the profile, addressed or not")
}

func TestHandler_ReplyToUnaddressedMessageIsAddressedViaFallback(t *testing.T) {
	srv := stubCompletionServer(t, "sure", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)
	ctx := context.Background()

	first := addressedMsg(800)
	first.Text = "nobody mentioned the bot here"
	require.NoError(t, f.h.Handle(ctx, first))

	replyTo := int64(800)
	second := InboundMessage{
		ChatID: 1, MessageID: 801, UserID: 6,
		UserDisplay: "Ivan", UserUsername: "ivan",
		Text: "what do you think about that?", IsReplyTo: &replyTo,
		Timestamp: 1_700_000_010,
	}
	require.NoError(t, f.h.Handle(ctx, second))

	assert.Equal(t, 1, f.replier.count())

	var metadata string
	require.NoError(t, f.db.Get(&metadata, `SELECT metadata FROM messages WHERE message_id = 801`))
	assert.Contains(t, metadata, "nobody mentioned the bot", "fallback reply metadata carries the replied-to excerpt")
}

func TestHandler_GenerationTimeoutEmitsFallbackOncePerWindow(t *testing.T) {
	srv := stubCompletionServer(t, "too late", 500*time.Millisecond)
	f := newHandlerFixture(t, srv, 50*time.Millisecond)
	ctx := context.Background()

	msg := addressedMsg(900)
	msg.UserID = 111 // admin, so both attempts reach generation
	require.NoError(t, f.h.Handle(ctx, msg))

	msg2 := addressedMsg(901)
	msg2.UserID = 111
	require.NoError(t, f.h.Handle(ctx, msg2))

	assert.Equal(t, 1, f.replier.count(), "the unavailable notice must fire once per dedupe window")
	assert.Equal(t, "temporarily unavailable", f.replier.last())
}

func TestHandler_MediaOnlyMessagePersistsAttachmentSummary(t *testing.T) {
	srv := stubCompletionServer(t, "nice photo", 0)
	f := newHandlerFixture(t, srv, 5*time.Second)
	ctx := context.Background()

	msg := addressedMsg(1000)
	msg.Text = ""
	msg.Addressed = true
	msg.Media = []model.Media{{Kind: model.MediaPhoto, Reference: "file123"}}
	require.NoError(t, f.h.Handle(ctx, msg))

	var text string
	require.NoError(t, f.db.Get(&text, `SELECT text FROM messages WHERE message_id = 1000`))
	assert.Equal(t, "Attachments: photo", text)
}

func TestCleanReply_StripsMetaLineAndTruncates(t *testing.T) {
	assert.Equal(t, "actual answer", cleanReply("[meta] thinking aloud\nactual answer"))
	assert.Equal(t, "plain", cleanReply("plain"))
	assert.Equal(t, "", cleanReply("[meta] only meta"))

	long := make([]byte, 0, maxReplyChars+100)
	for i := 0; i < maxReplyChars+100; i++ {
		long = append(long, 'a')
	}
	assert.Len(t, cleanReply(string(long)), maxReplyChars)
}

func TestCleanReply_TruncationNeverSplitsARune(t *testing.T) {
	var b []byte
	for len(b) < maxReplyChars+10 {
		b = append(b, "ї"...) // two bytes in UTF-8
	}
	out := cleanReply(string(b))
	for _, r := range out {
		assert.NotEqual(t, '�', r)
	}
}
