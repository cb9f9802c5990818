// Package handler implements the Message Handler: the orchestrator that
// takes one inbound message through addressing, throttling, context
// assembly, fact extraction, generation, and reply emission.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/convstore"
	"github.com/oleksiy-k/botcore/internal/embedclient"
	"github.com/oleksiy-k/botcore/internal/factextract"
	"github.com/oleksiy-k/botcore/internal/generation"
	"github.com/oleksiy-k/botcore/internal/model"
	"github.com/oleksiy-k/botcore/internal/persona"
	"github.com/oleksiy-k/botcore/internal/repo"
	"github.com/oleksiy-k/botcore/internal/resource"
	"github.com/oleksiy-k/botcore/internal/telemetry"
	"github.com/oleksiy-k/botcore/internal/throttle"
)

const (
	maxReplyChars       = 4096
	noticeTTLSeconds    = 1800
	factWorkerPoolSize  = 4
	factWorkerQueueSize = 64
	semanticRecallLimit = 5

	defaultMaxTurns      = 50
	defaultRetentionDays = 90
)

var metaLinePrefix = regexp.MustCompile(`^\[meta\][^\n]*\n?`)

// InboundMessage is the platform-agnostic shape the caller (the Telegram
// bot layer, in production) hands the handler.
type InboundMessage struct {
	ChatID       int64
	ThreadID     *int64
	MessageID    int64
	UserID       int64
	UserDisplay  string
	UserUsername string
	Text         string
	Media        []model.Media
	IsReplyTo    *int64 // message_id this is a reply to, if any
	Addressed    bool   // explicit @mention / reply-to-bot / trigger-pattern match
	Timestamp    int64
}

// Replier sends the final reply text back to the origin chat/thread and
// returns the platform message id of the sent reply.
type Replier interface {
	Reply(ctx context.Context, chatID int64, threadID *int64, replyToMessageID int64, text string) (int64, error)
}

// Options tunes the handler from runtime configuration.
type Options struct {
	MaxTurns              int
	RetentionDays         int
	EnableSearchGrounding bool
	AdminUserIDs          []int64 // merged with the persona's own admin roster
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = defaultMaxTurns
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = defaultRetentionDays
	}
	return o
}

// Handler orchestrates one inbound message end to end.
type Handler struct {
	store     *convstore.Store
	profiles  *repo.ProfileRepo
	facts     *repo.FactRepo
	memories  *repo.MemoryRepo
	throttle  *throttle.Manager
	optimizer *resource.Optimizer
	embed     *embedclient.Client
	gen       *generation.Client
	extractor *factextract.Hybrid
	persona   *persona.Persona
	scoped    *ScopedCache
	tel       *telemetry.Telemetry
	log       *slog.Logger
	replier   Replier
	opts      Options
	admins    map[int64]bool

	factPool *pond.WorkerPool

	shardMu sync.Mutex
	shards  map[shardKey]*sync.Mutex
}

type shardKey struct {
	chatID   int64
	threadID int64
}

// New builds a Handler wiring every collaborating component.
func New(
	store *convstore.Store,
	profiles *repo.ProfileRepo,
	facts *repo.FactRepo,
	memories *repo.MemoryRepo,
	throttleMgr *throttle.Manager,
	optimizer *resource.Optimizer,
	embed *embedclient.Client,
	gen *generation.Client,
	extractor *factextract.Hybrid,
	p *persona.Persona,
	tel *telemetry.Telemetry,
	log *slog.Logger,
	replier Replier,
	opts Options,
) *Handler {
	opts = opts.withDefaults()
	admins := make(map[int64]bool, len(opts.AdminUserIDs))
	for _, id := range opts.AdminUserIDs {
		admins[id] = true
	}
	return &Handler{
		store: store, profiles: profiles, facts: facts, memories: memories,
		throttle: throttleMgr, optimizer: optimizer, embed: embed, gen: gen,
		extractor: extractor, persona: p, scoped: NewScopedCache(), tel: tel, log: log, replier: replier,
		opts: opts, admins: admins,
		factPool: pond.New(factWorkerPoolSize, factWorkerQueueSize, pond.MinWorkers(1), pond.IdleTimeout(60*time.Second)),
		shards:   make(map[shardKey]*sync.Mutex),
	}
}

// Shutdown stops the background fact-extraction pool, waiting for in-flight
// tasks to finish.
func (h *Handler) Shutdown() {
	h.factPool.StopAndWait()
}

func (h *Handler) isAdmin(userID int64) bool {
	return h.admins[userID] || h.persona.IsAdmin(userID)
}

func (h *Handler) shardLock(chatID int64, threadID *int64) *sync.Mutex {
	var t int64
	if threadID != nil {
		t = *threadID
	}
	k := shardKey{chatID: chatID, threadID: t}

	h.shardMu.Lock()
	defer h.shardMu.Unlock()
	m, ok := h.shards[k]
	if !ok {
		m = &sync.Mutex{}
		h.shards[k] = m
	}
	return m
}

// Handle runs one inbound message through the full orchestration pipeline.
// It serializes processing per (chat, thread) so context assembly and reply
// never race for the same conversation.
func (h *Handler) Handle(ctx context.Context, msg InboundMessage) error {
	lock := h.shardLock(msg.ChatID, msg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	if strings.TrimSpace(msg.Text) == "" && len(msg.Media) == 0 {
		return nil
	}

	// Reprocessing an already-persisted (chat, message) is a no-op; the
	// per-key lock above makes this check race-free for concurrent
	// duplicate deliveries.
	if exists, err := h.store.HasTurn(ctx, msg.ChatID, msg.MessageID); err == nil && exists {
		return nil
	}

	// Every processed message gets a correlation id so the log lines of one
	// Handle invocation can be stitched together across goroutines.
	log := h.log
	if log != nil {
		log = log.With("correlation_id", uuid.NewString(), "chat_id", msg.ChatID, "message_id", msg.MessageID)
	}

	if err := h.touchProfile(ctx, msg); err != nil && log != nil {
		log.Warn("profile upsert failed", "error", err)
	}

	var fallback scopedEntry
	var viaFallback bool
	if msg.IsReplyTo != nil {
		fallback, viaFallback = h.scoped.Find(msg.ChatID, msg.ThreadID, *msg.IsReplyTo)
	}

	addressed := msg.Addressed || h.matchesTrigger(msg.Text) || viaFallback
	if !addressed {
		h.scoped.Push(msg.ChatID, msg.ThreadID, msg)
		return nil
	}

	banned, err := h.store.IsBanned(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "Handle.is_banned", err)
	}
	if banned {
		return h.maybeNotify(ctx, msg, "banned", h.persona.GetResponse("banned"))
	}

	userTurn := h.toUserTurn(msg, fallback, viaFallback)

	allowed := h.isAdmin(msg.UserID) || h.throttle.Allow(ctx, msg.UserID)
	_ = h.store.LogRequest(ctx, msg.UserID, msg.Timestamp, !allowed)
	if !allowed {
		// Denied requests stay silent, but the turn is still persisted so
		// later context assembly sees a coherent conversation.
		h.tel.IncThrottleDecision("denied")
		if err := h.store.AddTurn(ctx, userTurn); err != nil {
			return coreerr.New(coreerr.PersistentStore, "Handle.add_user_turn", err)
		}
		return nil
	}
	h.tel.IncThrottleDecision("allowed")

	var queryVec []float32
	if h.embed != nil {
		if vec, err := h.embed.EmbedText(ctx, msg.Text); err == nil {
			queryVec = vec
		}
	}
	userTurn.Embedding = queryVec

	if err := h.store.AddTurn(ctx, userTurn); err != nil {
		return coreerr.New(coreerr.PersistentStore, "Handle.add_user_turn", err)
	}
	h.tel.IncTurnPersisted("user")

	h.submitFactExtraction(msg)

	history, err := h.assembleContext(ctx, msg, queryVec)
	if err != nil {
		return coreerr.New(coreerr.PersistentStore, "Handle.assemble_context", err)
	}

	reply, err := h.gen.Generate(ctx, h.systemPrompt(ctx, msg), history, h.userParts(msg), h.tools(msg))
	if err != nil {
		switch coreerr.KindOf(err) {
		case coreerr.CircuitBreakerOpen, coreerr.UpstreamTimeout, coreerr.UpstreamFailure:
			if log != nil {
				log.Warn("generation failed, emitting fallback", "error", err)
			}
			return h.maybeNotify(ctx, msg, "api_limit", h.persona.GetResponse("temporarily_unavailable"))
		}
		return err
	}

	reply = cleanReply(reply)
	if reply == "" {
		return h.maybeNotify(ctx, msg, "unclear", h.persona.GetResponse("say_it_more_clearly"))
	}

	sentID, err := h.replier.Reply(ctx, msg.ChatID, msg.ThreadID, msg.MessageID, reply)
	if err != nil {
		return coreerr.New(coreerr.UpstreamFailure, "Handle.reply", err)
	}

	modelTurn := model.Turn{
		ChatID: msg.ChatID, ThreadID: msg.ThreadID, MessageID: sentID, Role: model.RoleModel,
		Text:     reply,
		Metadata: model.Metadata{ReplyToMessageID: msg.MessageID},
		Timestamp: msg.Timestamp, RetentionDays: h.opts.RetentionDays,
	}
	if h.embed != nil {
		if vec, err := h.embed.EmbedText(ctx, reply); err == nil {
			modelTurn.Embedding = vec
		}
	}
	if err := h.store.AddTurn(ctx, modelTurn); err != nil {
		return coreerr.New(coreerr.PersistentStore, "Handle.add_model_turn", err)
	}
	h.tel.IncTurnPersisted("model")

	return nil
}

func (h *Handler) touchProfile(ctx context.Context, msg InboundMessage) error {
	return h.profiles.Upsert(ctx, model.UserProfile{
		UserID: msg.UserID, ChatID: msg.ChatID, DisplayName: msg.UserDisplay, Username: msg.UserUsername,
		FirstSeen: msg.Timestamp, LastSeen: msg.Timestamp, CreatedAt: msg.Timestamp, UpdatedAt: msg.Timestamp,
	})
}

func (h *Handler) matchesTrigger(text string) bool {
	for _, re := range h.persona.Triggers() {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (h *Handler) toUserTurn(msg InboundMessage, fallback scopedEntry, viaFallback bool) model.Turn {
	uid := msg.UserID
	t := model.Turn{
		ChatID: msg.ChatID, ThreadID: msg.ThreadID, MessageID: msg.MessageID, UserID: &uid,
		Role: model.RoleUser, Text: msg.Text, Media: msg.Media,
		Metadata: model.Metadata{
			AuthorDisplay:  msg.UserDisplay,
			AuthorUsername: msg.UserUsername,
		},
		Timestamp: msg.Timestamp, RetentionDays: h.opts.RetentionDays,
	}
	if msg.IsReplyTo != nil {
		t.Metadata.ReplyToMessageID = *msg.IsReplyTo
	}
	if viaFallback {
		t.Metadata.FallbackExcerpt = fallback.excerpt
	}
	if strings.TrimSpace(t.Text) == "" && len(t.Media) > 0 {
		t.Text = attachmentsSummary(t.Media)
	}
	return t
}

// attachmentsSummary synthesizes a text stand-in for a media-only message so
// the persisted turn never has empty text.
func attachmentsSummary(media []model.Media) string {
	kinds := make([]string, 0, len(media))
	for _, m := range media {
		kinds = append(kinds, string(m.Kind))
	}
	return "Attachments: " + strings.Join(kinds, ", ")
}

// submitFactExtraction fires off rule/model-based fact extraction on the
// background worker pool. A full queue drops the task and counts it; fact
// extraction must never block or fail the reply path.
func (h *Handler) submitFactExtraction(msg InboundMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	submitted := h.factPool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		candidates, err := h.extractor.Extract(ctx, msg.Text)
		if err != nil || len(candidates) == 0 {
			return
		}
		now := msg.Timestamp
		for _, c := range candidates {
			sourceID := msg.MessageID
			chatID := msg.ChatID
			_ = h.facts.Upsert(ctx, model.Fact{
				EntityType: model.EntityUser, EntityID: msg.UserID, ChatContext: &chatID,
				FactCategory: model.FactCategory(c.FactType), FactKey: c.FactKey, FactValue: c.FactValue,
				Confidence: c.Confidence, EvidenceText: msg.Text, SourceMessageID: &sourceID,
				FirstObserved: now, LastReinforced: now, DecayRate: 0.01, CreatedAt: now, UpdatedAt: now,
			})
		}
		h.tel.IncFactsExtracted("hybrid", len(candidates))
	})
	if !submitted {
		h.tel.IncFactQueueDropped()
	}
}

func (h *Handler) assembleContext(ctx context.Context, msg InboundMessage, queryVec []float32) ([]model.Turn, error) {
	limit := h.opts.MaxTurns
	if h.optimizer != nil {
		limit = int(float64(limit) * h.optimizer.ContextWindowFactor())
		if limit < 1 {
			limit = 1
		}
	}

	recent, err := h.store.Recent(ctx, msg.ChatID, msg.ThreadID, limit)
	if err != nil {
		return nil, err
	}

	if len(queryVec) == 0 || (h.optimizer != nil && h.optimizer.ShouldSkipSemanticRecall()) {
		return recent, nil
	}

	scored, err := h.store.SemanticSearch(ctx, msg.ChatID, msg.ThreadID, queryVec, semanticRecallLimit)
	if err != nil || len(scored) == 0 {
		return recent, nil
	}

	seen := make(map[int64]bool, len(recent))
	for _, t := range recent {
		seen[t.ID] = true
	}
	merged := recent
	for _, s := range scored {
		if !seen[s.Turn.ID] {
			merged = append(merged, s.Turn)
		}
	}
	return merged, nil
}

const (
	promptFactLimit      = 10
	promptMemoryLimit    = 5
	promptFactConfidence = 0.7
)

// systemPrompt renders the persona prompt plus a short block of what is
// known about the author: high-confidence extracted facts and curated
// memories. Both lookups are best-effort; a storage failure just yields the
// bare persona prompt.
func (h *Handler) systemPrompt(ctx context.Context, msg InboundMessage) string {
	prompt := h.persona.GetSystemPrompt()

	var known []string
	if facts, err := h.facts.ActiveForEntity(ctx, model.EntityUser, msg.UserID, promptFactConfidence); err == nil {
		for _, f := range facts {
			if len(known) >= promptFactLimit {
				break
			}
			known = append(known, f.FactKey+": "+f.FactValue)
		}
	}
	if mems, err := h.memories.List(ctx, msg.UserID, msg.ChatID); err == nil {
		for i, m := range mems {
			if i >= promptMemoryLimit {
				break
			}
			known = append(known, m.MemoryText)
		}
	}
	if len(known) == 0 {
		return prompt
	}
	return prompt + "\n\nKnown about " + msg.UserDisplay + ":\n- " + strings.Join(known, "\n- ")
}

// userParts renders the incoming message as the final user content: a short
// metadata header, the text, and any attachment descriptors.
func (h *Handler) userParts(msg InboundMessage) string {
	var b strings.Builder
	b.WriteString(msg.UserDisplay)
	if msg.UserUsername != "" {
		b.WriteString(" (@")
		b.WriteString(msg.UserUsername)
		b.WriteString(")")
	}
	b.WriteString(": ")
	if strings.TrimSpace(msg.Text) == "" && len(msg.Media) > 0 {
		b.WriteString(attachmentsSummary(msg.Media))
	} else {
		b.WriteString(msg.Text)
		if len(msg.Media) > 0 {
			b.WriteString("\n")
			b.WriteString(attachmentsSummary(msg.Media))
		}
	}
	return b.String()
}

// tools builds the search_messages tool declaration, defaulting
// thread_only=true when the caller omits it. The tool is only offered when
// search grounding is enabled in configuration.
func (h *Handler) tools(msg InboundMessage) []generation.ToolDeclaration {
	if !h.opts.EnableSearchGrounding {
		return nil
	}
	return []generation.ToolDeclaration{
		{
			Name:        "search_messages",
			Description: "Search prior conversation turns by semantic similarity.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string"},
					"thread_only": map[string]any{"type": "boolean", "default": true},
					"limit":       map[string]any{"type": "integer", "default": semanticRecallLimit},
				},
				"required": []string{"query"},
			},
			Callback: func(ctx context.Context, argsJSON string) (string, error) {
				return h.searchMessages(ctx, msg, argsJSON)
			},
		},
	}
}

type searchMessagesArgs struct {
	Query      string `json:"query"`
	ThreadOnly *bool  `json:"thread_only"`
	Limit      int    `json:"limit"`
}

// searchMessages backs the search_messages tool the Generation Client can
// invoke mid-conversation. thread_only defaults to true: a tool call that
// omits it stays scoped to the current thread rather than searching the
// whole chat.
func (h *Handler) searchMessages(ctx context.Context, msg InboundMessage, argsJSON string) (string, error) {
	var args searchMessagesArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", err
	}
	if args.Limit <= 0 {
		args.Limit = semanticRecallLimit
	}

	threadOnly := true
	if args.ThreadOnly != nil {
		threadOnly = *args.ThreadOnly
	}
	var threadID *int64
	if threadOnly {
		threadID = msg.ThreadID
	}

	if h.embed == nil {
		return "[]", nil
	}
	queryVec, err := h.embed.EmbedText(ctx, args.Query)
	if err != nil || len(queryVec) == 0 {
		return "[]", nil
	}

	scored, err := h.store.SemanticSearch(ctx, msg.ChatID, threadID, queryVec, args.Limit)
	if err != nil {
		return "[]", nil
	}

	type resultItem struct {
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	}
	items := make([]resultItem, 0, len(scored))
	for _, s := range scored {
		items = append(items, resultItem{Text: s.Turn.Text, Score: s.Score})
	}
	out, err := json.Marshal(items)
	if err != nil {
		return "[]", nil
	}
	return string(out), nil
}

func (h *Handler) maybeNotify(ctx context.Context, msg InboundMessage, reason, text string) error {
	if text == "" {
		return nil
	}
	ok, err := h.store.ShouldSendNotice(ctx, msg.ChatID, msg.UserID, reason, msg.Timestamp, noticeTTLSeconds)
	if err != nil || !ok {
		return nil
	}
	h.tel.IncNoticeSent(reason)
	_, err = h.replier.Reply(ctx, msg.ChatID, msg.ThreadID, msg.MessageID, text)
	return err
}

// cleanReply strips a leading "[meta] ..." bookkeeping line the model may
// emit and truncates to the platform's message size limit without splitting
// a rune.
func cleanReply(reply string) string {
	reply = metaLinePrefix.ReplaceAllString(reply, "")
	reply = strings.TrimSpace(reply)
	if len(reply) > maxReplyChars {
		cut := maxReplyChars
		for cut > 0 && !isRuneStart(reply[cut]) {
			cut--
		}
		reply = reply[:cut]
	}
	return reply
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
