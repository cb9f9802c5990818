// Command botcore runs the group-chat conversational agent engine: it wires
// persistence, context storage, fact extraction, adaptive throttling,
// resource monitoring, and generation into a single message handler bound
// to a Telegram long-poll loop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sashabaranov/go-openai"

	"github.com/oleksiy-k/botcore/internal/config"
	"github.com/oleksiy-k/botcore/internal/convstore"
	"github.com/oleksiy-k/botcore/internal/dbstore"
	"github.com/oleksiy-k/botcore/internal/embedclient"
	"github.com/oleksiy-k/botcore/internal/factextract"
	"github.com/oleksiy-k/botcore/internal/generation"
	"github.com/oleksiy-k/botcore/internal/handler"
	"github.com/oleksiy-k/botcore/internal/model"
	"github.com/oleksiy-k/botcore/internal/persona"
	"github.com/oleksiy-k/botcore/internal/repo"
	"github.com/oleksiy-k/botcore/internal/resource"
	"github.com/oleksiy-k/botcore/internal/telemetry"
	"github.com/oleksiy-k/botcore/internal/throttle"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(".env")
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	tel := telemetry.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveMetrics(tel, log)

	db, err := dbstore.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Error("db open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := dbstore.NewMigrator(db).Run(ctx); err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}

	turns := repo.NewTurnRepo(db)
	profiles := repo.NewProfileRepo(db)
	facts := repo.NewFactRepo(db)
	memories := repo.NewMemoryRepo(db)
	bans := repo.NewBanRepo(db)
	notices := repo.NewNoticeRepo(db)
	throttleRepo := repo.NewThrottleRepo(db)

	store := convstore.New(turns, bans, notices, throttleRepo)
	throttleMgr := throttle.New(throttleRepo, cfg.ThrottleBasePerHour)

	monitor := resource.NewMonitor(tel, log)
	optimizer := resource.NewOptimizer(monitor, tel, log)
	go optimizer.Run(ctx)

	apiConfig := openai.DefaultConfig(cfg.APIKey)
	api := openai.NewClientWithConfig(apiConfig)

	embed := embedclient.New(api, cfg.EmbedModelName, cfg.EmbeddingConcurrency, tel)
	genClient := generation.New(api, cfg.ModelName, cfg.GenerationTimeout, tel)

	extractor := factextract.NewHybrid(&modelExtractorAdapter{gen: genClient}).
		WithModelGate(func() bool { return !optimizer.ShouldDisableModelBasedExtraction() })

	p, err := persona.LoadWithTemplates(cfg.PersonaConfigPath, cfg.ResponseTemplatesPath, log)
	if err != nil {
		log.Error("persona load failed", "error", err)
		os.Exit(1)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		log.Error("telegram bot init failed", "error", err)
		os.Exit(1)
	}
	replier := &telegramReplier{bot: bot}

	h := handler.New(store, profiles, facts, memories, throttleMgr, optimizer, embed, genClient, extractor, p, tel, log, replier, handler.Options{
		MaxTurns:              cfg.MaxTurns,
		RetentionDays:         cfg.RetentionDays,
		EnableSearchGrounding: cfg.EnableSearchGrounding,
		AdminUserIDs:          cfg.AdminUserIDs,
	})
	defer h.Shutdown()

	go purgeLoop(ctx, turns, throttleRepo, log)

	runLongPoll(ctx, bot, h, log)
}

// modelExtractorAdapter lets the Generation Client's chat completion serve
// as the hybrid fact extractor's model-based fallback.
type modelExtractorAdapter struct {
	gen *generation.Client
}

func (a *modelExtractorAdapter) ExtractJSON(ctx context.Context, text string) (string, error) {
	const prompt = `Extract personal facts from the following message as a JSON array of ` +
		`{"fact_type","fact_key","fact_value","confidence"} objects. Return "[]" if none.`
	return a.gen.Generate(ctx, prompt, nil, text, nil)
}

type telegramReplier struct {
	bot *tgbotapi.BotAPI
}

func (t *telegramReplier) Reply(ctx context.Context, chatID int64, threadID *int64, replyToMessageID int64, text string) (int64, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = int(replyToMessageID)
	if threadID != nil {
		msg.MessageThreadID = int(*threadID)
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return int64(sent.MessageID), nil
}

// serveMetrics exposes the Telemetry registry on /metrics for in-process
// scraping. Listen failures are logged, not fatal: metrics are diagnostic,
// never on the critical path.
func serveMetrics(tel *telemetry.Telemetry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", tel.Handler())
	if err := http.ListenAndServe("127.0.0.1:9090", mux); err != nil {
		log.Warn("metrics listener stopped", "error", err)
	}
}

func purgeLoop(ctx context.Context, turns *repo.TurnRepo, throttleRepo *repo.ThrottleRepo, log *slog.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().Unix()
			n, err := turns.PurgeExpired(ctx, now)
			if err != nil {
				log.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				log.Info("retention purge completed", "rows", n)
			}
			// Request history only feeds the 7-day reputation window.
			if _, err := throttleRepo.PurgeHistoryBefore(ctx, now-7*86400); err != nil {
				log.Warn("request history purge failed", "error", err)
			}
		}
	}
}

func runLongPoll(ctx context.Context, bot *tgbotapi.BotAPI, h *handler.Handler, log *slog.Logger) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			if update.Message.From == nil || update.Message.From.IsBot {
				continue
			}
			go func(m *tgbotapi.Message) {
				if err := h.Handle(ctx, toInbound(m, bot.Self.UserName)); err != nil {
					log.Error("handle failed", "error", err, "chat_id", m.Chat.ID, "message_id", m.MessageID)
				}
			}(update.Message)
		}
	}
}

func toInbound(m *tgbotapi.Message, botUsername string) handler.InboundMessage {
	var threadID *int64
	if m.IsTopicMessage {
		v := int64(m.MessageThreadID)
		threadID = &v
	}

	var replyTo *int64
	addressed := false
	if m.ReplyToMessage != nil {
		v := int64(m.ReplyToMessage.MessageID)
		replyTo = &v
		if m.ReplyToMessage.From != nil && m.ReplyToMessage.From.UserName == botUsername {
			addressed = true
		}
	}
	if botUsername != "" && strings.Contains(m.Text, "@"+botUsername) {
		addressed = true
	}

	return handler.InboundMessage{
		ChatID:       m.Chat.ID,
		ThreadID:     threadID,
		MessageID:    int64(m.MessageID),
		UserID:       m.From.ID,
		UserDisplay:  m.From.FirstName,
		UserUsername: m.From.UserName,
		Text:         m.Text,
		Media:        extractMedia(m),
		IsReplyTo:    replyTo,
		Addressed:    addressed,
		Timestamp:    int64(m.Date),
	}
}

func extractMedia(m *tgbotapi.Message) []model.Media {
	var media []model.Media
	switch {
	case len(m.Photo) > 0:
		media = append(media, model.Media{Kind: model.MediaPhoto, Reference: m.Photo[len(m.Photo)-1].FileID})
	case m.Video != nil:
		media = append(media, model.Media{Kind: model.MediaVideo, MIME: m.Video.MimeType, Reference: m.Video.FileID})
	case m.Audio != nil:
		media = append(media, model.Media{Kind: model.MediaAudio, MIME: m.Audio.MimeType, Reference: m.Audio.FileID})
	case m.Voice != nil:
		media = append(media, model.Media{Kind: model.MediaVoice, MIME: m.Voice.MimeType, Reference: m.Voice.FileID})
	case m.Document != nil:
		media = append(media, model.Media{Kind: model.MediaDocument, MIME: m.Document.MimeType, Reference: m.Document.FileID})
	case m.Sticker != nil:
		media = append(media, model.Media{Kind: model.MediaSticker, Reference: m.Sticker.FileID})
	case m.Animation != nil:
		media = append(media, model.Media{Kind: model.MediaAnimation, MIME: m.Animation.MimeType, Reference: m.Animation.FileID})
	}
	return media
}
