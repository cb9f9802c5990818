// Package model defines the entities shared by the Repositories, Conversation
// Store, and Message Handler layers.
package model

// Role discriminates who authored a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// MediaKind enumerates the tagged media descriptor kinds. A free-form map
// is deliberately not used: the messaging platform exposes a closed set of
// attachment shapes.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAudio     MediaKind = "audio"
	MediaDocument  MediaKind = "document"
	MediaVoice     MediaKind = "voice"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
	MediaYouTubeURL MediaKind = "youtube_url"
)

// Media is one attached media descriptor.
type Media struct {
	Kind      MediaKind `json:"kind"`
	MIME      string    `json:"mime,omitempty"`
	Reference string    `json:"reference"`
}

// Metadata is the small, fixed-shape bag of per-turn bookkeeping fields
// (reply targets, author display name) rather than a free-form map.
type Metadata struct {
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	AuthorDisplay    string `json:"author_display,omitempty"`
	AuthorUsername   string `json:"author_username,omitempty"`
	FallbackExcerpt  string `json:"fallback_excerpt,omitempty"`
}

// Turn is one persisted conversational message.
type Turn struct {
	ID            int64
	ChatID        int64
	ThreadID      *int64
	MessageID     int64
	UserID        *int64 // nullable; always nil for model turns
	Role          Role
	Text          string
	Media         []Media
	Metadata      Metadata
	Embedding     []float32 // nullable (nil means no embedding computed)
	Timestamp     int64     // unix seconds
	RetentionDays int
}

// UserProfile is a per (user, chat) record.
type UserProfile struct {
	UserID      int64
	ChatID      int64
	DisplayName string
	Username    string
	FirstSeen   int64
	LastSeen    int64
	CreatedAt   int64
	UpdatedAt   int64
}

// EntityType discriminates a Fact's subject.
type EntityType string

const (
	EntityUser EntityType = "user"
	EntityChat EntityType = "chat"
)

// FactCategory enumerates the closed set of fact categories.
type FactCategory string

const (
	CategoryPersonal         FactCategory = "personal"
	CategoryPreference       FactCategory = "preference"
	CategorySkill            FactCategory = "skill"
	CategoryTrait            FactCategory = "trait"
	CategoryOpinion          FactCategory = "opinion"
	CategoryRelationship     FactCategory = "relationship"
	CategoryTradition        FactCategory = "tradition"
	CategoryRule             FactCategory = "rule"
	CategoryNorm             FactCategory = "norm"
	CategoryTopic            FactCategory = "topic"
	CategoryCulture          FactCategory = "culture"
	CategoryEvent            FactCategory = "event"
	CategorySharedKnowledge  FactCategory = "shared_knowledge"
)

// Fact is a unified user/chat fact row.
type Fact struct {
	ID              int64
	EntityType      EntityType
	EntityID        int64
	ChatContext     *int64 // non-nil only for user facts
	FactCategory    FactCategory
	FactKey         string
	FactValue       string
	FactDescription string
	Confidence      float64
	EvidenceText    string
	EvidenceCount   int
	SourceMessageID *int64
	FirstObserved   int64
	LastReinforced  int64
	IsActive        bool
	DecayRate       float64
	CreatedAt       int64
	UpdatedAt       int64
}

// UserMemory is a free-form recall entry, bounded to 15 per (user, chat).
type UserMemory struct {
	ID         int64  `db:"id"`
	UserID     int64  `db:"user_id"`
	ChatID     int64  `db:"chat_id"`
	MemoryText string `db:"memory_text"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

// MaxUserMemories is the FIFO cap per (user, chat).
const MaxUserMemories = 15

// ThrottleMetrics is one row per user produced by the Adaptive Throttle Manager.
type ThrottleMetrics struct {
	UserID                  int64
	ThrottleMultiplier      float64
	SpamScore               float64
	TotalRequests           int64
	ThrottledRequests       int64
	BurstRequests           int64
	AvgRequestSpacingSeconds float64
	LastReputationUpdate    int64
}

// DefaultThrottleMetrics returns the default row for a never-before-seen user.
func DefaultThrottleMetrics(userID int64) ThrottleMetrics {
	return ThrottleMetrics{UserID: userID, ThrottleMultiplier: 1.0, SpamScore: 0}
}

// RequestHistoryEntry is one append-only row used for reputation recomputation.
type RequestHistoryEntry struct {
	UserID       int64 `db:"user_id"`
	RequestedAt  int64 `db:"requested_at"`
	WasThrottled bool  `db:"was_throttled"`
}
