// Package config loads runtime configuration for the conversation engine
// from the environment (with an optional .env for local development),
// mirroring the teacher's profile-loading convention.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the fully-resolved runtime configuration. All fields are
// concrete Go types; no layer below main reads the environment directly.
type Config struct {
	DBPath                 string
	ModelName              string
	EmbedModelName          string
	APIKey                 string
	TelegramToken          string
	AdminUserIDs           []int64
	MaxTurns               int
	RetentionDays          int
	ThrottleBasePerHour    int
	EmbeddingConcurrency   int
	GenerationTimeout      time.Duration
	EnableSearchGrounding  bool
	PersonaConfigPath      string
	ResponseTemplatesPath  string
}

const envPrefix = "BOTCORE"

// Load reads configuration from the process environment (optionally loading
// a .env file first) and returns a validated Config.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		// Missing .env is fine in production; only report read errors that
		// aren't "file does not exist".
		if err := godotenv.Load(dotenvPath); err != nil && !strings.Contains(err.Error(), "no such file") {
			return nil, errors.Wrap(err, "load .env")
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("max_turns", 50)
	v.SetDefault("retention_days", 90)
	v.SetDefault("throttle_base_per_hour", 30)
	v.SetDefault("embed_concurrency", 4)
	v.SetDefault("generation_timeout_seconds", 30)
	v.SetDefault("enable_search_grounding", false)
	v.SetDefault("db_path", "botcore.db")

	cfg := &Config{
		DBPath:                v.GetString("db_path"),
		ModelName:             v.GetString("model_name"),
		EmbedModelName:        v.GetString("embed_model_name"),
		APIKey:                v.GetString("api_key"),
		TelegramToken:         v.GetString("telegram_token"),
		MaxTurns:              v.GetInt("max_turns"),
		RetentionDays:         v.GetInt("retention_days"),
		ThrottleBasePerHour:   v.GetInt("throttle_base_per_hour"),
		EmbeddingConcurrency:  v.GetInt("embed_concurrency"),
		GenerationTimeout:     time.Duration(v.GetInt("generation_timeout_seconds")) * time.Second,
		EnableSearchGrounding: v.GetBool("enable_search_grounding"),
		PersonaConfigPath:     v.GetString("persona_config_path"),
		ResponseTemplatesPath: v.GetString("response_templates_path"),
	}

	cfg.AdminUserIDs = parseAdminIDs(v.GetString("admin_user_ids"))

	if cfg.ModelName == "" {
		return nil, errors.New("config: model_name is required")
	}

	return cfg, nil
}

func parseAdminIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// IsAdmin reports whether userID is configured as an admin.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
