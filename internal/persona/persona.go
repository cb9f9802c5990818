// Package persona loads a persona's configuration (system prompt, response
// templates, trigger patterns, admin roster) from YAML/JSON files on disk.
package persona

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var placeholderRE = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)
var braceTokenRE = regexp.MustCompile(`\{[^{}]*\}`)

// defaultTimezone names the zone current_year/current_date substitutions are
// rendered in when the caller doesn't supply an explicit timestamp. Falls
// back to local time if the zone database entry isn't available.
const defaultTimezone = "Europe/Kyiv"

var personaLocation = func() *time.Location {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}()

// Config is a persona's on-disk YAML definition.
type Config struct {
	Name                     string   `yaml:"name"`
	DisplayName              string   `yaml:"display_name"`
	Language                 string   `yaml:"language"`
	SystemPrompt             string   `yaml:"system_prompt"`
	SystemPromptTemplatePath string   `yaml:"system_prompt_template_path"`
	TriggerPatterns          []string `yaml:"trigger_patterns"`
	AdminUsers               []int64  `yaml:"admin_users"`
	ResponseTemplatesPath    string   `yaml:"response_templates_path"`
	AllowProfanity           bool     `yaml:"allow_profanity"`
	SarcasmLevel             int      `yaml:"sarcasm_level"`
	HumorStyle               string   `yaml:"humor_style"`
	Version                  string   `yaml:"version"`
	Description              string   `yaml:"description"`
}

// Persona is a loaded, ready-to-use persona: the parsed config, its compiled
// trigger patterns, and its response templates.
type Persona struct {
	cfg             Config
	systemPrompt    string
	triggers        []*regexp.Regexp
	admins          map[int64]bool
	templates       map[string]string
	log             *slog.Logger
}

// Load reads a persona YAML file plus its associated system prompt template
// and response templates, validating placeholder syntax along the way.
// Validation failures are logged and tolerated, not fatal: a persona with a
// slightly malformed template should still come up serving a degraded
// prompt rather than refuse to start.
func Load(configPath string, log *slog.Logger) (*Persona, error) {
	return load(configPath, "", log)
}

// LoadWithTemplates is Load with the response-templates path overridden by
// runtime configuration when templatesPath is non-empty.
func LoadWithTemplates(configPath, templatesPath string, log *slog.Logger) (*Persona, error) {
	return load(configPath, templatesPath, log)
}

func load(configPath, templatesOverride string, log *slog.Logger) (*Persona, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "read persona config")
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse persona config")
	}

	systemPrompt := cfg.SystemPrompt
	if cfg.SystemPromptTemplatePath != "" {
		tmpl, err := os.ReadFile(cfg.SystemPromptTemplatePath)
		if err != nil {
			return nil, errors.Wrap(err, "read system prompt template")
		}
		systemPrompt = string(tmpl)
	}
	validatePlaceholders(systemPrompt, log)

	triggers := make([]*regexp.Regexp, 0, len(cfg.TriggerPatterns))
	for _, pat := range cfg.TriggerPatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			if log != nil {
				log.Warn("persona trigger pattern failed to compile, skipping", "pattern", pat, "error", err)
			}
			continue
		}
		triggers = append(triggers, re)
	}

	admins := make(map[int64]bool, len(cfg.AdminUsers))
	for _, id := range cfg.AdminUsers {
		admins[id] = true
	}

	templatesPath := cfg.ResponseTemplatesPath
	if templatesOverride != "" {
		templatesPath = templatesOverride
	}
	templates := map[string]string{}
	if templatesPath != "" {
		tmplRaw, err := os.ReadFile(templatesPath)
		if err != nil {
			return nil, errors.Wrap(err, "read response templates")
		}
		if err := json.Unmarshal(tmplRaw, &templates); err != nil {
			return nil, errors.Wrap(err, "parse response templates")
		}
		for _, tmpl := range templates {
			validatePlaceholders(tmpl, log)
		}
	}

	return &Persona{
		cfg:          cfg,
		systemPrompt: systemPrompt,
		triggers:     triggers,
		admins:       admins,
		templates:    templates,
		log:          log,
	}, nil
}

// validatePlaceholders checks for unbalanced braces and for brace groups that
// are not well-formed {identifier} placeholders, warning (not failing) on
// anything suspicious so authoring mistakes surface without an outage.
func validatePlaceholders(text string, log *slog.Logger) {
	open := strings.Count(text, "{")
	closed := strings.Count(text, "}")
	if open != closed && log != nil {
		log.Warn("persona template has unbalanced braces", "open", open, "close", closed)
	}
	for _, m := range braceTokenRE.FindAllString(text, -1) {
		if !placeholderRE.MatchString(m) && log != nil {
			log.Warn("persona template has malformed placeholder", "placeholder", m)
		}
	}
}

// GetSystemPrompt returns the system prompt with built-in and caller-supplied
// placeholders substituted. vars is a flat key, value, key, value... list.
// Unknown placeholders are logged and left verbatim rather than failing.
func (p *Persona) GetSystemPrompt(vars ...string) string {
	return p.substitute(p.systemPrompt, vars...)
}

// GetResponse returns the named response template with substitutions
// applied, or "" if the key is undefined.
func (p *Persona) GetResponse(key string, vars ...string) string {
	tmpl, ok := p.templates[key]
	if !ok {
		return ""
	}
	return p.substitute(tmpl, vars...)
}

func (p *Persona) substitute(text string, vars ...string) string {
	now := time.Now().In(personaLocation)
	subs := map[string]string{
		"timestamp":    now.Format(time.RFC3339),
		"current_year": strconv.Itoa(now.Year()),
		"current_date": now.Format("2006-01-02"),
	}
	for i := 0; i+1 < len(vars); i += 2 {
		subs[vars[i]] = vars[i+1]
	}
	// current_year/current_date derive from an explicitly supplied
	// {timestamp} when the caller provides a full RFC3339 value, rather
	// than the ambient clock.
	if ts, ok := subs["timestamp"]; ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			subs["current_year"] = strconv.Itoa(parsed.Year())
			subs["current_date"] = parsed.Format("2006-01-02")
		}
	}

	return placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.Trim(match, "{}")
		if val, ok := subs[key]; ok {
			return val
		}
		if p.log != nil {
			p.log.Debug("persona template placeholder left unsubstituted", "placeholder", key)
		}
		return match
	})
}

// Triggers returns the compiled addressing trigger patterns.
func (p *Persona) Triggers() []*regexp.Regexp { return p.triggers }

// Name returns the persona's short identifier.
func (p *Persona) Name() string { return p.cfg.Name }

// DisplayName returns the persona's human-facing name.
func (p *Persona) DisplayName() string { return p.cfg.DisplayName }

// IsAdmin reports whether userID is listed as a persona admin.
func (p *Persona) IsAdmin(userID int64) bool { return p.admins[userID] }

// GetAdminInfo renders a short debug string listing configured admin IDs.
func (p *Persona) GetAdminInfo() string {
	ids := make([]string, 0, len(p.admins))
	for id := range p.admins {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return fmt.Sprintf("admins=%v", ids)
}

// AllowProfanity reports the persona's profanity tolerance.
func (p *Persona) AllowProfanity() bool { return p.cfg.AllowProfanity }

// SarcasmLevel reports the persona's configured sarcasm level.
func (p *Persona) SarcasmLevel() int { return p.cfg.SarcasmLevel }
