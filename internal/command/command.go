// Package command defines the bot's command plugins: a common interface, a
// config-driven base implementation and a registry that assembles the
// runtime set from factories and overrides.
package command

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/i18n"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
)

// Meta carries the dispatch-relevant properties of a command.
type Meta struct {
	Enabled          bool
	RequiresInternet bool
	AdminOnly        bool
	DMOnly           bool
	AllowedChannels  []string
}

// Command is one installable bot command.
type Command interface {
	Name() string
	Keywords() []string
	Help() string
	// ResponseFormat is an optional template wrapped around Execute's
	// output; {response} is replaced with that output.
	ResponseFormat() string
	// ShouldExecute decides keyword applicability for the given message.
	ShouldExecute(msg *domain.MeshMessage, content string) bool
	// CanExecute checks environmental preconditions beyond keywords.
	CanExecute(ctx context.Context, msg *domain.MeshMessage) bool
	Execute(ctx context.Context, msg *domain.MeshMessage) (string, error)
	// CheckCooldown reports whether the sender's per-user cooldown and the
	// command-level cooldown both allow a run now, and the remaining wait if
	// not. An empty senderKey skips the per-user check.
	CheckCooldown(senderKey string, now time.Time) (bool, time.Duration)
	RecordExecution(senderKey string, now time.Time)
	// LastRunBy is when the sender last ran this command.
	LastRunBy(senderKey string) time.Time
	// QueueThreshold is the maximum remaining cooldown for which a throttled
	// request is queued instead of dropped.
	QueueThreshold() time.Duration
	Meta() Meta
}

// Deps is everything a command factory may need.
type Deps struct {
	Log        *slog.Logger
	Cfg        *config.Config
	Translator *i18n.Translator
	Nodes      *persistence.CatalogRepo
	Graph      *persistence.GraphRepo
	Stats      *persistence.StatsRepo
	HTTP       *http.Client
	StartTime  time.Time
}

// Factory builds a command from its dependencies and its config section.
type Factory func(deps Deps, section config.CommandSection) Command

// Base is the config-driven part shared by every command.
type Base struct {
	name           string
	keywords       []string
	help           string
	responseFormat string
	cooldown       time.Duration
	userCooldown   time.Duration
	queueThreshold time.Duration
	meta           Meta

	mu      sync.Mutex
	lastRun time.Time
	byUser  map[string]time.Time
}

// NewBase builds the shared part from defaults overlaid with the command's
// config section.
func NewBase(name string, defaultKeywords []string, help string, section config.CommandSection) *Base {
	b := &Base{
		name:     name,
		keywords: defaultKeywords,
		help:     help,
		meta:     Meta{Enabled: true},
		byUser:   map[string]time.Time{},
	}
	if section == nil {
		return b
	}
	if v, ok := section["keywords"]; ok && strings.TrimSpace(v) != "" {
		b.keywords = splitTrim(v)
	}
	if v, ok := section["help"]; ok && strings.TrimSpace(v) != "" {
		b.help = v
	}
	b.responseFormat = section["response_format"]
	b.cooldown = secondsOption(section, "cooldown", 0)
	b.userCooldown = secondsOption(section, "user_cooldown", 0)
	b.queueThreshold = secondsOption(section, "queue_threshold", 0)
	b.meta.Enabled = boolOption(section, "enabled", true)
	b.meta.RequiresInternet = boolOption(section, "requires_internet", false)
	b.meta.AdminOnly = boolOption(section, "admin_only", false)
	b.meta.DMOnly = boolOption(section, "dm_only", false)
	b.meta.AllowedChannels = splitTrim(section["allowed_channels"])
	return b
}

func (b *Base) Name() string           { return b.name }
func (b *Base) Keywords() []string     { return b.keywords }
func (b *Base) Help() string           { return b.help }
func (b *Base) ResponseFormat() string { return b.responseFormat }
func (b *Base) Meta() Meta             { return b.meta }

func (b *Base) QueueThreshold() time.Duration { return b.queueThreshold }

// ShouldExecute matches the first word of the content against the command's
// keywords, case-insensitively. The prefix has already been stripped.
func (b *Base) ShouldExecute(_ *domain.MeshMessage, content string) bool {
	word := firstWord(content)
	if word == "" {
		return false
	}
	for _, k := range b.keywords {
		if strings.EqualFold(k, word) {
			return true
		}
	}
	return false
}

// CanExecute has no extra preconditions in the base.
func (b *Base) CanExecute(context.Context, *domain.MeshMessage) bool { return true }

func (b *Base) CheckCooldown(senderKey string, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userCooldown > 0 && senderKey != "" {
		if last, ok := b.byUser[senderKey]; ok {
			if elapsed := now.Sub(last); elapsed < b.userCooldown {
				return false, b.userCooldown - elapsed
			}
		}
	}
	if b.cooldown <= 0 || b.lastRun.IsZero() {
		return true, 0
	}
	elapsed := now.Sub(b.lastRun)
	if elapsed >= b.cooldown {
		return true, 0
	}
	return false, b.cooldown - elapsed
}

func (b *Base) RecordExecution(senderKey string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRun = now
	if senderKey != "" {
		b.byUser[senderKey] = now
	}
}

func (b *Base) LastRunBy(senderKey string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byUser[senderKey]
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

func splitTrim(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func secondsOption(section config.CommandSection, key string, def time.Duration) time.Duration {
	v, ok := section[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func boolOption(section config.CommandSection, key string, def bool) bool {
	v, ok := section[key]
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	default:
		return def
	}
}
