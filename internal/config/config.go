package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/papapumpkin/indentbot/internal/indent"
)

// GapConfig configures blank-line removal between list items.
type GapConfig struct {
	MinClosingLevel int  `mapstructure:"min_closing_level"`
	MaxLength       int  `mapstructure:"max_length"`
	Monotonic       bool `mapstructure:"monotonic"`
}

// StyleConfig configures list marker rewriting.
type StyleConfig struct {
	HideExtraBullets int  `mapstructure:"hide_extra_bullets"`
	KeepLastBullet   bool `mapstructure:"keep_last_bullet"`
	VoteNewLevels    bool `mapstructure:"vote_new_levels"`
	MaxRounds        int  `mapstructure:"max_rounds"`
}

// PollConfig configures the change feed cadence.
type PollConfig struct {
	ChunkMinutes int `mapstructure:"chunk_minutes"`
	DelayMinutes int `mapstructure:"delay_minutes"`
	MinSizeDelta int `mapstructure:"min_size_delta"`
}

// EditConfig configures saving.
type EditConfig struct {
	ScoreThreshold int    `mapstructure:"score_threshold"`
	Limit          int    `mapstructure:"limit"`
	Summary        string `mapstructure:"summary"`
	Workers        int    `mapstructure:"workers"`
	DryRun         bool   `mapstructure:"dry_run"`
}

// SiteConfig locates the wiki and the bot account.
type SiteConfig struct {
	APIURL    string `mapstructure:"api_url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	UserAgent string `mapstructure:"user_agent"`
}

// ControlConfig configures the pause switch.
type ControlConfig struct {
	Page         string   `mapstructure:"page"`
	StatusPage   string   `mapstructure:"status_page"`
	PauseGroups  []string `mapstructure:"pause_groups"`
	ResumeGroups []string `mapstructure:"resume_groups"`
	Maintainers  []string `mapstructure:"maintainers"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
	JSON  bool   `mapstructure:"json"`
}

// Config holds all runtime configuration for the bot.
// Values are populated from .indentbot.yaml, INDENTBOT_* env vars, and CLI flags.
type Config struct {
	Gap           GapConfig     `mapstructure:"gap"`
	Style         StyleConfig   `mapstructure:"style"`
	Poll          PollConfig    `mapstructure:"poll"`
	Edit          EditConfig    `mapstructure:"edit"`
	Site          SiteConfig    `mapstructure:"site"`
	Control       ControlConfig `mapstructure:"control"`
	RulesFile     string        `mapstructure:"rules_file"`
	StateDB       string        `mapstructure:"state_db"`
	TelemetryFile string        `mapstructure:"telemetry_file"`
	Log           LogConfig     `mapstructure:"log"`
	Verbose       bool          `mapstructure:"verbose"`
}

// DefaultSummary is the edit summary used when none is configured.
const DefaultSummary = "Adjusted indentation. See [[User:IndentBot#Useful links]] for guidelines and more info."

// SetDefaults registers the built-in defaults with viper.
func SetDefaults() {
	viper.SetDefault("gap.min_closing_level", 1)
	viper.SetDefault("gap.max_length", 1)
	viper.SetDefault("gap.monotonic", true)
	viper.SetDefault("style.hide_extra_bullets", 1)
	viper.SetDefault("style.keep_last_bullet", false)
	viper.SetDefault("style.vote_new_levels", true)
	viper.SetDefault("style.max_rounds", 0)
	viper.SetDefault("poll.chunk_minutes", 2)
	viper.SetDefault("poll.delay_minutes", 10)
	viper.SetDefault("poll.min_size_delta", 42)
	viper.SetDefault("edit.score_threshold", 1)
	viper.SetDefault("edit.limit", 0)
	viper.SetDefault("edit.summary", DefaultSummary)
	viper.SetDefault("edit.workers", 1)
	viper.SetDefault("edit.dry_run", false)
	viper.SetDefault("site.api_url", "https://en.wikipedia.org/w/api.php")
	viper.SetDefault("site.username", "")
	viper.SetDefault("site.password", "")
	viper.SetDefault("site.user_agent", "IndentBot/2 (https://en.wikipedia.org/wiki/User:IndentBot)")
	viper.SetDefault("control.page", "User talk:IndentBot")
	viper.SetDefault("control.status_page", "User:IndentBot/status")
	viper.SetDefault("control.pause_groups", []string{"extendedconfirmed", "sysop"})
	viper.SetDefault("control.resume_groups", []string{"sysop"})
	viper.SetDefault("control.maintainers", []string{})
	viper.SetDefault("rules_file", "indentbot.rules.toml")
	viper.SetDefault("state_db", "indentbot.db")
	viper.SetDefault("telemetry_file", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.json", false)
	viper.SetDefault("verbose", false)
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	SetDefaults()
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IndentOptions returns the engine options.
func (c Config) IndentOptions() indent.Options {
	return indent.Options{
		MinClosingGapLevel: c.Gap.MinClosingLevel,
		MaxGapLength:       c.Gap.MaxLength,
		MonotonicGaps:      c.Gap.Monotonic,
		HideExtraBullets:   c.Style.HideExtraBullets,
		KeepLastBullet:     c.Style.KeepLastBullet,
		VoteNewLevels:      c.Style.VoteNewLevels,
		MaxRounds:          c.Style.MaxRounds,
	}
}

// Chunk is the poll period.
func (c Config) Chunk() time.Duration { return time.Duration(c.Poll.ChunkMinutes) * time.Minute }

// Delay is the dwell time before a page is edited.
func (c Config) Delay() time.Duration { return time.Duration(c.Poll.DelayMinutes) * time.Minute }

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := c.IndentOptions().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Poll.ChunkMinutes <= 0 {
		return fmt.Errorf("config: poll.chunk_minutes must be positive, got %d", c.Poll.ChunkMinutes)
	}
	if c.Poll.DelayMinutes <= 0 {
		return fmt.Errorf("config: poll.delay_minutes must be positive, got %d", c.Poll.DelayMinutes)
	}
	if c.Edit.Limit < 0 {
		return fmt.Errorf("config: edit.limit must not be negative, got %d", c.Edit.Limit)
	}
	if c.Edit.Workers < 1 {
		return fmt.Errorf("config: edit.workers must be at least 1, got %d", c.Edit.Workers)
	}
	if c.Site.APIURL == "" {
		return errors.New("config: site.api_url is required")
	}
	return nil
}

// Warnings lists settings that are valid but probably unintended.
func (c Config) Warnings() []string {
	var out []string
	if c.Poll.ChunkMinutes >= c.Poll.DelayMinutes {
		out = append(out, fmt.Sprintf("poll.chunk_minutes (%d) is not smaller than poll.delay_minutes (%d); pages may wait a full chunk past their delay", c.Poll.ChunkMinutes, c.Poll.DelayMinutes))
	}
	if c.Site.Username == "" && !c.Edit.DryRun {
		out = append(out, "site.username is empty; saves will be anonymous and likely refused")
	}
	if c.Control.StatusPage == "" {
		out = append(out, "control.status_page is empty; status will not be published")
	}
	return out
}
