package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"

	"github.com/papapumpkin/indentbot/internal/indent"
)

// resetViper clears all viper state between tests to avoid cross-contamination.
func resetViper() {
	viper.Reset()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"ChunkMinutes", cfg.Poll.ChunkMinutes, 2},
		{"DelayMinutes", cfg.Poll.DelayMinutes, 10},
		{"MinSizeDelta", cfg.Poll.MinSizeDelta, 42},
		{"ScoreThreshold", cfg.Edit.ScoreThreshold, 1},
		{"Limit", cfg.Edit.Limit, 0},
		{"Workers", cfg.Edit.Workers, 1},
		{"Summary", cfg.Edit.Summary, DefaultSummary},
		{"ControlPage", cfg.Control.Page, "User talk:IndentBot"},
		{"RulesFile", cfg.RulesFile, "indentbot.rules.toml"},
		{"StateDB", cfg.StateDB, "indentbot.db"},
		{"LogLevel", cfg.Log.Level, "info"},
		{"Verbose", cfg.Verbose, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}

	if diff := cmp.Diff([]string{"extendedconfirmed", "sysop"}, cfg.Control.PauseGroups); diff != "" {
		t.Errorf("pause groups (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(indent.DefaultOptions(), cfg.IndentOptions()); diff != "" {
		t.Errorf("indent options (-want +got):\n%s", diff)
	}
	if cfg.Chunk() != 2*time.Minute || cfg.Delay() != 10*time.Minute {
		t.Errorf("Chunk/Delay = %v/%v", cfg.Chunk(), cfg.Delay())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		envKey string
		envVal string
		field  func(Config) any
		want   any
	}{
		{"poll.chunk_minutes", "INDENTBOT_POLL_CHUNK_MINUTES", "3", func(c Config) any { return c.Poll.ChunkMinutes }, 3},
		{"edit.dry_run", "INDENTBOT_EDIT_DRY_RUN", "true", func(c Config) any { return c.Edit.DryRun }, true},
		{"site.username", "INDENTBOT_SITE_USERNAME", "IndentBot@fixer", func(c Config) any { return c.Site.Username }, "IndentBot@fixer"},
		{"style.hide_extra_bullets", "INDENTBOT_STYLE_HIDE_EXTRA_BULLETS", "0", func(c Config) any { return c.Style.HideExtraBullets }, 0},
		{"verbose", "INDENTBOT_VERBOSE", "true", func(c Config) any { return c.Verbose }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			viper.SetEnvPrefix("INDENTBOT")
			viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			viper.AutomaticEnv()
			t.Setenv(tt.envKey, tt.envVal)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() returned unexpected error: %v", err)
			}
			if got := tt.field(cfg); got != tt.want {
				t.Errorf("%s: got %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	resetViper()

	path := filepath.Join(t.TempDir(), ".indentbot.yaml")
	body := "gap:\n  max_length: 2\ncontrol:\n  maintainers: [Alice]\nedit:\n  workers: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gap.MaxLength != 2 || cfg.Edit.Workers != 4 {
		t.Errorf("gap.max_length=%d edit.workers=%d", cfg.Gap.MaxLength, cfg.Edit.Workers)
	}
	if diff := cmp.Diff([]string{"Alice"}, cfg.Control.Maintainers); diff != "" {
		t.Errorf("maintainers (-want +got):\n%s", diff)
	}
	if !cfg.Gap.Monotonic {
		t.Error("unset keys should keep defaults")
	}
}

func TestValidate(t *testing.T) {
	resetViper()
	base, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"zero closing level", func(c *Config) { c.Gap.MinClosingLevel = 0 }, "min closing gap level"},
		{"zero gap length", func(c *Config) { c.Gap.MaxLength = 0 }, "max gap length"},
		{"hide out of range", func(c *Config) { c.Style.HideExtraBullets = 3 }, "hide extra bullets"},
		{"hide all keeps last", func(c *Config) { c.Style.HideExtraBullets = 2; c.Style.KeepLastBullet = true }, "keep last bullet"},
		{"zero chunk", func(c *Config) { c.Poll.ChunkMinutes = 0 }, "chunk_minutes"},
		{"negative delay", func(c *Config) { c.Poll.DelayMinutes = -1 }, "delay_minutes"},
		{"negative limit", func(c *Config) { c.Edit.Limit = -1 }, "edit.limit"},
		{"no workers", func(c *Config) { c.Edit.Workers = 0 }, "edit.workers"},
		{"no api url", func(c *Config) { c.Site.APIURL = "" }, "api_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error %q does not mention %q", err, tt.substr)
			}
		})
	}
}

func TestWarnings(t *testing.T) {
	resetViper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Site.Username = "IndentBot"
	if w := cfg.Warnings(); len(w) != 0 {
		t.Errorf("default config warnings: %v", w)
	}
	cfg.Poll.ChunkMinutes = cfg.Poll.DelayMinutes
	if w := cfg.Warnings(); len(w) != 1 || !strings.Contains(w[0], "chunk_minutes") {
		t.Errorf("warnings = %v", w)
	}
}
