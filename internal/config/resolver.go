// Package config resolves runtime settings from a YAML file, environment
// variables, and CLI flags, in that precedence order. Every resolved value
// remembers where it came from so diagnostics can say which layer won.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath  string
	CLIDBPath   string
	CLIToken    string
	CLIGuildID  string
	CLIChannels string
	CLIAnchorID string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`

	Token    ResolvedValue `json:"-"`
	GuildID  ResolvedValue `json:"guild_id"`
	Channels ResolvedValue `json:"log_channels"`
	AnchorID ResolvedValue `json:"anchor_id"`

	ProgressEvery    ResolvedValue `json:"progress_every"`
	ProgressInterval ResolvedValue `json:"progress_interval"`
}

type fileConfig struct {
	DBPath  string `yaml:"db_path"`
	Discord struct {
		Token       string   `yaml:"token"`
		GuildID     string   `yaml:"guild_id"`
		LogChannels []string `yaml:"log_channels"`
		AnchorID    string   `yaml:"anchor_id"`
	} `yaml:"discord"`
	Backfill struct {
		ProgressEvery    string `yaml:"progress_every"`
		ProgressInterval string `yaml:"progress_interval"`
	} `yaml:"backfill"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".banwatch", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.Token, cfg.Discord.Token, SourceConfig, path)
		apply(&out.GuildID, cfg.Discord.GuildID, SourceConfig, path)
		apply(&out.Channels, strings.Join(cfg.Discord.LogChannels, ","), SourceConfig, path)
		apply(&out.AnchorID, cfg.Discord.AnchorID, SourceConfig, path)
		apply(&out.ProgressEvery, cfg.Backfill.ProgressEvery, SourceConfig, path)
		apply(&out.ProgressInterval, cfg.Backfill.ProgressInterval, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "BANWATCH_DB")
	applyEnv(&out.DBPath, "BANWATCH_DB_PATH")
	applyEnv(&out.Token, "DISCORD_TOKEN")
	applyEnv(&out.Token, "BANWATCH_DISCORD_TOKEN")
	applyEnv(&out.GuildID, "BANWATCH_GUILD_ID")
	applyEnv(&out.Channels, "BANWATCH_LOG_CHANNELS")
	applyEnv(&out.AnchorID, "BANWATCH_ANCHOR_ID")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Token, opts.CLIToken, SourceCLI, "--token")
	apply(&out.GuildID, opts.CLIGuildID, SourceCLI, "--guild")
	apply(&out.Channels, opts.CLIChannels, SourceCLI, "--channels")
	apply(&out.AnchorID, opts.CLIAnchorID, SourceCLI, "--anchor")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// LogChannels splits the resolved channel list on commas, dropping empty
// entries.
func (r ResolvedConfig) LogChannels() []string {
	var out []string
	for _, part := range strings.Split(r.Channels.Value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizedToken returns the bot token with the "Bot " prefix the API
// expects, adding it when the configured value omits it.
func (r ResolvedConfig) NormalizedToken() string {
	token := strings.TrimSpace(r.Token.Value)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
}

// ValidateDiscord checks the settings the Discord-facing commands need.
func (r ResolvedConfig) ValidateDiscord() error {
	if strings.TrimSpace(r.Token.Value) == "" {
		return fmt.Errorf("discord token is required (set discord.token or DISCORD_TOKEN)")
	}
	if strings.TrimSpace(r.GuildID.Value) == "" {
		return fmt.Errorf("guild_id is required (set discord.guild_id or BANWATCH_GUILD_ID)")
	}
	return nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
