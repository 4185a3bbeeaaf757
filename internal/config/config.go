// Package config loads the layered runtime configuration: compiled
// defaults, then an optional YAML file, then ATLASBRIDGE_* environment
// variables. Two keys are frozen at compile time and the loader rejects
// any attempt to override them: the yes/no safe default is always "n"
// and the detector buffer is always 4096 bytes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// FrozenYesNoDefault is the only accepted value for
// prompts.yes_no_safe_default. Timing out a yes/no prompt must never
// answer yes.
const FrozenYesNoDefault = "n"

// FileName is the config file looked up inside the state dir when no
// explicit --config path is given.
const FileName = "config.yaml"

const envPrefix = "ATLASBRIDGE"

// Telegram holds the long-poll backend credentials.
type Telegram struct {
	BotToken     string   `mapstructure:"bot_token"`
	ChatID       string   `mapstructure:"chat_id"`
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// Slack holds the Socket Mode backend credentials.
type Slack struct {
	BotToken     string   `mapstructure:"bot_token"`
	AppToken     string   `mapstructure:"app_token"`
	ChannelID    string   `mapstructure:"channel_id"`
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// Desktop enables the notify-only desktop channel.
type Desktop struct {
	Enabled bool `mapstructure:"enabled"`
}

// Prompts carries the detector and relay tunables.
type Prompts struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	YesNoSafeDefault    string  `mapstructure:"yes_no_safe_default"`
	MaxBufferBytes      int     `mapstructure:"max_buffer_bytes"`
	StuckTimeoutSeconds float64 `mapstructure:"stuck_timeout_seconds"`
	EchoSuppressMS      int     `mapstructure:"echo_suppress_ms"`
	FreeTextMaxLength   int     `mapstructure:"free_text_max_length"`
}

// Autopilot points at the policy document.
type Autopilot struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// Logging selects the slog level.
type Logging struct {
	Level string `mapstructure:"level"`
}

// Database locates the SQLite store.
type Database struct {
	Path string `mapstructure:"path"`
}

// Config is the resolved runtime configuration. StateDir is filled from
// the flag, the ATLASBRIDGE_STATE_DIR variable, or the default; it is
// not itself a file key because the file lives inside it.
type Config struct {
	StateDir  string    `mapstructure:"-"`
	Telegram  Telegram  `mapstructure:"telegram"`
	Slack     Slack     `mapstructure:"slack"`
	Desktop   Desktop   `mapstructure:"desktop"`
	Prompts   Prompts   `mapstructure:"prompts"`
	Autopilot Autopilot `mapstructure:"autopilot"`
	Logging   Logging   `mapstructure:"logging"`
	Database  Database  `mapstructure:"database"`
}

// DefaultStateDir returns ~/.config/atlasbridge.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", types.NewError(types.KindEnvironment, err)
	}
	return filepath.Join(home, ".config", "atlasbridge"), nil
}

// ResolveStateDir picks the state dir: the explicit flag value wins,
// then ATLASBRIDGE_STATE_DIR, then the default under the home dir.
func ResolveStateDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(envPrefix + "_STATE_DIR"); env != "" {
		return env, nil
	}
	return DefaultStateDir()
}

// Load reads the configuration for the given state dir. file may be
// empty, in which case <stateDir>/config.yaml is used when present.
// A missing implicit file is fine; a missing explicit file is not.
func Load(file, stateDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v, stateDir)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.Errorf(types.KindConfig, "read config %s: %v", file, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(stateDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, types.Errorf(types.KindConfig, "read config in %s: %v", stateDir, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.Errorf(types.KindConfig, "decode config: %v", err)
	}
	cfg.StateDir = stateDir
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every recognised key so environment overrides
// are visible to Unmarshal even when the file omits them.
func setDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.allowed_users", []string{})
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
	v.SetDefault("slack.channel_id", "")
	v.SetDefault("slack.allowed_users", []string{})
	v.SetDefault("desktop.enabled", false)
	v.SetDefault("prompts.timeout_seconds", 300)
	v.SetDefault("prompts.yes_no_safe_default", FrozenYesNoDefault)
	v.SetDefault("prompts.max_buffer_bytes", detect.MaxBufferBytes)
	v.SetDefault("prompts.stuck_timeout_seconds", 2.0)
	v.SetDefault("prompts.echo_suppress_ms", 500)
	v.SetDefault("prompts.free_text_max_length", 200)
	v.SetDefault("autopilot.policy_file", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.path", filepath.Join(stateDir, "atlasbridge.db"))
}

func (c *Config) validate() error {
	if c.Prompts.YesNoSafeDefault != FrozenYesNoDefault {
		return types.Errorf(types.KindConfig,
			"prompts.yes_no_safe_default is frozen to %q and cannot be set to %q",
			FrozenYesNoDefault, c.Prompts.YesNoSafeDefault)
	}
	if c.Prompts.MaxBufferBytes != detect.MaxBufferBytes {
		return types.Errorf(types.KindConfig,
			"prompts.max_buffer_bytes is frozen to %d and cannot be set to %d",
			detect.MaxBufferBytes, c.Prompts.MaxBufferBytes)
	}
	if c.Prompts.TimeoutSeconds <= 0 {
		return types.Errorf(types.KindConfig, "prompts.timeout_seconds must be positive, got %d", c.Prompts.TimeoutSeconds)
	}
	if c.Prompts.StuckTimeoutSeconds <= 0 {
		return types.Errorf(types.KindConfig, "prompts.stuck_timeout_seconds must be positive, got %g", c.Prompts.StuckTimeoutSeconds)
	}
	if c.Prompts.EchoSuppressMS < 0 {
		return types.Errorf(types.KindConfig, "prompts.echo_suppress_ms must not be negative, got %d", c.Prompts.EchoSuppressMS)
	}
	if c.Prompts.FreeTextMaxLength <= 0 {
		return types.Errorf(types.KindConfig, "prompts.free_text_max_length must be positive, got %d", c.Prompts.FreeTextMaxLength)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return types.Errorf(types.KindConfig, "logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.Database.Path == "" {
		return types.Errorf(types.KindConfig, "database.path must not be empty")
	}
	return nil
}

// TelegramEnabled reports whether telegram credentials are present.
func (c *Config) TelegramEnabled() bool { return c.Telegram.BotToken != "" }

// SlackEnabled reports whether slack credentials are present.
func (c *Config) SlackEnabled() bool { return c.Slack.BotToken != "" }

// TTL is the prompt time-to-live.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Prompts.TimeoutSeconds) * time.Second
}

// StuckTimeout is the silence window before the stall signal fires.
func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.Prompts.StuckTimeoutSeconds * float64(time.Second))
}

// EchoWindow is the detector suppression window after an injection.
func (c *Config) EchoWindow() time.Duration {
	return time.Duration(c.Prompts.EchoSuppressMS) * time.Millisecond
}

// LogLevel maps logging.level onto a slog level. Unknown values were
// already rejected by validate.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactToken hides a credential while still showing whether it is set.
func redactToken(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "[redacted]"
}

// String renders the configuration with every credential redacted.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state_dir=%s", c.StateDir)
	fmt.Fprintf(&b, " database.path=%s", c.Database.Path)
	fmt.Fprintf(&b, " logging.level=%s", c.Logging.Level)
	fmt.Fprintf(&b, " telegram.bot_token=%s", redactToken(c.Telegram.BotToken))
	fmt.Fprintf(&b, " telegram.chat_id=%s", c.Telegram.ChatID)
	fmt.Fprintf(&b, " telegram.allowed_users=%d", len(c.Telegram.AllowedUsers))
	fmt.Fprintf(&b, " slack.bot_token=%s", redactToken(c.Slack.BotToken))
	fmt.Fprintf(&b, " slack.app_token=%s", redactToken(c.Slack.AppToken))
	fmt.Fprintf(&b, " slack.channel_id=%s", c.Slack.ChannelID)
	fmt.Fprintf(&b, " slack.allowed_users=%d", len(c.Slack.AllowedUsers))
	fmt.Fprintf(&b, " desktop.enabled=%t", c.Desktop.Enabled)
	fmt.Fprintf(&b, " prompts.timeout_seconds=%d", c.Prompts.TimeoutSeconds)
	fmt.Fprintf(&b, " autopilot.policy_file=%s", c.Autopilot.PolicyFile)
	return b.String()
}

// LogValue keeps credentials out of structured logs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state_dir", c.StateDir),
		slog.String("database_path", c.Database.Path),
		slog.String("logging_level", c.Logging.Level),
		slog.String("telegram_bot_token", redactToken(c.Telegram.BotToken)),
		slog.Int("telegram_allowed_users", len(c.Telegram.AllowedUsers)),
		slog.String("slack_bot_token", redactToken(c.Slack.BotToken)),
		slog.String("slack_app_token", redactToken(c.Slack.AppToken)),
		slog.Int("slack_allowed_users", len(c.Slack.AllowedUsers)),
		slog.Bool("desktop_enabled", c.Desktop.Enabled),
		slog.Int("prompt_timeout_seconds", c.Prompts.TimeoutSeconds),
		slog.String("policy_file", c.Autopilot.PolicyFile),
	)
}
