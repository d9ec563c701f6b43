package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Bot        BotConfig        `yaml:"bot"`
	Developers DevelopersConfig `yaml:"developers"`
	Store      StoreConfig      `yaml:"store"`
	Premium    PremiumConfig    `yaml:"premium"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Events     EventsConfig     `yaml:"events"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Includes   []string         `yaml:"includes,omitempty"`

	// Sources lists the files merged into this config, main file first.
	Sources []string `yaml:"-"`
}

// BotConfig holds dispatcher settings.
type BotConfig struct {
	Prefix              string          `yaml:"prefix"`
	Owner               string          `yaml:"owner"`      // phone number or JID of the bot owner
	OwnerName           string          `yaml:"owner_name"` // initial display name for the owner command
	UnknownCommandReply string          `yaml:"unknown_command_reply,omitempty"`
	FaultReply          string          `yaml:"fault_reply,omitempty"`
	HandlerTimeout      time.Duration   `yaml:"handler_timeout"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures the per-identity dispatch limiter.
// PerMinute <= 0 disables it.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// DevelopersConfig lists developer identities inline and/or in a file.
type DevelopersConfig struct {
	Numbers []string `yaml:"numbers,omitempty"`
	File    string   `yaml:"file,omitempty"`
	Refresh string   `yaml:"refresh,omitempty"` // cron expression or duration; empty disables
}

// StoreConfig holds settings for the JSON document store.
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// PremiumConfig selects the subscription backend.
type PremiumConfig struct {
	Backend        string               `yaml:"backend"` // "none", "sqlite" or "redis"
	SQLitePath     string               `yaml:"sqlite_path,omitempty"`
	RedisURL       string               `yaml:"redis_url,omitempty"`
	RedisPrefix    string               `yaml:"redis_prefix,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for subscription lookups.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PluginsConfig holds declarative plugin settings.
type PluginsConfig struct {
	Dirs           []string `yaml:"dirs"`
	ReloadSchedule string   `yaml:"reload_schedule,omitempty"` // cron expression or duration; empty disables
}

// ChannelConfig holds settings for a single channel.
type ChannelConfig struct {
	Type string `yaml:"type"`

	// Per-channel nested config (only one should be set, matching Type).
	HTTP     *HTTPChannelConfig     `yaml:"http,omitempty"`
	WhatsApp *WhatsAppChannelConfig `yaml:"whatsapp,omitempty"`
	Discord  *DiscordChannelConfig  `yaml:"discord,omitempty"`
	Slack    *SlackChannelConfig    `yaml:"slack,omitempty"`
}

// HTTPChannelConfig holds HTTP channel settings.
type HTTPChannelConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token,omitempty"`
	// RequestsPerSecond caps inbound requests per client IP. 0 uses the default.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// WhatsAppChannelConfig holds WhatsApp Cloud API settings.
type WhatsAppChannelConfig struct {
	Token       string `yaml:"token"`
	PhoneID     string `yaml:"phone_id"`
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret,omitempty"`
	WebhookAddr string `yaml:"webhook_addr,omitempty"`
	APIBase     string `yaml:"api_base,omitempty"`
}

// DiscordChannelConfig holds Discord channel settings.
type DiscordChannelConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id,omitempty"`
	// Identities maps Discord user IDs to phone numbers for gated commands.
	Identities map[string]string `yaml:"identities,omitempty"`
}

// SlackChannelConfig holds Slack channel settings.
type SlackChannelConfig struct {
	BotToken   string            `yaml:"bot_token"`
	AppToken   string            `yaml:"app_token"`
	Identities map[string]string `yaml:"identities,omitempty"`
}

// EventsConfig configures forwarding of runtime events to NATS and to a
// local JSONL audit file.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`

	AuditFile          string        `yaml:"audit_file,omitempty"`
	AuditMaxAge        time.Duration `yaml:"audit_max_age,omitempty"`
	AuditMaxSize       string        `yaml:"audit_max_size,omitempty"` // e.g. "100MB"
	AuditPruneSchedule string        `yaml:"audit_prune_schedule,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Pretty      bool    `yaml:"pretty"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.plugbot/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".plugbot", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Bot: BotConfig{
			Prefix:         ".",
			OwnerName:      "Owner",
			HandlerTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Dir: filepath.Join(dataDir, "store"),
		},
		Premium: PremiumConfig{
			Backend:     "none",
			SQLitePath:  filepath.Join(dataDir, "subscriptions.db"),
			RedisPrefix: "plugbot:sub:",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Events: EventsConfig{
			SubjectPrefix:      "plugbot.events",
			AuditPruneSchedule: "@hourly",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			ServiceName: "plugbot",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	includes := newIncludeResolver(absPath)
	if len(cfg.Includes) > 0 {
		if err := includes.apply(cfg, []string{absPath}); err != nil {
			return nil, err
		}

		// The main file wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
	}
	includes.finish(cfg)

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("PLUGBOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps PLUGBOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLUGBOT_BOT_PREFIX"); v != "" {
		cfg.Bot.Prefix = v
	}
	if v := os.Getenv("PLUGBOT_BOT_OWNER"); v != "" {
		cfg.Bot.Owner = v
	}
	if v := os.Getenv("PLUGBOT_BOT_OWNER_NAME"); v != "" {
		cfg.Bot.OwnerName = v
	}
	if v := os.Getenv("PLUGBOT_BOT_HANDLER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bot.HandlerTimeout = d
		}
	}
	if v := os.Getenv("PLUGBOT_BOT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bot.RateLimit.PerMinute = n
		}
	}
	if v := os.Getenv("PLUGBOT_DEVELOPERS"); v != "" {
		cfg.Developers.Numbers = splitAndTrim(v, ",")
	}
	if v := os.Getenv("PLUGBOT_DEVELOPERS_FILE"); v != "" {
		cfg.Developers.File = v
	}
	if v := os.Getenv("PLUGBOT_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("PLUGBOT_PREMIUM_BACKEND"); v != "" {
		cfg.Premium.Backend = v
	}
	if v := os.Getenv("PLUGBOT_PREMIUM_SQLITE_PATH"); v != "" {
		cfg.Premium.SQLitePath = v
	}
	if v := os.Getenv("PLUGBOT_PREMIUM_REDIS_URL"); v != "" {
		cfg.Premium.RedisURL = v
	}
	if v := os.Getenv("PLUGBOT_PLUGINS_DIRS"); v != "" {
		cfg.Plugins.Dirs = splitAndTrim(v, ",")
	}
	if v := os.Getenv("PLUGBOT_PLUGINS_RELOAD_SCHEDULE"); v != "" {
		cfg.Plugins.ReloadSchedule = v
	}
	if v := os.Getenv("PLUGBOT_EVENTS_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("PLUGBOT_EVENTS_AUDIT_FILE"); v != "" {
		cfg.Events.AuditFile = v
	}
	if v := os.Getenv("PLUGBOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PLUGBOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PLUGBOT_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PLUGBOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Channel secrets fill empty fields only.
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		switch {
		case ch.WhatsApp != nil:
			fillEnv(&ch.WhatsApp.Token, "PLUGBOT_WHATSAPP_TOKEN")
			fillEnv(&ch.WhatsApp.AppSecret, "PLUGBOT_WHATSAPP_APP_SECRET")
			fillEnv(&ch.WhatsApp.VerifyToken, "PLUGBOT_WHATSAPP_VERIFY_TOKEN")
		case ch.Discord != nil:
			fillEnv(&ch.Discord.Token, "PLUGBOT_DISCORD_TOKEN")
		case ch.Slack != nil:
			fillEnv(&ch.Slack.BotToken, "PLUGBOT_SLACK_BOT_TOKEN")
			fillEnv(&ch.Slack.AppToken, "PLUGBOT_SLACK_APP_TOKEN")
		case ch.HTTP != nil:
			fillEnv(&ch.HTTP.AuthToken, "PLUGBOT_HTTP_AUTH_TOKEN")
		}
	}
}

func fillEnv(field *string, key string) {
	if *field != "" {
		return
	}
	if v := os.Getenv(key); v != "" {
		*field = v
	}
}

// splitAndTrim splits s by sep, trims whitespace and drops empty elements.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if err := decryptField(&cfg.Premium.RedisURL, passphrase); err != nil {
		return fmt.Errorf("premium redis_url: %w", err)
	}

	for i := range cfg.Channels {
		var fields []*string
		ch := &cfg.Channels[i]
		if ch.HTTP != nil {
			fields = append(fields, &ch.HTTP.AuthToken)
		}
		if ch.WhatsApp != nil {
			fields = append(fields, &ch.WhatsApp.Token, &ch.WhatsApp.AppSecret, &ch.WhatsApp.VerifyToken)
		}
		if ch.Discord != nil {
			fields = append(fields, &ch.Discord.Token)
		}
		if ch.Slack != nil {
			fields = append(fields, &ch.Slack.BotToken, &ch.Slack.AppToken)
		}
		for _, fp := range fields {
			if err := decryptField(fp, passphrase); err != nil {
				return fmt.Errorf("channel %s token: %w", ch.Type, err)
			}
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
