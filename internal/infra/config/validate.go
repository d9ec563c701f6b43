package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"plugbot/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match config failures with errors.Is(err, domain.ErrConfigLoad).
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBot(cfg, ve)
	validateDevelopers(cfg, ve)
	validateStore(cfg, ve)
	validatePremium(cfg, ve)
	validatePlugins(cfg, ve)
	validateChannels(cfg, ve)
	validateEvents(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBot(cfg *Config, ve *ValidationError) {
	b := cfg.Bot
	if strings.TrimSpace(b.Prefix) == "" || strings.ContainsAny(b.Prefix, " \t\n") {
		ve.Add("bot.prefix must be non-empty and contain no whitespace")
	}
	if b.Owner != "" && domain.NormalizeIdentity(b.Owner).IsZero() {
		ve.Add("bot.owner %q is not a valid phone number (8-15 digits)", b.Owner)
	}
	if b.HandlerTimeout <= 0 {
		ve.Add("bot.handler_timeout must be > 0")
	} else if b.HandlerTimeout > 10*time.Minute {
		ve.Add("bot.handler_timeout must be <= 10m (got %s)", b.HandlerTimeout)
	}
	if b.RateLimit.PerMinute < 0 {
		ve.Add("bot.rate_limit.per_minute must be >= 0")
	}
	if b.RateLimit.Burst < 0 {
		ve.Add("bot.rate_limit.burst must be >= 0")
	}
}

func validateDevelopers(cfg *Config, ve *ValidationError) {
	for i, n := range cfg.Developers.Numbers {
		if domain.NormalizeIdentity(n).IsZero() {
			ve.Add("developers.numbers[%d] %q is not a valid phone number", i, n)
		}
	}
	if cfg.Developers.Refresh != "" {
		if cfg.Developers.File == "" {
			ve.Add("developers.refresh requires developers.file")
		}
		if err := checkSchedule(cfg.Developers.Refresh); err != nil {
			ve.Add("developers.refresh: %v", err)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Dir == "" {
		ve.Add("store.dir is required")
	}
}

var validPremiumBackends = map[string]bool{
	"none":   true,
	"sqlite": true,
	"redis":  true,
}

func validatePremium(cfg *Config, ve *ValidationError) {
	p := cfg.Premium
	if !validPremiumBackends[p.Backend] {
		ve.Add("premium.backend %q is invalid (want: none, sqlite, redis)", p.Backend)
		return
	}
	switch p.Backend {
	case "sqlite":
		if p.SQLitePath == "" {
			ve.Add("premium.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if p.RedisURL == "" {
			ve.Add("premium.redis_url is required for the redis backend (set via PLUGBOT_PREMIUM_REDIS_URL)")
		}
	}
	if p.CircuitBreaker.Enabled && p.CircuitBreaker.Timeout < 0 {
		ve.Add("premium.circuit_breaker.timeout must be >= 0")
	}
}

func validatePlugins(cfg *Config, ve *ValidationError) {
	for i, d := range cfg.Plugins.Dirs {
		if strings.TrimSpace(d) == "" {
			ve.Add("plugins.dirs[%d] is empty", i)
		}
	}
	if cfg.Plugins.ReloadSchedule != "" {
		if err := checkSchedule(cfg.Plugins.ReloadSchedule); err != nil {
			ve.Add("plugins.reload_schedule: %v", err)
		}
	}
}

var validChannelTypes = map[string]bool{
	"http":     true,
	"whatsapp": true,
	"discord":  true,
	"slack":    true,
}

func validateChannels(cfg *Config, ve *ValidationError) {
	for i, ch := range cfg.Channels {
		if !validChannelTypes[ch.Type] {
			ve.Add("channels[%d].type %q is invalid (want: http, whatsapp, discord, slack)", i, ch.Type)
			continue
		}
		switch ch.Type {
		case "http":
			if ch.HTTP == nil || ch.HTTP.Addr == "" {
				ve.Add("channels[%d] (http): http.addr is required", i)
			} else if _, _, err := net.SplitHostPort(ch.HTTP.Addr); err != nil {
				ve.Add("channels[%d] (http): http.addr %q is not host:port", i, ch.HTTP.Addr)
			}
		case "whatsapp":
			if ch.WhatsApp == nil {
				ve.Add("channels[%d] (whatsapp): whatsapp config section is required", i)
				continue
			}
			if ch.WhatsApp.Token == "" {
				ve.Add("channels[%d] (whatsapp): whatsapp.token is required (set via PLUGBOT_WHATSAPP_TOKEN)", i)
			}
			if ch.WhatsApp.PhoneID == "" {
				ve.Add("channels[%d] (whatsapp): whatsapp.phone_id is required", i)
			}
			if ch.WhatsApp.VerifyToken == "" {
				ve.Add("channels[%d] (whatsapp): whatsapp.verify_token is required", i)
			}
		case "discord":
			if ch.Discord == nil || ch.Discord.Token == "" {
				ve.Add("channels[%d] (discord): discord.token is required (set via PLUGBOT_DISCORD_TOKEN)", i)
			}
		case "slack":
			if ch.Slack == nil {
				ve.Add("channels[%d] (slack): slack config section is required", i)
				continue
			}
			if ch.Slack.BotToken == "" {
				ve.Add("channels[%d] (slack): slack.bot_token is required (set via PLUGBOT_SLACK_BOT_TOKEN)", i)
			}
			if ch.Slack.AppToken == "" {
				ve.Add("channels[%d] (slack): slack.app_token is required (set via PLUGBOT_SLACK_APP_TOKEN)", i)
			}
		}
	}
}

func validateEvents(cfg *Config, ve *ValidationError) {
	if cfg.Events.NATSURL != "" && cfg.Events.SubjectPrefix == "" {
		ve.Add("events.subject_prefix is required when events.nats_url is set")
	}
	if cfg.Events.AuditMaxAge < 0 {
		ve.Add("events.audit_max_age must be >= 0")
	}
	if cfg.Events.AuditFile != "" && cfg.Events.AuditPruneSchedule != "" {
		if err := checkSchedule(cfg.Events.AuditPruneSchedule); err != nil {
			ve.Add("events.audit_prune_schedule: %v", err)
		}
	}
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1 (got %g)", cfg.Tracer.SampleRatio)
	}
}

// checkSchedule accepts a five-field cron expression, a descriptor such as
// "@hourly", or a positive Go duration.
func checkSchedule(s string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s); err == nil {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%q is not a cron expression or duration", s)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive: %q", s)
	}
	return nil
}
