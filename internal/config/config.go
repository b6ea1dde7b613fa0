package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/voicecall/internal/cron"
	"github.com/haasonsaas/voicecall/internal/voice"
)

// Config is the main configuration structure for voicecall.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Voice         VoiceConfig         `yaml:"voice"`
	Responses     ResponsesConfig     `yaml:"responses"`
	TopicGuard    TopicGuardConfig    `yaml:"topic_guard"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Store         StoreConfig         `yaml:"store"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	HTTPPort     int           `yaml:"http_port"`
	WebhookPath  string        `yaml:"webhook_path"`
	StreamPath   string        `yaml:"stream_path"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	BodyTimeout  time.Duration `yaml:"body_timeout"`

	// APIToken enables the control API when set.
	APIToken string `yaml:"api_token"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// VoiceConfig selects the telephony provider and call policy.
type VoiceConfig struct {
	// Provider is "twilio" or "mock".
	Provider string `yaml:"provider"`

	FromNumber string `yaml:"from_number"`

	// PublicURL is the externally reachable base URL the provider calls back on.
	PublicURL string `yaml:"public_url"`

	InboundPolicy string   `yaml:"inbound_policy"`
	AllowFrom     []string `yaml:"allow_from"`

	NotifyHangupDelay time.Duration `yaml:"notify_hangup_delay"`

	Streaming StreamingConfig `yaml:"streaming"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	DialLimit DialLimitConfig `yaml:"dial_limit"`

	// MockSecret guards the mock provider's webhook.
	MockSecret string `yaml:"mock_secret"`
}

type StreamingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	TokenSecret string        `yaml:"stream_token_secret"`
	TokenTTL    time.Duration `yaml:"stream_token_ttl"`
}

// DialLimitConfig throttles outbound calls placed through the control API,
// per destination number.
type DialLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	Voice      string `yaml:"voice"`
	Locale     string `yaml:"locale"`
	APIBaseURL string `yaml:"api_base_url"`
}

// ResponsesConfig controls automatic replies to caller speech.
type ResponsesConfig struct {
	AutoRespond  bool          `yaml:"auto_respond"`
	Provider     string        `yaml:"provider"` // anthropic | openai | static
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxTokens    int           `yaml:"max_tokens"`
	StaticReply  string        `yaml:"static_reply"`
	Timeout      time.Duration `yaml:"timeout"`
	Cues         CuesConfig    `yaml:"cues"`
}

// CuesConfig uses pointers so an omitted text (default) differs from an
// empty one (cue disabled).
type CuesConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Acknowledgement *string       `yaml:"acknowledgement"`
	Progress        *string       `yaml:"progress"`
	ProgressDelay   time.Duration `yaml:"progress_delay"`
}

type TopicGuardConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MinKeywords int    `yaml:"min_keywords"`
	WarningText string `yaml:"warning_text"`
	MaxDrift    int    `yaml:"max_drift"`
	EndOnDrift  bool   `yaml:"end_on_drift"`
}

type TranscriptionConfig struct {
	Provider    string        `yaml:"provider"` // deepgram | none
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Language    string        `yaml:"language"`
	URL         string        `yaml:"url"`
	Endpointing time.Duration `yaml:"endpointing"`
}

type StoreConfig struct {
	Driver          string        `yaml:"driver"` // memory | sqlite | postgres
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// EvictAfter is how long an ended call stays in memory.
	EvictAfter time.Duration `yaml:"evict_after"`

	// EvictSchedule is a cron spec for the eviction sweep.
	EvictSchedule string `yaml:"evict_schedule"`

	// RetainFor prunes ended calls from the store after this long. Zero keeps them.
	RetainFor time.Duration `yaml:"retain_for"`
}

type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 3334
	}
	if cfg.Server.WebhookPath == "" {
		cfg.Server.WebhookPath = "/voice/webhook"
	}
	if cfg.Server.StreamPath == "" {
		cfg.Server.StreamPath = "/voice/stream"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.BodyTimeout == 0 {
		cfg.Server.BodyTimeout = 10 * time.Second
	}
	if cfg.Voice.Provider == "" {
		cfg.Voice.Provider = string(voice.ProviderTwilio)
	}
	if cfg.Voice.InboundPolicy == "" {
		cfg.Voice.InboundPolicy = string(voice.InboundOpen)
	}
	if cfg.Voice.NotifyHangupDelay == 0 {
		cfg.Voice.NotifyHangupDelay = 3 * time.Second
	}
	if cfg.Voice.Streaming.TokenTTL == 0 {
		cfg.Voice.Streaming.TokenTTL = voice.DefaultStreamTokenTTL
	}
	if cfg.Voice.DialLimit.PerMinute == 0 {
		cfg.Voice.DialLimit.PerMinute = 2
	}
	if cfg.Voice.DialLimit.Burst == 0 {
		cfg.Voice.DialLimit.Burst = 3
	}
	if cfg.Responses.Provider == "" {
		cfg.Responses.Provider = "anthropic"
	}
	if cfg.Responses.MaxTokens == 0 {
		cfg.Responses.MaxTokens = 300
	}
	if cfg.Responses.Timeout == 0 {
		cfg.Responses.Timeout = 30 * time.Second
	}
	if cfg.TopicGuard.MinKeywords == 0 {
		cfg.TopicGuard.MinKeywords = 2
	}
	if cfg.Transcription.Provider == "" {
		cfg.Transcription.Provider = "none"
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = "en-US"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.MaxConnections == 0 {
		cfg.Store.MaxConnections = 25
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Store.EvictAfter == 0 {
		cfg.Store.EvictAfter = 30 * time.Minute
	}
	if cfg.Store.EvictSchedule == "" {
		cfg.Store.EvictSchedule = "@every 5m"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "calls"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "voicecall"
	}
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks field values after defaults have been applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 0 and 65535")
	}
	for name, path := range map[string]string{
		"server.webhook_path": c.Server.WebhookPath,
		"server.stream_path":  c.Server.StreamPath,
	} {
		if !strings.HasPrefix(path, "/") {
			add("%s must start with /", name)
		}
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}

	switch voice.ProviderName(c.Voice.Provider) {
	case voice.ProviderTwilio:
		if c.Voice.Twilio.AccountSID == "" || c.Voice.Twilio.AuthToken == "" {
			add("voice.twilio.account_sid and voice.twilio.auth_token are required")
		}
		if c.Voice.PublicURL == "" {
			add("voice.public_url is required for twilio")
		}
	case voice.ProviderMock:
	default:
		add("voice.provider must be twilio or mock")
	}
	if c.Voice.PublicURL != "" {
		if u, err := url.Parse(c.Voice.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("voice.public_url must be an absolute URL")
		}
	}
	policy, err := voice.ParseInboundPolicy(c.Voice.InboundPolicy)
	if err != nil {
		add("voice.inbound_policy: %v", err)
	} else if policy == voice.InboundAllowlist && len(c.Voice.AllowFrom) == 0 {
		add("voice.allow_from is required when inbound_policy is allowlist")
	}
	if c.Voice.DialLimit.Enabled && (c.Voice.DialLimit.PerMinute <= 0 || c.Voice.DialLimit.Burst < 1) {
		add("voice.dial_limit.per_minute and burst must be positive")
	}
	if c.Voice.Streaming.Enabled && strings.TrimSpace(c.Voice.Streaming.TokenSecret) == "" {
		add("voice.streaming.stream_token_secret is required when streaming is enabled")
	}

	if c.Responses.AutoRespond {
		switch c.Responses.Provider {
		case "anthropic", "openai":
			if c.Responses.APIKey == "" {
				add("responses.api_key is required for %s", c.Responses.Provider)
			}
		case "static":
			if strings.TrimSpace(c.Responses.StaticReply) == "" {
				add("responses.static_reply is required for the static provider")
			}
		default:
			add("responses.provider must be anthropic, openai or static")
		}
	}
	if c.Responses.Cues.ProgressDelay < 0 {
		add("responses.cues.progress_delay must not be negative")
	}

	if c.TopicGuard.MaxDrift < 0 {
		add("topic_guard.max_drift must not be negative")
	}

	switch c.Transcription.Provider {
	case "none":
	case "deepgram":
		if c.Transcription.APIKey == "" {
			add("transcription.api_key is required for deepgram")
		}
		if !c.Voice.Streaming.Enabled {
			add("transcription requires voice.streaming.enabled")
		}
	default:
		add("transcription.provider must be deepgram or none")
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres", "cockroach":
		if c.Store.DSN == "" {
			add("store.dsn is required for %s", c.Store.Driver)
		}
	default:
		add("store.driver must be memory, sqlite or postgres")
	}
	if _, err := cron.ParseSchedule(c.Store.EvictSchedule); err != nil {
		add("store.evict_schedule: %v", err)
	}
	if c.Store.RetainFor < 0 {
		add("store.retain_for must not be negative")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		add("archive.bucket is required when archive is enabled")
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ErrNoConfigPath is returned when no config file could be located.
var ErrNoConfigPath = errors.New("no config file found")
