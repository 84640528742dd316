package config

import (
	"strings"

	"relaybot/pkg/logx"
)

// Config is the whole relaybot configuration. It is read once at startup
// and treated as immutable; only Logging is re-applied on reload.
//
// Every field can be overridden from the environment with the RELAYBOT_
// prefix, e.g. RELAYBOT_IMAP_PASSWORD or RELAYBOT_SINKS_HIPCHAT_AUTH_TOKEN.
type Config struct {
	IRC        IRCConfig        `json:"irc" envconfig:"IRC"`
	IMAP       IMAPConfig       `json:"imap" envconfig:"IMAP"`
	Classifier ClassifierConfig `json:"classifier" envconfig:"CLASSIFIER"`
	Formatter  FormatterConfig  `json:"formatter" envconfig:"FORMATTER"`
	Dispatcher DispatcherConfig `json:"dispatcher" envconfig:"DISPATCHER"`
	Sinks      SinksConfig      `json:"sinks" envconfig:"SINKS"`
	Logging    LoggingConfig    `json:"logging" envconfig:"LOGGING"`
	Debug      DebugConfig      `json:"debug,omitempty" envconfig:"DEBUG"`
}

// IRCConfig configures the chat-line source.
type IRCConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	Server   string `json:"server" envconfig:"SERVER"` // host:port
	TLS      bool   `json:"tls,omitempty" envconfig:"TLS"`
	Nick     string `json:"nick" envconfig:"NICK"`
	User     string `json:"user,omitempty" envconfig:"USER"`
	Name     string `json:"name,omitempty" envconfig:"NAME"`
	Password string `json:"password,omitempty" envconfig:"PASSWORD"` // server password (do not log)
	Channel  string `json:"channel" envconfig:"CHANNEL"`

	// CommandPrefix gates which channel lines are relayed, e.g. "camelbot".
	CommandPrefix string `json:"command_prefix" envconfig:"COMMAND_PREFIX"`
	// Tag is the single routing tag carried by every IRC event.
	Tag string `json:"tag,omitempty" envconfig:"TAG"`

	DialTimeout string `json:"dial_timeout,omitempty" envconfig:"DIAL_TIMEOUT"`
}

// IMAPConfig configures the mailbox poller.
type IMAPConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	Addr     string `json:"addr" envconfig:"ADDR"` // host:port
	TLS      *bool  `json:"tls,omitempty" envconfig:"TLS"`
	Username string `json:"username" envconfig:"USERNAME"`
	Password string `json:"password,omitempty" envconfig:"PASSWORD"` // do not log
	Folder   string `json:"folder,omitempty" envconfig:"FOLDER"`

	// PollInterval accepts a Go duration ("30s"), a daily "HH:MM", or a
	// cron expression ("*/5 * * * *", "@every 1m").
	PollInterval string `json:"poll_interval,omitempty" envconfig:"POLL_INTERVAL"`

	// FallbackMaxBytes caps the raw body used when a message has neither
	// an HTML nor a plain-text part.
	FallbackMaxBytes int    `json:"fallback_max_bytes,omitempty" envconfig:"FALLBACK_MAX_BYTES"`
	DialTimeout      string `json:"dial_timeout,omitempty" envconfig:"DIAL_TIMEOUT"`
}

// UseTLS reports whether the mailbox connection is TLS. Defaults to true.
func (c IMAPConfig) UseTLS() bool { return c.TLS == nil || *c.TLS }

type ClassifierConfig struct {
	// Rules is evaluated in order against mail subjects. Omitted means
	// the built-in table; an explicit empty list disables mail tagging.
	Rules []RuleConfig `json:"rules" ignored:"true"`
}

type RuleConfig struct {
	Contains string `json:"contains"`
	Tag      string `json:"tag"`
}

// FormatterConfig bounds the escaped payload: author, subject, tags and body
// together, in runes. The body is cut first.
type FormatterConfig struct {
	MaxPayloadLength int    `json:"max_payload_length,omitempty" envconfig:"MAX_PAYLOAD_LENGTH"`
	TruncationMarker string `json:"truncation_marker,omitempty" envconfig:"TRUNCATION_MARKER"`
}

// DispatcherConfig controls per-sink delivery lanes.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type DispatcherConfig struct {
	QueueSize      int    `json:"queue_size,omitempty" envconfig:"QUEUE_SIZE"`
	RatePerSec     int    `json:"rate_per_sec,omitempty" envconfig:"RATE_PER_SEC"`
	MaxAttempts    int    `json:"max_attempts,omitempty" envconfig:"MAX_ATTEMPTS"`
	RetryBase      string `json:"retry_base,omitempty" envconfig:"RETRY_BASE"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty" envconfig:"RETRY_MAX_DELAY"`
	AttemptTimeout string `json:"attempt_timeout,omitempty" envconfig:"ATTEMPT_TIMEOUT"`
	ShutdownGrace  string `json:"shutdown_grace,omitempty" envconfig:"SHUTDOWN_GRACE"`
}

type SinksConfig struct {
	HipChat  HipChatConfig  `json:"hipchat" envconfig:"HIPCHAT"`
	Webhook  WebhookConfig  `json:"webhook" envconfig:"WEBHOOK"`
	Telegram TelegramConfig `json:"telegram" envconfig:"TELEGRAM"`
}

// HipChatConfig configures the chat-room API sink.
type HipChatConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	BaseURL    string `json:"base_url,omitempty" envconfig:"BASE_URL"`
	APIVersion string `json:"api_version,omitempty" envconfig:"API_VERSION"` // v1 | v2
	AuthToken  string `json:"auth_token,omitempty" envconfig:"AUTH_TOKEN"`   // do not log
	RoomID     string `json:"room_id" envconfig:"ROOM_ID"`
	BotName    string `json:"bot_name,omitempty" envconfig:"BOT_NAME"`
	Color      string `json:"color,omitempty" envconfig:"COLOR"`
	Notify     *bool  `json:"notify,omitempty" envconfig:"NOTIFY"`
}

// NotifyRoom reports whether room members are notified. Defaults to true.
func (c HipChatConfig) NotifyRoom() bool { return c.Notify == nil || *c.Notify }

type WebhookConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	URL     string `json:"url" envconfig:"URL"`
	// Token is sent as a bearer token when set (do not log).
	Token string `json:"token,omitempty" envconfig:"TOKEN"`
}

// TelegramConfig configures the Telegram sink. The same chat also serves
// as the operator channel for logging.operator.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	Token    string `json:"token,omitempty" envconfig:"TOKEN"` // do not log
	ChatID   int64  `json:"chat_id" envconfig:"CHAT_ID"`
	ThreadID int    `json:"thread_id,omitempty" envconfig:"THREAD_ID"`
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL string `json:"api_url,omitempty" envconfig:"API_URL"`
}

// Configured reports whether enough is set to talk to the Bot API.
func (c TelegramConfig) Configured() bool {
	return strings.TrimSpace(c.Token) != "" && c.ChatID != 0
}

type LoggingConfig struct {
	Level    string          `json:"level" envconfig:"LEVEL"`
	Console  bool            `json:"console" envconfig:"CONSOLE"`
	File     LoggingFile     `json:"file" envconfig:"FILE"`
	Operator LoggingOperator `json:"operator" envconfig:"OPERATOR"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	Path       string `json:"path" envconfig:"PATH"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `json:"max_backups,omitempty" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days,omitempty" envconfig:"MAX_AGE_DAYS"`
}

// LoggingOperator forwards high-severity records to the Telegram chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	MinLevel   string `json:"min_level" envconfig:"MIN_LEVEL"`
	RatePerSec int    `json:"rate_per_sec" envconfig:"RATE_PER_SEC"`
}

// Logx maps the logging section onto the logging service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled:    c.File.Enabled,
			Path:       c.File.Path,
			MaxSizeMB:  c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAgeDays: c.File.MaxAgeDays,
		},
		Operator: logx.OperatorConfig{
			Enabled:    c.Operator.Enabled,
			MinLevel:   c.Operator.MinLevel,
			RatePerSec: c.Operator.RatePerSec,
		},
	}
}

// DebugConfig controls the optional debug HTTP server (/healthz, /metrics,
// /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	Addr          string `json:"addr,omitempty" envconfig:"ADDR"`   // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty" envconfig:"TOKEN"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty" envconfig:"ALLOW_INSECURE"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty" envconfig:"READ_TIMEOUT"`
	WriteTimeout string `json:"write_timeout,omitempty" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout  string `json:"idle_timeout,omitempty" envconfig:"IDLE_TIMEOUT"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" envconfig:"MUTEX_PROFILE_FRACTION"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" envconfig:"BLOCK_PROFILE_RATE"`
}
