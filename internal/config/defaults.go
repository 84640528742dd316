package config

import (
	"strings"
	"time"

	"relaybot/internal/relay"
)

// Defaults for omitted fields.
const (
	DefaultIRCTag           = relay.DefaultIRCTag
	DefaultIMAPFolder       = "INBOX"
	DefaultPollInterval     = "1m"
	DefaultFallbackMaxBytes = 64 << 10
	DefaultQueueSize        = 256
	DefaultRatePerSec       = 5
	DefaultMaxAttempts      = 3
	DefaultRetryBase        = 500 * time.Millisecond
	DefaultRetryMaxDelay    = 10 * time.Second
	DefaultAttemptTimeout   = 10 * time.Second
	DefaultShutdownGrace    = 10 * time.Second
	DefaultHipChatBaseURL   = "https://api.hipchat.com"
	DefaultHipChatVersion   = "v1"
	DefaultHipChatBotName   = "relaybot"
	DefaultHipChatColor     = "green"
	DefaultDebugAddr        = "127.0.0.1:6060"
)

// ApplyDefaults fills omitted fields in place. Durations stay strings and are
// resolved with ParseDurationOrDefault where they are used.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.IRC.Tag) == "" {
		cfg.IRC.Tag = DefaultIRCTag
	}
	if strings.TrimSpace(cfg.IMAP.Folder) == "" {
		cfg.IMAP.Folder = DefaultIMAPFolder
	}
	if strings.TrimSpace(cfg.IMAP.PollInterval) == "" {
		cfg.IMAP.PollInterval = DefaultPollInterval
	}
	if cfg.IMAP.FallbackMaxBytes == 0 {
		cfg.IMAP.FallbackMaxBytes = DefaultFallbackMaxBytes
	}
	if cfg.Classifier.Rules == nil {
		for _, r := range relay.DefaultRules() {
			cfg.Classifier.Rules = append(cfg.Classifier.Rules, RuleConfig{Contains: r.Contains, Tag: r.Tag})
		}
	}
	if cfg.Formatter.MaxPayloadLength == 0 {
		cfg.Formatter.MaxPayloadLength = relay.DefaultMaxPayloadLength
	}
	if cfg.Formatter.TruncationMarker == "" {
		cfg.Formatter.TruncationMarker = relay.DefaultTruncationMarker
	}
	d := &cfg.Dispatcher
	if d.QueueSize == 0 {
		d.QueueSize = DefaultQueueSize
	}
	if d.RatePerSec == 0 {
		d.RatePerSec = DefaultRatePerSec
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	h := &cfg.Sinks.HipChat
	if strings.TrimSpace(h.BaseURL) == "" {
		h.BaseURL = DefaultHipChatBaseURL
	}
	if strings.TrimSpace(h.APIVersion) == "" {
		h.APIVersion = DefaultHipChatVersion
	}
	if strings.TrimSpace(h.BotName) == "" {
		h.BotName = DefaultHipChatBotName
	}
	if strings.TrimSpace(h.Color) == "" {
		h.Color = DefaultHipChatColor
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Debug.Addr) == "" {
		cfg.Debug.Addr = DefaultDebugAddr
	}
}

// KeywordRules converts the rule table for the classifier.
func (c ClassifierConfig) KeywordRules() []relay.KeywordRule {
	out := make([]relay.KeywordRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		out = append(out, relay.KeywordRule{Contains: r.Contains, Tag: r.Tag})
	}
	return out
}
