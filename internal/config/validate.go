package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"relaybot/internal/relay"
	"relaybot/internal/schedule"
	"relaybot/pkg/logx"
)

var hipchatColors = map[string]bool{
	"yellow": true, "green": true, "red": true, "purple": true, "gray": true, "random": true,
}

// Validate checks cfg after defaults are applied and returns a
// *relay.ConfigurationError listing every problem, or nil.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &relay.ConfigurationError{Errs: []error{errors.New("config is nil")}}
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !cfg.IRC.Enabled && !cfg.IMAP.Enabled {
		add("no source enabled (irc.enabled, imap.enabled)")
	}
	s := cfg.Sinks
	if !s.HipChat.Enabled && !s.Webhook.Enabled && !s.Telegram.Enabled {
		add("no sink enabled (sinks.hipchat, sinks.webhook, sinks.telegram)")
	}

	if c := cfg.IRC; c.Enabled {
		checkHostPort(add, "irc.server", c.Server)
		if strings.TrimSpace(c.Nick) == "" {
			add("irc.nick: required")
		}
		if !strings.HasPrefix(c.Channel, "#") && !strings.HasPrefix(c.Channel, "&") {
			add("irc.channel: %q must start with # or &", c.Channel)
		}
		if strings.TrimSpace(c.CommandPrefix) == "" {
			add("irc.command_prefix: required")
		}
		checkDuration(add, "irc.dial_timeout", c.DialTimeout)
	}

	if c := cfg.IMAP; c.Enabled {
		checkHostPort(add, "imap.addr", c.Addr)
		if strings.TrimSpace(c.Username) == "" {
			add("imap.username: required")
		}
		if _, err := schedule.Parse(c.PollInterval); err != nil {
			add("imap.poll_interval: %v", err)
		}
		if c.FallbackMaxBytes < 0 {
			add("imap.fallback_max_bytes: must be >= 0")
		}
		checkDuration(add, "imap.dial_timeout", c.DialTimeout)
	}

	for i, r := range cfg.Classifier.Rules {
		if r.Contains == "" || strings.TrimSpace(r.Tag) == "" {
			add("classifier.rules[%d]: contains and tag are required", i)
		}
	}

	if f := cfg.Formatter; f.MaxPayloadLength <= utf8.RuneCountInString(f.TruncationMarker) {
		add("formatter.max_payload_length: %d must exceed the truncation marker length", f.MaxPayloadLength)
	}

	d := cfg.Dispatcher
	if d.QueueSize < 1 {
		add("dispatcher.queue_size: must be >= 1")
	}
	if d.RatePerSec < 0 {
		add("dispatcher.rate_per_sec: must be >= 0")
	}
	if d.MaxAttempts < 1 {
		add("dispatcher.max_attempts: must be >= 1")
	}
	checkDuration(add, "dispatcher.retry_base", d.RetryBase)
	checkDuration(add, "dispatcher.retry_max_delay", d.RetryMaxDelay)
	checkDuration(add, "dispatcher.attempt_timeout", d.AttemptTimeout)
	checkDuration(add, "dispatcher.shutdown_grace", d.ShutdownGrace)

	if h := s.HipChat; h.Enabled {
		checkURL(add, "sinks.hipchat.base_url", h.BaseURL)
		if h.APIVersion != "v1" && h.APIVersion != "v2" {
			add("sinks.hipchat.api_version: %q (use v1 or v2)", h.APIVersion)
		}
		if strings.TrimSpace(h.AuthToken) == "" {
			add("sinks.hipchat.auth_token: required")
		}
		if strings.TrimSpace(h.RoomID) == "" {
			add("sinks.hipchat.room_id: required")
		}
		if !hipchatColors[h.Color] {
			add("sinks.hipchat.color: %q is not a room color", h.Color)
		}
	}
	if w := s.Webhook; w.Enabled {
		checkURL(add, "sinks.webhook.url", w.URL)
	}
	if t := s.Telegram; t.Enabled || cfg.Logging.Operator.Enabled {
		if !t.Configured() {
			add("sinks.telegram: token and chat_id are required (sink or logging.operator enabled)")
		}
		if t.APIURL != "" {
			checkURL(add, "sinks.telegram.api_url", t.APIURL)
		}
	}

	l := cfg.Logging
	if !logx.ValidLevel(l.Level) {
		add("logging.level: unknown level %q", l.Level)
	}
	if !logx.ValidLevel(l.Operator.MinLevel) {
		add("logging.operator.min_level: unknown level %q", l.Operator.MinLevel)
	}
	if l.File.Enabled && strings.TrimSpace(l.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	if dbg := cfg.Debug; dbg.Enabled {
		host, _, err := net.SplitHostPort(dbg.Addr)
		if err != nil {
			add("debug.addr: %v", err)
		} else if !isLoopbackHost(host) && strings.TrimSpace(dbg.Token) == "" && !dbg.AllowInsecure {
			add("debug.addr: %q is not loopback; set debug.token or debug.allow_insecure", dbg.Addr)
		}
		checkDuration(add, "debug.read_timeout", dbg.ReadTimeout)
		checkDuration(add, "debug.write_timeout", dbg.WriteTimeout)
		checkDuration(add, "debug.idle_timeout", dbg.IdleTimeout)
	}

	if len(errs) == 0 {
		return nil
	}
	return &relay.ConfigurationError{Errs: errs}
}

type addFunc func(format string, args ...any)

func checkDuration(add addFunc, path, raw string) {
	if _, err := ParseDurationField(path, raw); err != nil {
		add("%v", err)
	}
}

func checkHostPort(add addFunc, path, addr string) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || host == "" || port == "" {
		add("%s: %q must be host:port", path, addr)
	}
}

func checkURL(add addFunc, path, raw string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("%s: %q must be an absolute http(s) URL", path, raw)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
