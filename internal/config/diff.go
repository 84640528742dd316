package config

import (
	"reflect"
	"sort"
	"strings"

	"relaybot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (passwords, tokens) are never included; only
// whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.IRC, newCfg.IRC) {
		changed = append(changed, "irc")
		attrs = append(attrs,
			logx.Bool("irc.enabled", newCfg.IRC.Enabled),
			logx.String("irc.server", newCfg.IRC.Server),
			logx.String("irc.channel", newCfg.IRC.Channel),
			logx.Bool("irc.password_set", newCfg.IRC.Password != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.IMAP, newCfg.IMAP) {
		changed = append(changed, "imap")
		attrs = append(attrs,
			logx.Bool("imap.enabled", newCfg.IMAP.Enabled),
			logx.String("imap.addr", newCfg.IMAP.Addr),
			logx.String("imap.folder", newCfg.IMAP.Folder),
			logx.String("imap.poll_interval", newCfg.IMAP.PollInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Classifier, newCfg.Classifier) {
		changed = append(changed, "classifier")
		attrs = append(attrs, logx.Int("classifier.rules", len(newCfg.Classifier.Rules)))
	}
	if oldCfg.Formatter != newCfg.Formatter {
		changed = append(changed, "formatter")
		attrs = append(attrs, logx.Int("formatter.max_payload_length", newCfg.Formatter.MaxPayloadLength))
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.queue_size", newCfg.Dispatcher.QueueSize),
			logx.Int("dispatcher.max_attempts", newCfg.Dispatcher.MaxAttempts),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sinks, newCfg.Sinks) {
		changed = append(changed, "sinks")
		s := newCfg.Sinks
		attrs = append(attrs,
			logx.Bool("sinks.hipchat.enabled", s.HipChat.Enabled),
			logx.Bool("sinks.hipchat.auth_token_set", strings.TrimSpace(s.HipChat.AuthToken) != ""),
			logx.Bool("sinks.webhook.enabled", s.Webhook.Enabled),
			logx.Bool("sinks.telegram.enabled", s.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// OnlyLoggingChanged reports whether sections is empty or just "logging",
// the one section applied without a restart.
func OnlyLoggingChanged(sections []string) bool {
	for _, s := range sections {
		if s != "logging" {
			return false
		}
	}
	return true
}
