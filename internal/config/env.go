package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. RELAYBOT_IRC_SERVER.
const EnvPrefix = "RELAYBOT"

// ApplyEnv overlays RELAYBOT_* environment variables on cfg. Unset
// variables leave the file value untouched. Classifier rules are file-only.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}
