package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/relaybot.yaml"

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relaybot",
	Short: "Relay IRC commands and mailbox alerts to chat rooms",
	Long: "relaybot watches an IRC channel and an IMAP mailbox, tags what it sees and " +
		"forwards it to the configured chat-room API, webhook and Telegram sinks.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRelay,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig(),
		"config file (.json, .yaml or .toml); defaults to $RELAYBOT_CONFIG")
	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}

func defaultConfig() string {
	if p := strings.TrimSpace(os.Getenv("RELAYBOT_CONFIG")); p != "" {
		return p
	}
	return defaultConfigPath
}
