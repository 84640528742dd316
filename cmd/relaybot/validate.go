package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewManager(configPath).Load()
		if err != nil {
			return err
		}
		sections := enabledParts(cfg)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%v)\n", configPath, sections)
		return nil
	},
}

func enabledParts(cfg *config.Config) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(cfg.IRC.Enabled, "irc")
	add(cfg.IMAP.Enabled, "imap")
	add(cfg.Sinks.HipChat.Enabled, "hipchat")
	add(cfg.Sinks.Webhook.Enabled, "webhook")
	add(cfg.Sinks.Telegram.Enabled, "telegram")
	add(cfg.Debug.Enabled, "debug")
	return out
}
