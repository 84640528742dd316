package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
	"relaybot/pkg/logx"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start relaying (default)",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(configPath, app.WithVersion(version))
	if err != nil {
		logx.NewConsole("info").Error("startup failed", logx.String("config", configPath), logx.Err(err))
		return fmt.Errorf("startup: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	// The app bounds its own shutdown by dispatcher.shutdown_grace.
	_ = a.Stop(context.Background(), reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
