package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/airoom/server/internal/app"
	"github.com/airoom/server/internal/config"
	"github.com/airoom/server/internal/log"
)

func main() {
	var (
		configPath string
		addr       string
		logLevel   string
		stubAI     bool
		mqttOn     bool
	)

	root := &cobra.Command{
		Use:           "airoom-server",
		Short:         "Multi-user chat room with an AI participant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bootstrap := log.New(logLevel)
			cfg, path, err := config.Load(bootstrap, configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Flags win over the config file.
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("stub-ai") {
				cfg.AI.UseStub = stubAI
			}
			if cmd.Flags().Changed("mqtt") {
				cfg.MQTT.Enabled = mqttOn
			}

			logger := log.New(cfg.LogLevel)
			logger.Info().Str("config", path).Str("addr", cfg.Addr).Msg("starting airoom server")

			application, err := app.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := application.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")
	root.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().BoolVar(&stubAI, "stub-ai", false, "use the deterministic AI stub instead of the remote backend")
	root.Flags().BoolVar(&mqttOn, "mqtt", false, "enable the MQTT device bridge")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
