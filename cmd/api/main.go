package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/neko-bridge/backend/internal/config"
	"github.com/zhouzirui/neko-bridge/backend/internal/handler/ws"
	"github.com/zhouzirui/neko-bridge/backend/internal/model/variant"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/command"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/conversation"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/neko"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("neko-bridge exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "neko-bridge",
		Short:         "Bridge chat conversations to the neko backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				log.Debug().Err(err).Msg("no .env file, using process environment only")
			}

			loaded, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load configuration")
			}
			if logLevel != "" {
				loaded.Log.Level = logLevel
			}
			if err := setupLogging(loaded.Log); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error), overrides LOG_LEVEL")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, SSE and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, newApp(cfg))
		},
	}

	console := &cobra.Command{
		Use:   "console",
		Short: "Chat from the terminal, one line per message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), newApp(cfg).dispatcher)
		},
	}

	// 不带子命令时直接启动服务。
	root.RunE = serve.RunE
	root.AddCommand(serve, console)
	return root
}

func setupLogging(cfg config.LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

// app 汇总一次运行所需的核心服务。
type app struct {
	variants    variant.Store
	engine      *conversation.Engine
	dispatcher  *command.Dispatcher
	connections *ws.ConnectionManager
}

func newApp(cfg *config.Config) *app {
	variants := variant.NewMemoryStore(variant.Seed())
	engine := conversation.New(neko.New(cfg.Remote), session.NewRegistry(), variants)
	dispatcher := command.New(engine, variants, command.WithRateLimit(cfg.Limit.RatePerSecond, cfg.Limit.Burst))

	log.Info().
		Str("component", "bootstrap").
		Str("device_id", cfg.Remote.DeviceID).
		Str("default_model", variants.Default().ID).
		Float64("rate_limit", cfg.Limit.RatePerSecond).
		Msg("services initialized")

	return &app{
		variants:    variants,
		engine:      engine,
		dispatcher:  dispatcher,
		connections: ws.NewConnectionManager(),
	}
}
