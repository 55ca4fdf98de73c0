package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/app"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
)

func main() {
	mode := flag.String("mode", "all", "Service mode (serve, worker, all)")
	once := flag.Bool("once", false, "Run a single fetch tick and exit")
	ctl := flag.String("ctl", "", "Queue a worker command (worker:action) and exit")
	seed := flag.String("seed", "", "Load sources and channels from a JSON file and exit")
	set := flag.String("set", "", "Save a runtime setting (key=json) and exit")
	unset := flag.String("unset", "", "Delete a runtime setting and exit")
	trace := flag.Int64("trace", 0, "Print an item's audit trail and exit")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	if done := runAdmin(ctx, application, &logger, *ctl, *seed, *set, *unset, *trace); done {
		return
	}

	if err := run(ctx, application, *mode, *once); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("application stopped")
			return
		}

		logger.Fatal().Err(err).Msg("application error")
	}
}

func newLogger(appEnv string) zerolog.Logger {
	if appEnv == "local" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// runAdmin handles the one-shot operator flags. It reports whether one
// of them was given.
func runAdmin(ctx context.Context, application *app.App, logger *zerolog.Logger, ctl, seed, set, unset string, trace int64) bool {
	switch {
	case ctl != "":
		workerName, action, ok := strings.Cut(ctl, ":")
		if !ok {
			logger.Fatal().Str("ctl", ctl).Msg("expected worker:action")
		}

		if err := application.IssueCommand(ctx, workerName, action); err != nil {
			logger.Fatal().Err(err).Msg("command failed")
		}
	case seed != "":
		if err := application.Seed(ctx, seed); err != nil {
			logger.Fatal().Err(err).Msg("seed failed")
		}
	case set != "":
		key, value, ok := strings.Cut(set, "=")
		if !ok {
			logger.Fatal().Str("set", set).Msg("expected key=json")
		}

		if err := application.ApplySetting(ctx, key, value); err != nil {
			logger.Fatal().Err(err).Msg("set failed")
		}
	case unset != "":
		if err := application.RemoveSetting(ctx, unset); err != nil {
			logger.Fatal().Err(err).Msg("unset failed")
		}
	case trace != 0:
		if err := application.Trace(ctx, trace); err != nil {
			logger.Fatal().Err(err).Msg("trace failed")
		}
	default:
		return false
	}

	return true
}

func run(ctx context.Context, application *app.App, mode string, once bool) error {
	if once {
		return application.RunOnce(ctx)
	}

	switch mode {
	case "serve":
		return application.Run(ctx, app.ModeServe)
	case "worker":
		return application.Run(ctx, app.ModeWorker)
	case "all":
		return application.Run(ctx, app.ModeAll)
	default:
		log.Fatalf("Usage: %s --mode=[serve|worker|all]", os.Args[0])

		return nil
	}
}
