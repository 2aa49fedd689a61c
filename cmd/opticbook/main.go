package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/urfave/cli/v2"

	"opticbook/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "opticbook",
		Usage: "Shared appointment calendar for the optical shops.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Usage: "Appointment store: remote, local or calendar. Overrides OPTICBOOK_BACKEND."},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error. Overrides OPTICBOOK_LOG_LEVEL."},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			storesCommand(),
			slotsCommand(),
			listCommand(),
			gridCommand(),
			monthCommand(),
			bookCommand(),
			editCommand(),
			cancelCommand(),
			clearCommand(),
			watchCommand(),
			pingCommand(),
			exportCommand(),
			migrateCommand(),
			reconcileCommand(),
			googleAuthCommand(),
			calendarsCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		setupLogger("error").Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(level)}))
}
