package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/api/calendar/v3"

	"opticbook/internal/app"
	"opticbook/internal/booking"
	"opticbook/internal/config"
	"opticbook/internal/domain"
	"opticbook/internal/slots"
	"opticbook/internal/store"
	"opticbook/internal/store/fallback"
	"opticbook/internal/store/gcal"
	"opticbook/internal/store/local"
	"opticbook/internal/store/remote"
	"opticbook/internal/syncer"
)

// env is everything a command needs, wired from the configuration.
type env struct {
	cfg   config.Config
	log   *slog.Logger
	loc   *time.Location
	rules *slots.Rules
	guard booking.Guard

	local    *local.Store
	remote   *remote.Client
	fallback *fallback.Store
	calendar *gcal.Store
	backend  store.AppointmentStore

	app    *app.App
	render atomic.Pointer[func(syncer.Snapshot)]
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet("backend") {
		b := strings.ToLower(strings.TrimSpace(c.String("backend")))
		switch b {
		case config.BackendRemote, config.BackendLocal, config.BackendCalendar:
			cfg.Backend = b
		default:
			return config.Config{}, fmt.Errorf("unknown backend %q (want remote, local or calendar)", b)
		}
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, nil
}

// openEnv builds the selected backend and resumes the saved session, if any.
func openEnv(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log := setupLogger(cfg.LogLevel)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	rules, err := slots.New(cfg.Slots)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:   cfg,
		log:   log,
		loc:   loc,
		rules: rules,
		guard: booking.Guard{Rules: rules, Policy: cfg.Policy},
	}

	dbPath := cfg.LocalDBPath
	if dbPath == "" {
		if dbPath, err = local.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	e.local, err = local.New(dbPath, e.guard, log)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	if err := e.openBackend(c.Context); err != nil {
		e.Close()
		return nil, err
	}

	poller := syncer.New(e.backend, syncer.Options{
		Interval: cfg.PollInterval,
		Logger:   log,
		OnRender: func(s syncer.Snapshot) {
			if fn := e.render.Load(); fn != nil {
				(*fn)(s)
			}
		},
	})
	e.app = app.New(e.backend, e.local, e.guard, poller, log)

	if _, _, err := e.app.Restore(c.Context); err != nil {
		e.Close()
		return nil, err
	}
	log.Debug("environment ready", slog.String("backend", cfg.Backend), slog.String("policy", cfg.Policy.String()))
	return e, nil
}

func (e *env) openBackend(ctx context.Context) error {
	switch e.cfg.Backend {
	case config.BackendLocal:
		e.backend = e.local
	case config.BackendCalendar:
		svc, err := e.calendarService(ctx)
		if err != nil {
			return err
		}
		e.calendar, err = gcal.New(svc, e.guard, gcal.Options{
			CalendarID: e.cfg.CalendarID,
			Location:   e.loc,
			Stores:     e.local,
			Logger:     e.log,
		})
		if err != nil {
			return err
		}
		e.backend = e.calendar
	default:
		if e.cfg.RemoteURL == "" {
			return errors.New("remote url is not configured (set OPTICBOOK_REMOTE_URL or use --backend local)")
		}
		var err error
		e.remote, err = remote.New(e.cfg.RemoteURL, e.guard, remote.Options{
			Timeout: e.cfg.RemoteTimeout,
			Logger:  e.log,
		})
		if err != nil {
			return err
		}
		e.fallback = fallback.New(e.remote, e.local, e.cfg.DegradedMode, e.log)
		e.backend = e.fallback
	}
	return nil
}

func (e *env) calendarService(ctx context.Context) (*calendar.Service, error) {
	oauthCfg, err := gcal.OAuthConfig(e.cfg.GoogleClientID, e.cfg.GoogleSecret, e.cfg.GoogleCredsFile)
	if err != nil {
		return nil, err
	}
	return gcal.NewService(ctx, oauthCfg, e.cfg.GoogleTokenFile)
}

func (e *env) Close() {
	if e.app != nil {
		e.app.Poller().Disconnect()
	}
	if e.local != nil {
		if err := e.local.Close(); err != nil {
			e.log.Warn("local store close failed", slog.Any("err", err))
		}
	}
}

// session returns the logged-in store or explains how to log in.
func (e *env) session() (domain.Store, error) {
	st, ok := e.app.Session()
	if !ok {
		return domain.Store{}, fmt.Errorf("no store logged in, run opticbook login: %w", store.ErrUnauthorized)
	}
	return st, nil
}

func (e *env) today() string {
	return time.Now().In(e.loc).Format(domain.DateLayout)
}

// busySlots returns the slots of date covered by foreign calendar events.
// Only the calendar backend has any.
func (e *env) busySlots(ctx context.Context, date string) map[string]bool {
	if e.calendar == nil {
		return nil
	}
	busy, err := e.calendar.Busy(ctx)
	if err != nil {
		e.log.Warn("calendar busy lookup failed", slog.Any("err", err))
	}
	return e.calendar.BusySlots(date, busy)
}
