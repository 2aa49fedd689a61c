package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"opticbook/internal/export"
	"opticbook/internal/store"
	"opticbook/internal/store/gcal"
)

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write appointments as iCalendar, to a file or a CalDAV collection.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output .ics file, stdout when omitted."},
			&cli.StringFlag{Name: "month", Aliases: []string{"m"}, Usage: "Only this YYYY-MM."},
			&cli.Int64Flag{Name: "store", Aliases: []string{"s"}, Usage: "Only this store."},
			&cli.BoolFlag{Name: "caldav", Usage: "Upload to the configured CalDAV server instead."},
			&cli.StringFlag{Name: "collection", Usage: "CalDAV calendar path, e.g. /calendars/loja/agenda/."},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			f := store.Filter{Month: c.String("month")}
			if c.IsSet("store") {
				f.StoreID = store.Int64(c.Int64("store"))
			}
			appts, err := e.app.Appointments(c.Context, f)
			if err != nil && !errors.Is(err, store.ErrBackendUnavailable) {
				return err
			}

			if c.Bool("caldav") {
				m, err := e.mirror(c.String("collection"))
				if err != nil {
					return err
				}
				n, err := m.Sync(c.Context, appts)
				if err != nil {
					return fmt.Errorf("caldav export stopped after %d appointments: %w", n, err)
				}
				fmt.Printf("Uploaded %d appointments.\n", n)
				return nil
			}

			var w io.Writer = os.Stdout
			if path := c.String("out"); path != "" {
				file, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create %s: %w", path, err)
				}
				defer file.Close()
				w = file
			}
			n, err := export.WriteICS(w, appts, e.loc, e.rules.Interval())
			if err != nil {
				return err
			}
			e.log.Info("exported appointments", slog.Int("count", n))
			return nil
		}),
	}
}

func (e *env) mirror(collection string) (*export.Mirror, error) {
	if e.cfg.CalDAVURL == "" {
		return nil, errors.New("caldav url is not configured (set OPTICBOOK_CALDAV_URL)")
	}
	return export.NewMirror(export.MirrorConfig{
		Endpoint:   e.cfg.CalDAVURL,
		Collection: collection,
		Username:   e.cfg.CalDAVUsername,
		Password:   e.cfg.CalDAVPassword,
		Location:   e.loc,
		Slot:       e.rules.Interval(),
	}, e.log)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Replace the remote appointments with the ones saved on this machine.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation."},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			if e.remote == nil {
				return fmt.Errorf("migrate needs the remote backend, current backend is %s", e.cfg.Backend)
			}
			appts, err := e.local.List(c.Context, store.Filter{})
			if err != nil {
				return err
			}
			if !c.Bool("yes") && !confirm(fmt.Sprintf("Replace every remote appointment with %d local ones?", len(appts))) {
				return nil
			}
			n, err := e.remote.SyncAll(c.Context, appts)
			if err != nil {
				return err
			}
			fmt.Printf("Migrated %d appointments.\n", n)
			return nil
		}),
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Push appointments saved locally while the backend was down.",
		Action: withEnv(func(c *cli.Context, e *env) error {
			if e.fallback == nil {
				return fmt.Errorf("reconcile needs the remote backend, current backend is %s", e.cfg.Backend)
			}
			res, err := e.fallback.Reconcile(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("Pushed %d appointments.\n", res.Pushed)
			for _, a := range res.Rejected {
				fmt.Printf("Rejected #%d %s %s %s: slot taken meanwhile\n", a.ID, a.Date, a.Time, a.ClientName)
			}
			return nil
		}),
	}
}

func googleAuthCommand() *cli.Command {
	return &cli.Command{
		Name:  "google-auth",
		Usage: "Authorise access to Google Calendar and save the token.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			oauthCfg, err := gcal.OAuthConfig(cfg.GoogleClientID, cfg.GoogleSecret, cfg.GoogleCredsFile)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}
			authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			code, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			token, err := gcal.Exchange(c.Context, oauthCfg, strings.TrimSpace(code))
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			if err := gcal.SaveToken(cfg.GoogleTokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			logger.Info("saved google token", slog.String("file", cfg.GoogleTokenFile))
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the Google calendars, or the CalDAV ones with --caldav.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "caldav"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			if c.Bool("caldav") {
				m, err := e.mirror("")
				if err != nil {
					return err
				}
				cals, err := m.Calendars(c.Context)
				if err != nil {
					return err
				}
				for _, cal := range cals {
					fmt.Printf("%s  %s\n", cal.Path, cal.Name)
				}
				return nil
			}

			if e.calendar == nil {
				return fmt.Errorf("calendars needs the calendar backend, current backend is %s", e.cfg.Backend)
			}
			entries, err := e.calendar.Calendars(c.Context)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				mark := " "
				if entry.Id == e.cfg.CalendarID || (entry.Primary && e.cfg.CalendarID == "primary") {
					mark = "*"
				}
				fmt.Printf("%s %s  %s\n", mark, entry.Id, entry.Summary)
			}
			return nil
		}),
	}
}
