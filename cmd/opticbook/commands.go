package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"opticbook/internal/app"
	"opticbook/internal/domain"
	"opticbook/internal/store"
	"opticbook/internal/syncer"
	"opticbook/internal/view"
)

func withEnv(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(c, e)
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in as a store. The session is kept until logout.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "store", Aliases: []string{"s"}, Required: true, Usage: "Store id."},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "Store password. Prompted when omitted."},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			password := c.String("password")
			if password == "" {
				fmt.Print("Senha: ")
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				password = strings.TrimSpace(line)
			}
			st, err := e.app.Login(c.Context, c.Int64("store"), password)
			if err != nil {
				return err
			}
			fmt.Printf("Logged in as %s.\n", st.Name)
			if snap := e.app.Poller().Snapshot(); snap.State != syncer.Connected {
				fmt.Println("Backend unreachable; showing nothing until it comes back.")
			}
			return nil
		}),
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "End the current store session.",
		Action: withEnv(func(c *cli.Context, e *env) error {
			return e.app.Logout(c.Context)
		}),
	}
}

func storesCommand() *cli.Command {
	return &cli.Command{
		Name:  "stores",
		Usage: "List the stores.",
		Action: withEnv(func(c *cli.Context, e *env) error {
			stores, err := e.app.Stores(c.Context)
			if err != nil {
				return err
			}
			current, _ := e.app.Session()
			for _, st := range stores {
				mark := " "
				if st.ID == current.ID {
					mark = "*"
				}
				state := ""
				if !st.Active {
					state = " (inactive)"
				}
				fmt.Printf("%s %d  %-10s %s%s\n", mark, st.ID, st.Name, st.Color, state)
			}
			return nil
		}),
	}
}

func slotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "slots",
		Usage: "Show the bookable times of a day.",
		Flags: []cli.Flag{dateFlag()},
		Action: withEnv(func(c *cli.Context, e *env) error {
			date := dateOr(c, e)
			times, err := e.rules.SlotsForDate(date)
			if err != nil {
				return err
			}
			if len(times) == 0 {
				fmt.Println("Fechado")
				return nil
			}
			fmt.Println(strings.Join(times, " "))
			return nil
		}),
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List appointments.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "YYYY-MM-DD."},
			&cli.StringFlag{Name: "month", Aliases: []string{"m"}, Usage: "YYYY-MM."},
			&cli.Int64Flag{Name: "store", Aliases: []string{"s"}, Usage: "Only this store."},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			f := store.Filter{Date: c.String("date"), Month: c.String("month")}
			if c.IsSet("store") {
				f.StoreID = store.Int64(c.Int64("store"))
			}
			appts, err := e.app.Appointments(c.Context, f)
			if errors.Is(err, store.ErrBackendUnavailable) {
				e.log.Warn("backend unavailable, showing last known appointments")
			} else if err != nil {
				return err
			}
			fmt.Print(view.RenderList(appts))
			return nil
		}),
	}
}

func gridCommand() *cli.Command {
	return &cli.Command{
		Name:  "grid",
		Usage: "Draw the schedule of a day, one column per store.",
		Flags: []cli.Flag{dateFlag()},
		Action: withEnv(func(c *cli.Context, e *env) error {
			out, err := e.renderDay(c, dateOr(c, e), nil)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		}),
	}
}

func monthCommand() *cli.Command {
	return &cli.Command{
		Name:  "month",
		Usage: "Summarise a month: busy days, full days and counts per store.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "month", Aliases: []string{"m"}, Usage: "YYYY-MM, defaults to the current month."},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			month := c.String("month")
			if month == "" {
				month = domain.MonthOf(e.today())
			}
			first, err := time.ParseInLocation("2006-01", month, e.loc)
			if err != nil {
				return fmt.Errorf("month must be YYYY-MM: %w", err)
			}
			appts, err := e.app.Appointments(c.Context, store.Filter{Month: month})
			if err != nil && !errors.Is(err, store.ErrBackendUnavailable) {
				return err
			}
			stores, err := e.app.Stores(c.Context)
			if err != nil {
				return err
			}
			fmt.Print(view.RenderMonth(view.MonthSummary(first.Year(), first.Month(), e.rules, e.cfg.Policy, activeCount(stores), appts)))

			stats := view.ComputeStats(time.Now().In(e.loc), appts)
			fmt.Printf("\nMês: %d  Hoje: %d\n", stats.Month, stats.Today)
			for _, st := range stores {
				if n := stats.ByStore[st.ID]; n > 0 {
					fmt.Printf("  %-10s %d\n", st.Name, n)
				}
			}
			return nil
		}),
	}
}

func bookCommand() *cli.Command {
	return &cli.Command{
		Name:  "book",
		Usage: "Book an appointment for the logged-in store.",
		Flags: []cli.Flag{
			dateFlag(),
			&cli.StringFlag{Name: "time", Aliases: []string{"t"}, Required: true, Usage: "HH:MM."},
			&cli.StringFlag{Name: "client", Aliases: []string{"c"}, Required: true},
			&cli.StringFlag{Name: "phone", Required: true},
			&cli.StringFlag{Name: "notes"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			created, err := e.app.Book(c.Context, app.BookingRequest{
				Date:        dateOr(c, e),
				Time:        c.String("time"),
				ClientName:  c.String("client"),
				ClientPhone: c.String("phone"),
				Notes:       c.String("notes"),
			})
			if err != nil {
				return explain(err)
			}
			fmt.Printf("Agendado #%d %s %s %s\n", created.ID, created.Date, created.Time, created.ClientName)
			if created.LocalOnly {
				fmt.Println("Saved locally only; run opticbook reconcile when the backend is back.")
			}
			if link := view.WhatsAppLink(created.ClientPhone, created.ClientName); link != "" {
				fmt.Println(link)
			}
			return nil
		}),
	}
}

func editCommand() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Change one of the logged-in store's appointments.",
		ArgsUsage: "ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Aliases: []string{"d"}},
			&cli.StringFlag{Name: "time", Aliases: []string{"t"}},
			&cli.StringFlag{Name: "client", Aliases: []string{"c"}},
			&cli.StringFlag{Name: "phone"},
			&cli.StringFlag{Name: "notes"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			id, err := idArg(c)
			if err != nil {
				return err
			}
			var p store.Patch
			if c.IsSet("date") {
				p.Date = store.String(c.String("date"))
			}
			if c.IsSet("time") {
				p.Time = store.String(c.String("time"))
			}
			if c.IsSet("client") {
				p.ClientName = store.String(strings.TrimSpace(c.String("client")))
			}
			if c.IsSet("phone") {
				p.ClientPhone = store.String(domain.DigitsOnly(c.String("phone")))
			}
			if c.IsSet("notes") {
				p.Notes = store.String(c.String("notes"))
			}
			updated, err := e.app.Edit(c.Context, id, p)
			if err != nil {
				return explain(err)
			}
			fmt.Printf("Atualizado #%d %s %s %s\n", updated.ID, updated.Date, updated.Time, updated.ClientName)
			return nil
		}),
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Delete one of the logged-in store's appointments.",
		ArgsUsage: "ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "ignore-missing", Usage: "Succeed when the appointment is already gone."},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			id, err := idArg(c)
			if err != nil {
				return err
			}
			if err := e.app.Cancel(c.Context, id, c.Bool("ignore-missing")); err != nil {
				return explain(err)
			}
			fmt.Printf("Cancelado #%d\n", id)
			return nil
		}),
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Delete the logged-in store's appointments, or everyone's with --all.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "Clear every store."},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation."},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			st, err := e.session()
			if err != nil {
				return err
			}
			scope := store.OnlyStore(st.ID)
			what := "all appointments of " + st.Name
			if c.Bool("all") {
				scope = store.AllStores()
				what = "ALL appointments of every store"
			}
			if !c.Bool("yes") && !confirm(fmt.Sprintf("Delete %s?", what)) {
				return nil
			}
			n, err := e.app.Clear(c.Context, scope)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d appointments.\n", n)
			return nil
		}),
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Redraw the day grid whenever the poller picks up changes.",
		Flags: []cli.Flag{dateFlag()},
		Action: withEnv(func(c *cli.Context, e *env) error {
			if _, err := e.session(); err != nil {
				return err
			}
			date := dateOr(c, e)
			draw := func(s syncer.Snapshot) {
				out, err := e.renderDay(c, date, &s)
				if err != nil {
					e.log.Error("render failed", slog.Any("err", err))
					return
				}
				fmt.Print("\033[H\033[2J")
				fmt.Print(out)
				status := fmt.Sprintf("%s, last sync %s", s.State, s.LastSync.In(e.loc).Format("15:04:05"))
				if s.Err != nil {
					status += " (sync failed: " + s.Err.Error() + ")"
				}
				fmt.Println(status)
			}
			e.render.Store(&draw)

			p := e.app.Poller()
			if p.State() != syncer.Connected {
				if err := p.Connect(c.Context); err != nil {
					return err
				}
			} else {
				draw(p.Snapshot())
			}
			<-c.Context.Done()
			return nil
		}),
	}
}

func pingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Check that the remote backend answers.",
		Action: withEnv(func(c *cli.Context, e *env) error {
			if e.remote == nil {
				return fmt.Errorf("ping needs the remote backend, current backend is %s", e.cfg.Backend)
			}
			start := time.Now()
			if err := e.remote.Ping(c.Context); err != nil {
				return err
			}
			fmt.Printf("ok (%s)\n", time.Since(start).Round(time.Millisecond))
			return nil
		}),
	}
}

func dateFlag() cli.Flag {
	return &cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "YYYY-MM-DD, defaults to today."}
}

func dateOr(c *cli.Context, e *env) string {
	if d := strings.TrimSpace(c.String("date")); d != "" {
		return d
	}
	return e.today()
}

func idArg(c *cli.Context) (int64, error) {
	raw := c.Args().First()
	if raw == "" {
		return 0, errors.New("appointment id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid appointment id %q", raw)
	}
	return id, nil
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes" || answer == "s" || answer == "sim"
}

func activeCount(stores []domain.Store) int {
	n := 0
	for _, st := range stores {
		if st.Active {
			n++
		}
	}
	return n
}

// explain turns the booking errors into the messages the shops know.
func explain(err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("horário já ocupado: %w", err)
	case errors.Is(err, store.ErrInvalidSlot):
		return fmt.Errorf("horário fora do expediente: %w", err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("agendamento não encontrado: %w", err)
	case errors.Is(err, store.ErrUnauthorized):
		return fmt.Errorf("sem permissão: %w", err)
	case errors.Is(err, store.ErrBackendUnavailable):
		return fmt.Errorf("sem conexão com a agenda: %w", err)
	default:
		return err
	}
}

func (e *env) renderDay(c *cli.Context, date string, snap *syncer.Snapshot) (string, error) {
	var appts []domain.Appointment
	if snap != nil {
		appts = store.Filter{Date: date}.Apply(snap.Appointments)
	} else {
		var err error
		appts, err = e.app.Appointments(c.Context, store.Filter{Date: date})
		if err != nil && !errors.Is(err, store.ErrBackendUnavailable) {
			return "", err
		}
	}
	stores, err := e.app.Stores(c.Context)
	if err != nil {
		return "", err
	}
	current, _ := e.app.Session()
	day, err := view.BuildDay(view.DayInput{
		Date:         date,
		Rules:        e.rules,
		Policy:       e.cfg.Policy,
		Stores:       stores,
		Appointments: appts,
		Busy:         e.busySlots(c.Context, date),
		ViewerID:     current.ID,
	})
	if err != nil {
		return "", err
	}
	return view.RenderDay(day), nil
}
