// Package app holds the session of the logged-in store and the booking flow
// the front-ends drive.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/store"
	"opticbook/internal/store/local"
	"opticbook/internal/syncer"
)

var ErrInvalidInput = errors.New("invalid input")

// Directory is the store list, the client book and the persisted settings.
type Directory interface {
	Authenticate(ctx context.Context, id int64, password string) (domain.Store, error)
	Store(ctx context.Context, id int64) (domain.Store, error)
	Stores(ctx context.Context) ([]domain.Store, error)
	RememberClient(ctx context.Context, name, phone string) error
	Settings(ctx context.Context) (local.Settings, error)
	UpdateSettings(ctx context.Context, fn func(*local.Settings)) error
}

type App struct {
	backend store.AppointmentStore
	dir     Directory
	guard   booking.Guard
	poller  *syncer.Poller
	log     *slog.Logger

	mu      sync.Mutex
	session *domain.Store
}

func New(backend store.AppointmentStore, dir Directory, guard booking.Guard, poller *syncer.Poller, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{
		backend: backend,
		dir:     dir,
		guard:   guard,
		poller:  poller,
		log:     log.With(slog.String("component", "app")),
	}
}

func (a *App) Guard() booking.Guard { return a.guard }

func (a *App) Poller() *syncer.Poller { return a.poller }

func (a *App) Backend() store.AppointmentStore { return a.backend }

// Login checks the store password and starts polling. A backend that cannot
// be reached does not fail the login; the poller reports it.
func (a *App) Login(ctx context.Context, storeID int64, password string) (domain.Store, error) {
	st, err := a.dir.Authenticate(ctx, storeID, password)
	if err != nil {
		return domain.Store{}, err
	}
	if err := a.dir.UpdateSettings(ctx, func(s *local.Settings) {
		s.SessionStoreID = store.Int64(st.ID)
	}); err != nil {
		a.log.Warn("session not persisted", slog.Any("err", err))
	}
	a.start(ctx, st)
	a.log.Info("logged in", slog.Int64("store_id", st.ID), slog.String("store", st.Name))
	return st, nil
}

// Restore resumes the session saved by the last Login. It reports false
// when there is none or the store has been deactivated since.
func (a *App) Restore(ctx context.Context) (domain.Store, bool, error) {
	settings, err := a.dir.Settings(ctx)
	if err != nil {
		return domain.Store{}, false, err
	}
	if settings.SessionStoreID == nil {
		return domain.Store{}, false, nil
	}
	st, err := a.dir.Store(ctx, *settings.SessionStoreID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Store{}, false, nil
		}
		return domain.Store{}, false, err
	}
	if !st.Active {
		return domain.Store{}, false, nil
	}
	a.start(ctx, st)
	return st, true, nil
}

func (a *App) start(ctx context.Context, st domain.Store) {
	a.mu.Lock()
	a.session = &st
	a.mu.Unlock()

	if a.poller == nil {
		return
	}
	if err := a.poller.Connect(ctx); err != nil {
		a.log.Warn("backend unreachable at login", slog.Any("err", err))
	}
}

// Logout stops polling and forgets the session.
func (a *App) Logout(ctx context.Context) error {
	if a.poller != nil {
		a.poller.Disconnect()
	}
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	return a.dir.UpdateSettings(ctx, func(s *local.Settings) {
		s.SessionStoreID = nil
	})
}

func (a *App) Session() (domain.Store, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return domain.Store{}, false
	}
	return *a.session, true
}

func (a *App) requireSession() (domain.Store, error) {
	st, ok := a.Session()
	if !ok {
		return domain.Store{}, fmt.Errorf("not logged in: %w", store.ErrUnauthorized)
	}
	return st, nil
}

type BookingRequest struct {
	Date        string
	Time        string
	ClientName  string
	ClientPhone string
	Notes       string
}

// Book creates an appointment for the logged-in store. A conflict seen in the
// cache is confirmed against a fresh list before it is reported.
func (a *App) Book(ctx context.Context, req BookingRequest) (domain.Appointment, error) {
	st, err := a.requireSession()
	if err != nil {
		return domain.Appointment{}, err
	}
	name := strings.TrimSpace(req.ClientName)
	phone := domain.DigitsOnly(req.ClientPhone)
	if name == "" {
		return domain.Appointment{}, fmt.Errorf("client name is required: %w", ErrInvalidInput)
	}
	if phone == "" {
		return domain.Appointment{}, fmt.Errorf("client phone is required: %w", ErrInvalidInput)
	}

	appt := domain.Appointment{
		Date:        strings.TrimSpace(req.Date),
		Time:        strings.TrimSpace(req.Time),
		ClientName:  name,
		ClientPhone: phone,
		StoreID:     st.ID,
		StoreName:   st.Name,
		Notes:       strings.TrimSpace(req.Notes),
	}
	if err := a.check(ctx, booking.CandidateOf(appt), 0); err != nil {
		return domain.Appointment{}, err
	}

	created, err := a.backend.Create(ctx, appt)
	if err != nil {
		return domain.Appointment{}, err
	}
	if a.poller != nil {
		a.poller.ApplyCreated(created)
	}
	if err := a.dir.RememberClient(ctx, name, phone); err != nil {
		a.log.Warn("client not saved", slog.Any("err", err))
	}
	a.log.Info("appointment booked",
		slog.Int64("appointment_id", created.ID),
		slog.String("date", created.Date),
		slog.String("time", created.Time),
		slog.Int64("store_id", created.StoreID),
	)
	return created, nil
}

// Edit changes one of the logged-in store's appointments.
func (a *App) Edit(ctx context.Context, id int64, p store.Patch) (domain.Appointment, error) {
	st, err := a.requireSession()
	if err != nil {
		return domain.Appointment{}, err
	}
	if p.StoreID != nil && *p.StoreID != st.ID {
		return domain.Appointment{}, fmt.Errorf("cannot move appointment to store %d: %w", *p.StoreID, store.ErrUnauthorized)
	}
	current, err := a.owned(ctx, st, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	if p.MovesSlot(current) {
		if err := a.check(ctx, booking.CandidateOf(p.ApplyTo(current)), id); err != nil {
			return domain.Appointment{}, err
		}
	}

	if err := a.backend.Update(ctx, id, p); err != nil {
		return domain.Appointment{}, err
	}
	updated := p.ApplyTo(current)
	if a.poller != nil {
		a.poller.ApplyUpdated(updated)
	}
	a.log.Info("appointment edited", slog.Int64("appointment_id", id))
	return updated, nil
}

// Cancel deletes one of the logged-in store's appointments. With
// ignoreMissing an appointment that is already gone counts as cancelled.
func (a *App) Cancel(ctx context.Context, id int64, ignoreMissing bool) error {
	st, err := a.requireSession()
	if err != nil {
		return err
	}
	if _, err := a.owned(ctx, st, id); err != nil {
		if ignoreMissing && errors.Is(err, store.ErrNotFound) {
			a.forget(id)
			return nil
		}
		return err
	}
	if err := a.backend.Delete(ctx, id); err != nil {
		if !ignoreMissing || !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	a.forget(id)
	a.log.Info("appointment cancelled", slog.Int64("appointment_id", id))
	return nil
}

// Clear removes appointments in scope. A store may only clear its own
// appointments or, as an explicit administrative action, all of them.
func (a *App) Clear(ctx context.Context, scope store.Scope) (int, error) {
	st, err := a.requireSession()
	if err != nil {
		return 0, err
	}
	if scope.Scoped && scope.StoreID != st.ID {
		return 0, fmt.Errorf("cannot clear store %d: %w", scope.StoreID, store.ErrUnauthorized)
	}
	n, err := a.backend.ClearAll(ctx, scope)
	if err != nil {
		return 0, err
	}
	if a.poller != nil {
		a.poller.ApplyCleared(scope)
	}
	a.log.Warn("appointments cleared", slog.Int("count", n), slog.Bool("scoped", scope.Scoped), slog.Int64("by_store", st.ID))
	return n, nil
}

// Appointments reads the cache, or the backend when nothing is polling.
func (a *App) Appointments(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
	if a.poller != nil && a.poller.State() == syncer.Connected {
		return a.poller.Appointments(f), nil
	}
	return a.backend.List(ctx, f)
}

func (a *App) Stores(ctx context.Context) ([]domain.Store, error) {
	return a.dir.Stores(ctx)
}

// check validates c against the cache first and, on a conflict, against a
// fresh list of the day.
func (a *App) check(ctx context.Context, c booking.Candidate, ignoreID int64) error {
	cached, err := a.Appointments(ctx, store.Filter{Date: c.Date})
	if err != nil && !errors.Is(err, store.ErrBackendUnavailable) {
		return err
	}
	err = a.guard.Check(c, cached, ignoreID)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}

	fresh, ferr := a.fresh(ctx, c.Date)
	if ferr != nil {
		a.log.Warn("recheck failed, reporting cached conflict", slog.Any("err", ferr))
		return err
	}
	return a.guard.Check(c, fresh, ignoreID)
}

// fresh refreshes the cache when polling and falls back to listing the day
// directly.
func (a *App) fresh(ctx context.Context, date string) ([]domain.Appointment, error) {
	if a.poller != nil && a.poller.State() == syncer.Connected {
		if err := a.poller.Refresh(ctx); err == nil {
			return a.poller.Appointments(store.Filter{Date: date}), nil
		}
	}
	return a.backend.List(ctx, store.Filter{Date: date})
}

func (a *App) owned(ctx context.Context, st domain.Store, id int64) (domain.Appointment, error) {
	appts, err := a.Appointments(ctx, store.Filter{StoreID: store.Int64(st.ID)})
	if err != nil && !errors.Is(err, store.ErrBackendUnavailable) {
		return domain.Appointment{}, err
	}
	for _, appt := range appts {
		if appt.ID == id {
			return appt, nil
		}
	}

	all, err := a.backend.List(ctx, store.Filter{})
	if err != nil {
		return domain.Appointment{}, err
	}
	for _, appt := range all {
		if appt.ID != id {
			continue
		}
		if appt.StoreID != st.ID {
			return domain.Appointment{}, fmt.Errorf("appointment %d belongs to store %d: %w", id, appt.StoreID, store.ErrUnauthorized)
		}
		return appt, nil
	}
	return domain.Appointment{}, fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
}

func (a *App) forget(id int64) {
	if a.poller != nil {
		a.poller.ApplyDeleted(id)
	}
}
