// Package fallback pairs the remote store with the local one for degraded mode.
//
// With degraded mode off the wrapper only mirrors successful remote reads into
// the local document. With it on, a create that cannot reach the remote store
// is written locally and flagged LocalOnly; Reconcile later pushes exactly
// the flagged records and nothing else.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"opticbook/internal/domain"
	"opticbook/internal/store"
)

// Local is the part of the local store the wrapper needs.
type Local interface {
	store.AppointmentStore
	Mirror(ctx context.Context, appts []domain.Appointment) error
	Pending(ctx context.Context) ([]domain.Appointment, error)
	MarkPushed(ctx context.Context, localID int64, pushed domain.Appointment) error
}

type Store struct {
	remote   store.AppointmentStore
	local    Local
	degraded bool
	log      *slog.Logger
}

var _ store.AppointmentStore = (*Store)(nil)

func New(remote store.AppointmentStore, local Local, degraded bool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		remote:   remote,
		local:    local,
		degraded: degraded,
		log:      log.With(slog.String("component", "fallback_store")),
	}
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
	all, err := s.remote.List(ctx, store.Filter{})
	if err != nil {
		if !s.degraded || !errors.Is(err, store.ErrBackendUnavailable) {
			return f.Apply(all), err
		}
		local, lerr := s.local.List(ctx, f)
		if lerr != nil {
			return f.Apply(all), err
		}
		return local, err
	}

	if merr := s.local.Mirror(ctx, all); merr != nil {
		s.log.Warn("mirror remote snapshot failed", slog.Any("err", merr))
	}
	if s.degraded {
		pending, perr := s.local.Pending(ctx)
		if perr == nil {
			all = append(all, pending...)
		}
	}
	return f.Apply(all), nil
}

// Create fixes the id before the remote attempt, so a record the remote store
// kept despite a failed answer matches its local copy on Reconcile.
func (s *Store) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if appt.ID == 0 {
		appt.ID = domain.NewID()
	}
	created, err := s.remote.Create(ctx, appt)
	if err == nil || !s.degraded || !errors.Is(err, store.ErrBackendUnavailable) {
		return created, err
	}

	appt.LocalOnly = true
	local, lerr := s.local.Create(ctx, appt)
	if lerr != nil {
		return domain.Appointment{}, lerr
	}
	s.log.Warn("remote unavailable, appointment kept locally",
		slog.Int64("id", local.ID),
		slog.String("date", local.Date),
		slog.String("time", local.Time),
		slog.Any("err", err),
	)
	return local, nil
}

func (s *Store) Update(ctx context.Context, id int64, p store.Patch) error {
	if s.isPending(ctx, id) {
		return s.local.Update(ctx, id, p)
	}
	return s.remote.Update(ctx, id, p)
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	if s.isPending(ctx, id) {
		return s.local.Delete(ctx, id)
	}
	return s.remote.Delete(ctx, id)
}

func (s *Store) ClearAll(ctx context.Context, scope store.Scope) (int, error) {
	n, err := s.remote.ClearAll(ctx, scope)
	if err != nil {
		return n, err
	}
	// Flagged records in scope go too, or Reconcile would resurrect them.
	if _, lerr := s.local.ClearAll(ctx, scope); lerr != nil {
		s.log.Warn("clear local copy failed", slog.Any("err", lerr))
	}
	return n, nil
}

func (s *Store) isPending(ctx context.Context, id int64) bool {
	if !s.degraded {
		return false
	}
	pending, err := s.local.Pending(ctx)
	if err != nil {
		return false
	}
	for _, a := range pending {
		if a.ID == id {
			return true
		}
	}
	return false
}

type ReconcileResult struct {
	Pushed   int
	Rejected []domain.Appointment
}

// Reconcile re-pushes the flagged local records. A record the remote store
// already holds under the same id counts as pushed. A record the remote store
// rejects (its slot was taken meanwhile) stays flagged and is reported. An
// unreachable remote store stops the run.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	pending, err := s.local.Pending(ctx)
	if err != nil {
		return res, err
	}
	for _, p := range pending {
		a := p
		a.LocalOnly = false
		created, err := s.remote.Create(ctx, a)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidSlot), errors.Is(err, store.ErrIdempotencyConflict):
			s.log.Warn("pending appointment rejected", slog.Int64("id", p.ID), slog.Any("err", err))
			res.Rejected = append(res.Rejected, p)
			continue
		default:
			return res, fmt.Errorf("push appointment %d: %w", p.ID, err)
		}
		if err := s.local.MarkPushed(ctx, p.ID, created); err != nil {
			return res, fmt.Errorf("mark appointment %d pushed: %w", p.ID, err)
		}
		res.Pushed++
	}
	if res.Pushed > 0 || len(res.Rejected) > 0 {
		s.log.Info("reconciled local appointments", slog.Int("pushed", res.Pushed), slog.Int("rejected", len(res.Rejected)))
	}
	return res, nil
}
