package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/events"
	"opticbook/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

type Service struct {
	repo   store.AppointmentRepository
	guard  booking.Guard
	events events.Publisher
	log    *slog.Logger
}

func NewService(repo store.AppointmentRepository, guard booking.Guard, pub events.Publisher, log *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:   repo,
		guard:  guard,
		events: pub,
		log:    log.With(slog.String("component", "appointments")),
	}
}

type CreateInput struct {
	// ID is optional. A client retrying a create sends the same id again.
	ID          int64
	Date        string
	Time        string
	ClientName  string
	ClientPhone string
	StoreID     int64
	StoreName   string
	Notes       string
	ExternalRef string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Appointment, error) {
	appt, err := normalizeCreate(in)
	if err != nil {
		return domain.Appointment{}, err
	}

	var out domain.Appointment
	err = s.repo.InDayTransaction(ctx, []string{appt.Date}, func(ctx context.Context, tx store.DayTx) error {
		if appt.ID != 0 {
			existing, err := tx.Get(ctx, appt.ID)
			switch {
			case err == nil:
				if !existing.SameBooking(appt) {
					return store.ErrIdempotencyConflict
				}
				out = existing
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		} else {
			appt.ID = domain.NewID()
		}

		day, err := tx.ListDay(ctx, appt.Date)
		if err != nil {
			return err
		}
		if err := s.guard.Check(booking.CandidateOf(appt), day, 0); err != nil {
			return err
		}
		created, err := tx.InsertAppointment(ctx, appt)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.publish(ctx, events.TypeCreated, out.ID, out)
	return out, nil
}

func (s *Service) List(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
	if f.Date != "" {
		if _, err := domain.ParseDate(f.Date); err != nil {
			return nil, validationError("date must be YYYY-MM-DD")
		}
	}
	if f.Month != "" {
		if _, err := domain.ParseDate(f.Month + "-01"); err != nil {
			return nil, validationError("month must be YYYY-MM")
		}
	}
	return s.repo.List(ctx, f)
}

// Update applies p to the appointment. When the patch moves the appointment,
// both the old and the new date are locked and the target slot is checked again.
func (s *Service) Update(ctx context.Context, id int64, p store.Patch) (domain.Appointment, error) {
	if id <= 0 {
		return domain.Appointment{}, validationError("id is required")
	}
	p, err := normalizePatch(p)
	if err != nil {
		return domain.Appointment{}, err
	}

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}

	dates := []string{current.Date}
	if p.Date != nil {
		dates = append(dates, *p.Date)
	}

	var out domain.Appointment
	err = s.repo.InDayTransaction(ctx, dates, func(ctx context.Context, tx store.DayTx) error {
		cur, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Date != current.Date {
			// Moved by another writer after the first read; its day is not locked.
			return fmt.Errorf("appointment %d moved concurrently: %w", id, store.ErrConflict)
		}

		next := p.ApplyTo(cur)
		if p.MovesSlot(cur) {
			day, err := tx.ListDay(ctx, next.Date)
			if err != nil {
				return err
			}
			if err := s.guard.Check(booking.CandidateOf(next), day, id); err != nil {
				return err
			}
		}
		if err := tx.UpdateAppointment(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.publish(ctx, events.TypeUpdated, out.ID, out)
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return validationError("id is required")
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	err = s.repo.InDayTransaction(ctx, []string{current.Date}, func(ctx context.Context, tx store.DayTx) error {
		return tx.DeleteAppointment(ctx, id)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.TypeDeleted, id, current)
	return nil
}

func (s *Service) Clear(ctx context.Context, scope store.Scope) (int, error) {
	if scope.Scoped && scope.StoreID < 0 {
		return 0, validationError("storeId must not be negative")
	}
	n, err := s.repo.Clear(ctx, scope)
	if err != nil {
		return 0, err
	}

	s.publish(ctx, events.TypeCleared, 0, clearedPayload{Scoped: scope.Scoped, StoreID: scope.StoreID, Count: n})
	return n, nil
}

// SyncAll replaces every stored appointment with appts. Slot membership is not
// enforced so records booked under older opening hours survive a re-upload,
// but the set must not double-book a slot.
func (s *Service) SyncAll(ctx context.Context, appts []domain.Appointment) (int, error) {
	accepted := make([]domain.Appointment, 0, len(appts))
	seen := make(map[int64]struct{}, len(appts))
	for i, a := range appts {
		in := CreateInput{
			ID:          a.ID,
			Date:        a.Date,
			Time:        a.Time,
			ClientName:  a.ClientName,
			ClientPhone: a.ClientPhone,
			StoreID:     a.StoreID,
			StoreName:   a.StoreName,
			Notes:       a.Notes,
			ExternalRef: a.ExternalRef,
		}
		norm, err := normalizeCreate(in)
		if err != nil {
			return 0, validationError(fmt.Sprintf("appointments[%d]: %s", i, err.Error()))
		}
		if norm.ID == 0 {
			norm.ID = domain.NewID()
		}
		if _, dup := seen[norm.ID]; dup {
			return 0, validationError(fmt.Sprintf("appointments[%d]: duplicate id %d", i, norm.ID))
		}
		seen[norm.ID] = struct{}{}
		if !booking.CanBook(booking.CandidateOf(norm), accepted, s.guard.Policy) {
			return 0, fmt.Errorf("appointments[%d] %s %s: %w", i, norm.Date, norm.Time, store.ErrConflict)
		}
		norm.CreatedAt = a.CreatedAt
		accepted = append(accepted, norm)
	}

	n, err := s.repo.ReplaceAll(ctx, accepted)
	if err != nil {
		return 0, err
	}

	s.publish(ctx, events.TypeSynced, 0, syncedPayload{Count: n})
	return n, nil
}

type clearedPayload struct {
	Scoped  bool  `json:"scoped"`
	StoreID int64 `json:"storeId,omitempty"`
	Count   int   `json:"count"`
}

type syncedPayload struct {
	Count int `json:"count"`
}

// publish is best effort: the write is already committed.
func (s *Service) publish(ctx context.Context, eventType string, id int64, payload any) {
	e, err := events.New(eventType, id, payload)
	if err == nil {
		err = s.events.Publish(ctx, e)
	}
	if err != nil {
		s.log.Warn("event publish failed",
			slog.String("event_type", eventType),
			slog.Int64("appointment_id", id),
			slog.Any("err", err),
		)
	}
}

func normalizeCreate(in CreateInput) (domain.Appointment, error) {
	if in.ID < 0 {
		return domain.Appointment{}, validationError("id must not be negative")
	}
	date := strings.TrimSpace(in.Date)
	if _, err := domain.ParseDate(date); err != nil {
		return domain.Appointment{}, validationError("date must be YYYY-MM-DD")
	}
	tm := strings.TrimSpace(in.Time)
	if !domain.ValidTime(tm) {
		return domain.Appointment{}, validationError("time must be HH:MM")
	}
	name := strings.TrimSpace(in.ClientName)
	if name == "" {
		return domain.Appointment{}, validationError("client is required")
	}
	phone := domain.DigitsOnly(in.ClientPhone)
	if phone == "" {
		return domain.Appointment{}, validationError("phone is required")
	}
	if in.StoreID < 0 {
		return domain.Appointment{}, validationError("storeId must not be negative")
	}
	return domain.Appointment{
		ID:          in.ID,
		Date:        date,
		Time:        tm,
		ClientName:  name,
		ClientPhone: phone,
		StoreID:     in.StoreID,
		StoreName:   strings.TrimSpace(in.StoreName),
		Notes:       strings.TrimSpace(in.Notes),
		ExternalRef: strings.TrimSpace(in.ExternalRef),
	}, nil
}

func normalizePatch(p store.Patch) (store.Patch, error) {
	if p.Date != nil {
		d := strings.TrimSpace(*p.Date)
		if _, err := domain.ParseDate(d); err != nil {
			return p, validationError("date must be YYYY-MM-DD")
		}
		p.Date = &d
	}
	if p.Time != nil {
		t := strings.TrimSpace(*p.Time)
		if !domain.ValidTime(t) {
			return p, validationError("time must be HH:MM")
		}
		p.Time = &t
	}
	if p.ClientName != nil {
		n := strings.TrimSpace(*p.ClientName)
		if n == "" {
			return p, validationError("client must not be empty")
		}
		p.ClientName = &n
	}
	if p.ClientPhone != nil {
		ph := domain.DigitsOnly(*p.ClientPhone)
		if ph == "" {
			return p, validationError("phone must not be empty")
		}
		p.ClientPhone = &ph
	}
	if p.StoreID != nil && *p.StoreID < 0 {
		return p, validationError("storeId must not be negative")
	}
	return p, nil
}
