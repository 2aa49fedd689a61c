package local

import (
	"context"
	"fmt"
	"time"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/store"
)

func (s *Store) List(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return []domain.Appointment{}, classify(err)
	}
	return f.Apply(doc.Appointments), nil
}

// Create checks the slot against the stored appointments and appends appt.
// A client with the same phone number is added to the client book if missing.
// Repeating a create with the same id returns the stored appointment.
func (s *Store) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	err := s.mutate(ctx, func(doc *Document) error {
		existing, ok, err := store.Replayed(doc.Appointments, appt)
		if err != nil {
			return err
		}
		if ok {
			appt = existing
			return nil
		}
		if err := s.guard.Check(booking.CandidateOf(appt), doc.Appointments, 0); err != nil {
			return err
		}
		if appt.ID == 0 {
			appt.ID = domain.NewID()
		}
		if appt.CreatedAt.IsZero() {
			appt.CreatedAt = time.Now().UTC()
		}
		if appt.StoreName == "" {
			if st, ok := findStore(doc.Stores, appt.StoreID); ok {
				appt.StoreName = st.Name
			}
		}
		doc.Appointments = append(doc.Appointments, appt)
		ensureClient(doc, appt.ClientName, appt.ClientPhone)
		return nil
	})
	if err != nil {
		return domain.Appointment{}, classify(err)
	}
	return appt, nil
}

func (s *Store) Update(ctx context.Context, id int64, p store.Patch) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		i := indexOf(doc.Appointments, id)
		if i < 0 {
			return fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
		}
		current := doc.Appointments[i]
		next := p.ApplyTo(current)
		if p.MovesSlot(current) {
			if err := s.guard.Check(booking.CandidateOf(next), doc.Appointments, id); err != nil {
				return err
			}
		}
		doc.Appointments[i] = next
		return nil
	}))
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		i := indexOf(doc.Appointments, id)
		if i < 0 {
			return fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
		}
		doc.Appointments = append(doc.Appointments[:i], doc.Appointments[i+1:]...)
		return nil
	}))
}

func (s *Store) ClearAll(ctx context.Context, scope store.Scope) (int, error) {
	removed := 0
	err := s.mutate(ctx, func(doc *Document) error {
		kept := make([]domain.Appointment, 0, len(doc.Appointments))
		for _, a := range doc.Appointments {
			if scope.Match(a) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		doc.Appointments = kept
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return removed, nil
}

// Mirror replaces the stored appointments with appts, a snapshot of the
// remote backend. Appointments flagged LocalOnly are kept: they have not
// reached the remote side yet.
func (s *Store) Mirror(ctx context.Context, appts []domain.Appointment) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		next := make([]domain.Appointment, 0, len(appts))
		for _, a := range appts {
			a.LocalOnly = false
			next = append(next, a)
		}
		for _, a := range doc.Appointments {
			if a.LocalOnly {
				next = append(next, a)
			}
		}
		doc.Appointments = next
		now := time.Now().UTC()
		doc.Settings.LastSync = &now
		return nil
	}))
}

// Pending returns the appointments written while the remote backend was down.
func (s *Store) Pending(ctx context.Context) ([]domain.Appointment, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var out []domain.Appointment
	for _, a := range doc.Appointments {
		if a.LocalOnly {
			out = append(out, a)
		}
	}
	store.SortAppointments(out)
	return out, nil
}

// MarkPushed clears the LocalOnly flag of localID, replacing the record with
// pushed, the version the remote backend accepted.
func (s *Store) MarkPushed(ctx context.Context, localID int64, pushed domain.Appointment) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		i := indexOf(doc.Appointments, localID)
		if i < 0 {
			return fmt.Errorf("appointment %d: %w", localID, store.ErrNotFound)
		}
		pushed.LocalOnly = false
		doc.Appointments[i] = pushed
		return nil
	}))
}

func indexOf(appts []domain.Appointment, id int64) int {
	for i := range appts {
		if appts[i].ID == id {
			return i
		}
	}
	return -1
}
