package store

import (
	"context"
	"fmt"
	"sort"

	"opticbook/internal/domain"
)

// AppointmentStore is implemented by every appointment backend.
//
// List never fails for lack of data: when the backend cannot be reached it
// returns the last known appointments together with an error wrapping
// ErrBackendUnavailable. Mutations report ErrConflict, ErrInvalidSlot,
// ErrNotFound and ErrBackendUnavailable as returned errors; a failed mutation
// leaves the backend untouched.
type AppointmentStore interface {
	List(ctx context.Context, f Filter) ([]domain.Appointment, error)
	Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	Update(ctx context.Context, id int64, p Patch) error
	Delete(ctx context.Context, id int64) error
	ClearAll(ctx context.Context, scope Scope) (int, error)
}

type Filter struct {
	Date    string
	StoreID *int64
	// Month is a YYYY-MM prefix.
	Month string
}

func (f Filter) Match(a domain.Appointment) bool {
	if f.Date != "" && a.Date != f.Date {
		return false
	}
	if f.StoreID != nil && a.StoreID != *f.StoreID {
		return false
	}
	if f.Month != "" && domain.MonthOf(a.Date) != f.Month {
		return false
	}
	return true
}

// Apply returns the matching appointments ordered by date, time and store.
func (f Filter) Apply(appts []domain.Appointment) []domain.Appointment {
	out := make([]domain.Appointment, 0, len(appts))
	for _, a := range appts {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	SortAppointments(out)
	return out
}

func SortAppointments(appts []domain.Appointment) {
	sort.SliceStable(appts, func(i, j int) bool {
		if appts[i].Date != appts[j].Date {
			return appts[i].Date < appts[j].Date
		}
		if appts[i].Time != appts[j].Time {
			return appts[i].Time < appts[j].Time
		}
		return appts[i].StoreID < appts[j].StoreID
	})
}

// Patch holds the fields of an update. Nil fields are left unchanged.
type Patch struct {
	Date        *string
	Time        *string
	StoreID     *int64
	StoreName   *string
	ClientName  *string
	ClientPhone *string
	Notes       *string
	ExternalRef *string
}

// MovesSlot reports whether the patch changes date, time or store, which
// requires the slot to be checked again.
func (p Patch) MovesSlot(current domain.Appointment) bool {
	return (p.Date != nil && *p.Date != current.Date) ||
		(p.Time != nil && *p.Time != current.Time) ||
		(p.StoreID != nil && *p.StoreID != current.StoreID)
}

// ApplyTo returns a copy of a with the patch applied. CreatedAt never changes.
func (p Patch) ApplyTo(a domain.Appointment) domain.Appointment {
	if p.Date != nil {
		a.Date = *p.Date
	}
	if p.Time != nil {
		a.Time = *p.Time
	}
	if p.StoreID != nil {
		a.StoreID = *p.StoreID
	}
	if p.StoreName != nil {
		a.StoreName = *p.StoreName
	}
	if p.ClientName != nil {
		a.ClientName = *p.ClientName
	}
	if p.ClientPhone != nil {
		a.ClientPhone = *p.ClientPhone
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	if p.ExternalRef != nil {
		a.ExternalRef = *p.ExternalRef
	}
	return a
}

// Scope selects what ClearAll removes: everything, or one store's appointments.
type Scope struct {
	StoreID int64
	Scoped  bool
}

func AllStores() Scope { return Scope{} }

func OnlyStore(id int64) Scope { return Scope{StoreID: id, Scoped: true} }

func (s Scope) Match(a domain.Appointment) bool {
	return !s.Scoped || a.StoreID == s.StoreID
}

func Int64(v int64) *int64 { return &v }

func String(v string) *string { return &v }

// Replayed looks up appt.ID among appts. A match describing the same booking
// is returned with ok set; a match describing another booking yields
// ErrIdempotencyConflict. Appointments without an id never match.
func Replayed(appts []domain.Appointment, appt domain.Appointment) (existing domain.Appointment, ok bool, err error) {
	if appt.ID == 0 {
		return domain.Appointment{}, false, nil
	}
	for _, a := range appts {
		if a.ID != appt.ID {
			continue
		}
		if !a.SameBooking(appt) {
			return domain.Appointment{}, false, fmt.Errorf("appointment %d: %w", appt.ID, ErrIdempotencyConflict)
		}
		return a, true, nil
	}
	return domain.Appointment{}, false, nil
}
