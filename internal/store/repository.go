package store

import (
	"context"

	"opticbook/internal/domain"
)

// DayTx is the set of operations available while the per-date lock is held.
type DayTx interface {
	ListDay(ctx context.Context, date string) ([]domain.Appointment, error)
	Get(ctx context.Context, id int64) (domain.Appointment, error)
	InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) error
	DeleteAppointment(ctx context.Context, id int64) error
}

// AppointmentRepository is the server-side persistence of appointments.
// InDayTransaction serialises writers touching any of the given dates.
type AppointmentRepository interface {
	List(ctx context.Context, f Filter) ([]domain.Appointment, error)
	Get(ctx context.Context, id int64) (domain.Appointment, error)
	InDayTransaction(ctx context.Context, dates []string, fn func(ctx context.Context, tx DayTx) error) error
	Clear(ctx context.Context, scope Scope) (int, error)
	ReplaceAll(ctx context.Context, appts []domain.Appointment) (int, error)
}
