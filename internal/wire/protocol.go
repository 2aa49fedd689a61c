// Package wire defines the JSON protocol spoken between the booking clients
// and the remote appointment store.
//
// Reads are GET requests with an action query parameter. Writes are POSTed as
// a single flat JSON object whose "action" field selects the operation.
package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"opticbook/internal/domain"
	"opticbook/internal/store"
)

const (
	ActionTest    = "test"
	ActionPing    = "ping"
	ActionList    = "list"
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionClear   = "clear"
	ActionSyncAll = "syncAll"
)

// Error strings carried in Response.Err.
const (
	ErrTextNotFound     = "not found"
	ErrTextConflict     = "conflict"
	ErrTextInvalidSlot  = "invalid slot"
	ErrTextUnauthorized = "unauthorized"
	ErrTextBadRequest   = "bad request"
	ErrTextInternal     = "internal error"
)

// Record is an appointment as it travels on the wire.
type Record struct {
	ID          int64  `json:"id"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Client      string `json:"client"`
	Phone       string `json:"phone"`
	Store       string `json:"store"`
	StoreID     int64  `json:"storeId"`
	Notes       string `json:"notes"`
	Created     string `json:"created"`
	ExternalRef string `json:"externalRef,omitempty"`
}

func FromAppointment(a domain.Appointment) Record {
	r := Record{
		ID:          a.ID,
		Date:        a.Date,
		Time:        a.Time,
		Client:      a.ClientName,
		Phone:       a.ClientPhone,
		Store:       a.StoreName,
		StoreID:     a.StoreID,
		Notes:       a.Notes,
		ExternalRef: a.ExternalRef,
	}
	if !a.CreatedAt.IsZero() {
		r.Created = a.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return r
}

// Appointment converts r back. An unparseable created timestamp is dropped.
func (r Record) Appointment() domain.Appointment {
	a := domain.Appointment{
		ID:          r.ID,
		Date:        r.Date,
		Time:        r.Time,
		ClientName:  r.Client,
		ClientPhone: r.Phone,
		StoreName:   r.Store,
		StoreID:     r.StoreID,
		Notes:       r.Notes,
		ExternalRef: r.ExternalRef,
	}
	if r.Created != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.Created); err == nil {
			a.CreatedAt = t
		}
	}
	return a
}

func FromAppointments(appts []domain.Appointment) []Record {
	out := make([]Record, 0, len(appts))
	for _, a := range appts {
		out = append(out, FromAppointment(a))
	}
	return out
}

func Appointments(recs []Record) []domain.Appointment {
	out := make([]domain.Appointment, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Appointment())
	}
	return out
}

// Request is the body of every POST. Record fields sit at the top level next
// to the action. StoreID is a pointer because on "clear" it is an optional scope.
type Request struct {
	Action       string   `json:"action"`
	ID           int64    `json:"id,omitempty"`
	Date         string   `json:"date,omitempty"`
	Time         string   `json:"time,omitempty"`
	Client       string   `json:"client,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	Store        string   `json:"store,omitempty"`
	StoreID      *int64   `json:"storeId,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Created      string   `json:"created,omitempty"`
	ExternalRef  string   `json:"externalRef,omitempty"`
	Appointments []Record `json:"appointments,omitempty"`
}

func RecordRequest(action string, r Record) Request {
	storeID := r.StoreID
	return Request{
		Action:      action,
		ID:          r.ID,
		Date:        r.Date,
		Time:        r.Time,
		Client:      r.Client,
		Phone:       r.Phone,
		Store:       r.Store,
		StoreID:     &storeID,
		Notes:       r.Notes,
		Created:     r.Created,
		ExternalRef: r.ExternalRef,
	}
}

// Record returns the appointment fields of the request. A missing storeId
// means the general store.
func (q Request) Record() Record {
	r := Record{
		ID:          q.ID,
		Date:        q.Date,
		Time:        q.Time,
		Client:      q.Client,
		Phone:       q.Phone,
		Store:       q.Store,
		Notes:       q.Notes,
		Created:     q.Created,
		ExternalRef: q.ExternalRef,
	}
	if q.StoreID != nil {
		r.StoreID = *q.StoreID
	}
	return r
}

// Scope interprets StoreID as the scope of a clear.
func (q Request) Scope() store.Scope {
	if q.StoreID == nil {
		return store.AllStores()
	}
	return store.OnlyStore(*q.StoreID)
}

type Response struct {
	OK      bool     `json:"ok"`
	Data    []Record `json:"data,omitempty"`
	ID      int64    `json:"id,omitempty"`
	Count   int      `json:"count,omitempty"`
	Message string   `json:"message,omitempty"`
	Err     string   `json:"err,omitempty"`
}

// ErrorText maps a store error to the string sent in Response.Err.
func ErrorText(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrTextNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrIdempotencyConflict):
		return ErrTextConflict
	case errors.Is(err, store.ErrInvalidSlot):
		return ErrTextInvalidSlot
	case errors.Is(err, store.ErrUnauthorized):
		return ErrTextUnauthorized
	default:
		return ErrTextInternal
	}
}

// ErrorFromText maps a Response.Err back to a store error. Unknown texts are
// business failures reported verbatim.
func ErrorFromText(text string) error {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case lower == ErrTextNotFound, strings.Contains(lower, "não encontrado"):
		return fmt.Errorf("remote: %s: %w", text, store.ErrNotFound)
	case lower == ErrTextConflict:
		return fmt.Errorf("remote: %s: %w", text, store.ErrConflict)
	case lower == ErrTextInvalidSlot:
		return fmt.Errorf("remote: %s: %w", text, store.ErrInvalidSlot)
	case lower == ErrTextUnauthorized:
		return fmt.Errorf("remote: %s: %w", text, store.ErrUnauthorized)
	case lower == "":
		return errors.New("remote: request rejected")
	default:
		return fmt.Errorf("remote: %s", text)
	}
}
