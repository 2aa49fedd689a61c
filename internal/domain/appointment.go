package domain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID          int64     `bun:"id,pk" json:"id"`
	Date        string    `bun:"date,notnull" json:"date"`
	Time        string    `bun:"time,notnull" json:"time"`
	ClientName  string    `bun:"client_name,notnull" json:"clientName"`
	ClientPhone string    `bun:"client_phone,notnull" json:"clientPhone"`
	StoreID     int64     `bun:"store_id,notnull" json:"storeId"`
	StoreName   string    `bun:"store_name" json:"storeName,omitempty"`
	Notes       string    `bun:"notes" json:"notes"`
	ExternalRef string    `bun:"external_ref" json:"externalRef,omitempty"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt   time.Time `bun:"updated_at,notnull" json:"-"`

	// LocalOnly marks a degraded-mode write that never reached the remote backend.
	LocalOnly bool `bun:"-" json:"localOnly,omitempty"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == 0 {
			a.ID = NewID()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// SameBooking reports whether both appointments describe the same booking,
// ignoring bookkeeping fields.
func (a Appointment) SameBooking(b Appointment) bool {
	return a.Date == b.Date &&
		a.Time == b.Time &&
		a.ClientName == b.ClientName &&
		a.ClientPhone == b.ClientPhone &&
		a.StoreID == b.StoreID &&
		a.Notes == b.Notes
}

// Start returns the wall-clock start of the appointment in loc.
func (a Appointment) Start(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout+" "+TimeLayout, a.Date+" "+a.Time, loc)
}

type Store struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Password string `json:"password"`
	Active   bool   `json:"active"`
}

type Client struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultStores is the list seeded on first boot.
func DefaultStores() []Store {
	return []Store{
		{ID: 1, Name: "Loja 1", Color: "#f44336", Password: DefaultStorePassword, Active: true},
		{ID: 2, Name: "Loja 2", Color: "#4CAF50", Password: DefaultStorePassword, Active: true},
		{ID: 3, Name: "Loja 3", Color: "#2196F3", Password: DefaultStorePassword, Active: true},
		{ID: 4, Name: "Loja 4", Color: "#FF9800", Password: DefaultStorePassword, Active: true},
		{ID: 5, Name: "Loja 5", Color: "#9C27B0", Password: DefaultStorePassword, Active: true},
	}
}

const DefaultStorePassword = "1234"

var (
	ErrInvalidDate = errors.New("date must be YYYY-MM-DD")
	ErrInvalidTime = errors.New("time must be HH:MM")
)

func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return d, nil
}

func ValidTime(s string) bool {
	if len(s) != 5 {
		return false
	}
	_, err := time.Parse(TimeLayout, s)
	return err == nil
}

// MonthOf returns the YYYY-MM prefix of an ISO date.
func MonthOf(date string) string {
	if len(date) < 7 {
		return ""
	}
	return date[:7]
}

// DigitsOnly strips everything but 0-9, the way phone numbers are stored.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var idGen = struct {
	mu   sync.Mutex
	last int64
}{}

// NewID returns a millisecond timestamp id that is strictly increasing within
// this process. Ids from different processes can still collide; the server
// rejects duplicates through the primary key.
func NewID() int64 {
	idGen.mu.Lock()
	defer idGen.mu.Unlock()

	id := time.Now().UnixMilli()
	if id <= idGen.last {
		id = idGen.last + 1
	}
	idGen.last = id
	return id
}
