// Package booking decides whether a slot can be taken.
package booking

import (
	"fmt"
	"strings"

	"opticbook/internal/domain"
	"opticbook/internal/slots"
	"opticbook/internal/store"
)

type Policy int

const (
	// GlobalExclusive allows one appointment per date and time across all stores.
	GlobalExclusive Policy = iota
	// PerStoreExclusive allows one appointment per date, time and store.
	PerStoreExclusive
)

func (p Policy) String() string {
	switch p {
	case PerStoreExclusive:
		return "per-store"
	default:
		return "global"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "global":
		return GlobalExclusive, nil
	case "per-store", "per_store", "perstore":
		return PerStoreExclusive, nil
	default:
		return GlobalExclusive, fmt.Errorf("unknown booking policy %q", s)
	}
}

type Candidate struct {
	Date    string
	Time    string
	StoreID int64
}

func CandidateOf(a domain.Appointment) Candidate {
	return Candidate{Date: a.Date, Time: a.Time, StoreID: a.StoreID}
}

// CanBook reports whether c is free given the existing appointments.
func CanBook(c Candidate, existing []domain.Appointment, p Policy) bool {
	return blocking(c, existing, p, 0) == nil
}

func blocking(c Candidate, existing []domain.Appointment, p Policy, ignoreID int64) *domain.Appointment {
	for i := range existing {
		e := &existing[i]
		if ignoreID != 0 && e.ID == ignoreID {
			continue
		}
		if e.Date != c.Date || e.Time != c.Time {
			continue
		}
		if p == GlobalExclusive || e.StoreID == c.StoreID {
			return e
		}
	}
	return nil
}

type Guard struct {
	Rules  *slots.Rules
	Policy Policy
}

// Check validates c against the slot rules, then against existing. The
// appointment with ignoreID is skipped so an edit does not conflict with itself.
func (g Guard) Check(c Candidate, existing []domain.Appointment, ignoreID int64) error {
	if !g.Rules.IsSlot(c.Date, c.Time) {
		return fmt.Errorf("%s %s: %w", c.Date, c.Time, store.ErrInvalidSlot)
	}
	if b := blocking(c, existing, g.Policy, ignoreID); b != nil {
		return fmt.Errorf("%s %s taken by appointment %d: %w", c.Date, c.Time, b.ID, store.ErrConflict)
	}
	return nil
}
