// Package export writes appointments out as iCalendar, to a file or to a
// CalDAV collection.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"opticbook/internal/domain"
)

const productID = "-//opticbook//agenda//PT"

// UID is stable across exports so calendar clients update events in place.
func UID(id int64) string {
	return fmt.Sprintf("opticbook-%d@opticbook", id)
}

// Event converts one appointment into a VEVENT lasting one slot.
func Event(a domain.Appointment, loc *time.Location, slot time.Duration) (*ical.Component, error) {
	start, err := a.Start(loc)
	if err != nil {
		return nil, fmt.Errorf("appointment %d: %w", a.ID, err)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, UID(a.ID))
	ve.Props.SetText(ical.PropSummary, summary(a))
	ve.Props.SetDateTime(ical.PropDateTimeStamp, created.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, start)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(slot))
	if a.StoreName != "" {
		ve.Props.SetText(ical.PropLocation, a.StoreName)
	}
	if d := description(a); d != "" {
		ve.Props.SetText(ical.PropDescription, d)
	}
	return ve, nil
}

// Calendar wraps the appointments into one VCALENDAR. Appointments with a
// malformed date or time are skipped and returned as errors.
func Calendar(appts []domain.Appointment, loc *time.Location, slot time.Duration) (*ical.Calendar, []error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	var errs []error
	for _, a := range appts {
		ve, err := Event(a, loc, slot)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cal.Children = append(cal.Children, ve)
	}
	return cal, errs
}

// WriteICS encodes appts to w and reports how many events were written.
func WriteICS(w io.Writer, appts []domain.Appointment, loc *time.Location, slot time.Duration) (int, error) {
	cal, errs := Calendar(appts, loc, slot)
	if len(cal.Children) == 0 {
		if len(errs) > 0 {
			return 0, errs[0]
		}
		return 0, nil
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return 0, fmt.Errorf("encode calendar: %w", err)
	}
	return len(cal.Children), nil
}

func summary(a domain.Appointment) string {
	if a.StoreName == "" {
		return a.ClientName
	}
	return fmt.Sprintf("%s - %s", a.ClientName, a.StoreName)
}

func description(a domain.Appointment) string {
	var lines []string
	if a.ClientPhone != "" {
		lines = append(lines, "Telefone: "+a.ClientPhone)
	}
	if a.Notes != "" {
		lines = append(lines, a.Notes)
	}
	return strings.Join(lines, "\n")
}
