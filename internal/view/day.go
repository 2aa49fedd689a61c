// Package view turns slot rules and appointments into the schedule a store
// looks at: the day grid, the month overview and the header counters.
package view

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/slots"
)

type CellState string

const (
	CellFree    CellState = "free"
	CellBooked  CellState = "booked"
	CellBusy    CellState = "busy"
	CellBlocked CellState = "blocked"
)

type Cell struct {
	StoreID     int64
	State       CellState
	Appointment *domain.Appointment
	// Bookable is true on the viewer's own free cells.
	Bookable bool
}

type Row struct {
	Time  string
	Cells []Cell
}

type Section struct {
	Label string
	Rows  []Row
}

type Day struct {
	Date     string
	Weekday  time.Weekday
	Closed   bool
	Stores   []domain.Store
	Sections []Section
}

// Rows returns the rows of every section in slot order.
func (d Day) Rows() []Row {
	var out []Row
	for _, s := range d.Sections {
		out = append(out, s.Rows...)
	}
	return out
}

type DayInput struct {
	Date         string
	Rules        *slots.Rules
	Policy       booking.Policy
	Stores       []domain.Store
	Appointments []domain.Appointment
	// Busy holds the slots covered by foreign calendar events.
	Busy map[string]bool
	// ViewerID is the logged-in store, 0 for none.
	ViewerID int64
}

// BuildDay lays out one row per slot with a cell per active store. Under
// GlobalExclusive a booked slot blocks the other stores' cells.
func BuildDay(in DayInput) (Day, error) {
	d, err := domain.ParseDate(in.Date)
	if err != nil {
		return Day{}, err
	}
	day := Day{Date: in.Date, Weekday: d.Weekday()}
	for _, st := range in.Stores {
		if st.Active {
			day.Stores = append(day.Stores, st)
		}
	}
	times := in.Rules.Slots(d)
	if len(times) == 0 {
		day.Closed = true
		return day, nil
	}

	byTime := make(map[string][]domain.Appointment)
	for _, a := range in.Appointments {
		if a.Date == in.Date {
			byTime[a.Time] = append(byTime[a.Time], a)
		}
	}

	rows := make([]Row, 0, len(times))
	for _, tm := range times {
		row := Row{Time: tm, Cells: make([]Cell, 0, len(day.Stores))}
		taken := byTime[tm]
		for _, st := range day.Stores {
			cell := Cell{StoreID: st.ID, State: CellFree}
			switch {
			case find(taken, st.ID) != nil:
				cell.State = CellBooked
				cell.Appointment = find(taken, st.ID)
			case in.Busy[tm]:
				cell.State = CellBusy
			case in.Policy == booking.GlobalExclusive && len(taken) > 0:
				cell.State = CellBlocked
			default:
				cell.Bookable = in.ViewerID != 0 && st.ID == in.ViewerID
			}
			row.Cells = append(row.Cells, cell)
		}
		rows = append(rows, row)
	}
	day.Sections = split(day.Weekday, rows)
	return day, nil
}

// split groups Monday to Thursday into morning and afternoon; the other open
// days have a single section.
func split(wd time.Weekday, rows []Row) []Section {
	switch wd {
	case time.Monday, time.Tuesday, time.Wednesday, time.Thursday:
		var morning, afternoon []Row
		for _, r := range rows {
			if r.Time < "13:00" {
				morning = append(morning, r)
			} else {
				afternoon = append(afternoon, r)
			}
		}
		var out []Section
		if len(morning) > 0 {
			out = append(out, Section{Label: "Manhã", Rows: morning})
		}
		if len(afternoon) > 0 {
			out = append(out, Section{Label: "Tarde", Rows: afternoon})
		}
		return out
	case time.Friday:
		return []Section{{Label: "Tarde (Sexta)", Rows: rows}}
	case time.Saturday:
		return []Section{{Label: "Manhã (Sábado)", Rows: rows}}
	default:
		return []Section{{Label: wd.String(), Rows: rows}}
	}
}

func find(appts []domain.Appointment, storeID int64) *domain.Appointment {
	for i := range appts {
		if appts[i].StoreID == storeID {
			a := appts[i]
			return &a
		}
	}
	return nil
}

type MonthDay struct {
	Date  string
	Count int
	// Full is true when no store can take another appointment that day.
	Full bool
}

// MonthSummary lists the days of year/month that have appointments.
func MonthSummary(year int, month time.Month, rules *slots.Rules, policy booking.Policy, stores int, appts []domain.Appointment) []MonthDay {
	prefix := fmt.Sprintf("%04d-%02d", year, int(month))
	perDay := make(map[string][]domain.Appointment)
	for _, a := range appts {
		if domain.MonthOf(a.Date) == prefix {
			perDay[a.Date] = append(perDay[a.Date], a)
		}
	}

	out := make([]MonthDay, 0, len(perDay))
	for date, list := range perDay {
		md := MonthDay{Date: date, Count: len(list)}
		if times, err := rules.SlotsForDate(date); err == nil && len(times) > 0 {
			capacity := len(times)
			if policy == booking.PerStoreExclusive {
				capacity *= stores
			}
			md.Full = occupied(list, policy) >= capacity
		}
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func occupied(appts []domain.Appointment, policy booking.Policy) int {
	seen := make(map[string]bool)
	for _, a := range appts {
		key := a.Time
		if policy == booking.PerStoreExclusive {
			key = fmt.Sprintf("%s/%d", a.Time, a.StoreID)
		}
		seen[key] = true
	}
	return len(seen)
}

type Stats struct {
	Month   int
	Today   int
	ByStore map[int64]int
}

// ComputeStats counts the appointments of today's month, of today, and per
// store within the month.
func ComputeStats(today time.Time, appts []domain.Appointment) Stats {
	date := today.Format(domain.DateLayout)
	month := domain.MonthOf(date)
	s := Stats{ByStore: make(map[int64]int)}
	for _, a := range appts {
		if domain.MonthOf(a.Date) != month {
			continue
		}
		s.Month++
		s.ByStore[a.StoreID]++
		if a.Date == date {
			s.Today++
		}
	}
	return s
}

// FormatPhone renders 11 digits as (XX) XXXXX-XXXX and 10 digits as
// (XX) XXXX-XXXX. Anything else comes back as its digits.
func FormatPhone(phone string) string {
	p := domain.DigitsOnly(phone)
	switch len(p) {
	case 11:
		return fmt.Sprintf("(%s) %s-%s", p[:2], p[2:7], p[7:])
	case 10:
		return fmt.Sprintf("(%s) %s-%s", p[:2], p[2:6], p[6:])
	default:
		return p
	}
}

// WhatsAppLink opens a chat with a Brazilian number, optionally prefilled
// with a confirmation message for name.
func WhatsAppLink(phone, name string) string {
	p := domain.DigitsOnly(phone)
	if p == "" {
		return ""
	}
	link := "https://wa.me/55" + p
	if name != "" {
		link += "?text=" + url.QueryEscape(fmt.Sprintf("Olá %s! Sua consulta está confirmada. Até breve!", name))
	}
	return link
}
