package view

import (
	"strings"
	"testing"
	"time"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/slots"
)

func stores() []domain.Store {
	out := domain.DefaultStores()[:3]
	out[2].Active = false
	return out
}

func cellAt(t *testing.T, d Day, tm string, storeID int64) Cell {
	t.Helper()
	for _, r := range d.Rows() {
		if r.Time != tm {
			continue
		}
		for _, c := range r.Cells {
			if c.StoreID == storeID {
				return c
			}
		}
	}
	t.Fatalf("no cell at %s for store %d", tm, storeID)
	return Cell{}
}

func TestBuildDay_GlobalExclusiveBlocksOtherStores(t *testing.T) {
	d, err := BuildDay(DayInput{
		Date:   "2026-02-16",
		Rules:  slots.MustDefault(),
		Policy: booking.GlobalExclusive,
		Stores: stores(),
		Appointments: []domain.Appointment{
			{ID: 1, Date: "2026-02-16", Time: "09:00", StoreID: 1, ClientName: "Ana"},
			{ID: 2, Date: "2026-02-17", Time: "09:30", StoreID: 2},
		},
		Busy:     map[string]bool{"10:00": true},
		ViewerID: 2,
	})
	if err != nil {
		t.Fatalf("BuildDay error: %v", err)
	}
	if len(d.Stores) != 2 {
		t.Fatalf("stores = %d, want inactive store skipped", len(d.Stores))
	}
	if len(d.Sections) != 2 || d.Sections[0].Label != "Manhã" || d.Sections[1].Label != "Tarde" {
		t.Fatalf("sections = %+v", d.Sections)
	}

	if c := cellAt(t, d, "09:00", 1); c.State != CellBooked || c.Appointment.ClientName != "Ana" {
		t.Fatalf("09:00 store 1 = %+v", c)
	}
	if c := cellAt(t, d, "09:00", 2); c.State != CellBlocked {
		t.Fatalf("09:00 store 2 = %v, want blocked", c.State)
	}
	if c := cellAt(t, d, "09:30", 2); c.State != CellFree || !c.Bookable {
		t.Fatalf("09:30 store 2 = %+v, want own free cell", c)
	}
	if c := cellAt(t, d, "09:30", 1); c.Bookable {
		t.Fatalf("other store's cell must not be bookable")
	}
	if c := cellAt(t, d, "10:00", 1); c.State != CellBusy {
		t.Fatalf("10:00 = %v, want busy", c.State)
	}
}

func TestBuildDay_PerStoreLeavesOtherStoresFree(t *testing.T) {
	d, err := BuildDay(DayInput{
		Date:         "2026-02-21",
		Rules:        slots.MustDefault(),
		Policy:       booking.PerStoreExclusive,
		Stores:       stores(),
		Appointments: []domain.Appointment{{ID: 1, Date: "2026-02-21", Time: "09:00", StoreID: 1}},
	})
	if err != nil {
		t.Fatalf("BuildDay error: %v", err)
	}
	if c := cellAt(t, d, "09:00", 2); c.State != CellFree {
		t.Fatalf("09:00 store 2 = %v, want free", c.State)
	}
	if len(d.Sections) != 1 || d.Sections[0].Label != "Manhã (Sábado)" {
		t.Fatalf("sections = %+v", d.Sections)
	}
}

func TestBuildDay_SundayClosed(t *testing.T) {
	d, err := BuildDay(DayInput{Date: "2026-02-22", Rules: slots.MustDefault(), Stores: stores()})
	if err != nil {
		t.Fatalf("BuildDay error: %v", err)
	}
	if !d.Closed || len(d.Rows()) != 0 {
		t.Fatalf("day = %+v, want closed", d)
	}
	if !strings.Contains(RenderDay(d), "Fechado") {
		t.Fatalf("closed day render missing label")
	}
	if _, err := BuildDay(DayInput{Date: "22/02/2026", Rules: slots.MustDefault()}); err == nil {
		t.Fatalf("expected error for bad date")
	}
}

func TestMonthSummary_FullDays(t *testing.T) {
	rules := slots.MustDefault()
	var appts []domain.Appointment
	// Saturday 2026-02-21 has 8 slots.
	satSlots, _ := rules.SlotsForDate("2026-02-21")
	for i, tm := range satSlots {
		appts = append(appts, domain.Appointment{ID: int64(i + 1), Date: "2026-02-21", Time: tm, StoreID: 1})
	}
	appts = append(appts,
		domain.Appointment{ID: 100, Date: "2026-02-16", Time: "09:00", StoreID: 1},
		domain.Appointment{ID: 101, Date: "2026-03-02", Time: "09:00", StoreID: 1},
	)

	got := MonthSummary(2026, time.February, rules, booking.GlobalExclusive, 5, appts)
	if len(got) != 2 {
		t.Fatalf("summary = %+v", got)
	}
	if got[0].Date != "2026-02-16" || got[0].Full {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].Date != "2026-02-21" || got[1].Count != 8 || !got[1].Full {
		t.Fatalf("second = %+v", got[1])
	}

	perStore := MonthSummary(2026, time.February, rules, booking.PerStoreExclusive, 5, appts)
	if perStore[1].Full {
		t.Fatalf("per-store day with one store booked must not be full")
	}
}

func TestComputeStats(t *testing.T) {
	today := time.Date(2026, 2, 21, 10, 0, 0, 0, time.UTC)
	s := ComputeStats(today, []domain.Appointment{
		{Date: "2026-02-21", StoreID: 1},
		{Date: "2026-02-21", StoreID: 2},
		{Date: "2026-02-03", StoreID: 1},
		{Date: "2026-01-30", StoreID: 1},
	})
	if s.Month != 3 || s.Today != 2 || s.ByStore[1] != 2 || s.ByStore[2] != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestFormatPhoneAndWhatsApp(t *testing.T) {
	for in, want := range map[string]string{
		"19990000000": "(19) 99000-0000",
		"1932001234":  "(19) 3200-1234",
		"(19)9900":    "199900",
		"":            "",
	} {
		if got := FormatPhone(in); got != want {
			t.Fatalf("FormatPhone(%q) = %q, want %q", in, got, want)
		}
	}
	if got := WhatsAppLink("(19) 99000-0000", ""); got != "https://wa.me/5519990000000" {
		t.Fatalf("link = %q", got)
	}
	if got := WhatsAppLink("19990000000", "Ana"); !strings.HasPrefix(got, "https://wa.me/5519990000000?text=Ol") {
		t.Fatalf("link = %q", got)
	}
	if WhatsAppLink("--", "Ana") != "" {
		t.Fatalf("expected empty link without digits")
	}
}

func TestRenderDay_ContainsStoresAndClients(t *testing.T) {
	d, err := BuildDay(DayInput{
		Date:         "2026-02-20",
		Rules:        slots.MustDefault(),
		Stores:       stores(),
		Appointments: []domain.Appointment{{ID: 1, Date: "2026-02-20", Time: "14:00", StoreID: 1, ClientName: "Ana"}},
	})
	if err != nil {
		t.Fatalf("BuildDay error: %v", err)
	}
	out := RenderDay(d)
	for _, want := range []string{"Loja 1", "Loja 2", "Ana", "14:00", "17:30", "Sexta-feira"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}
