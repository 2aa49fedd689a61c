// Package gcal derives appointments from a Google Calendar.
//
// Appointments are events carrying the private extended property
// agendaOtica=true together with a copy of every appointment field. Any other
// event in the calendar is foreign: it is never listed as an appointment, but
// the slots it overlaps cannot be booked.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/store"
)

const (
	MarkerKey   = "agendaOtica"
	markerValue = "true"

	lookBack  = 30 * 24 * time.Hour
	lookAhead = 90 * 24 * time.Hour
	pageSize  = 500

	DefaultTimezone = "America/Sao_Paulo"
)

// Private extended property keys.
const (
	propClientName  = "clientName"
	propClientPhone = "clientPhone"
	propStoreID     = "storeId"
	propStoreName   = "storeName"
	propStoreColor  = "storeColor"
	propNotes       = "notes"
	propLocalID     = "localId"
	propDate        = "date"
	propTime        = "time"
	propCreatedAt   = "createdAt"
)

// StoreLookup resolves display data of a store. It is optional.
type StoreLookup interface {
	Store(ctx context.Context, id int64) (domain.Store, error)
}

// Busy is a foreign event interval.
type Busy struct {
	Start   time.Time
	End     time.Time
	Summary string
}

type Options struct {
	CalendarID string
	Location   *time.Location
	Stores     StoreLookup
	Logger     *slog.Logger
	Now        func() time.Time
}

type Store struct {
	svc        *calendar.Service
	calendarID string
	guard      booking.Guard
	loc        *time.Location
	stores     StoreLookup
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastAppt []domain.Appointment
	lastBusy []Busy
}

var _ store.AppointmentStore = (*Store)(nil)

func New(svc *calendar.Service, guard booking.Guard, opts Options) (*Store, error) {
	if svc == nil {
		return nil, errors.New("calendar service is required")
	}
	if guard.Rules == nil {
		return nil, errors.New("calendar store requires slot rules")
	}
	calendarID := strings.TrimSpace(opts.CalendarID)
	if calendarID == "" {
		return nil, errors.New("calendar id is required")
	}
	loc := opts.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone: %w", err)
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		svc:        svc,
		calendarID: calendarID,
		guard:      guard,
		loc:        loc,
		stores:     opts.Stores,
		log:        log.With(slog.String("component", "calendar_store"), slog.String("calendar_id", calendarID)),
		now:        now,
	}, nil
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
	appts, _, err := s.fetch(ctx)
	if err != nil {
		s.mu.Lock()
		last := append([]domain.Appointment(nil), s.lastAppt...)
		s.mu.Unlock()
		return f.Apply(last), err
	}
	return f.Apply(appts), nil
}

// Busy returns the foreign events of the current window.
func (s *Store) Busy(ctx context.Context) ([]Busy, error) {
	_, busy, err := s.fetch(ctx)
	if err != nil {
		s.mu.Lock()
		last := append([]Busy(nil), s.lastBusy...)
		s.mu.Unlock()
		return last, err
	}
	return busy, nil
}

// BusySlots returns the slots of date overlapped by a foreign event.
func (s *Store) BusySlots(date string, busy []Busy) map[string]bool {
	out := make(map[string]bool)
	slots, err := s.guard.Rules.SlotsForDate(date)
	if err != nil {
		return out
	}
	for _, hhmm := range slots {
		if s.overlapsBusy(date, hhmm, busy) {
			out[hhmm] = true
		}
	}
	return out
}

func (s *Store) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	appts, busy, err := s.fetch(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	existing, ok, err := store.Replayed(appts, appt)
	if err != nil {
		return domain.Appointment{}, err
	}
	if ok {
		return existing, nil
	}
	if err := s.check(appt, appts, busy, 0); err != nil {
		return domain.Appointment{}, err
	}

	if appt.ID == 0 {
		appt.ID = domain.NewID()
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = s.now().UTC()
	}
	ev, err := s.toEvent(ctx, appt)
	if err != nil {
		return domain.Appointment{}, err
	}
	created, err := s.svc.Events.Insert(s.calendarID, ev).Context(ctx).Do()
	if err != nil {
		return domain.Appointment{}, classify("insert event", err)
	}
	appt.ExternalRef = created.Id

	s.mu.Lock()
	s.lastAppt = append(s.lastAppt, appt)
	s.mu.Unlock()

	s.log.Info("event created", slog.Int64("id", appt.ID), slog.String("event_id", created.Id))
	return appt, nil
}

func (s *Store) Update(ctx context.Context, id int64, p store.Patch) error {
	appts, busy, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	current, ok := find(appts, id)
	if !ok {
		return fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	next := p.ApplyTo(current)
	next.ExternalRef = current.ExternalRef
	if p.MovesSlot(current) {
		if err := s.check(next, appts, busy, id); err != nil {
			return err
		}
	}

	ev, err := s.toEvent(ctx, next)
	if err != nil {
		return err
	}
	if _, err := s.svc.Events.Update(s.calendarID, current.ExternalRef, ev).Context(ctx).Do(); err != nil {
		return classify("update event", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	appts, _, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	current, ok := find(appts, id)
	if !ok {
		return fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	if err := s.svc.Events.Delete(s.calendarID, current.ExternalRef).Context(ctx).Do(); err != nil {
		return classify("delete event", err)
	}
	return nil
}

// ClearAll deletes the system-owned events in scope. Foreign events are never touched.
func (s *Store) ClearAll(ctx context.Context, scope store.Scope) (int, error) {
	appts, _, err := s.fetch(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, a := range appts {
		if !scope.Match(a) {
			continue
		}
		if err := s.svc.Events.Delete(s.calendarID, a.ExternalRef).Context(ctx).Do(); err != nil {
			if errors.Is(classify("", err), store.ErrNotFound) {
				continue
			}
			return removed, classify("delete event", err)
		}
		removed++
	}
	return removed, nil
}

// Calendars lists the calendars the account can see.
func (s *Store) Calendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	list, err := s.svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, classify("list calendars", err)
	}
	return list.Items, nil
}

func (s *Store) check(appt domain.Appointment, appts []domain.Appointment, busy []Busy, ignoreID int64) error {
	if err := s.guard.Check(booking.CandidateOf(appt), appts, ignoreID); err != nil {
		return err
	}
	if s.overlapsBusy(appt.Date, appt.Time, busy) {
		return fmt.Errorf("%s %s overlaps an external event: %w", appt.Date, appt.Time, store.ErrConflict)
	}
	return nil
}

func (s *Store) overlapsBusy(date, hhmm string, busy []Busy) bool {
	start, err := time.ParseInLocation(domain.DateLayout+" "+domain.TimeLayout, date+" "+hhmm, s.loc)
	if err != nil {
		return false
	}
	end := start.Add(s.guard.Rules.Interval())
	for _, b := range busy {
		if start.Before(b.End) && end.After(b.Start) {
			return true
		}
	}
	return false
}

// fetch reads every event of the window and splits it into appointments and
// foreign busy intervals.
func (s *Store) fetch(ctx context.Context) ([]domain.Appointment, []Busy, error) {
	now := s.now()
	call := s.svc.Events.List(s.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(now.Add(-lookBack).Format(time.RFC3339)).
		TimeMax(now.Add(lookAhead).Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(pageSize)

	var appts []domain.Appointment
	var busy []Busy
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			if isOwned(ev) {
				if a, ok := s.fromEvent(ev); ok {
					appts = append(appts, a)
				}
				continue
			}
			if b, ok := busyOf(ev, s.loc); ok {
				busy = append(busy, b)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("list events failed", slog.Any("err", err))
		return nil, nil, classify("list events", err)
	}
	store.SortAppointments(appts)

	s.mu.Lock()
	s.lastAppt = append([]domain.Appointment(nil), appts...)
	s.lastBusy = append([]Busy(nil), busy...)
	s.mu.Unlock()

	s.log.Debug("events fetched", slog.Int("appointments", len(appts)), slog.Int("busy", len(busy)))
	return appts, busy, nil
}

func isOwned(ev *calendar.Event) bool {
	return ev.ExtendedProperties != nil && ev.ExtendedProperties.Private[MarkerKey] == markerValue
}

func (s *Store) fromEvent(ev *calendar.Event) (domain.Appointment, bool) {
	props := ev.ExtendedProperties.Private

	a := domain.Appointment{
		ClientName:  props[propClientName],
		ClientPhone: props[propClientPhone],
		StoreName:   props[propStoreName],
		Notes:       props[propNotes],
		Date:        props[propDate],
		Time:        props[propTime],
		ExternalRef: ev.Id,
	}
	// The event may have been moved in the calendar itself; its start wins.
	if ev.Start != nil && ev.Start.DateTime != "" {
		if start, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			start = start.In(s.loc)
			a.Date = start.Format(domain.DateLayout)
			a.Time = start.Format(domain.TimeLayout)
		}
	}
	if a.Date == "" || a.Time == "" {
		return domain.Appointment{}, false
	}
	if a.ClientName == "" {
		a.ClientName, _, _ = strings.Cut(ev.Summary, " - ")
	}
	if id, err := strconv.ParseInt(props[propStoreID], 10, 64); err == nil {
		a.StoreID = id
	}
	if id, err := strconv.ParseInt(props[propLocalID], 10, 64); err == nil && id > 0 {
		a.ID = id
	} else {
		a.ID = idFromEventID(ev.Id)
	}
	if t, err := time.Parse(time.RFC3339Nano, props[propCreatedAt]); err == nil {
		a.CreatedAt = t
	} else if t, err := time.Parse(time.RFC3339, ev.Created); err == nil {
		a.CreatedAt = t
	}
	return a, true
}

func (s *Store) toEvent(ctx context.Context, a domain.Appointment) (*calendar.Event, error) {
	start, err := a.Start(s.loc)
	if err != nil {
		return nil, fmt.Errorf("appointment start: %w", err)
	}
	end := start.Add(s.guard.Rules.Interval())

	storeName, storeColor := a.StoreName, ""
	if s.stores != nil {
		if st, err := s.stores.Store(ctx, a.StoreID); err == nil {
			storeName, storeColor = st.Name, st.Color
		}
	}
	if storeName == "" {
		storeName = "Loja " + strconv.FormatInt(a.StoreID, 10)
	}

	desc := "Tel: " + a.ClientPhone + "\nLoja: " + storeName
	if a.Notes != "" {
		desc += "\nObs: " + a.Notes
	}

	return &calendar.Event{
		Summary:     a.ClientName + " - " + storeName,
		Description: desc,
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: s.loc.String()},
		End:         &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: s.loc.String()},
		ColorId:     ColorID(storeColor),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				MarkerKey:       markerValue,
				propClientName:  a.ClientName,
				propClientPhone: a.ClientPhone,
				propStoreID:     strconv.FormatInt(a.StoreID, 10),
				propStoreName:   storeName,
				propStoreColor:  storeColor,
				propNotes:       a.Notes,
				propLocalID:     strconv.FormatInt(a.ID, 10),
				propDate:        a.Date,
				propTime:        a.Time,
				propCreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		},
	}, nil
}

func busyOf(ev *calendar.Event, loc *time.Location) (Busy, bool) {
	if ev.Start == nil || ev.End == nil || ev.Transparency == "transparent" {
		return Busy{}, false
	}
	start, ok := eventTime(ev.Start, loc)
	if !ok {
		return Busy{}, false
	}
	end, ok := eventTime(ev.End, loc)
	if !ok {
		return Busy{}, false
	}
	return Busy{Start: start, End: end, Summary: ev.Summary}, true
}

// eventTime reads a timed or an all-day boundary.
func eventTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, bool) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, err == nil
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation(domain.DateLayout, dt.Date, loc)
		return t, err == nil
	}
	return time.Time{}, false
}

// idFromEventID derives a stable positive id for events without a localId.
func idFromEventID(eventID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(eventID))
	return int64(h.Sum64() & (1<<63 - 1))
}

var colorIDs = map[string]string{
	"#f44336": "11",
	"#e91e63": "4",
	"#9c27b0": "3",
	"#673ab7": "9",
	"#3f51b5": "9",
	"#2196f3": "1",
	"#03a9f4": "7",
	"#00bcd4": "7",
	"#009688": "2",
	"#4caf50": "10",
	"#8bc34a": "2",
	"#cddc39": "5",
	"#ffeb3b": "5",
	"#ffc107": "5",
	"#ff9800": "6",
	"#ff5722": "6",
}

// ColorID maps a store color to one of the calendar's event colors.
func ColorID(hex string) string {
	if id, ok := colorIDs[strings.ToLower(strings.TrimSpace(hex))]; ok {
		return id
	}
	return "1"
}

func find(appts []domain.Appointment, id int64) (domain.Appointment, bool) {
	for _, a := range appts {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Appointment{}, false
}

func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, store.ErrBackendUnavailable)
}
