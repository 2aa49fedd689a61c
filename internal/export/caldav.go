package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"opticbook/internal/domain"
)

type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "opticbook/1.0")
	return t.transport.RoundTrip(req)
}

type objectStore interface {
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	RemoveAll(ctx context.Context, name string) error
}

type calendarFinder interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
	FindCalendarHomeSet(ctx context.Context, principal string) (string, error)
	FindCalendars(ctx context.Context, calendarHomeSet string) ([]caldav.Calendar, error)
}

// Mirror copies appointments into a CalDAV collection, one object per
// appointment named after its UID.
type Mirror struct {
	objects    objectStore
	finder     calendarFinder
	collection string
	loc        *time.Location
	slot       time.Duration
	log        *slog.Logger
}

type MirrorConfig struct {
	// Endpoint is the server root; Collection the calendar path below it.
	Endpoint   string
	Collection string
	Username   string
	Password   string
	Location   *time.Location
	Slot       time.Duration
}

func NewMirror(cfg MirrorConfig, log *slog.Logger) (*Mirror, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("caldav endpoint is required")
	}
	if log == nil {
		log = slog.Default()
	}
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &basicAuthTransport{
			username:  cfg.Username,
			password:  cfg.Password,
			transport: http.DefaultTransport,
		},
	}
	dav, err := webdav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}
	cal, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return newMirror(dav, cal, cfg, log), nil
}

func newMirror(objects objectStore, finder calendarFinder, cfg MirrorConfig, log *slog.Logger) *Mirror {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Slot <= 0 {
		cfg.Slot = 30 * time.Minute
	}
	return &Mirror{
		objects:    objects,
		finder:     finder,
		collection: strings.Trim(cfg.Collection, "/"),
		loc:        cfg.Location,
		slot:       cfg.Slot,
		log:        log.With(slog.String("component", "caldav")),
	}
}

// Calendars lists the collections of the authenticated user.
func (m *Mirror) Calendars(ctx context.Context) ([]caldav.Calendar, error) {
	principal, err := m.finder.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}
	home, err := m.finder.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}
	cals, err := m.finder.FindCalendars(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	return cals, nil
}

// Put creates or replaces the object of one appointment.
func (m *Mirror) Put(ctx context.Context, a domain.Appointment) error {
	ve, err := Event(a, m.loc, m.slot)
	if err != nil {
		return err
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve)

	w, err := m.objects.Create(ctx, m.objectPath(a.ID))
	if err != nil {
		return fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to upload appointment %d: %w", a.ID, err)
	}
	return nil
}

func (m *Mirror) Remove(ctx context.Context, id int64) error {
	if err := m.objects.RemoveAll(ctx, m.objectPath(id)); err != nil {
		return fmt.Errorf("failed to remove appointment %d: %w", id, err)
	}
	return nil
}

// Sync puts every appointment and reports how many made it. It stops at the
// first error.
func (m *Mirror) Sync(ctx context.Context, appts []domain.Appointment) (int, error) {
	n := 0
	for _, a := range appts {
		if err := m.Put(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	m.log.Info("mirrored appointments", slog.Int("count", n), slog.String("collection", m.collection))
	return n, nil
}

func (m *Mirror) objectPath(id int64) string {
	return path.Join("/", m.collection, UID(id)+".ics")
}
