// Package remote is the appointment store backed by a remote HTTP endpoint
// that speaks the wire protocol.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/store"
	"opticbook/internal/wire"
)

const DefaultTimeout = 15 * time.Second

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

type Options struct {
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    *slog.Logger
}

type Client struct {
	url   string
	http  *http.Client
	guard booking.Guard
	log   *slog.Logger

	mu   sync.Mutex
	last []domain.Appointment
}

var _ store.AppointmentStore = (*Client)(nil)

func New(endpoint string, guard booking.Guard, opts Options) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("remote url %q must be an absolute http(s) url", endpoint)
	}
	if guard.Rules == nil {
		return nil, errors.New("remote store requires slot rules")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:   endpoint,
		http:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(rt)},
		guard: guard,
		log:   log.With(slog.String("component", "remote_store")),
	}, nil
}

// Ping probes the endpoint. A rejected probe counts as an outage.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, wire.ActionPing)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("ping rejected: %s: %w", resp.Err, store.ErrBackendUnavailable)
	}
	return nil
}

func (c *Client) List(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
	all, err := c.fetch(ctx)
	if err != nil {
		return f.Apply(c.lastKnown()), err
	}
	return f.Apply(all), nil
}

func (c *Client) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	// Same normalization the endpoint applies before storing.
	appt.ClientName = strings.TrimSpace(appt.ClientName)
	appt.ClientPhone = domain.DigitsOnly(appt.ClientPhone)
	appt.Notes = strings.TrimSpace(appt.Notes)

	// The cache the caller checked may be stale; check against a fresh list.
	all, err := c.fetch(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	existing, ok, err := store.Replayed(all, appt)
	if err != nil {
		return domain.Appointment{}, err
	}
	if ok {
		return existing, nil
	}
	if err := c.guard.Check(booking.CandidateOf(appt), all, 0); err != nil {
		return domain.Appointment{}, err
	}

	if appt.ID == 0 {
		appt.ID = domain.NewID()
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	appt.LocalOnly = false

	resp, err := c.post(ctx, wire.RecordRequest(wire.ActionCreate, wire.FromAppointment(appt)))
	if err != nil {
		return domain.Appointment{}, err
	}
	if !resp.OK {
		return domain.Appointment{}, wire.ErrorFromText(resp.Err)
	}
	if resp.ID != 0 {
		appt.ID = resp.ID
	}

	c.mu.Lock()
	c.last = append(c.last, appt)
	c.mu.Unlock()

	c.log.Info("appointment created", slog.Int64("id", appt.ID), slog.String("date", appt.Date), slog.String("time", appt.Time))
	return appt, nil
}

func (c *Client) Update(ctx context.Context, id int64, p store.Patch) error {
	all, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(all, id)
	if idx < 0 {
		return fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
	}
	current := all[idx]
	next := p.ApplyTo(current)
	if p.MovesSlot(current) {
		if err := c.guard.Check(booking.CandidateOf(next), all, id); err != nil {
			return err
		}
	}

	resp, err := c.post(ctx, wire.RecordRequest(wire.ActionUpdate, wire.FromAppointment(next)))
	if err != nil {
		return err
	}
	if !resp.OK {
		return wire.ErrorFromText(resp.Err)
	}

	c.mu.Lock()
	if i := indexOf(c.last, id); i >= 0 {
		c.last[i] = next
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) Delete(ctx context.Context, id int64) error {
	resp, err := c.post(ctx, wire.Request{Action: wire.ActionDelete, ID: id})
	if err != nil {
		return err
	}
	if !resp.OK {
		return wire.ErrorFromText(resp.Err)
	}

	c.mu.Lock()
	if i := indexOf(c.last, id); i >= 0 {
		c.last = append(c.last[:i:i], c.last[i+1:]...)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) ClearAll(ctx context.Context, scope store.Scope) (int, error) {
	req := wire.Request{Action: wire.ActionClear}
	if scope.Scoped {
		req.StoreID = store.Int64(scope.StoreID)
	}
	resp, err := c.post(ctx, req)
	if err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, wire.ErrorFromText(resp.Err)
	}

	c.mu.Lock()
	kept := c.last[:0:0]
	for _, a := range c.last {
		if !scope.Match(a) {
			kept = append(kept, a)
		}
	}
	c.last = kept
	c.mu.Unlock()
	return resp.Count, nil
}

// SyncAll replaces every remote record with appts.
func (c *Client) SyncAll(ctx context.Context, appts []domain.Appointment) (int, error) {
	resp, err := c.post(ctx, wire.Request{Action: wire.ActionSyncAll, Appointments: wire.FromAppointments(appts)})
	if err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, wire.ErrorFromText(resp.Err)
	}

	c.mu.Lock()
	c.last = append([]domain.Appointment(nil), appts...)
	c.mu.Unlock()
	return resp.Count, nil
}

func (c *Client) fetch(ctx context.Context) ([]domain.Appointment, error) {
	resp, err := c.get(ctx, wire.ActionList)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("list rejected: %s: %w", resp.Err, store.ErrBackendUnavailable)
	}
	appts := wire.Appointments(resp.Data)

	c.mu.Lock()
	c.last = append([]domain.Appointment(nil), appts...)
	c.mu.Unlock()
	return appts, nil
}

func (c *Client) lastKnown() []domain.Appointment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Appointment(nil), c.last...)
}

func (c *Client) get(ctx context.Context, action string) (wire.Response, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return wire.Response{}, err
	}
	q := u.Query()
	q.Set("action", action)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return wire.Response{}, err
	}
	return c.do(req, action)
}

func (c *Client) post(ctx context.Context, body wire.Request) (wire.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return wire.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return wire.Response{}, err
	}
	// text/plain keeps script hosts from demanding a CORS preflight.
	req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	return c.do(req, body.Action)
}

func (c *Client) do(req *http.Request, action string) (wire.Response, error) {
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("remote request failed", slog.String("action", action), slog.Any("err", err))
		return wire.Response{}, fmt.Errorf("%s: %v: %w", action, err, store.ErrBackendUnavailable)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return wire.Response{}, fmt.Errorf("%s: read body: %v: %w", action, err, store.ErrBackendUnavailable)
	}
	c.log.Debug("remote request",
		slog.String("action", action),
		slog.Int("status", res.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return wire.Response{}, fmt.Errorf("%s: status %d: %w", action, res.StatusCode, store.ErrBackendUnavailable)
	}

	var out wire.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return wire.Response{}, fmt.Errorf("%s: malformed response: %v: %w", action, err, store.ErrBackendUnavailable)
	}
	return out, nil
}

func indexOf(appts []domain.Appointment, id int64) int {
	for i := range appts {
		if appts[i].ID == id {
			return i
		}
	}
	return -1
}
