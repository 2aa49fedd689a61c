// Package syncer keeps an in-memory projection of an appointment store fresh
// by polling it on a fixed interval.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opticbook/internal/domain"
	"opticbook/internal/store"
)

const DefaultInterval = 30 * time.Second

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected      = errors.New("poller not connected")
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrDisconnected is returned when the poller was disconnected while a
	// call was in flight; its result was discarded.
	ErrDisconnected = errors.New("poller disconnected")
)

type Lister interface {
	List(ctx context.Context, f store.Filter) ([]domain.Appointment, error)
}

type Snapshot struct {
	State        State
	Appointments []domain.Appointment
	LastSync     time.Time
	// Err is the error of the last failed refresh, cleared by the next success.
	Err error
}

type Options struct {
	Interval time.Duration
	// OnRender is called after every cache change, outside the poller's lock.
	// Calls never overlap, and a snapshot taken before one already rendered
	// is dropped. OnRender must not call back into the poller's mutating
	// methods.
	OnRender func(Snapshot)
	Logger   *slog.Logger
	Now      func() time.Time
}

type Poller struct {
	src      Lister
	interval time.Duration
	onRender func(Snapshot)
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	state    State
	cache    []domain.Appointment
	lastSync time.Time
	lastErr  error
	gen      uint64
	inFlight bool
	stop     context.CancelFunc
	reset    chan struct{}
	seq      uint64

	renderMu sync.Mutex
	rendered uint64
}

// frame is a snapshot numbered in the order it was taken.
type frame struct {
	snap Snapshot
	seq  uint64
}

func New(src Lister, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		src:      src,
		interval: opts.Interval,
		onRender: opts.OnRender,
		log:      opts.Logger.With(slog.String("component", "syncer")),
		now:      opts.Now,
	}
}

// Connect performs one list call. On success the cache is filled and the
// polling loop starts; on failure the poller stays disconnected. Connecting
// an already connected poller is a no-op.
func (p *Poller) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Disconnected {
		p.mu.Unlock()
		return nil
	}
	p.state = Connecting
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	appts, err := p.src.List(ctx, store.Filter{})

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return ErrDisconnected
	}
	if err != nil {
		p.state = Disconnected
		p.mu.Unlock()
		p.log.Warn("connect failed", slog.Any("err", err))
		return fmt.Errorf("connect: %w", err)
	}

	p.state = Connected
	p.cache = appts
	p.lastSync = p.now()
	p.lastErr = nil
	loopCtx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	p.reset = make(chan struct{}, 1)
	reset := p.reset
	f := p.frameLocked()
	p.mu.Unlock()

	p.log.Info("connected", slog.Int("appointments", len(appts)), slog.Duration("interval", p.interval))
	go p.loop(loopCtx, gen, reset)
	p.render(f)
	return nil
}

// Disconnect stops the loop and clears the cache. Results of calls still in
// flight are discarded.
func (p *Poller) Disconnect() {
	p.mu.Lock()
	if p.state == Disconnected {
		p.mu.Unlock()
		return
	}
	p.gen++
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	p.state = Disconnected
	p.cache = nil
	p.lastErr = nil
	p.inFlight = false
	f := p.frameLocked()
	p.mu.Unlock()

	p.log.Info("disconnected")
	p.render(f)
}

// Refresh lists the store now and restarts the interval. It fails with
// ErrRefreshInProgress instead of queueing behind a running refresh.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Connected {
		p.mu.Unlock()
		return ErrNotConnected
	}
	gen := p.gen
	reset := p.reset
	p.mu.Unlock()

	err := p.refresh(ctx, gen)
	if errors.Is(err, ErrRefreshInProgress) || errors.Is(err, ErrDisconnected) {
		return err
	}
	select {
	case reset <- struct{}{}:
	default:
	}
	return err
}

func (p *Poller) loop(ctx context.Context, gen uint64, reset <-chan struct{}) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			t.Reset(p.interval)
		case <-t.C:
			err := p.refresh(ctx, gen)
			if errors.Is(err, ErrRefreshInProgress) {
				p.log.Debug("tick skipped, refresh in flight")
			}
		}
	}
}

func (p *Poller) refresh(ctx context.Context, gen uint64) error {
	p.mu.Lock()
	if gen != p.gen || p.state != Connected {
		p.mu.Unlock()
		return ErrDisconnected
	}
	if p.inFlight {
		p.mu.Unlock()
		return ErrRefreshInProgress
	}
	p.inFlight = true
	p.mu.Unlock()

	appts, err := p.src.List(ctx, store.Filter{})

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return ErrDisconnected
	}
	p.inFlight = false
	if err != nil {
		// The previous cache stays in place.
		p.lastErr = err
		f := p.frameLocked()
		p.mu.Unlock()
		p.log.Warn("refresh failed", slog.Any("err", err), slog.Int("cached", len(f.snap.Appointments)))
		p.render(f)
		return err
	}
	p.cache = appts
	p.lastSync = p.now()
	p.lastErr = nil
	f := p.frameLocked()
	p.mu.Unlock()

	p.log.Debug("refreshed", slog.Int("appointments", len(appts)))
	p.render(f)
	return nil
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) LastSync() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSync
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Appointments returns the cached appointments matching f.
func (p *Poller) Appointments(f store.Filter) []domain.Appointment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return f.Apply(p.cache)
}

// ApplyCreated adds a confirmed write to the cache until the next refresh
// replaces it.
func (p *Poller) ApplyCreated(a domain.Appointment) {
	p.apply(func(cache []domain.Appointment) []domain.Appointment {
		if i := indexOf(cache, a.ID); i >= 0 {
			cache[i] = a
			return cache
		}
		return append(cache, a)
	})
}

func (p *Poller) ApplyUpdated(a domain.Appointment) {
	p.apply(func(cache []domain.Appointment) []domain.Appointment {
		if i := indexOf(cache, a.ID); i >= 0 {
			cache[i] = a
		}
		return cache
	})
}

func (p *Poller) ApplyDeleted(id int64) {
	p.apply(func(cache []domain.Appointment) []domain.Appointment {
		if i := indexOf(cache, id); i >= 0 {
			return append(cache[:i], cache[i+1:]...)
		}
		return cache
	})
}

func (p *Poller) ApplyCleared(scope store.Scope) {
	p.apply(func(cache []domain.Appointment) []domain.Appointment {
		kept := cache[:0]
		for _, a := range cache {
			if !scope.Match(a) {
				kept = append(kept, a)
			}
		}
		return kept
	})
}

func (p *Poller) apply(fn func([]domain.Appointment) []domain.Appointment) {
	p.mu.Lock()
	if p.state != Connected {
		p.mu.Unlock()
		return
	}
	next := append([]domain.Appointment(nil), p.cache...)
	p.cache = fn(next)
	store.SortAppointments(p.cache)
	f := p.frameLocked()
	p.mu.Unlock()
	p.render(f)
}

func (p *Poller) snapshotLocked() Snapshot {
	return Snapshot{
		State:        p.state,
		Appointments: append([]domain.Appointment(nil), p.cache...),
		LastSync:     p.lastSync,
		Err:          p.lastErr,
	}
}

func (p *Poller) frameLocked() frame {
	p.seq++
	return frame{snap: p.snapshotLocked(), seq: p.seq}
}

func (p *Poller) render(f frame) {
	if p.onRender == nil {
		return
	}
	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	if f.seq <= p.rendered {
		return
	}
	p.rendered = f.seq
	p.onRender(f.snap)
}

func indexOf(appts []domain.Appointment, id int64) int {
	for i := range appts {
		if appts[i].ID == id {
			return i
		}
	}
	return -1
}
