// Package local keeps the whole booking state of one device in a single JSON
// document stored in SQLite.
//
// The document holds stores, appointments, clients and settings under one
// fixed key. Every mutation loads the document, changes it and writes it back
// inside one SQLite transaction, so a write is durable once the call returns.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/store"
)

// DocumentKey is the key the document is stored under.
const DocumentKey = "agenda_otica_db"

const currentVersion = 1

type Settings struct {
	RemoteURL      string     `json:"remoteUrl,omitempty"`
	CalendarID     string     `json:"calendarId,omitempty"`
	LastSync       *time.Time `json:"lastSync,omitempty"`
	SessionStoreID *int64     `json:"sessionStoreId,omitempty"`
}

type Document struct {
	Stores       []domain.Store       `json:"stores"`
	Appointments []domain.Appointment `json:"appointments"`
	Clients      []domain.Client      `json:"clients"`
	Settings     Settings             `json:"settings"`
}

type Store struct {
	db    *sql.DB
	guard booking.Guard
	log   *slog.Logger
}

var _ store.AppointmentStore = (*Store)(nil)

// New opens (or creates) the database at dbPath, runs migrations and seeds the
// document on first use.
func New(dbPath string, guard booking.Guard, log *slog.Logger) (*Store, error) {
	if guard.Rules == nil {
		return nil, errors.New("local store requires slot rules")
	}
	if log == nil {
		log = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, guard: guard, log: log.With(slog.String("component", "local_store"))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.prepareDocument(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare document: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory(guard booking.Guard) (*Store, error) {
	return New(":memory:", guard, nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DefaultDBPath returns ~/.config/opticbook/opticbook.db
func DefaultDBPath() (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg, "opticbook", "opticbook.db"), nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}

	const ddl = `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);`
	if _, err := s.db.Exec(ddl); err != nil {
		return err
	}
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

// prepareDocument seeds a missing document, otherwise repairs stores written
// by older versions: a missing password gets the default one and duplicate
// store ids are dropped, first one wins.
func (s *Store) prepareDocument(ctx context.Context) error {
	seeded := false
	err := s.update(ctx, func(doc *Document, found bool) error {
		if !found {
			*doc = seedDocument()
			seeded = true
			return nil
		}
		seen := make(map[int64]bool, len(doc.Stores))
		stores := doc.Stores[:0]
		for _, st := range doc.Stores {
			if seen[st.ID] {
				continue
			}
			seen[st.ID] = true
			if st.Password == "" {
				st.Password = domain.DefaultStorePassword
			}
			stores = append(stores, st)
		}
		doc.Stores = stores
		return nil
	})
	if err == nil && seeded {
		s.log.Info("seeded local document", slog.Int("stores", len(domain.DefaultStores())))
	}
	return err
}

func seedDocument() Document {
	return Document{
		Stores:       domain.DefaultStores(),
		Appointments: []domain.Appointment{},
		Clients:      []domain.Client{},
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q querier) (Document, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, DocumentKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("read document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, false, fmt.Errorf("decode document: %w", err)
	}
	return doc, true, nil
}

// Document returns a copy of the stored document.
func (s *Store) Document(ctx context.Context) (Document, error) {
	doc, _, err := load(ctx, s.db)
	return doc, err
}

// update runs fn on the document inside one transaction and persists the
// result. Nothing is written when fn fails.
func (s *Store) update(ctx context.Context, fn func(doc *Document, found bool) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	doc, found, err := load(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(&doc, found); err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		DocumentKey, string(raw),
	)
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return tx.Commit()
}

func (s *Store) mutate(ctx context.Context, fn func(doc *Document) error) error {
	return s.update(ctx, func(doc *Document, _ bool) error { return fn(doc) })
}

// classify passes business errors through and reports storage failures as an
// unavailable backend.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{store.ErrConflict, store.ErrInvalidSlot, store.ErrNotFound, store.ErrUnauthorized, store.ErrIdempotencyConflict} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("local store: %v: %w", err, store.ErrBackendUnavailable)
}
