package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/uptrace/bun"

	"opticbook/internal/domain"
	"opticbook/internal/store"
)

func TestPostgresIntegration_DayTxInsertListAndIdempotency(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("OPTICBOOK_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("OPTICBOOK_TEST_DATABASE_URL not set")
	}

	db, err := Open(databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	schema := "opticbook_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewRaw("SET LOCAL search_path TO " + schema).Exec(ctx); err != nil {
			return err
		}
		if err := applyMigrations(ctx, tx); err != nil {
			return err
		}

		d := dayTx{tx: tx}

		a1, err := d.InsertAppointment(ctx, domain.Appointment{
			ID:          901,
			Date:        "2026-02-21",
			Time:        "09:00",
			ClientName:  "Ana",
			ClientPhone: "19990000000",
			StoreID:     1,
			StoreName:   "Loja 1",
		})
		if err != nil {
			return err
		}
		if a1.CreatedAt.IsZero() {
			return fmt.Errorf("created_at not set")
		}

		if _, err := d.InsertAppointment(ctx, domain.Appointment{
			ID:          902,
			Date:        "2026-02-21",
			Time:        "09:30",
			ClientName:  "Bia",
			ClientPhone: "19990000001",
			StoreID:     2,
		}); err != nil {
			return err
		}

		rows, err := d.ListDay(ctx, "2026-02-21")
		if err != nil {
			return err
		}
		if len(rows) != 2 || rows[0].ID != 901 || rows[1].ID != 902 {
			return fmt.Errorf("ListDay = %+v", rows)
		}

		again, err := d.InsertAppointment(ctx, domain.Appointment{
			ID:          901,
			Date:        "2026-02-21",
			Time:        "09:00",
			ClientName:  "Ana",
			ClientPhone: "19990000000",
			StoreID:     1,
		})
		if err != nil {
			return err
		}
		if again.ID != a1.ID {
			return fmt.Errorf("replayed insert id = %d, want %d", again.ID, a1.ID)
		}

		_, err = d.InsertAppointment(ctx, domain.Appointment{
			ID:          901,
			Date:        "2026-02-21",
			Time:        "10:00",
			ClientName:  "Ana",
			ClientPhone: "19990000000",
			StoreID:     1,
		})
		if !errors.Is(err, store.ErrIdempotencyConflict) {
			return fmt.Errorf("idempotency err = %v, want %v", err, store.ErrIdempotencyConflict)
		}

		moved := a1
		moved.Time = "11:00"
		if err := d.UpdateAppointment(ctx, moved); err != nil {
			return err
		}
		got, err := d.Get(ctx, 901)
		if err != nil {
			return err
		}
		if got.Time != "11:00" || !got.CreatedAt.Equal(a1.CreatedAt) {
			return fmt.Errorf("updated row = %+v", got)
		}

		if err := d.DeleteAppointment(ctx, 902); err != nil {
			return err
		}
		if err := d.DeleteAppointment(ctx, 902); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("second delete err = %v, want %v", err, store.ErrNotFound)
		}
		if _, err := d.Get(ctx, 902); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get deleted err = %v, want %v", err, store.ErrNotFound)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("tx error: %v", err)
	}
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

func applyMigrations(ctx context.Context, exec rawExecutor) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for _, stmt := range splitSQLStatements(upSQL) {
			if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

func migrationsDir() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")), nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := strings.TrimLeft(sql[upIdx+len(upMarker):], "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
