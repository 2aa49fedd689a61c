package postgres

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestLockKeys_SortedAndDeduplicated(t *testing.T) {
	got := lockKeys([]string{"2026-02-21", "", "2026-02-16", "2026-02-21"})
	want := []string{"opticbook:day:2026-02-16", "opticbook:day:2026-02-21"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lockKeys = %v, want %v", got, want)
	}
	if got := lockKeys(nil); len(got) != 0 {
		t.Fatalf("lockKeys(nil) = %v, want empty", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("expected unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation reported as unique")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error reported as unique")
	}
}
