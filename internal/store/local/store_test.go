package local

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/slots"
	"opticbook/internal/store"
)

func newTestStore(t *testing.T, policy booking.Policy) *Store {
	t.Helper()
	s, err := NewMemory(booking.Guard{Rules: slots.MustDefault(), Policy: policy})
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appt(date, tm string, storeID int64) domain.Appointment {
	return domain.Appointment{Date: date, Time: tm, StoreID: storeID, ClientName: "X", ClientPhone: "19900000000"}
}

func TestNew_SeedsStores(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil || version != 1 {
		t.Fatalf("user_version = %d, %v", version, err)
	}
	stores, err := s.Stores(ctx)
	if err != nil {
		t.Fatalf("Stores error: %v", err)
	}
	if len(stores) != 5 || stores[0].Name != "Loja 1" || stores[4].Color != "#9C27B0" {
		t.Fatalf("stores = %+v", stores)
	}
}

func TestNew_RepairsStoredDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "opticbook.db")
	guard := booking.Guard{Rules: slots.MustDefault()}

	s, err := New(path, guard, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	// Write a document the way an older version would have: no passwords
	// and a duplicated store.
	old := Document{Stores: []domain.Store{
		{ID: 1, Name: "Loja 1", Active: true},
		{ID: 1, Name: "Loja 1 (copy)", Active: true},
		{ID: 2, Name: "Loja 2", Password: "abcd", Active: true},
	}}
	raw, _ := json.Marshal(old)
	if _, err := s.db.Exec(`UPDATE kv SET value = ? WHERE key = ?`, string(raw), DocumentKey); err != nil {
		t.Fatalf("overwrite document: %v", err)
	}
	s.Close()

	s, err = New(path, guard, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s.Close()

	doc, err := s.Document(context.Background())
	if err != nil {
		t.Fatalf("Document error: %v", err)
	}
	if len(doc.Stores) != 2 {
		t.Fatalf("stores = %+v, want duplicates removed", doc.Stores)
	}
	if doc.Stores[0].Name != "Loja 1" || doc.Stores[0].Password != domain.DefaultStorePassword {
		t.Fatalf("store 1 = %+v", doc.Stores[0])
	}
	if doc.Stores[1].Password != "abcd" {
		t.Fatalf("existing password overwritten: %+v", doc.Stores[1])
	}
}

func TestCreate_RoundTripAndClientBook(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	in := appt("2026-02-21", "09:00", 1)
	in.Notes = "lentes"
	created, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created.StoreName != "Loja 1" {
		t.Fatalf("store name not filled: %+v", created)
	}

	got, err := s.List(ctx, store.Filter{Date: "2026-02-21"})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 1 || !got[0].SameBooking(in) {
		t.Fatalf("list = %+v", got)
	}

	// Same phone again on another day does not duplicate the client.
	if _, err := s.Create(ctx, appt("2026-02-23", "14:00", 1)); err != nil {
		t.Fatalf("second Create error: %v", err)
	}
	clients, err := s.SearchClients(ctx, "(19) 99000")
	if err != nil {
		t.Fatalf("SearchClients error: %v", err)
	}
	if len(clients) != 1 || clients[0].Name != "X" {
		t.Fatalf("clients = %+v", clients)
	}
}

func TestCreate_RepeatedIDReturnsStoredRecord(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	in := appt("2026-02-21", "11:00", 2)
	in.ID = 4242
	first, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("first Create error: %v", err)
	}
	again, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("repeated Create error: %v", err)
	}
	if again.ID != first.ID || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("repeated Create = %+v, want %+v", again, first)
	}

	other := in
	other.Time = "11:30"
	if _, err := s.Create(ctx, other); !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}

	got, err := s.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 4242 || got[0].Time != "11:00" {
		t.Fatalf("list = %+v", got)
	}
}

func TestCreate_Policies(t *testing.T) {
	ctx := context.Background()

	global := newTestStore(t, booking.GlobalExclusive)
	if _, err := global.Create(ctx, appt("2026-02-21", "09:00", 1)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := global.Create(ctx, appt("2026-02-21", "09:00", 2)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("global err = %v, want ErrConflict", err)
	}
	all, _ := global.List(ctx, store.Filter{})
	if len(all) != 1 {
		t.Fatalf("failed create was persisted: %+v", all)
	}

	perStore := newTestStore(t, booking.PerStoreExclusive)
	if _, err := perStore.Create(ctx, appt("2026-02-21", "09:00", 1)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := perStore.Create(ctx, appt("2026-02-21", "09:00", 2)); err != nil {
		t.Fatalf("per-store second Create error: %v", err)
	}

	if _, err := perStore.Create(ctx, appt("2026-02-22", "09:00", 2)); !errors.Is(err, store.ErrInvalidSlot) {
		t.Fatalf("sunday err = %v, want ErrInvalidSlot", err)
	}
}

func TestUpdateAndDelete_NotFound(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	if err := s.Update(ctx, 42, store.Patch{Notes: store.String("x")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Update err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Delete err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_MovesAndChecks(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	a, _ := s.Create(ctx, appt("2026-02-21", "09:00", 1))
	if _, err := s.Create(ctx, appt("2026-02-21", "09:30", 2)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if err := s.Update(ctx, a.ID, store.Patch{Time: store.String("09:30")}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := s.Update(ctx, a.ID, store.Patch{Time: store.String("10:00")}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	got, _ := s.List(ctx, store.Filter{StoreID: store.Int64(1)})
	if len(got) != 1 || got[0].Time != "10:00" || !got[0].CreatedAt.Equal(a.CreatedAt) {
		t.Fatalf("after update = %+v", got)
	}
}

func TestClearAll_ScopedToStore(t *testing.T) {
	s := newTestStore(t, booking.PerStoreExclusive)
	ctx := context.Background()

	for _, a := range []domain.Appointment{
		appt("2026-02-21", "09:00", 1),
		appt("2026-02-21", "09:00", 3),
		appt("2026-02-21", "09:30", 3),
		appt("2026-02-21", "09:00", 2),
	} {
		if _, err := s.Create(ctx, a); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}

	n, err := s.ClearAll(ctx, store.OnlyStore(3))
	if err != nil || n != 2 {
		t.Fatalf("ClearAll = %d, %v", n, err)
	}
	got, _ := s.List(ctx, store.Filter{})
	if len(got) != 2 {
		t.Fatalf("remaining = %+v", got)
	}
	for _, a := range got {
		if a.StoreID == 3 {
			t.Fatalf("store 3 survived: %+v", a)
		}
	}
}

func TestMirrorKeepsPendingLocalWrites(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	pending := appt("2026-02-21", "09:00", 1)
	pending.LocalOnly = true
	pending, err := s.Create(ctx, pending)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := s.Create(ctx, appt("2026-02-21", "10:00", 1)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	remote := []domain.Appointment{{ID: 500, Date: "2026-02-23", Time: "14:00", StoreID: 2, ClientName: "R", ClientPhone: "1"}}
	if err := s.Mirror(ctx, remote); err != nil {
		t.Fatalf("Mirror error: %v", err)
	}

	all, _ := s.List(ctx, store.Filter{})
	if len(all) != 2 {
		t.Fatalf("after mirror = %+v", all)
	}
	left, err := s.Pending(ctx)
	if err != nil || len(left) != 1 || left[0].ID != pending.ID {
		t.Fatalf("Pending = %+v, %v", left, err)
	}

	pushed := pending
	pushed.ID = 900
	if err := s.MarkPushed(ctx, pending.ID, pushed); err != nil {
		t.Fatalf("MarkPushed error: %v", err)
	}
	if left, _ := s.Pending(ctx); len(left) != 0 {
		t.Fatalf("still pending: %+v", left)
	}
	settings, _ := s.Settings(ctx)
	if settings.LastSync == nil {
		t.Fatalf("LastSync not recorded")
	}
}

func TestStoreDirectory(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	if _, err := s.Authenticate(ctx, 1, "1234"); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if _, err := s.Authenticate(ctx, 1, "wrong"); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("bad password err = %v", err)
	}
	if _, err := s.Authenticate(ctx, 77, "1234"); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("unknown store err = %v", err)
	}

	added, err := s.AddStore(ctx, "Loja Centro", "#000000")
	if err != nil || added.ID != 6 {
		t.Fatalf("AddStore = %+v, %v", added, err)
	}
	pw := "9999"
	if _, err := s.UpdateStore(ctx, 6, StorePatch{Password: &pw}); err != nil {
		t.Fatalf("UpdateStore error: %v", err)
	}
	if _, err := s.Authenticate(ctx, 6, "9999"); err != nil {
		t.Fatalf("Authenticate new password error: %v", err)
	}

	if err := s.DeactivateStore(ctx, 6); err != nil {
		t.Fatalf("DeactivateStore error: %v", err)
	}
	if _, err := s.Authenticate(ctx, 6, "9999"); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("inactive store err = %v", err)
	}
	active, _ := s.Stores(ctx)
	if len(active) != 5 {
		t.Fatalf("active stores = %d, want 5", len(active))
	}
	if st, err := s.Store(ctx, 6); err != nil || st.Active {
		t.Fatalf("deactivated store = %+v, %v", st, err)
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s, err := NewMemory(booking.Guard{Rules: slots.MustDefault()})
	if err != nil {
		t.Fatalf("NewMemory error: %v", err)
	}
	s.Close()

	_, err = s.List(context.Background(), store.Filter{})
	if !errors.Is(err, store.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestRememberClient_DeduplicatesByPhone(t *testing.T) {
	s := newTestStore(t, booking.GlobalExclusive)
	ctx := context.Background()

	if err := s.RememberClient(ctx, " Ana ", "(19) 99000-0000"); err != nil {
		t.Fatalf("RememberClient error: %v", err)
	}
	if err := s.RememberClient(ctx, "Ana Maria", "19990000000"); err != nil {
		t.Fatalf("RememberClient error: %v", err)
	}
	clients, err := s.SearchClients(ctx, "ana")
	if err != nil {
		t.Fatalf("SearchClients error: %v", err)
	}
	if len(clients) != 1 || clients[0].Name != "Ana" || clients[0].Phone != "19990000000" {
		t.Fatalf("clients = %+v", clients)
	}
}
