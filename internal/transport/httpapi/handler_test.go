package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"opticbook/internal/booking"
	"opticbook/internal/domain"
	"opticbook/internal/service/appointments"
	"opticbook/internal/slots"
	"opticbook/internal/store"
	"opticbook/internal/store/remote"
	"opticbook/internal/wire"
)

type fakeService struct {
	createFn  func(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error)
	listFn    func(ctx context.Context, f store.Filter) ([]domain.Appointment, error)
	updateFn  func(ctx context.Context, id int64, p store.Patch) (domain.Appointment, error)
	deleteFn  func(ctx context.Context, id int64) error
	clearFn   func(ctx context.Context, scope store.Scope) (int, error)
	syncAllFn func(ctx context.Context, appts []domain.Appointment) (int, error)
}

func (f *fakeService) Create(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error) {
	if f.createFn == nil {
		panic("Create not configured")
	}
	return f.createFn(ctx, in)
}

func (f *fakeService) List(ctx context.Context, filter store.Filter) ([]domain.Appointment, error) {
	if f.listFn == nil {
		panic("List not configured")
	}
	return f.listFn(ctx, filter)
}

func (f *fakeService) Update(ctx context.Context, id int64, p store.Patch) (domain.Appointment, error) {
	if f.updateFn == nil {
		panic("Update not configured")
	}
	return f.updateFn(ctx, id, p)
}

func (f *fakeService) Delete(ctx context.Context, id int64) error {
	if f.deleteFn == nil {
		panic("Delete not configured")
	}
	return f.deleteFn(ctx, id)
}

func (f *fakeService) Clear(ctx context.Context, scope store.Scope) (int, error) {
	if f.clearFn == nil {
		panic("Clear not configured")
	}
	return f.clearFn(ctx, scope)
}

func (f *fakeService) SyncAll(ctx context.Context, appts []domain.Appointment) (int, error) {
	if f.syncAllFn == nil {
		panic("SyncAll not configured")
	}
	return f.syncAllFn(ctx, appts)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, wire.Response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp wire.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response %q is not JSON: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func TestHandler_TestAndUnknownAction(t *testing.T) {
	h := NewHandler(&fakeService{}, discardLogger())

	code, resp := do(t, h, http.MethodGet, "/?action=test", "")
	if code != http.StatusOK || !resp.OK {
		t.Fatalf("test = %d %+v", code, resp)
	}
	code, resp = do(t, h, http.MethodGet, "/?action=bogus", "")
	if code != http.StatusBadRequest || resp.OK || resp.Err != wire.ErrTextBadRequest {
		t.Fatalf("unknown = %d %+v", code, resp)
	}
}

func TestHandler_ListFilters(t *testing.T) {
	var got store.Filter
	h := NewHandler(&fakeService{
		listFn: func(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
			got = f
			return []domain.Appointment{{ID: 1, Date: "2026-02-21", Time: "09:00", ClientName: "Ana", StoreID: 2}}, nil
		},
	}, discardLogger())

	code, resp := do(t, h, http.MethodGet, "/?action=list&date=2026-02-21&storeId=2", "")
	if code != http.StatusOK || !resp.OK || len(resp.Data) != 1 || resp.Data[0].Client != "Ana" {
		t.Fatalf("list = %d %+v", code, resp)
	}
	if got.Date != "2026-02-21" || got.StoreID == nil || *got.StoreID != 2 {
		t.Fatalf("filter = %+v", got)
	}

	code, _ = do(t, h, http.MethodGet, "/?action=list&storeId=two", "")
	if code != http.StatusBadRequest {
		t.Fatalf("bad storeId code = %d", code)
	}
}

func TestHandler_MalformedBodyIs400(t *testing.T) {
	h := NewHandler(&fakeService{}, discardLogger())
	code, resp := do(t, h, http.MethodPost, "/", "{not json")
	if code != http.StatusBadRequest || resp.Err != wire.ErrTextBadRequest {
		t.Fatalf("malformed = %d %+v", code, resp)
	}
}

func TestHandler_BusinessFailuresAre200(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{store.ErrConflict, wire.ErrTextConflict},
		{store.ErrIdempotencyConflict, wire.ErrTextConflict},
		{store.ErrInvalidSlot, wire.ErrTextInvalidSlot},
		{errors.New("db down"), wire.ErrTextInternal},
	}
	for _, tc := range cases {
		h := NewHandler(&fakeService{
			createFn: func(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error) {
				return domain.Appointment{}, tc.err
			},
		}, discardLogger())
		code, resp := do(t, h, http.MethodPost, "/", `{"action":"create","date":"2026-02-21","time":"09:00","client":"Ana","phone":"1","storeId":1}`)
		if code != http.StatusOK || resp.OK || resp.Err != tc.want {
			t.Fatalf("%v: %d %+v", tc.err, code, resp)
		}
	}

	h := NewHandler(&fakeService{
		deleteFn: func(ctx context.Context, id int64) error { return store.ErrNotFound },
	}, discardLogger())
	code, resp := do(t, h, http.MethodPost, "/", `{"action":"delete","id":5}`)
	if code != http.StatusOK || resp.Err != wire.ErrTextNotFound {
		t.Fatalf("delete = %d %+v", code, resp)
	}
}

func TestHandler_ValidationErrorIsBadRequestText(t *testing.T) {
	svc := appointments.NewService(nil, booking.Guard{Rules: slots.MustDefault()}, nil, discardLogger())
	h := NewHandler(svc, discardLogger())

	code, resp := do(t, h, http.MethodPost, "/", `{"action":"create","date":"2026-02-21","time":"09:00","client":"","phone":"1"}`)
	if code != http.StatusOK || resp.Err != wire.ErrTextBadRequest || resp.Message != "client is required" {
		t.Fatalf("validation = %d %+v", code, resp)
	}
}

func TestHandler_ClearScopeAndUpdatePatch(t *testing.T) {
	var scope store.Scope
	var patch store.Patch
	h := NewHandler(&fakeService{
		clearFn: func(ctx context.Context, s store.Scope) (int, error) {
			scope = s
			return 4, nil
		},
		updateFn: func(ctx context.Context, id int64, p store.Patch) (domain.Appointment, error) {
			patch = p
			return domain.Appointment{ID: id}, nil
		},
	}, discardLogger())

	code, resp := do(t, h, http.MethodPost, "/", `{"action":"clear","storeId":3}`)
	if code != http.StatusOK || resp.Count != 4 || scope != store.OnlyStore(3) {
		t.Fatalf("clear = %d %+v scope %+v", code, resp, scope)
	}
	_, _ = do(t, h, http.MethodPost, "/", `{"action":"clear"}`)
	if scope != store.AllStores() {
		t.Fatalf("unscoped clear scope = %+v", scope)
	}

	code, resp = do(t, h, http.MethodPost, "/", `{"action":"update","id":9,"time":"10:00"}`)
	if code != http.StatusOK || resp.ID != 9 {
		t.Fatalf("update = %d %+v", code, resp)
	}
	if patch.Time == nil || *patch.Time != "10:00" || patch.Date != nil || patch.Notes == nil || *patch.Notes != "" {
		t.Fatalf("patch = %+v", patch)
	}
}

// The remote client and the handler must agree on the protocol.
func TestHandler_RemoteClientRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var rows []domain.Appointment
	svc := &fakeService{
		listFn: func(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
			mu.Lock()
			defer mu.Unlock()
			return f.Apply(rows), nil
		},
		createFn: func(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error) {
			mu.Lock()
			defer mu.Unlock()
			a := domain.Appointment{ID: in.ID, Date: in.Date, Time: in.Time, ClientName: in.ClientName,
				ClientPhone: in.ClientPhone, StoreID: in.StoreID, StoreName: in.StoreName, Notes: in.Notes}
			rows = append(rows, a)
			return a, nil
		},
	}
	srv := httptest.NewServer(NewHandler(svc, discardLogger()))
	defer srv.Close()

	guard := booking.Guard{Rules: slots.MustDefault(), Policy: booking.GlobalExclusive}
	client, err := remote.New(srv.URL, guard, remote.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("remote.New error: %v", err)
	}
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping error: %v", err)
	}

	created, err := client.Create(ctx, domain.Appointment{
		Date: "2026-02-21", Time: "09:00", ClientName: "Ana", ClientPhone: "19990000000", StoreID: 1, StoreName: "Loja 1",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	listed, err := client.List(ctx, store.Filter{Date: "2026-02-21"})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID || listed[0].ClientName != "Ana" || listed[0].StoreName != "Loja 1" {
		t.Fatalf("listed = %+v, created = %+v", listed, created)
	}

	_, err = client.Create(ctx, domain.Appointment{
		Date: "2026-02-21", Time: "09:00", ClientName: "Bia", ClientPhone: "1", StoreID: 2,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second create err = %v, want %v", err, store.ErrConflict)
	}
}
