// Package httpapi serves the appointment wire protocol over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"opticbook/internal/domain"
	"opticbook/internal/service/appointments"
	"opticbook/internal/store"
	"opticbook/internal/wire"
)

type appointmentsService interface {
	Create(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error)
	List(ctx context.Context, f store.Filter) ([]domain.Appointment, error)
	Update(ctx context.Context, id int64, p store.Patch) (domain.Appointment, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context, scope store.Scope) (int, error)
	SyncAll(ctx context.Context, appts []domain.Appointment) (int, error)
}

type Handler struct {
	svc appointmentsService
	log *slog.Logger
}

func NewHandler(svc appointmentsService, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		svc: svc,
		log: log.With(slog.String("component", "http.wire")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveGet(w, r)
	case http.MethodPost:
		h.servePost(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, wire.Response{Err: wire.ErrTextBadRequest, Message: "method not allowed"})
	}
}

func (h *Handler) serveGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := q.Get("action")
	log := h.log.With(slog.String("action", action))

	switch action {
	case wire.ActionTest, wire.ActionPing:
		writeJSON(w, http.StatusOK, wire.Response{OK: true, Message: "opticbook online"})
	case wire.ActionList:
		f := store.Filter{Date: q.Get("date"), Month: q.Get("month")}
		if raw := strings.TrimSpace(q.Get("storeId")); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				log.Warn("invalid request", slog.String("reason", "bad_store_id"))
				writeJSON(w, http.StatusBadRequest, wire.Response{Err: wire.ErrTextBadRequest, Message: "storeId must be an integer"})
				return
			}
			f.StoreID = &id
		}
		appts, err := h.svc.List(r.Context(), f)
		if err != nil {
			h.writeFailure(w, log, err)
			return
		}
		log.Debug("appointments listed", slog.Int("count", len(appts)))
		writeJSON(w, http.StatusOK, wire.Response{OK: true, Data: wire.FromAppointments(appts)})
	default:
		log.Warn("invalid request", slog.String("reason", "unknown_action"))
		writeJSON(w, http.StatusBadRequest, wire.Response{Err: wire.ErrTextBadRequest, Message: "unknown action"})
	}
}

func (h *Handler) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Warn("invalid request", slog.String("reason", "unreadable_body"), slog.Any("err", err))
		writeJSON(w, http.StatusBadRequest, wire.Response{Err: wire.ErrTextBadRequest, Message: "unreadable body"})
		return
	}
	// Clients post JSON as text/plain to avoid CORS preflight, so the
	// content type is not checked.
	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.log.Warn("invalid request", slog.String("reason", "malformed_json"))
		writeJSON(w, http.StatusBadRequest, wire.Response{Err: wire.ErrTextBadRequest, Message: "malformed JSON"})
		return
	}

	ctx := r.Context()
	log := h.log.With(slog.String("action", req.Action))

	switch req.Action {
	case wire.ActionCreate:
		rec := req.Record()
		appt, err := h.svc.Create(ctx, appointments.CreateInput{
			ID:          rec.ID,
			Date:        rec.Date,
			Time:        rec.Time,
			ClientName:  rec.Client,
			ClientPhone: rec.Phone,
			StoreID:     rec.StoreID,
			StoreName:   rec.Store,
			Notes:       rec.Notes,
			ExternalRef: rec.ExternalRef,
		})
		if err != nil {
			h.writeFailure(w, log, err)
			return
		}
		log.Info("appointment created",
			slog.Int64("appointment_id", appt.ID),
			slog.String("date", appt.Date),
			slog.String("time", appt.Time),
			slog.Int64("store_id", appt.StoreID),
		)
		writeJSON(w, http.StatusOK, wire.Response{OK: true, ID: appt.ID})

	case wire.ActionUpdate:
		appt, err := h.svc.Update(ctx, req.ID, patchFromRequest(req))
		if err != nil {
			h.writeFailure(w, log, err)
			return
		}
		log.Info("appointment updated", slog.Int64("appointment_id", appt.ID))
		writeJSON(w, http.StatusOK, wire.Response{OK: true, ID: appt.ID})

	case wire.ActionDelete:
		if err := h.svc.Delete(ctx, req.ID); err != nil {
			h.writeFailure(w, log, err)
			return
		}
		log.Info("appointment deleted", slog.Int64("appointment_id", req.ID))
		writeJSON(w, http.StatusOK, wire.Response{OK: true, ID: req.ID})

	case wire.ActionClear:
		n, err := h.svc.Clear(ctx, req.Scope())
		if err != nil {
			h.writeFailure(w, log, err)
			return
		}
		log.Info("appointments cleared", slog.Int("count", n))
		writeJSON(w, http.StatusOK, wire.Response{OK: true, Count: n})

	case wire.ActionSyncAll:
		n, err := h.svc.SyncAll(ctx, wire.Appointments(req.Appointments))
		if err != nil {
			h.writeFailure(w, log, err)
			return
		}
		log.Info("appointments synced", slog.Int("count", n))
		writeJSON(w, http.StatusOK, wire.Response{OK: true, Count: n})

	default:
		log.Warn("invalid request", slog.String("reason", "unknown_action"))
		writeJSON(w, http.StatusBadRequest, wire.Response{Err: wire.ErrTextBadRequest, Message: "unknown action"})
	}
}

// writeFailure reports err as a business failure: HTTP 200 with ok=false.
func (h *Handler) writeFailure(w http.ResponseWriter, log *slog.Logger, err error) {
	var vErr *appointments.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", slog.Any("err", err))
		writeJSON(w, http.StatusOK, wire.Response{Err: wire.ErrTextBadRequest, Message: vErr.Error()})
		return
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrIdempotencyConflict),
		errors.Is(err, store.ErrInvalidSlot), errors.Is(err, store.ErrNotFound):
		log.Info("request rejected", slog.Any("err", err))
	default:
		log.Error("request failed", slog.Any("err", err))
	}
	writeJSON(w, http.StatusOK, wire.Response{Err: wire.ErrorText(err)})
}

// patchFromRequest treats the update body as a full record: empty strings
// leave date, time, client and phone unchanged, while notes and externalRef
// are always replaced.
func patchFromRequest(req wire.Request) store.Patch {
	var p store.Patch
	if req.Date != "" {
		p.Date = store.String(req.Date)
	}
	if req.Time != "" {
		p.Time = store.String(req.Time)
	}
	if req.Client != "" {
		p.ClientName = store.String(req.Client)
	}
	if req.Phone != "" {
		p.ClientPhone = store.String(req.Phone)
	}
	if req.Store != "" {
		p.StoreName = store.String(req.Store)
	}
	if req.StoreID != nil {
		p.StoreID = store.Int64(*req.StoreID)
	}
	p.Notes = store.String(req.Notes)
	p.ExternalRef = store.String(req.ExternalRef)
	return p
}

func writeJSON(w http.ResponseWriter, status int, resp wire.Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
