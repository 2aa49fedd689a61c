package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"opticbook/internal/domain"
	"opticbook/internal/store"
)

type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

var _ store.AppointmentRepository = (*AppointmentRepo)(nil)

type dayTx struct {
	tx bun.Tx
}

func (r *AppointmentRepo) List(ctx context.Context, f store.Filter) ([]domain.Appointment, error) {
	rows := make([]domain.Appointment, 0)
	q := r.db.NewSelect().Model(&rows)
	if f.Date != "" {
		q = q.Where("date = ?", f.Date)
	}
	if f.StoreID != nil {
		q = q.Where("store_id = ?", *f.StoreID)
	}
	if f.Month != "" {
		q = q.Where("date LIKE ? || '-%'", f.Month)
	}
	err := q.OrderExpr("date ASC, time ASC, store_id ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) Get(ctx context.Context, id int64) (domain.Appointment, error) {
	return getAppointment(ctx, r.db, id)
}

// InDayTransaction runs fn in a transaction holding an advisory lock for each
// date. Locks are taken in sorted order so two writers moving appointments
// between the same days cannot deadlock. ReplaceAll holds the exclusive side
// of replaceAllLockKey; day transactions share it.
func (r *AppointmentRepo) InDayTransaction(ctx context.Context, dates []string, fn func(ctx context.Context, tx store.DayTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock_shared(hashtext(?))", replaceAllLockKey).Exec(ctx); err != nil {
			return err
		}
		for _, key := range lockKeys(dates) {
			if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", key).Exec(ctx); err != nil {
				return err
			}
		}
		return fn(ctx, dayTx{tx: tx})
	})
}

func (r *AppointmentRepo) Clear(ctx context.Context, scope store.Scope) (int, error) {
	q := r.db.NewDelete().Model((*domain.Appointment)(nil))
	if scope.Scoped {
		q = q.Where("store_id = ?", scope.StoreID)
	} else {
		q = q.Where("TRUE")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ReplaceAll swaps the whole table for appts in one transaction.
func (r *AppointmentRepo) ReplaceAll(ctx context.Context, appts []domain.Appointment) (int, error) {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", replaceAllLockKey).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*domain.Appointment)(nil)).Where("TRUE").Exec(ctx); err != nil {
			return err
		}
		if len(appts) == 0 {
			return nil
		}
		rows := append([]domain.Appointment(nil), appts...)
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(appts), nil
}

func (r dayTx) ListDay(ctx context.Context, date string) ([]domain.Appointment, error) {
	rows := make([]domain.Appointment, 0)
	err := r.tx.NewSelect().
		Model(&rows).
		Where("date = ?", date).
		OrderExpr("time ASC, store_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r dayTx) Get(ctx context.Context, id int64) (domain.Appointment, error) {
	return getAppointment(ctx, r.tx, id)
}

// InsertAppointment stores appt. Repeating an insert with the same id and the
// same booking returns the stored row; a different booking under that id is an
// idempotency conflict.
func (r dayTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	res, err := r.tx.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 1 {
		return m, nil
	}

	existing, err := getAppointment(ctx, r.tx, m.ID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if !existing.SameBooking(appt) {
		return domain.Appointment{}, store.ErrIdempotencyConflict
	}
	return existing, nil
}

func (r dayTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) error {
	m := appt
	res, err := r.tx.NewUpdate().
		Model(&m).
		Column("date", "time", "client_name", "client_phone", "store_id", "store_name", "notes", "external_ref", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r dayTx) DeleteAppointment(ctx context.Context, id int64) error {
	res, err := r.tx.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

const replaceAllLockKey = "opticbook:replace-all"

// lockKeys returns the sorted, de-duplicated advisory lock keys for dates.
func lockKeys(dates []string) []string {
	seen := make(map[string]struct{}, len(dates))
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, "opticbook:day:"+d)
	}
	sort.Strings(out)
	return out
}

func getAppointment(ctx context.Context, db bun.IDB, id int64) (domain.Appointment, error) {
	var a domain.Appointment
	err := db.NewSelect().Model(&a).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return a, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
