package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the store reacts to.
const (
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
	pgUniqueViolation  = "23505"
)

// finishTimeout bounds COMMIT/ROLLBACK, which run detached from the
// request context so a disconnect cannot strand a held row lock.
const finishTimeout = 5 * time.Second

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type slotStorePG struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewSlotStorePG returns a SlotStore backed by Postgres row locks.
func NewSlotStorePG(pool *pgxpool.Pool, lockTimeout time.Duration) SlotStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &slotStorePG{pool: pool, lockTimeout: lockTimeout}
}

const slotCols = `id, availability_id, service_id, status, start_time, end_time, price_cents,
	is_online, is_in_person, booking_id, blocked_reason, version_id, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var sl Slot
	err := row.Scan(&sl.ID, &sl.AvailabilityID, &sl.ServiceID, &sl.Status, &sl.StartTime, &sl.EndTime,
		&sl.PriceCents, &sl.IsOnline, &sl.IsInPerson, &sl.BookingID, &sl.BlockedReason,
		&sl.VersionID, &sl.CreatedAt, &sl.UpdatedAt)
	return &sl, err
}

const bookingCols = `id, slot_id, status, user_id, guest_name, guest_email, guest_phone, notes,
	price_cents, is_online, is_in_person, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.SlotID, &b.Status, &b.UserID, &b.GuestName, &b.GuestEmail, &b.GuestPhone,
		&b.Notes, &b.PriceCents, &b.IsOnline, &b.IsInPerson, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

// WithSlotLock implements SlotStore with SELECT ... FOR UPDATE inside a
// transaction. The version_id predicate on the UPDATE is a second guard
// should the row ever be written without the lock.
func (r *slotStorePG) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn LockedFunc) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(slotID, fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		_ = tx.Rollback(rbCtx)
	}()

	timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return classify(slotID, fmt.Errorf("set lock_timeout: %w", err))
	}

	current, err := scanSlot(tx.QueryRow(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1 FOR UPDATE`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		current = nil
	} else if err != nil {
		return classify(slotID, fmt.Errorf("lock slot: %w", err))
	}

	mut, err := fn(current)
	if err != nil {
		return err
	}
	if mut == nil || mut.Slot == nil {
		return nil
	}
	if current == nil {
		return newError(KindSlotNotFound, slotID, nil)
	}

	if err := applyMutation(ctx, tx, slotID, current.VersionID, mut); err != nil {
		return err
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := tx.Commit(commitCtx); err != nil {
		return classify(slotID, fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func applyMutation(ctx context.Context, q queryable, slotID uuid.UUID, version int, mut *Mutation) error {
	if b := mut.Booking; b != nil {
		_, err := q.Exec(ctx, `
			INSERT INTO booking (id, slot_id, status, user_id, guest_name, guest_email, guest_phone, notes,
				price_cents, is_online, is_in_person)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			b.ID, slotID, b.Status, b.UserID, b.GuestName, b.GuestEmail, b.GuestPhone, b.Notes,
			b.PriceCents, b.IsOnline, b.IsInPerson)
		if err != nil {
			return classify(slotID, fmt.Errorf("insert booking: %w", err))
		}
	}

	s := mut.Slot
	tag, err := q.Exec(ctx, `
		UPDATE slot SET status=$3, booking_id=$4, blocked_reason=$5, version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2`,
		slotID, version, s.Status, s.BookingID, s.BlockedReason)
	if err != nil {
		return classify(slotID, fmt.Errorf("update slot: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return newError(KindSlotAlreadyBooked, slotID, nil)
	}
	return nil
}

// classify maps driver failures onto the booking error taxonomy.
func classify(slotID uuid.UUID, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected:
			return LockTimeoutErr(slotID, err)
		case pgUniqueViolation:
			return newError(KindSlotAlreadyBooked, slotID, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return LockTimeoutErr(slotID, err)
	}
	return StorageErr(slotID, err)
}

func (r *slotStorePG) CreateSlots(ctx context.Context, slots []*Slot) error {
	if len(slots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sl := range slots {
		if sl.ID == uuid.Nil {
			sl.ID = uuid.New()
		}
		if sl.Status == "" {
			sl.Status = SlotAvailable
		}
		sl.VersionID = 1
		batch.Queue(`
			INSERT INTO slot (id, availability_id, service_id, status, start_time, end_time, price_cents,
				is_online, is_in_person, version_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING created_at, updated_at`,
			sl.ID, sl.AvailabilityID, sl.ServiceID, sl.Status, sl.StartTime, sl.EndTime, sl.PriceCents,
			sl.IsOnline, sl.IsInPerson, sl.VersionID)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, sl := range slots {
		if err := br.QueryRow().Scan(&sl.CreatedAt, &sl.UpdatedAt); err != nil {
			return fmt.Errorf("insert slot %s: %w", sl.ID, err)
		}
	}
	return nil
}

func (r *slotStorePG) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	sl, err := scanSlot(r.pool.QueryRow(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newError(KindSlotNotFound, id, nil)
	}
	if err != nil {
		return nil, StorageErr(id, err)
	}
	return sl, nil
}

func (r *slotStorePG) ListAvailable(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	where := ` WHERE status = $1`
	args := []interface{}{SlotAvailable}
	idx := 2

	if f.ServiceID != nil {
		where += fmt.Sprintf(` AND service_id = $%d`, idx)
		args = append(args, *f.ServiceID)
		idx++
	}
	if f.AvailabilityID != nil {
		where += fmt.Sprintf(` AND availability_id = $%d`, idx)
		args = append(args, *f.AvailabilityID)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND start_time >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND start_time < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM slot`+where, args...).Scan(&total); err != nil {
		return nil, 0, StorageErr(uuid.Nil, fmt.Errorf("count slots: %w", err))
	}

	query := `SELECT ` + slotCols + ` FROM slot` + where +
		fmt.Sprintf(` ORDER BY start_time ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, StorageErr(uuid.Nil, fmt.Errorf("list slots: %w", err))
	}
	defer rows.Close()
	items := []*Slot{}
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, 0, StorageErr(uuid.Nil, fmt.Errorf("scan slot: %w", err))
		}
		items = append(items, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, StorageErr(uuid.Nil, fmt.Errorf("list slots: %w", err))
	}
	return items, total, nil
}

func (r *slotStorePG) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (r *slotStorePG) BookingsForSlot(ctx context.Context, slotID uuid.UUID) ([]*Booking, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bookingCols+` FROM booking WHERE slot_id = $1 ORDER BY created_at ASC`, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}
