package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tunes an Arbiter. Zero values pick the defaults.
type Options struct {
	// LockRetries is how many times a lock timeout is retried before the
	// attempt is surfaced as SlotUnavailable.
	LockRetries int
	// RetryBackoff is the first wait between retries; it doubles each time.
	RetryBackoff time.Duration
	// AutoConfirm creates bookings as CONFIRMED instead of PENDING.
	AutoConfirm bool
	// Now is the arbitration clock.
	Now func() time.Time
	// Observer, when set, is told the outcome of every arbitration.
	Observer Observer
}

// Observer receives one call per finished AttemptBooking or Block.
// outcome is OutcomeOK on success and the failure Kind otherwise.
type Observer interface {
	ObserveArbitration(op, outcome string, elapsed time.Duration)
}

const OutcomeOK = "OK"

const (
	DefaultLockRetries  = 2
	DefaultRetryBackoff = 50 * time.Millisecond
)

// Arbiter serializes booking attempts per slot so exactly one wins.
type Arbiter struct {
	store  SlotStore
	logger zerolog.Logger
	opts   Options
}

// NewArbiter creates an Arbiter over store. A negative LockRetries
// disables retrying.
func NewArbiter(store SlotStore, logger zerolog.Logger, opts Options) *Arbiter {
	if opts.LockRetries == 0 {
		opts.LockRetries = DefaultLockRetries
	}
	if opts.LockRetries < 0 {
		opts.LockRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Arbiter{store: store, logger: logger.With().Str("component", "arbiter").Logger(), opts: opts}
}

// AttemptBooking claims slotID for req. On success the slot is BOOKED and
// exactly one booking references it. Any failure is a *Error and leaves
// no partial state behind.
func (a *Arbiter) AttemptBooking(ctx context.Context, slotID uuid.UUID, req Requester) (conf *Confirmation, err error) {
	defer a.observe("book", time.Now(), &err)

	err = a.withRetry(ctx, slotID, func() error {
		conf = nil
		return a.store.WithSlotLock(ctx, slotID, func(cur *Slot) (*Mutation, error) {
			now := a.opts.Now().UTC()
			if err := checkBookable(slotID, cur, now); err != nil {
				return nil, err
			}

			b := &Booking{
				ID:         uuid.New(),
				SlotID:     slotID,
				Status:     a.initialStatus(),
				UserID:     req.UserID,
				GuestName:  req.Name,
				GuestEmail: req.Email,
				GuestPhone: strPtr(req.Phone),
				Notes:      strPtr(req.Notes),
				PriceCents: cur.PriceCents,
				IsOnline:   cur.IsOnline,
				IsInPerson: cur.IsInPerson,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			next := *cur
			next.Status = SlotBooked
			next.BookingID = &b.ID

			conf = &Confirmation{
				BookingID: b.ID,
				SlotID:    slotID,
				Status:    b.Status,
				Start:     cur.StartTime,
				End:       cur.EndTime,
				CreatedAt: now,
			}
			return &Mutation{Slot: &next, Booking: b}, nil
		})
	})
	if err != nil {
		conf = nil
		err = a.surface(slotID, err)
		return nil, err
	}

	a.logger.Debug().
		Str("slot_id", slotID.String()).
		Str("booking_id", conf.BookingID.String()).
		Bool("guest", req.IsGuest()).
		Msg("slot booked")
	return conf, nil
}

// Block marks an available slot BLOCKED after an external calendar
// conflict. Blocking an already blocked slot is a no-op.
func (a *Arbiter) Block(ctx context.Context, slotID uuid.UUID, reason string) (err error) {
	defer a.observe("block", time.Now(), &err)

	err = a.withRetry(ctx, slotID, func() error {
		return a.store.WithSlotLock(ctx, slotID, func(cur *Slot) (*Mutation, error) {
			if cur == nil {
				return nil, newError(KindSlotNotFound, slotID, nil)
			}
			switch cur.Status {
			case SlotBlocked:
				return nil, nil
			case SlotBooked:
				return nil, newError(KindSlotAlreadyBooked, slotID, nil)
			}
			next := *cur
			next.Status = SlotBlocked
			next.BlockedReason = strPtr(reason)
			return &Mutation{Slot: &next}, nil
		})
	})
	if err != nil {
		err = a.surface(slotID, err)
		return err
	}
	a.logger.Info().Str("slot_id", slotID.String()).Str("reason", reason).Msg("slot blocked")
	return nil
}

// GetSlot returns the stored slot.
func (a *Arbiter) GetSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	sl, err := a.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, a.surface(slotID, err)
	}
	return sl, nil
}

// ListAvailableSlots returns AVAILABLE slots that start after now.
func (a *Arbiter) ListAvailableSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	now := a.opts.Now().UTC()
	if f.From == nil || f.From.Before(now) {
		f.From = &now
	}
	items, total, err := a.store.ListAvailable(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, a.surface(uuid.Nil, err)
	}
	return items, total, nil
}

func (a *Arbiter) initialStatus() BookingStatus {
	if a.opts.AutoConfirm {
		return BookingConfirmed
	}
	return BookingPending
}

func checkBookable(slotID uuid.UUID, cur *Slot, now time.Time) error {
	if cur == nil {
		return newError(KindSlotNotFound, slotID, nil)
	}
	switch cur.Status {
	case SlotAvailable:
	case SlotBooked:
		return newError(KindSlotAlreadyBooked, slotID, nil)
	default:
		return newError(KindSlotUnavailable, slotID, nil)
	}
	if !cur.StartTime.After(now) {
		return newError(KindSlotExpired, slotID, nil)
	}
	return nil
}

// withRetry reruns op while it fails with a lock timeout, up to
// LockRetries extra times, doubling the backoff each round.
func (a *Arbiter) withRetry(ctx context.Context, slotID uuid.UUID, op func() error) error {
	backoff := a.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if KindOf(err) != KindLockTimeout || attempt >= a.opts.LockRetries || ctx.Err() != nil {
			return err
		}

		a.logger.Warn().
			Str("slot_id", slotID.String()).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("slot lock timeout, retrying")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		backoff *= 2
	}
}

func (a *Arbiter) observe(op string, start time.Time, err *error) {
	if a.opts.Observer == nil {
		return
	}
	outcome := OutcomeOK
	if *err != nil {
		outcome = string(KindOf(*err))
	}
	a.opts.Observer.ObserveArbitration(op, outcome, time.Since(start))
}

// surface converts store-level failures into caller-facing ones.
func (a *Arbiter) surface(slotID uuid.UUID, err error) error {
	switch KindOf(err) {
	case KindLockTimeout:
		return &Error{Kind: KindSlotUnavailable, SlotID: slotID, Retryable: true, Err: err}
	case KindStorageError:
		a.logger.Error().Err(err).Str("slot_id", slotID.String()).Msg("slot store failure")
		return err
	case "":
		a.logger.Error().Err(err).Str("slot_id", slotID.String()).Msg("slot store failure")
		return StorageErr(slotID, err)
	}
	return err
}
