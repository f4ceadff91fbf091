package booking

import (
	"context"

	"github.com/google/uuid"
)

// LockedFunc runs while the store holds the exclusive lock for one slot.
// current is nil when the slot does not exist. Returning a nil Mutation
// leaves the slot untouched; returning an error aborts without writing.
type LockedFunc func(current *Slot) (*Mutation, error)

// SlotStore is the single source of truth for slot state.
//
// WithSlotLock is serializable per slot id and independent across ids.
// Lock waits are bounded; a timeout is reported as a KindLockTimeout
// *Error and any persistence failure as KindStorageError. The lock is
// released on every exit path.
type SlotStore interface {
	WithSlotLock(ctx context.Context, slotID uuid.UUID, fn LockedFunc) error

	CreateSlots(ctx context.Context, slots []*Slot) error
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListAvailable(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	BookingsForSlot(ctx context.Context, slotID uuid.UUID) ([]*Booking, error)
}
