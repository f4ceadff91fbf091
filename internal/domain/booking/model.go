package booking

import (
	"time"

	"github.com/google/uuid"
)

// SlotStatus is the lifecycle state of a bookable slot.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotBooked    SlotStatus = "BOOKED"
	SlotBlocked   SlotStatus = "BLOCKED"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
)

// Slot maps to the slot table. It is one bookable unit of provider time.
type Slot struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	AvailabilityID uuid.UUID  `db:"availability_id" json:"availability_id"`
	ServiceID      uuid.UUID  `db:"service_id" json:"service_id"`
	Status         SlotStatus `db:"status" json:"status"`
	StartTime      time.Time  `db:"start_time" json:"start_time"`
	EndTime        time.Time  `db:"end_time" json:"end_time"`
	PriceCents     int64      `db:"price_cents" json:"price_cents"`
	IsOnline       bool       `db:"is_online" json:"is_online"`
	IsInPerson     bool       `db:"is_in_person" json:"is_in_person"`
	BookingID      *uuid.UUID `db:"booking_id" json:"booking_id,omitempty"`
	BlockedReason  *string    `db:"blocked_reason" json:"blocked_reason,omitempty"`
	VersionID      int        `db:"version_id" json:"version_id"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Requester identifies who is booking. Registered users carry a UserID;
// guests only carry contact details.
type Requester struct {
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Name   string     `json:"name"`
	Email  string     `json:"email"`
	Phone  string     `json:"phone,omitempty"`
	Notes  string     `json:"notes,omitempty"`
}

// IsGuest reports whether the requester has no registered account.
func (r Requester) IsGuest() bool { return r.UserID == nil }

// Booking maps to the booking table. SlotID never changes after creation.
type Booking struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	SlotID     uuid.UUID     `db:"slot_id" json:"slot_id"`
	Status     BookingStatus `db:"status" json:"status"`
	UserID     *uuid.UUID    `db:"user_id" json:"user_id,omitempty"`
	GuestName  string        `db:"guest_name" json:"guest_name"`
	GuestEmail string        `db:"guest_email" json:"guest_email"`
	GuestPhone *string       `db:"guest_phone" json:"guest_phone,omitempty"`
	Notes      *string       `db:"notes" json:"notes,omitempty"`
	PriceCents int64         `db:"price_cents" json:"price_cents"`
	IsOnline   bool          `db:"is_online" json:"is_online"`
	IsInPerson bool          `db:"is_in_person" json:"is_in_person"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}

// Active reports whether the booking still holds its slot.
func (b *Booking) Active() bool { return b.Status != BookingCancelled }

// Confirmation is returned to the caller after a successful booking.
type Confirmation struct {
	BookingID uuid.UUID     `json:"booking_id"`
	SlotID    uuid.UUID     `json:"slot_id"`
	Status    BookingStatus `json:"status"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	CreatedAt time.Time     `json:"created_at"`
}

// Mutation is what a locked section asks the store to persist. Slot is the
// updated slot record; Booking, when non-nil, is inserted in the same
// transaction.
type Mutation struct {
	Slot    *Slot
	Booking *Booking
}

// SlotFilter narrows ListAvailable.
type SlotFilter struct {
	ServiceID      *uuid.UUID
	AvailabilityID *uuid.UUID
	From           *time.Time
	To             *time.Time
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
