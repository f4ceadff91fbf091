package booking

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind names an expected booking outcome other than success.
type Kind string

const (
	KindSlotNotFound      Kind = "SlotNotFound"
	KindSlotAlreadyBooked Kind = "SlotAlreadyBooked"
	KindSlotUnavailable   Kind = "SlotUnavailable"
	KindSlotExpired       Kind = "SlotExpired"
	KindStorageError      Kind = "StorageError"
	// KindLockTimeout is reported by stores only. The arbiter converts it
	// into KindSlotUnavailable once its retries are exhausted.
	KindLockTimeout Kind = "LockTimeout"
)

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrSlotNotFound      = errors.New("slot not found")
	ErrSlotAlreadyBooked = errors.New("slot is already booked")
	ErrSlotUnavailable   = errors.New("slot is not available")
	ErrSlotExpired       = errors.New("slot start time has passed")
	ErrStorage           = errors.New("storage failure")
	ErrLockTimeout       = errors.New("timed out waiting for slot lock")

	ErrBookingNotFound = errors.New("booking not found")
)

var sentinels = map[Kind]error{
	KindSlotNotFound:      ErrSlotNotFound,
	KindSlotAlreadyBooked: ErrSlotAlreadyBooked,
	KindSlotUnavailable:   ErrSlotUnavailable,
	KindSlotExpired:       ErrSlotExpired,
	KindStorageError:      ErrStorage,
	KindLockTimeout:       ErrLockTimeout,
}

var messages = map[Kind]string{
	KindSlotNotFound:      "This slot does not exist",
	KindSlotAlreadyBooked: "This slot is no longer available",
	KindSlotUnavailable:   "This slot is no longer available",
	KindSlotExpired:       "This slot has already started",
	KindStorageError:      "We could not complete your booking, please try again",
	KindLockTimeout:       "This slot is busy, please try again",
}

// Error is the typed failure returned by the arbiter and the stores.
type Error struct {
	Kind      Kind
	SlotID    uuid.UUID
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: slot %s: %v", e.Kind, e.SlotID, e.Err)
	}
	return fmt.Sprintf("%s: slot %s", e.Kind, e.SlotID)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinel for the error's Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Message is text safe to show to the requester.
func (e *Error) Message() string {
	if m, ok := messages[e.Kind]; ok {
		return m
	}
	return "Something went wrong"
}

func newError(kind Kind, slotID uuid.UUID, cause error) *Error {
	e := &Error{Kind: kind, SlotID: slotID, Err: cause}
	switch kind {
	case KindStorageError, KindLockTimeout:
		e.Retryable = true
	}
	return e
}

// StorageErr wraps an underlying persistence failure.
func StorageErr(slotID uuid.UUID, cause error) *Error {
	return newError(KindStorageError, slotID, cause)
}

// LockTimeoutErr reports that the per-slot lock was not obtained in time.
func LockTimeoutErr(slotID uuid.UUID, cause error) *Error {
	return newError(KindLockTimeout, slotID, cause)
}

// KindOf extracts the Kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
