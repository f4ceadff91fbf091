package booking

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Result is the wire shape of a booking attempt: either the success
// fields or Error/Message are set, never both.
type Result struct {
	Success   bool          `json:"success"`
	BookingID *uuid.UUID    `json:"booking_id,omitempty"`
	SlotID    uuid.UUID     `json:"slot_id"`
	Status    BookingStatus `json:"status,omitempty"`
	Start     *time.Time    `json:"start,omitempty"`
	End       *time.Time    `json:"end,omitempty"`
	Error     Kind          `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

// ResultFrom builds the Result for an AttemptBooking outcome.
func ResultFrom(slotID uuid.UUID, conf *Confirmation, err error) Result {
	if err == nil && conf != nil {
		return Result{
			Success:   true,
			BookingID: &conf.BookingID,
			SlotID:    conf.SlotID,
			Status:    conf.Status,
			Start:     &conf.Start,
			End:       &conf.End,
		}
	}

	var be *Error
	if !errors.As(err, &be) {
		be = StorageErr(slotID, err)
	}
	return Result{
		SlotID:    slotID,
		Error:     be.Kind,
		Message:   be.Message(),
		Retryable: be.Retryable,
	}
}

// HTTPStatus maps the result onto a response code.
func (r Result) HTTPStatus() int {
	if r.Success {
		return http.StatusCreated
	}
	switch r.Error {
	case KindSlotNotFound:
		return http.StatusNotFound
	case KindSlotAlreadyBooked, KindSlotUnavailable:
		return http.StatusConflict
	case KindSlotExpired:
		return http.StatusGone
	case KindStorageError, KindLockTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
