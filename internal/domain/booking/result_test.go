package booking

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestError_IsAndUnwrap(t *testing.T) {
	id := uuid.New()
	cause := errors.New("pool closed")
	err := fmt.Errorf("attempt: %w", StorageErr(id, cause))

	if !errors.Is(err, ErrStorage) {
		t.Error("expected ErrStorage")
	}
	if errors.Is(err, ErrSlotNotFound) {
		t.Error("storage error must not match ErrSlotNotFound")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if KindOf(err) != KindStorageError {
		t.Errorf("expected StorageError, got %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("expected empty kind for plain error")
	}
}

func TestError_Retryable(t *testing.T) {
	id := uuid.New()
	for kind, want := range map[Kind]bool{
		KindSlotNotFound:      false,
		KindSlotAlreadyBooked: false,
		KindSlotUnavailable:   false,
		KindSlotExpired:       false,
		KindStorageError:      true,
		KindLockTimeout:       true,
	} {
		if got := newError(kind, id, nil).Retryable; got != want {
			t.Errorf("%s: expected retryable=%v, got %v", kind, want, got)
		}
	}
}

func TestError_MessageHidesInternals(t *testing.T) {
	e := StorageErr(uuid.New(), errors.New("dial tcp 10.0.0.5:5432: refused"))
	if e.Message() == "" || e.Message() == e.Error() {
		t.Errorf("message leaks internal error: %q", e.Message())
	}
}

func TestResultFrom_Success(t *testing.T) {
	start := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	conf := &Confirmation{
		BookingID: uuid.New(),
		SlotID:    uuid.New(),
		Status:    BookingPending,
		Start:     start,
		End:       start.Add(time.Hour),
	}
	res := ResultFrom(conf.SlotID, conf, nil)
	if !res.Success || *res.BookingID != conf.BookingID || res.Error != "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.HTTPStatus() != http.StatusCreated {
		t.Errorf("expected 201, got %d", res.HTTPStatus())
	}
}

func TestResultFrom_HTTPStatus(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		err  error
		code int
	}{
		{newError(KindSlotNotFound, id, nil), http.StatusNotFound},
		{newError(KindSlotAlreadyBooked, id, nil), http.StatusConflict},
		{newError(KindSlotUnavailable, id, nil), http.StatusConflict},
		{newError(KindSlotExpired, id, nil), http.StatusGone},
		{StorageErr(id, nil), http.StatusServiceUnavailable},
		{errors.New("unexpected"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		res := ResultFrom(id, nil, tt.err)
		if res.Success {
			t.Errorf("%v: expected failure", tt.err)
		}
		if got := res.HTTPStatus(); got != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, got)
		}
	}
}
