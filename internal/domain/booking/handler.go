package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medbookings/medbookings/internal/platform/idempotency"
	"github.com/medbookings/medbookings/pkg/pagination"
)

// IdempotencyHeader carries an optional client key used to collapse
// duplicate submissions of the same booking.
const IdempotencyHeader = "Idempotency-Key"

// KindRequestInProgress is reported when a duplicate submission arrives
// while the original is still being arbitrated.
const KindRequestInProgress Kind = "RequestInProgress"

// idempotencyTimeout bounds recording an outcome after the request ends.
const idempotencyTimeout = 2 * time.Second

type Handler struct {
	arbiter  *Arbiter
	producer *Producer
	idem     idempotency.Store
	logger   zerolog.Logger
}

// NewHandler wires the booking gateway. idem may be nil to disable
// idempotency-key handling.
func NewHandler(arbiter *Arbiter, producer *Producer, idem idempotency.Store, logger zerolog.Logger) *Handler {
	return &Handler{arbiter: arbiter, producer: producer, idem: idem, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/slots", h.ListSlots)
	api.GET("/slots/:id", h.GetSlot)
	api.POST("/slots/:id/bookings", h.BookSlot)
	api.POST("/slots/:id/block", h.BlockSlot)
	api.POST("/availability", h.PublishAvailability)
}

// bookRequest is the request body for POST /slots/:id/bookings.
type bookRequest struct {
	UserID *uuid.UUID `json:"user_id"`
	Name   string     `json:"name" validate:"required,max=200"`
	Email  string     `json:"email" validate:"required,email"`
	Phone  string     `json:"phone" validate:"omitempty,e164"`
	Notes  string     `json:"notes" validate:"max=2000"`
}

type blockRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// BookSlot handles POST /slots/:id/bookings.
func (h *Handler) BookSlot(c echo.Context) error {
	slotID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid slot id")
	}
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	key := c.Request().Header.Get(IdempotencyHeader)
	if key != "" && h.idem != nil {
		key = "booking:" + slotID.String() + ":" + key
		claimed, rec, err := h.idem.Claim(ctx, key)
		switch {
		case err != nil:
			h.logger.Warn().Err(err).Str("slot_id", slotID.String()).Msg("idempotency store unavailable")
			key = ""
		case !claimed && rec != nil:
			return c.JSONBlob(rec.StatusCode, rec.Body)
		case !claimed:
			return c.JSON(http.StatusConflict, Result{
				SlotID:  slotID,
				Error:   KindRequestInProgress,
				Message: "This booking is already being processed",
			})
		}
	} else {
		key = ""
	}

	conf, err := h.arbiter.AttemptBooking(ctx, slotID, Requester{
		UserID: req.UserID,
		Name:   req.Name,
		Email:  req.Email,
		Phone:  req.Phone,
		Notes:  req.Notes,
	})
	res := ResultFrom(slotID, conf, err)
	code := res.HTTPStatus()
	if res.Retryable {
		c.Response().Header().Set("Retry-After", "1")
	}

	if key != "" {
		h.remember(c, key, code, res)
	}
	return c.JSON(code, res)
}

// remember stores a final outcome for replay. Retryable outcomes release
// the key so the client can try again. It runs detached from the request
// context so a disconnect or deadline cannot leave the key pending.
func (h *Handler) remember(c echo.Context, key string, code int, res Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), idempotencyTimeout)
	defer cancel()

	if !res.Retryable {
		body, err := json.Marshal(res)
		if err == nil {
			err = h.idem.Complete(ctx, key, idempotency.Record{StatusCode: code, Body: body})
		}
		if err == nil {
			return
		}
		h.logger.Warn().Err(err).Msg("store idempotency record")
	}
	if err := h.idem.Release(ctx, key); err != nil {
		h.logger.Warn().Err(err).Msg("release idempotency key")
	}
}

// GetSlot handles GET /slots/:id.
func (h *Handler) GetSlot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sl, err := h.arbiter.GetSlot(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "slot not found")
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "slot store unavailable")
	}
	return c.JSON(http.StatusOK, sl)
}

// ListSlots handles GET /slots.
func (h *Handler) ListSlots(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f SlotFilter

	if v := c.QueryParam("service_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid service_id")
		}
		f.ServiceID = &id
	}
	if v := c.QueryParam("availability_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid availability_id")
		}
		f.AvailabilityID = &id
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
		f.To = &t
	}

	items, total, err := h.arbiter.ListAvailableSlots(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "slot store unavailable")
	}

	q := c.QueryParams()
	q.Del("limit")
	q.Del("offset")
	if link := pg.LinkHeader(c.Request().URL.Path, q.Encode(), total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// BlockSlot handles POST /slots/:id/block.
func (h *Handler) BlockSlot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req blockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.arbiter.Block(c.Request().Context(), id, req.Reason); err != nil {
		res := ResultFrom(id, nil, err)
		return c.JSON(res.HTTPStatus(), res)
	}
	sl, err := h.arbiter.GetSlot(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "slot store unavailable")
	}
	return c.JSON(http.StatusOK, sl)
}

type publishResponse struct {
	AvailabilityID uuid.UUID `json:"availability_id"`
	Slots          []*Slot   `json:"slots"`
}

// PublishAvailability handles POST /availability.
func (h *Handler) PublishAvailability(c echo.Context) error {
	var w Window
	if err := c.Bind(&w); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&w); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	slots, err := h.producer.Publish(c.Request().Context(), w)
	if err != nil {
		switch {
		case errors.Is(err, ErrWindowRange), errors.Is(err, ErrWindowDuration),
			errors.Is(err, ErrWindowMode), errors.Is(err, ErrWindowTooShort):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Str("service_id", w.ServiceID.String()).Msg("publish availability")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "slot store unavailable")
	}
	return c.JSON(http.StatusCreated, publishResponse{AvailabilityID: slots[0].AvailabilityID, Slots: slots})
}
