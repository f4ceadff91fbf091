package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Window is a single provider availability span that is cut into slots.
// Recurring windows are expanded upstream.
type Window struct {
	ID          uuid.UUID `json:"id"`
	ServiceID   uuid.UUID `json:"service_id" validate:"required"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"required"`
	SlotMinutes int       `json:"slot_minutes" validate:"required,gt=0"`
	PriceCents  int64     `json:"price_cents" validate:"gte=0"`
	IsOnline    bool      `json:"is_online"`
	IsInPerson  bool      `json:"is_in_person"`
}

var (
	ErrWindowRange    = errors.New("window end must be after start")
	ErrWindowDuration = errors.New("slot_minutes must be positive")
	ErrWindowMode     = errors.New("window must be online, in person, or both")
	ErrWindowTooShort = errors.New("window is shorter than one slot")
)

// GenerateSlots cuts w into consecutive slots of w.SlotMinutes. A trailing
// remainder shorter than one slot is dropped.
func GenerateSlots(w Window) ([]*Slot, error) {
	if !w.End.After(w.Start) {
		return nil, ErrWindowRange
	}
	if w.SlotMinutes <= 0 {
		return nil, ErrWindowDuration
	}
	if !w.IsOnline && !w.IsInPerson {
		return nil, ErrWindowMode
	}

	step := time.Duration(w.SlotMinutes) * time.Minute
	var slots []*Slot
	for start := w.Start.UTC(); !start.Add(step).After(w.End.UTC()); start = start.Add(step) {
		slots = append(slots, &Slot{
			ID:             uuid.New(),
			AvailabilityID: w.ID,
			ServiceID:      w.ServiceID,
			Status:         SlotAvailable,
			StartTime:      start,
			EndTime:        start.Add(step),
			PriceCents:     w.PriceCents,
			IsOnline:       w.IsOnline,
			IsInPerson:     w.IsInPerson,
		})
	}
	if len(slots) == 0 {
		return nil, ErrWindowTooShort
	}
	return slots, nil
}

// Producer publishes availability windows as slot records.
type Producer struct {
	store  SlotStore
	logger zerolog.Logger
}

func NewProducer(store SlotStore, logger zerolog.Logger) *Producer {
	return &Producer{store: store, logger: logger.With().Str("component", "producer").Logger()}
}

// Publish generates the slots for w and stores them.
func (p *Producer) Publish(ctx context.Context, w Window) ([]*Slot, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	slots, err := GenerateSlots(w)
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateSlots(ctx, slots); err != nil {
		return nil, fmt.Errorf("create slots for availability %s: %w", w.ID, err)
	}
	p.logger.Info().
		Str("availability_id", w.ID.String()).
		Int("slots", len(slots)).
		Msg("availability published")
	return slots, nil
}
