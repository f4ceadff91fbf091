package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long a caller waits for a slot lock.
const DefaultLockTimeout = 3 * time.Second

// MemoryStore is an in-process SlotStore. Each slot has its own lock, a
// buffered channel of capacity one, so contention on one slot never
// blocks another. mu only guards the maps and is never held while a
// LockedFunc runs.
type MemoryStore struct {
	mu          sync.RWMutex
	slots       map[uuid.UUID]*Slot
	bookings    map[uuid.UUID]*Booking
	slotIndex   map[uuid.UUID][]uuid.UUID // slot ID -> booking IDs
	locks       map[uuid.UUID]*slotLock
	lockTimeout time.Duration
}

// slotLock is removed from the map once no holder or waiter references it.
type slotLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryStore creates an empty store. A non-positive lockTimeout
// falls back to DefaultLockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStore{
		slots:       make(map[uuid.UUID]*Slot),
		bookings:    make(map[uuid.UUID]*Booking),
		slotIndex:   make(map[uuid.UUID][]uuid.UUID),
		locks:       make(map[uuid.UUID]*slotLock),
		lockTimeout: lockTimeout,
	}
}

func (m *MemoryStore) refLock(id uuid.UUID) *slotLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &slotLock{ch: make(chan struct{}, 1)}
		m.locks[id] = l
	}
	l.refs++
	return l
}

func (m *MemoryStore) unrefLock(id uuid.UUID, l *slotLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, id)
	}
}

// lockEntries reports how many per-slot locks are currently tracked.
func (m *MemoryStore) lockEntries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks)
}

// WithSlotLock implements SlotStore.
func (m *MemoryStore) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn LockedFunc) error {
	lock := m.refLock(slotID)
	defer m.unrefLock(slotID, lock)

	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case lock.ch <- struct{}{}:
	case <-timer.C:
		return LockTimeoutErr(slotID, context.DeadlineExceeded)
	case <-ctx.Done():
		return LockTimeoutErr(slotID, ctx.Err())
	}
	defer func() { <-lock.ch }()

	mut, err := fn(m.snapshot(slotID))
	if err != nil {
		return err
	}
	if mut == nil || mut.Slot == nil {
		return nil
	}
	return m.apply(slotID, mut)
}

func (m *MemoryStore) snapshot(id uuid.UUID) *Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sl, ok := m.slots[id]
	if !ok {
		return nil
	}
	c := *sl
	return &c
}

func (m *MemoryStore) apply(slotID uuid.UUID, mut *Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.slots[slotID]
	if !ok {
		// Deleted by an availability cascade while the section ran.
		return newError(KindSlotNotFound, slotID, nil)
	}
	if mut.Slot.VersionID != cur.VersionID {
		return newError(KindSlotAlreadyBooked, slotID, nil)
	}
	if mut.Booking != nil {
		for _, bid := range m.slotIndex[slotID] {
			if m.bookings[bid].Active() {
				return newError(KindSlotAlreadyBooked, slotID, nil)
			}
		}
	}

	now := time.Now().UTC()
	next := *mut.Slot
	next.ID = slotID
	next.VersionID = cur.VersionID + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = now
	m.slots[slotID] = &next

	if mut.Booking != nil {
		b := *mut.Booking
		b.SlotID = slotID
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		b.UpdatedAt = now
		m.bookings[b.ID] = &b
		m.slotIndex[slotID] = append(m.slotIndex[slotID], b.ID)
	}
	return nil
}

// CreateSlots implements SlotStore.
func (m *MemoryStore) CreateSlots(_ context.Context, slots []*Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, sl := range slots {
		if sl.ID == uuid.Nil {
			sl.ID = uuid.New()
		}
		if sl.Status == "" {
			sl.Status = SlotAvailable
		}
		sl.VersionID = 1
		sl.CreatedAt = now
		sl.UpdatedAt = now
		c := *sl
		m.slots[sl.ID] = &c
	}
	return nil
}

// DeleteSlot removes a slot the way an availability cascade would,
// without taking the slot lock.
func (m *MemoryStore) DeleteSlot(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, id)
}

// GetSlot implements SlotStore.
func (m *MemoryStore) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	if sl := m.snapshot(id); sl != nil {
		return sl, nil
	}
	return nil, newError(KindSlotNotFound, id, nil)
}

// ListAvailable implements SlotStore.
func (m *MemoryStore) ListAvailable(_ context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	m.mu.RLock()
	var all []*Slot
	for _, sl := range m.slots {
		if sl.Status != SlotAvailable {
			continue
		}
		if f.ServiceID != nil && sl.ServiceID != *f.ServiceID {
			continue
		}
		if f.AvailabilityID != nil && sl.AvailabilityID != *f.AvailabilityID {
			continue
		}
		if f.From != nil && sl.StartTime.Before(*f.From) {
			continue
		}
		if f.To != nil && !sl.StartTime.Before(*f.To) {
			continue
		}
		c := *sl
		all = append(all, &c)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartTime.Before(all[j].StartTime)
	})

	total := len(all)
	if offset >= total {
		return []*Slot{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// GetBooking implements SlotStore.
func (m *MemoryStore) GetBooking(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	c := *b
	return &c, nil
}

// BookingsForSlot implements SlotStore.
func (m *MemoryStore) BookingsForSlot(_ context.Context, slotID uuid.UUID) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, bid := range m.slotIndex[slotID] {
		c := *m.bookings[bid]
		out = append(out, &c)
	}
	return out, nil
}
