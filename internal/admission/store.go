package admission

import (
	"context"
	"fmt"
	"sync"
)

// Store is the backing registry for admitted slots. Acquire must enforce the
// capacity bound atomically and return ErrCapacityExceeded when full.
type Store interface {
	Acquire(ctx context.Context, slot *Slot) error
	Release(ctx context.Context, slotID string) (bool, error)
	Active(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
	Close() error
}

// memoryStore is the default in-process slot registry
type memoryStore struct {
	capacity int
	mu       sync.RWMutex
	slots    map[string]*Slot
}

// NewMemoryStore creates an in-process slot store with the given capacity
func NewMemoryStore(capacity int) Store {
	return &memoryStore{
		capacity: capacity,
		slots:    make(map[string]*Slot),
	}
}

// Acquire registers the slot while the pool is below capacity
func (s *memoryStore) Acquire(ctx context.Context, slot *Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.slots) >= s.capacity {
		return ErrCapacityExceeded
	}

	if _, exists := s.slots[slot.ID]; exists {
		return fmt.Errorf("slot %s is already registered", slot.ID)
	}

	s.slots[slot.ID] = slot
	return nil
}

// Release removes the slot, reporting whether it was registered
func (s *memoryStore) Release(ctx context.Context, slotID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.slots[slotID]; !exists {
		return false, nil
	}

	delete(s.slots, slotID)
	return true, nil
}

// Active returns the number of registered slots
func (s *memoryStore) Active(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots), nil
}

// Clear removes every registered slot and returns how many were removed
func (s *memoryStore) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := len(s.slots)
	s.slots = make(map[string]*Slot)
	return cleared, nil
}

// Close is a no-op for the in-process store
func (s *memoryStore) Close() error {
	return nil
}
