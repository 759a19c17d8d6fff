package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrCapacityExceeded is returned by Admit when every slot is occupied.
// Callers must treat it as a distinct, retryable condition rather than a
// generic failure so they can answer with a capacity signal.
var ErrCapacityExceeded = errors.New("admission capacity exceeded")

// Slot represents one admitted streaming connection
type Slot struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Identity       string    `json:"identity"`
	CreatedAt      time.Time `json:"created_at"`
}

// Controller gates new streaming connections against a fixed capacity.
// The zero-value-adjacent construction is deliberate: internal state is
// initialized on first use, because admission may be consulted before any
// other part of the gateway has run.
type Controller struct {
	capacity int
	store    Store
	logger   *slog.Logger

	initOnce sync.Once

	// Counters
	accepted uint64
	rejected uint64
	released uint64
	mu       sync.RWMutex
}

// ControllerStats represents admission counters for monitoring and APIs
type ControllerStats struct {
	Capacity    int    `json:"capacity"`
	ActiveSlots int    `json:"active_slots"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Released    uint64 `json:"released"`
}

// NewController creates an admission controller with the given capacity.
// A nil store selects the in-process memory store.
func NewController(capacity int, store Store, logger *slog.Logger) *Controller {
	return &Controller{
		capacity: capacity,
		store:    store,
		logger:   logger,
	}
}

// init installs defaults exactly once, on the first operation
func (c *Controller) init() {
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.store == nil {
		c.store = NewMemoryStore(c.capacity)
	}
}

// Admit registers a new connection slot for the given conversation and caller
// identity. It returns ErrCapacityExceeded when the pool is full.
func (c *Controller) Admit(ctx context.Context, conversationID, identity string) (*Slot, error) {
	c.initOnce.Do(c.init)

	slot := &Slot{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		Identity:       identity,
		CreatedAt:      time.Now(),
	}

	if err := c.store.Acquire(ctx, slot); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			c.mu.Lock()
			c.rejected++
			c.mu.Unlock()

			c.logger.Warn("Connection rejected at capacity",
				slog.String("conversation_id", conversationID),
				slog.String("identity", identity),
				slog.Int("capacity", c.capacity),
			)
			return nil, ErrCapacityExceeded
		}
		return nil, fmt.Errorf("failed to acquire slot: %w", err)
	}

	c.mu.Lock()
	c.accepted++
	c.mu.Unlock()

	c.logger.Info("Connection admitted",
		slog.String("slot_id", slot.ID),
		slog.String("conversation_id", conversationID),
		slog.String("identity", identity),
	)

	return slot, nil
}

// Release returns a slot to the pool. Releasing an unknown or already-released
// slot is a no-op and reports false; teardown paths may race with or repeat a
// prior release.
func (c *Controller) Release(ctx context.Context, conversationID, slotID, reason string) bool {
	c.initOnce.Do(c.init)

	released, err := c.store.Release(ctx, slotID)
	if err != nil {
		c.logger.Error("Failed to release slot",
			slog.String("slot_id", slotID),
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		return false
	}

	if !released {
		c.logger.Debug("Slot already released",
			slog.String("slot_id", slotID),
			slog.String("conversation_id", conversationID),
			slog.String("reason", reason),
		)
		return false
	}

	c.mu.Lock()
	c.released++
	c.mu.Unlock()

	c.logger.Info("Slot released",
		slog.String("slot_id", slotID),
		slog.String("conversation_id", conversationID),
		slog.String("reason", reason),
	)

	return true
}

// Active returns the number of currently admitted connections
func (c *Controller) Active(ctx context.Context) (int, error) {
	c.initOnce.Do(c.init)
	return c.store.Active(ctx)
}

// Capacity returns the configured slot capacity
func (c *Controller) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of admission counters
func (c *Controller) Stats(ctx context.Context) ControllerStats {
	c.initOnce.Do(c.init)

	active, err := c.store.Active(ctx)
	if err != nil {
		c.logger.Warn("Failed to read active slot count", slog.String("error", err.Error()))
		active = -1
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		Capacity:    c.capacity,
		ActiveSlots: active,
		Accepted:    c.accepted,
		Rejected:    c.rejected,
		Released:    c.released,
	}
}

// Shutdown releases every registered slot and closes the backing store
func (c *Controller) Shutdown(ctx context.Context) {
	c.initOnce.Do(c.init)

	cleared, err := c.store.Clear(ctx)
	if err != nil {
		c.logger.Error("Failed to clear slot registry", slog.String("error", err.Error()))
	} else if cleared > 0 {
		c.logger.Info("Released remaining slots on shutdown", slog.Int("count", cleared))
	}

	if err := c.store.Close(); err != nil {
		c.logger.Warn("Error closing slot store", slog.String("error", err.Error()))
	}
}
