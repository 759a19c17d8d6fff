package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisSlotSetKey = "vgw:admission:slots"

// redisStore registers slots in a shared Redis set so multiple gateway
// processes can draw from a single capacity pool. Each store instance keeps
// the slot IDs it acquired so Release and Clear stay scoped to this process.
type redisStore struct {
	client   *redis.Client
	capacity int

	mu    sync.Mutex
	owned map[string]struct{}
}

// NewRedisStore creates a Redis-backed slot store. The store takes ownership
// of the client and closes it on Close.
func NewRedisStore(client *redis.Client, capacity int) Store {
	return &redisStore{
		client:   client,
		capacity: capacity,
		owned:    make(map[string]struct{}),
	}
}

// Acquire adds the slot to the shared set, rolling the add back when the pool
// went over capacity. Oversubscription is never visible to callers: a slot is
// registered only when Acquire returns nil.
func (s *redisStore) Acquire(ctx context.Context, slot *Slot) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, redisSlotSetKey, slot.ID)
	card := pipe.SCard(ctx, redisSlotSetKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register slot: %w", err)
	}

	if card.Val() > int64(s.capacity) {
		if err := s.client.SRem(ctx, redisSlotSetKey, slot.ID).Err(); err != nil {
			return fmt.Errorf("failed to roll back oversubscribed slot: %w", err)
		}
		return ErrCapacityExceeded
	}

	s.mu.Lock()
	s.owned[slot.ID] = struct{}{}
	s.mu.Unlock()

	return nil
}

// Release removes a slot this process acquired, reporting whether it was held
func (s *redisStore) Release(ctx context.Context, slotID string) (bool, error) {
	s.mu.Lock()
	_, held := s.owned[slotID]
	if held {
		delete(s.owned, slotID)
	}
	s.mu.Unlock()

	if !held {
		return false, nil
	}

	if err := s.client.SRem(ctx, redisSlotSetKey, slotID).Err(); err != nil {
		return false, fmt.Errorf("failed to remove slot from shared set: %w", err)
	}

	return true, nil
}

// Active returns the slot count across all processes sharing the set
func (s *redisStore) Active(ctx context.Context) (int, error) {
	card, err := s.client.SCard(ctx, redisSlotSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read shared slot count: %w", err)
	}
	return int(card), nil
}

// Clear removes every slot this process acquired from the shared set
func (s *redisStore) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids := make([]interface{}, 0, len(s.owned))
	for id := range s.owned {
		ids = append(ids, id)
	}
	s.owned = make(map[string]struct{})
	s.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.client.SRem(ctx, redisSlotSetKey, ids...).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear owned slots: %w", err)
	}

	return len(ids), nil
}

// Close closes the underlying Redis client
func (s *redisStore) Close() error {
	return s.client.Close()
}
