package looptrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"taskrelay.app/relay/internal/model"
)

const (
	DefaultMarkerTTL   = time.Hour
	DefaultDeliveryTTL = 24 * time.Hour
)

// Tracker remembers content the system posted itself, so events that carry
// it can be discarded, and provider delivery ids already ingested.
type Tracker interface {
	// Seen reports whether contentID was posted by us within the marker TTL.
	Seen(ctx context.Context, provider model.Provider, contentID string) (bool, error)
	// Mark records contentID as self-authored.
	Mark(ctx context.Context, provider model.Provider, contentID string) error
	// ClaimDelivery returns true the first time a delivery id is offered.
	ClaimDelivery(ctx context.Context, provider model.Provider, deliveryID string) (bool, error)
}

func markerKey(provider model.Provider, contentID string) string {
	return fmt.Sprintf("%s:posted_comment:%s", provider, contentID)
}

func deliveryKey(provider model.Provider, deliveryID string) string {
	return fmt.Sprintf("%s:delivery:%s", provider, deliveryID)
}

type RedisTracker struct {
	client      redis.Cmdable
	markerTTL   time.Duration
	deliveryTTL time.Duration
}

func NewRedisTracker(client redis.Cmdable, markerTTL, deliveryTTL time.Duration) *RedisTracker {
	if markerTTL <= 0 {
		markerTTL = DefaultMarkerTTL
	}
	if deliveryTTL <= 0 {
		deliveryTTL = DefaultDeliveryTTL
	}
	return &RedisTracker{client: client, markerTTL: markerTTL, deliveryTTL: deliveryTTL}
}

func (t *RedisTracker) Seen(ctx context.Context, provider model.Provider, contentID string) (bool, error) {
	if contentID == "" {
		return false, nil
	}
	n, err := t.client.Exists(ctx, markerKey(provider, contentID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking loop marker: %w", err)
	}
	return n > 0, nil
}

func (t *RedisTracker) Mark(ctx context.Context, provider model.Provider, contentID string) error {
	if contentID == "" {
		return nil
	}
	if err := t.client.Set(ctx, markerKey(provider, contentID), "1", t.markerTTL).Err(); err != nil {
		return fmt.Errorf("setting loop marker: %w", err)
	}
	return nil
}

func (t *RedisTracker) ClaimDelivery(ctx context.Context, provider model.Provider, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return true, nil
	}
	ok, err := t.client.SetNX(ctx, deliveryKey(provider, deliveryID), "1", t.deliveryTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming delivery: %w", err)
	}
	return ok, nil
}

// MemoryTracker is a process-local Tracker for tests and single-node runs.
type MemoryTracker struct {
	mu          sync.Mutex
	entries     map[string]time.Time
	markerTTL   time.Duration
	deliveryTTL time.Duration
	now         func() time.Time
}

func NewMemoryTracker(markerTTL, deliveryTTL time.Duration) *MemoryTracker {
	if markerTTL <= 0 {
		markerTTL = DefaultMarkerTTL
	}
	if deliveryTTL <= 0 {
		deliveryTTL = DefaultDeliveryTTL
	}
	return &MemoryTracker{
		entries:     make(map[string]time.Time),
		markerTTL:   markerTTL,
		deliveryTTL: deliveryTTL,
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (t *MemoryTracker) WithClock(now func() time.Time) *MemoryTracker {
	t.now = now
	return t
}

func (t *MemoryTracker) Seen(ctx context.Context, provider model.Provider, contentID string) (bool, error) {
	if contentID == "" {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveLocked(markerKey(provider, contentID)), nil
}

func (t *MemoryTracker) Mark(ctx context.Context, provider model.Provider, contentID string) error {
	if contentID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[markerKey(provider, contentID)] = t.now().Add(t.markerTTL)
	return nil
}

func (t *MemoryTracker) ClaimDelivery(ctx context.Context, provider model.Provider, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return true, nil
	}
	key := deliveryKey(provider, deliveryID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.liveLocked(key) {
		return false, nil
	}
	t.entries[key] = t.now().Add(t.deliveryTTL)
	return true, nil
}

func (t *MemoryTracker) liveLocked(key string) bool {
	exp, ok := t.entries[key]
	if !ok {
		return false
	}
	if !t.now().Before(exp) {
		delete(t.entries, key)
		return false
	}
	return true
}
