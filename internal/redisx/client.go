package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.UniversalClient, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// MarkOnce sets key if absent. It reports true only for the first caller.
func MarkOnce(ctx context.Context, rdb redis.UniversalClient, key string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

type StatusEntry struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func CacheStatus(ctx context.Context, rdb redis.UniversalClient, orderID, status string, at time.Time) error {
	b, err := json.Marshal(StatusEntry{Status: status, UpdatedAt: at})
	if err != nil {
		return err
	}
	return rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err()
}

// CachedStatus returns ok=false on a cache miss.
func CachedStatus(ctx context.Context, rdb redis.UniversalClient, orderID string) (StatusEntry, bool, error) {
	var e StatusEntry
	b, err := rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return e, false, err
	}
	return e, true, nil
}

// WebhookDedup remembers settled provider transactions so replayed callbacks can
// be dropped before touching the database. The order history stays authoritative.
type WebhookDedup struct {
	rdb redis.UniversalClient
}

func NewWebhookDedup(rdb redis.UniversalClient) *WebhookDedup { return &WebhookDedup{rdb: rdb} }

func (d *WebhookDedup) Seen(ctx context.Context, provider, txID string) (bool, error) {
	return Exists(ctx, d.rdb, fmt.Sprintf(KeyWebhookDedup, provider, txID))
}

func (d *WebhookDedup) Mark(ctx context.Context, provider, txID string) error {
	_, err := MarkOnce(ctx, d.rdb, fmt.Sprintf(KeyWebhookDedup, provider, txID), TTLWebhookDedup)
	return err
}

// StatusCache keeps the latest status of each order for cheap polling.
type StatusCache struct {
	rdb redis.UniversalClient
}

func NewStatusCache(rdb redis.UniversalClient) *StatusCache { return &StatusCache{rdb: rdb} }

func (c *StatusCache) CacheStatus(ctx context.Context, orderID, status string, at time.Time) error {
	return CacheStatus(ctx, c.rdb, orderID, status, at)
}

func (c *StatusCache) CachedStatus(ctx context.Context, orderID string) (StatusEntry, bool, error) {
	return CachedStatus(ctx, c.rdb, orderID)
}
