// Package broadcast delivers admin patch messages. The order services depend only
// on orders.Broadcaster.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// Redis publishes each patch as JSON on a pub/sub channel the admin gateway
// fans out to its sessions.
type Redis struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, channel: redisx.ChannelAdminOrders}
}

func (r *Redis) Broadcast(ctx context.Context, msg orders.AdminPatch) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

// Recorder keeps every message; used by tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []orders.AdminPatch
}

func (r *Recorder) Broadcast(_ context.Context, msg orders.AdminPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *Recorder) Messages() []orders.AdminPatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orders.AdminPatch(nil), r.msgs...)
}

func (r *Recorder) Last() (orders.AdminPatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return orders.AdminPatch{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}
