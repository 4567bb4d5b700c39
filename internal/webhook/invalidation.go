package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// InvalidationChannel is the Redis channel on which registry mutations are
// announced to other processes.
const InvalidationChannel = "webhooks:invalidate"

// Broadcast makes r announce every mutation on rdb. Registries in other
// processes running Follow drop their cached lookups when they hear it.
func (r *Registry) Broadcast(rdb redis.UniversalClient) *Registry {
	r.rdb = rdb
	return r
}

// Follow clears r's cache whenever a mutation is announced on rdb. It blocks
// until ctx is done.
func (r *Registry) Follow(ctx context.Context, rdb redis.UniversalClient) error {
	sub := rdb.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", InvalidationChannel, err)
	}
	// Lookups cached before the subscription was live may be stale.
	r.flush()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			r.flush()
		}
	}
}

func (r *Registry) announce(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Publish(context.WithoutCancel(ctx), InvalidationChannel, "1").Err(); err != nil {
		slog.Warn("failed to announce webhook change", "error", err)
	}
}
