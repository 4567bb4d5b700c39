package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"

	"github.com/JonMunkholm/productimport/internal/catalog"
)

const subscriptionColumns = "id, url, event_type, enabled, created_at, updated_at"

const (
	insertSubscriptionSQL = `INSERT INTO webhooks (url, event_type, enabled) VALUES ($1, $2, $3)
RETURNING ` + subscriptionColumns

	getSubscriptionSQL = `SELECT ` + subscriptionColumns + ` FROM webhooks WHERE id = $1`

	listSubscriptionsSQL = `SELECT ` + subscriptionColumns + ` FROM webhooks
WHERE ($1 = '' OR event_type ILIKE '%' || $1 || '%')
  AND ($2::boolean IS NULL OR enabled = $2)
ORDER BY id`

	listEnabledSQL = `SELECT ` + subscriptionColumns + ` FROM webhooks
WHERE event_type = $1 AND enabled
ORDER BY id`

	updateSubscriptionSQL = `UPDATE webhooks SET
  url = COALESCE($2, url),
  event_type = COALESCE($3, event_type),
  enabled = COALESCE($4, enabled),
  updated_at = now()
WHERE id = $1
RETURNING ` + subscriptionColumns

	deleteSubscriptionSQL = `DELETE FROM webhooks WHERE id = $1`
)

// Registry stores subscriptions in Postgres. Enabled-subscription lookups
// used during dispatch are cached per event type; any mutation clears the
// cache, and with Broadcast the caches of following processes too.
type Registry struct {
	db    catalog.DBTX
	cache *cache.Cache
	rdb   redis.UniversalClient
}

// NewRegistry creates a registry. A non-positive ttl disables caching.
func NewRegistry(db catalog.DBTX, ttl time.Duration) *Registry {
	r := &Registry{db: db}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Create inserts a subscription. Enabled defaults to true.
func (r *Registry) Create(ctx context.Context, in NewSubscription) (Subscription, error) {
	if err := in.Validate(); err != nil {
		return Subscription{}, err
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	s, err := scanSubscription(r.db.QueryRow(ctx, insertSubscriptionSQL, in.URL, in.EventType, enabled))
	if err != nil {
		return Subscription{}, fmt.Errorf("create webhook: %w", err)
	}
	r.invalidate(ctx)
	return s, nil
}

// Get returns one subscription or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id int64) (Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, getSubscriptionSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get webhook %d: %w", id, err)
	}
	return s, nil
}

// List returns subscriptions matching f, ordered by id.
func (r *Registry) List(ctx context.Context, f Filter) ([]Subscription, error) {
	subs, err := r.query(ctx, listSubscriptionsSQL, f.EventType, f.Enabled)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return subs, nil
}

// ListEnabled returns the enabled subscriptions for an exact event type.
func (r *Registry) ListEnabled(ctx context.Context, eventType string) ([]Subscription, error) {
	key := "enabled:" + eventType
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.([]Subscription), nil
		}
	}

	subs, err := r.query(ctx, listEnabledSQL, eventType)
	if err != nil {
		return nil, fmt.Errorf("list enabled webhooks for %s: %w", eventType, err)
	}
	if r.cache != nil {
		r.cache.SetDefault(key, subs)
	}
	return subs, nil
}

// Update applies a partial update and returns the new state.
func (r *Registry) Update(ctx context.Context, id int64, p Patch) (Subscription, error) {
	if err := p.Validate(); err != nil {
		return Subscription{}, err
	}
	s, err := scanSubscription(r.db.QueryRow(ctx, updateSubscriptionSQL, id, p.URL, p.EventType, p.Enabled))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("update webhook %d: %w", id, err)
	}
	r.invalidate(ctx)
	return s, nil
}

// Delete removes a subscription and, by cascade, its delivery log.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, deleteSubscriptionSQL, id)
	if err != nil {
		return fmt.Errorf("delete webhook %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	r.invalidate(ctx)
	return nil
}

func (r *Registry) query(ctx context.Context, sql string, args ...any) ([]Subscription, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *Registry) invalidate(ctx context.Context) {
	r.flush()
	r.announce(ctx)
}

func (r *Registry) flush() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.URL, &s.EventType, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}
