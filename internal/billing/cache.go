package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/fishtrade/fishtrade/internal/ledger"
)

const outstandingBumpChannel = "billing.outstanding.bump"

// OutstandingCache keeps outstanding summaries in redis under a per-party
// version, so invalidation is a single INCR.
type OutstandingCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewOutstandingCache instantiates the cache helper.
func NewOutstandingCache(client *redis.Client, ttl time.Duration) *OutstandingCache {
	return &OutstandingCache{client: client, ttl: ttl}
}

func versionKey(party PartyRef) string {
	return fmt.Sprintf("billing:outstanding:%s:%d:version", party.Type, party.ID)
}

func (c *OutstandingCache) version(ctx context.Context, party PartyRef) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(party)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// Fetch returns the cached summary or populates it using load. Concurrent
// misses for the same key share one load.
func (c *OutstandingCache) Fetch(ctx context.Context, party PartyRef, load func(context.Context) (ledger.OutstandingSummary, error)) (ledger.OutstandingSummary, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	ver, err := c.version(ctx, party)
	if err != nil {
		return ledger.OutstandingSummary{}, err
	}
	key := fmt.Sprintf("billing:outstanding:%s:%d:%d", party.Type, party.ID, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var summary ledger.OutstandingSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			return ledger.OutstandingSummary{}, err
		}
		return summary, nil
	}
	if !errors.Is(err, redis.Nil) {
		return ledger.OutstandingSummary{}, err
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		summary, err := load(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(summary)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return summary, nil
	})
	if err != nil {
		return ledger.OutstandingSummary{}, err
	}
	return v.(ledger.OutstandingSummary), nil
}

// Invalidate bumps the party's version and announces it.
func (c *OutstandingCache) Invalidate(ctx context.Context, party PartyRef) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(party)).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, outstandingBumpChannel, party.String()+":"+strconv.FormatInt(ver, 10)).Err()
}
