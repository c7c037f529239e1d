package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/windarb/internal/domain"
)

// observationTTL bounds how long a cached observation stays readable. Stale
// reads past this are worthless to the engine anyway.
const observationTTL = 10 * time.Minute

// PriceCache implements domain.PriceCache on Redis hashes. The latest tick
// for an asset lives at "windarb:tick:{asset}", the latest vol snapshot at
// "windarb:vol:{asset}".
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func tickKey(asset string) string { return "windarb:tick:" + asset }
func volKey(asset string) string  { return "windarb:vol:" + asset }

// SetTick stores the latest spot observation for an asset.
func (pc *PriceCache) SetTick(ctx context.Context, t domain.Tick) error {
	key := tickKey(t.Asset)
	fields := map[string]any{
		"price":    strconv.FormatFloat(t.Price, 'f', -1, 64),
		"observed": strconv.FormatInt(t.ObservedAt.UnixNano(), 10),
		"event":    strconv.FormatInt(t.EventTime.UnixNano(), 10),
		"source":   t.Source,
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, observationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", t.Asset, err)
	}
	return nil
}

// GetTick retrieves the latest spot observation for an asset. Returns
// domain.ErrNotFound when nothing has been cached.
func (pc *PriceCache) GetTick(ctx context.Context, asset string) (domain.Tick, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickKey(asset)).Result()
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: get tick %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.Tick{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: parse tick price %s: %w", asset, err)
	}
	return domain.Tick{
		Asset:      asset,
		Price:      price,
		ObservedAt: nanoTime(vals["observed"]),
		EventTime:  nanoTime(vals["event"]),
		Source:     vals["source"],
	}, nil
}

// SetVol stores the latest implied vol snapshot for an asset.
func (pc *PriceCache) SetVol(ctx context.Context, v domain.VolSnapshot) error {
	key := volKey(v.Asset)
	fields := map[string]any{
		"iv":       strconv.FormatFloat(v.ImpliedVol, 'f', -1, 64),
		"observed": strconv.FormatInt(v.ObservedAt.UnixNano(), 10),
		"source":   v.Source,
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, observationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set vol %s: %w", v.Asset, err)
	}
	return nil
}

// GetVol retrieves the latest implied vol snapshot for an asset. Returns
// domain.ErrNotFound when nothing has been cached.
func (pc *PriceCache) GetVol(ctx context.Context, asset string) (domain.VolSnapshot, error) {
	vals, err := pc.rdb.HGetAll(ctx, volKey(asset)).Result()
	if err != nil {
		return domain.VolSnapshot{}, fmt.Errorf("redis: get vol %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.VolSnapshot{}, domain.ErrNotFound
	}

	iv, err := strconv.ParseFloat(vals["iv"], 64)
	if err != nil {
		return domain.VolSnapshot{}, fmt.Errorf("redis: parse vol %s: %w", asset, err)
	}
	return domain.VolSnapshot{
		Asset:      asset,
		ImpliedVol: iv,
		ObservedAt: nanoTime(vals["observed"]),
		Source:     vals["source"],
	}, nil
}

func nanoTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
