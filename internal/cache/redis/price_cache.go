package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// priceTTL drops ticks of instruments nobody listens to anymore.
const priceTTL = 24 * time.Hour

// PriceCache implements domain.PriceCache using Redis hashes. Each
// instrument's last tick is stored at "tb:price:{instrument}" with fields
// "price" (decimal string) and "ts" (Unix milliseconds).
type PriceCache struct {
	rdb *redis.Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(instrument string) string {
	return "tb:price:" + instrument
}

// SetPrice stores the latest price and timestamp for an instrument.
func (pc *PriceCache) SetPrice(ctx context.Context, instrument string, price decimal.Decimal, ts time.Time) error {
	key := priceKey(instrument)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixMilli(), 10),
	})
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", instrument, err)
	}
	return nil
}

// GetPrice returns the latest price and its timestamp. It returns
// domain.ErrNotFound when no tick was cached.
func (pc *PriceCache) GetPrice(ctx context.Context, instrument string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(instrument)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	price, ts, err := parseTick(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	return price, ts, nil
}

// GetPrices returns the latest prices of several instruments in one round
// trip. Instruments without a cached tick are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	if len(instruments) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(instruments))
	for _, inst := range instruments {
		cmds[inst] = pipe.HGetAll(ctx, priceKey(inst))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(instruments))
	for inst, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		price, _, err := parseTick(vals)
		if err != nil {
			continue
		}
		result[inst] = price
	}
	return result, nil
}

func parseTick(vals map[string]string) (decimal.Decimal, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	var ts time.Time
	if tsStr, ok := vals["ts"]; ok {
		ms, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, fmt.Errorf("parse ts: %w", err)
		}
		ts = time.UnixMilli(ms)
	}
	return price, ts, nil
}
