package mevbot

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const seenKeyPrefix = "mevbot:seen:"

// SeenCache deduplicates opportunities across scans. The scanner re-discovers
// the same arbitrage every interval until it is taken or priced away, and
// multiple mempool streams can deliver the same pending tx.
type SeenCache struct {
	red *redis.Client
	ttl time.Duration
}

func NewSeenCache(red *redis.Client, ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SeenCache{red: red, ttl: ttl}
}

// MarkSeen records the opportunity and reports whether it was already known.
func (c *SeenCache) MarkSeen(ctx context.Context, opp *Opportunity) (bool, error) {
	set, err := c.red.SetNX(ctx, seenKeyPrefix+dedupeKey(opp), 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Forget clears the opportunity so a later scan may rediscover it, used when
// execution fails for transient reasons.
func (c *SeenCache) Forget(ctx context.Context, opp *Opportunity) error {
	return c.red.Del(ctx, seenKeyPrefix+dedupeKey(opp)).Err()
}

// dedupeKey identifies what an opportunity acts on, not its uuid: the same
// arbitrage rediscovered next scan must map to the same key.
func dedupeKey(opp *Opportunity) string {
	switch {
	case opp.Kind == KindArbitrage && opp.Arbitrage != nil:
		return fmt.Sprintf("arb:%s:%s:%d", opp.Arbitrage.PoolBuy.Hex(), opp.Arbitrage.PoolSell.Hex(), uint64(opp.FoundBlock))
	case opp.Kind == KindLiquidation && opp.Liquidation != nil:
		return fmt.Sprintf("liq:%s:%s", opp.Liquidation.Pool.Hex(), opp.Liquidation.Borrower.Hex())
	case opp.Kind == KindBackrun && opp.Backrun != nil:
		return fmt.Sprintf("backrun:%s", opp.Backrun.TargetTx.Hex())
	default:
		return fmt.Sprintf("opp:%s", opp.ID)
	}
}
