package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceCache is a Redis read cache for wallet balances. It is advisory:
// the wallet row and the ledger remain the source of truth, and any miss or
// failure falls back to Postgres.
type BalanceCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewBalanceCache(rdb *redis.Client, log *zap.Logger) *BalanceCache {
	return &BalanceCache{rdb: rdb, log: log}
}

func balanceKey(walletID string) string {
	return fmt.Sprintf("balance:%s", walletID)
}

// Get returns the cached balance and whether the key was present.
func (c *BalanceCache) Get(ctx context.Context, walletID string) (decimal.Decimal, bool) {
	if c.rdb == nil {
		return decimal.Zero, false
	}
	val, err := c.rdb.Get(ctx, balanceKey(walletID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("balance cache read failed", zap.String("wallet_id", walletID), zap.Error(err))
		}
		return decimal.Zero, false
	}
	bal, err := decimal.NewFromString(val)
	if err != nil {
		c.log.Warn("corrupt cached balance, dropping key", zap.String("wallet_id", walletID), zap.Error(err))
		c.rdb.Del(ctx, balanceKey(walletID))
		return decimal.Zero, false
	}
	return bal, true
}

// Set stores the balance with no TTL; mutations keep it fresh.
func (c *BalanceCache) Set(ctx context.Context, walletID string, balance decimal.Decimal) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, balanceKey(walletID), balance.String(), 0).Err(); err != nil {
		c.log.Warn("balance cache write failed", zap.String("wallet_id", walletID), zap.Error(err))
	}
}

// Refresh replaces the cached value after a committed ledger mutation.
// On failure the key is deleted so stale data cannot be served.
func (c *BalanceCache) Refresh(ctx context.Context, walletID string, balance decimal.Decimal) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Set(ctx, balanceKey(walletID), balance.String(), 0).Err(); err != nil {
		c.rdb.Del(ctx, balanceKey(walletID))
		return err
	}
	return nil
}
