package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

// MarketRegistry lists the live markets of a Comptroller
type MarketRegistry interface {
	AllMarkets(ctx context.Context, chainID int64, comptroller common.Address) ([]common.Address, error)
}

// CachedRegistry remembers market lists for a TTL and collapses concurrent
// lookups of the same Comptroller into one RPC call.
type CachedRegistry struct {
	MarketRegistry
	cache gcache.Cache
	sf    *singleflight.Group
}

// NewCachedRegistry wraps registry with a cache of the given TTL
func NewCachedRegistry(registry MarketRegistry, ttl time.Duration) *CachedRegistry {
	builder := gcache.New(256).LRU()
	if ttl > 0 {
		builder = builder.Expiration(ttl)
	}
	return &CachedRegistry{
		MarketRegistry: registry,
		cache:          builder.Build(),
		sf:             &singleflight.Group{},
	}
}

func (r *CachedRegistry) AllMarkets(ctx context.Context, chainID int64, comptroller common.Address) ([]common.Address, error) {
	key := r.marketsKey(chainID, comptroller)
	if v, err := r.cache.Get(key); err == nil {
		if markets, ok := v.([]common.Address); ok {
			return markets, nil
		}
	}

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		markets, err := r.MarketRegistry.AllMarkets(ctx, chainID, comptroller)
		if err != nil {
			return nil, err
		}
		_ = r.cache.Set(key, markets)
		return markets, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]common.Address), nil
}

// Invalidate drops the cached market list of a Comptroller
func (r *CachedRegistry) Invalidate(chainID int64, comptroller common.Address) {
	r.cache.Remove(r.marketsKey(chainID, comptroller))
}

func (r *CachedRegistry) marketsKey(chainID int64, comptroller common.Address) string {
	return fmt.Sprintf("markets:%d:%s", chainID, comptroller.Hex())
}
