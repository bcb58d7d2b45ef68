package dex

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// decimalsCache remembers token decimals by address. Decimals never change
// for a deployed token, so entries are never evicted.
type decimalsCache struct {
	mu   sync.RWMutex
	data map[common.Address]uint8
}

func newDecimalsCache() *decimalsCache {
	return &decimalsCache{data: make(map[common.Address]uint8)}
}

// resolve returns the cached decimals for token, calling decimals() on a
// miss. Failed calls are not cached.
func (c *decimalsCache) resolve(ctx context.Context, caller ContractCaller, token common.Address) (uint8, error) {
	c.mu.RLock()
	d, ok := c.data[token]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	d, err := fetchDecimals(ctx, caller, token)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.data[token] = d
	c.mu.Unlock()
	return d, nil
}

func fetchDecimals(ctx context.Context, caller ContractCaller, token common.Address) (uint8, error) {
	if caller == nil {
		return 0, fmt.Errorf("chain client is nil")
	}
	parsed, err := ERC20ABI()
	if err != nil {
		return 0, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := callMethod(ctx, caller, token, parsed, "decimals")
	if err != nil {
		return 0, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	return asUint8(values[0])
}
