package dex

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type decimalsCaller struct {
	fail  int
	calls int
	out   []byte
}

func (c *decimalsCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.calls++
	if c.fail > 0 {
		c.fail--
		return nil, errors.New("execution reverted")
	}
	return c.out, nil
}

func TestDecimalsCacheRetriesFailedFetch(t *testing.T) {
	erc20, err := ERC20ABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	out, err := erc20.Methods["decimals"].Outputs.Pack(uint8(6))
	if err != nil {
		t.Fatalf("pack decimals: %v", err)
	}
	caller := &decimalsCaller{fail: 1, out: out}
	cache := newDecimalsCache()
	token := common.HexToAddress("0x1111111111111111111111111111111111111111")
	ctx := context.Background()

	if _, err := cache.resolve(ctx, caller, token); err == nil {
		t.Fatalf("expected first fetch to fail")
	}
	for i := 0; i < 3; i++ {
		d, err := cache.resolve(ctx, caller, token)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if d != 6 {
			t.Fatalf("decimals = %d, want 6", d)
		}
	}
	if caller.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one failure, one cached success)", caller.calls)
	}
}

func TestDecimalsRejectsEmptyResponse(t *testing.T) {
	caller := &decimalsCaller{}
	if _, err := fetchDecimals(context.Background(), caller, common.Address{}); err == nil {
		t.Fatalf("expected error for an address without code")
	}
}
