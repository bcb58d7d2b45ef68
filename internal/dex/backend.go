package dex

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Standard concentrated-liquidity fee tiers, in hundredths of a basis point.
const (
	FeeTierLow    uint32 = 500
	FeeTierMedium uint32 = 3000
	FeeTierHigh   uint32 = 10000
)

// FeeTiers lists the tiers tried when no tier is configured.
var FeeTiers = []uint32{FeeTierLow, FeeTierMedium, FeeTierHigh}

// Tokens is the token transfer interface. Transfer and Approve act on behalf
// of the custody account the implementation is bound to.
type Tokens interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
	// TransferFrom pulls amount from an owner that approved the custody account.
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error
}

// NativeWrapper converts between the chain's native currency and its wrapped
// token for the custody account.
type NativeWrapper interface {
	WrappedToken() common.Address
	Wrap(ctx context.Context, amount *big.Int) error
	Unwrap(ctx context.Context, amount *big.Int) error
	SendNative(ctx context.Context, to common.Address, amount *big.Int) error
	// NativeReceived returns the native value that the successful
	// transaction tx moved from sender to the custody account.
	NativeReceived(ctx context.Context, tx common.Hash, sender common.Address) (*big.Int, error)
}

// ConstantProductRouter is the V2 router surface.
type ConstantProductRouter interface {
	GetAmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	SwapExactTokensForTokens(ctx context.Context, router common.Address, amountIn, amountOutMin *big.Int, path []common.Address, recipient common.Address, deadline uint64) ([]*big.Int, error)
}

// ExactInputSingleParams mirrors the V3 router struct argument.
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               uint32
	Recipient         common.Address
	Deadline          uint64
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// ConcentratedRouter is the single-hop V3 router surface.
type ConcentratedRouter interface {
	ExactInputSingle(ctx context.Context, router common.Address, params ExactInputSingleParams) (*big.Int, error)
}

// Quoter simulates a single-hop swap without changing state.
type Quoter interface {
	QuoteExactInputSingle(ctx context.Context, quoter, tokenIn, tokenOut common.Address, fee uint32, amountIn, sqrtPriceLimitX96 *big.Int) (*big.Int, error)
}

// CommandRouter executes an encoded command stream.
type CommandRouter interface {
	Execute(ctx context.Context, router common.Address, commands []byte, inputs [][]byte, deadline uint64) error
}

// Permit2 delegates token allowances to a spender.
type Permit2 interface {
	Approve(ctx context.Context, permit2, token, spender common.Address, amount *big.Int, expiration uint64) error
}

// Backends bundles every external collaborator the custody engine drives.
type Backends struct {
	Tokens    Tokens
	Native    NativeWrapper
	V2        ConstantProductRouter
	V3        ConcentratedRouter
	Quoter    Quoter
	Universal CommandRouter
	Permit2   Permit2
}
