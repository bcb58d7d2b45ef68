package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ChainClient is the RPC surface the chain-backed collaborators need.
// *chain.Client implements it.
type ChainClient interface {
	ContractCaller
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
	NativeTransfer(ctx context.Context, hash common.Hash) (from, to common.Address, value *big.Int, err error)
	From() common.Address
}

type chainBackend struct {
	client  ChainClient
	decoder *ReceiptDecoder
	decimal *decimalsCache
	logger  *zap.Logger
}

// NewChainBackends returns collaborators that act on chain through client,
// signing as the custody account client.From().
func NewChainBackends(client ChainClient, wrappedNative common.Address, logger *zap.Logger) (Backends, error) {
	if client == nil {
		return Backends{}, fmt.Errorf("chain client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	decoder, err := NewReceiptDecoder()
	if err != nil {
		return Backends{}, fmt.Errorf("receipt decoder: %w", err)
	}
	b := &chainBackend{client: client, decoder: decoder, decimal: newDecimalsCache(), logger: logger}
	return Backends{
		Tokens:    chainTokens{b},
		Native:    chainNative{b, wrappedNative},
		V2:        chainRouters{b},
		V3:        chainRouters{b},
		Quoter:    chainRouters{b},
		Universal: chainRouters{b},
		Permit2:   chainPermit2{b},
	}, nil
}

func (b *chainBackend) send(ctx context.Context, to common.Address, parsed abi.ABI, value *big.Int, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	receipt, err := b.client.Transact(ctx, to, data, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	b.logger.Debug("transaction mined",
		zap.String("method", method),
		zap.String("to", to.Hex()),
		zap.String("tx", receipt.TxHash.Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
	)
	return receipt, nil
}

type chainTokens struct{ *chainBackend }

func (t chainTokens) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, err
	}
	values, err := callMethod(ctx, t.client, token, parsed, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func (t chainTokens) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	return t.decimal.resolve(ctx, t.client, token)
}

func (t chainTokens) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	parsed, err := ERC20ABI()
	if err != nil {
		return err
	}
	_, err = t.send(ctx, token, parsed, nil, "transfer", to, amount)
	return err
}

func (t chainTokens) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	parsed, err := ERC20ABI()
	if err != nil {
		return err
	}
	_, err = t.send(ctx, token, parsed, nil, "transferFrom", from, to, amount)
	return err
}

func (t chainTokens) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	parsed, err := ERC20ABI()
	if err != nil {
		return err
	}
	_, err = t.send(ctx, token, parsed, nil, "approve", spender, amount)
	return err
}

type chainNative struct {
	*chainBackend
	wrapped common.Address
}

func (n chainNative) WrappedToken() common.Address { return n.wrapped }

func (n chainNative) Wrap(ctx context.Context, amount *big.Int) error {
	parsed, err := WrappedNativeABI()
	if err != nil {
		return err
	}
	_, err = n.send(ctx, n.wrapped, parsed, amount, "deposit")
	return err
}

func (n chainNative) Unwrap(ctx context.Context, amount *big.Int) error {
	parsed, err := WrappedNativeABI()
	if err != nil {
		return err
	}
	_, err = n.send(ctx, n.wrapped, parsed, nil, "withdraw", amount)
	return err
}

func (n chainNative) SendNative(ctx context.Context, to common.Address, amount *big.Int) error {
	if _, err := n.client.Transact(ctx, to, nil, amount); err != nil {
		return fmt.Errorf("send native: %w", err)
	}
	return nil
}

func (n chainNative) NativeReceived(ctx context.Context, tx common.Hash, sender common.Address) (*big.Int, error) {
	from, to, value, err := n.client.NativeTransfer(ctx, tx)
	if err != nil {
		return nil, err
	}
	if from != sender || to != n.client.From() {
		return nil, fmt.Errorf("transaction %s pays %s from %s", tx.Hex(), to.Hex(), from.Hex())
	}
	return value, nil
}

type chainRouters struct{ *chainBackend }

func (r chainRouters) GetAmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	parsed, err := V2RouterABI()
	if err != nil {
		return nil, err
	}
	values, err := callMethod(ctx, r.client, router, parsed, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	return asBigInts(values[0])
}

func (r chainRouters) SwapExactTokensForTokens(ctx context.Context, router common.Address, amountIn, amountOutMin *big.Int, path []common.Address, recipient common.Address, deadline uint64) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("path needs at least two tokens")
	}
	parsed, err := V2RouterABI()
	if err != nil {
		return nil, err
	}
	receipt, err := r.send(ctx, router, parsed, nil, "swapExactTokensForTokens",
		amountIn, amountOutMin, path, recipient, new(big.Int).SetUint64(deadline))
	if err != nil {
		return nil, err
	}
	out, err := r.decoder.Received(receipt.Logs, path[len(path)-1], recipient)
	if err != nil {
		return nil, fmt.Errorf("decode swap receipt: %w", err)
	}
	return []*big.Int{new(big.Int).Set(amountIn), out}, nil
}

func (r chainRouters) ExactInputSingle(ctx context.Context, router common.Address, params ExactInputSingleParams) (*big.Int, error) {
	parsed, err := V3RouterABI()
	if err != nil {
		return nil, err
	}
	limit := params.SqrtPriceLimitX96
	if limit == nil {
		limit = new(big.Int)
	}
	arg := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           params.TokenIn,
		TokenOut:          params.TokenOut,
		Fee:               new(big.Int).SetUint64(uint64(params.Fee)),
		Recipient:         params.Recipient,
		Deadline:          new(big.Int).SetUint64(params.Deadline),
		AmountIn:          params.AmountIn,
		AmountOutMinimum:  params.AmountOutMinimum,
		SqrtPriceLimitX96: limit,
	}
	receipt, err := r.send(ctx, router, parsed, nil, "exactInputSingle", arg)
	if err != nil {
		return nil, err
	}
	out, err := r.decoder.Received(receipt.Logs, params.TokenOut, params.Recipient)
	if err != nil {
		return nil, fmt.Errorf("decode swap receipt: %w", err)
	}
	return out, nil
}

func (r chainRouters) QuoteExactInputSingle(ctx context.Context, quoter, tokenIn, tokenOut common.Address, fee uint32, amountIn, sqrtPriceLimitX96 *big.Int) (*big.Int, error) {
	parsed, err := QuoterABI()
	if err != nil {
		return nil, err
	}
	if sqrtPriceLimitX96 == nil {
		sqrtPriceLimitX96 = new(big.Int)
	}
	values, err := callMethod(ctx, r.client, quoter, parsed, "quoteExactInputSingle",
		tokenIn, tokenOut, new(big.Int).SetUint64(uint64(fee)), amountIn, sqrtPriceLimitX96)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func (r chainRouters) Execute(ctx context.Context, router common.Address, commands []byte, inputs [][]byte, deadline uint64) error {
	parsed, err := UniversalRouterABI()
	if err != nil {
		return err
	}
	_, err = r.send(ctx, router, parsed, nil, "execute", commands, inputs, new(big.Int).SetUint64(deadline))
	return err
}

type chainPermit2 struct{ *chainBackend }

func (p chainPermit2) Approve(ctx context.Context, permit2, token, spender common.Address, amount *big.Int, expiration uint64) error {
	parsed, err := Permit2ABI()
	if err != nil {
		return err
	}
	_, err = p.send(ctx, permit2, parsed, nil, "approve", token, spender, amount, new(big.Int).SetUint64(expiration))
	return err
}
