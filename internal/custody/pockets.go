package custody

import (
	"context"
	"fmt"
	"math/big"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/errs"
	"pocketDCA/internal/kvstore"
	"pocketDCA/internal/model"
)

// SwapResult is the outcome of a pocket swap.
type SwapResult struct {
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	FeeTier   uint32
	Pocket    *model.Pocket
}

// WithdrawResult lists what left custody on a withdrawal.
type WithdrawResult struct {
	BaseToken    common.Address
	BaseAmount   *big.Int
	TargetToken  common.Address
	TargetAmount *big.Int
	// Native is set when the base amount was paid out as native currency.
	Native bool
	Pocket *model.Pocket
}

// QuotePocket prices amountIn of tokenIn through the pocket's router.
func (e *Engine) QuotePocket(ctx context.Context, r kv.Getter, p *model.Pocket, tokenIn, tokenOut common.Address, amountIn *big.Int, feeTier uint32) (*big.Int, error) {
	route, err := e.RouteFor(ctx, r, p.Router, p.RouterVersion)
	if err != nil {
		return nil, err
	}
	_, out, err := e.Quote(ctx, SwapRequest{TokenIn: tokenIn, TokenOut: tokenOut, Route: route, AmountIn: amountIn, FeeTier: feeTier})
	return out, err
}

// Deposit pulls amount of the pocket's base token from the depositor and
// credits the pocket.
func (e *Engine) Deposit(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, from common.Address, amount *big.Int) (*model.Pocket, error) {
	if err := e.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, err := e.ledger.RecordDeposit(ctx, rw, relayer, id, amount)
	if err != nil {
		return nil, err
	}
	if err := e.backends.Tokens.TransferFrom(ctx, p.BaseToken, from, e.account, amount); err != nil {
		return nil, fmt.Errorf("pull deposit: %w", err)
	}
	if err := e.adjust(ctx, rw, p.BaseToken, amount); err != nil {
		return nil, err
	}
	return p, nil
}

// DepositNative wraps amount of native currency that from sent to the custody
// account in the funding transaction and credits it to a pocket whose base
// token is the wrapped token. Each funding transaction is credited once.
func (e *Engine) DepositNative(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, from common.Address, funding common.Hash, amount *big.Int) (*model.Pocket, error) {
	if err := e.requireRelayer(relayer); err != nil {
		return nil, err
	}
	current, err := e.ledger.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	wrapped := e.WrappedNative()
	if wrapped == (common.Address{}) || current.BaseToken != wrapped {
		return nil, errs.ErrNotWrappedNative
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", errs.ErrInvalidParams)
	}
	if err := e.claimFunding(ctx, rw, from, funding, amount); err != nil {
		return nil, err
	}
	p, err := e.ledger.RecordDeposit(ctx, rw, relayer, id, amount)
	if err != nil {
		return nil, err
	}
	if err := e.adjust(ctx, rw, wrapped, amount); err != nil {
		return nil, err
	}
	if err := e.backends.Native.Wrap(ctx, amount); err != nil {
		return nil, fmt.Errorf("wrap deposit: %w", err)
	}
	return p, nil
}

type fundingClaim struct {
	From   common.Address
	Amount *big.Int
}

// claimFunding checks that funding paid exactly amount from sender to the
// custody account and marks it spent.
func (e *Engine) claimFunding(ctx context.Context, rw kv.ReadWriter, from common.Address, funding common.Hash, amount *big.Int) error {
	if funding == (common.Hash{}) {
		return fmt.Errorf("%w: funding transaction is required", errs.ErrUnpaidDeposit)
	}
	key := kvstore.Key(kvstore.FundingDir, funding.Hex())
	used, err := kvstore.Exists(ctx, rw, key)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %s", errs.ErrFundingUsed, funding.Hex())
	}
	received, err := e.backends.Native.NativeReceived(ctx, funding, from)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnpaidDeposit, err)
	}
	if received.Cmp(amount) != 0 {
		return fmt.Errorf("%w: transaction paid %s, deposit claims %s", errs.ErrUnpaidDeposit, received, amount)
	}
	return kvstore.Set(ctx, rw, key, &fundingClaim{From: from, Amount: new(big.Int).Set(amount)})
}

// MakeDCASwap swaps one batch of base token into target token for the pocket.
// The base balance is debited before the router is called. Schedule and
// condition checks belong to the caller.
func (e *Engine) MakeDCASwap(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, feeTier uint32, minAmountOut *big.Int) (*SwapResult, error) {
	if err := e.requireRelayer(relayer); err != nil {
		return nil, err
	}
	current, err := e.ledger.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	amountIn := new(big.Int).Set(current.BatchVolume)
	p, err := e.ledger.DebitBase(ctx, rw, relayer, id, amountIn)
	if err != nil {
		return nil, err
	}
	route, err := e.RouteFor(ctx, rw, p.Router, p.RouterVersion)
	if err != nil {
		return nil, err
	}
	out, err := e.Swap(ctx, rw, relayer, SwapRequest{
		TokenIn:  p.BaseToken,
		TokenOut: p.TargetToken,
		Route:    route,
		AmountIn: amountIn,
		FeeTier:  feeTier,
	}, minAmountOut)
	if err != nil {
		return nil, err
	}
	p, err = e.ledger.RecordSwap(ctx, rw, relayer, id, amountIn, out)
	if err != nil {
		return nil, err
	}
	e.logger.Info("dca batch executed",
		zap.String("pocket", id),
		zap.Uint64("batch", p.ExecutedBatches),
		zap.String("amount_in", amountIn.String()),
		zap.String("amount_out", out.String()),
	)
	return &SwapResult{
		TokenIn:   p.BaseToken,
		TokenOut:  p.TargetToken,
		AmountIn:  amountIn,
		AmountOut: out,
		FeeTier:   feeTier,
		Pocket:    p,
	}, nil
}

// ClosePosition sells the pocket's whole target balance back into base token.
// The pocket status is left to the caller.
func (e *Engine) ClosePosition(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, feeTier uint32, minAmountOut *big.Int) (*SwapResult, error) {
	if err := e.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, amountIn, err := e.ledger.DebitTarget(ctx, rw, relayer, id)
	if err != nil {
		return nil, err
	}
	if amountIn.Sign() == 0 {
		return nil, errs.ErrCannotClosePosition
	}
	route, err := e.RouteFor(ctx, rw, p.Router, p.RouterVersion)
	if err != nil {
		return nil, err
	}
	out, err := e.Swap(ctx, rw, relayer, SwapRequest{
		TokenIn:  p.TargetToken,
		TokenOut: p.BaseToken,
		Route:    route,
		AmountIn: amountIn,
		FeeTier:  feeTier,
	}, minAmountOut)
	if err != nil {
		return nil, err
	}
	p, err = e.ledger.RecordClosePosition(ctx, rw, relayer, id, amountIn, out)
	if err != nil {
		return nil, err
	}
	e.logger.Info("position closed",
		zap.String("pocket", id),
		zap.String("target_in", amountIn.String()),
		zap.String("base_out", out.String()),
	)
	return &SwapResult{
		TokenIn:   p.TargetToken,
		TokenOut:  p.BaseToken,
		AmountIn:  amountIn,
		AmountOut: out,
		FeeTier:   feeTier,
		Pocket:    p,
	}, nil
}

// Withdraw pays both balances of the pocket to owner and zeroes them. A base
// token equal to the wrapped native token is unwrapped and paid as native
// currency. Zero amounts are skipped.
func (e *Engine) Withdraw(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, owner common.Address, id string) (*WithdrawResult, error) {
	if err := e.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, err := e.ledger.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	if p.Owner != owner {
		return nil, errs.ErrOnlyOwner
	}
	base, target, err := e.ledger.RecordWithdrawal(ctx, rw, relayer, id)
	if err != nil {
		return nil, err
	}
	res := &WithdrawResult{
		BaseToken:    p.BaseToken,
		BaseAmount:   base,
		TargetToken:  p.TargetToken,
		TargetAmount: target,
	}

	if base.Sign() > 0 {
		if err := e.adjust(ctx, rw, p.BaseToken, new(big.Int).Neg(base)); err != nil {
			return nil, err
		}
		wrapped := e.WrappedNative()
		if wrapped != (common.Address{}) && p.BaseToken == wrapped {
			if err := e.backends.Native.Unwrap(ctx, base); err != nil {
				return nil, fmt.Errorf("unwrap withdrawal: %w", err)
			}
			if err := e.backends.Native.SendNative(ctx, owner, base); err != nil {
				return nil, fmt.Errorf("send native withdrawal: %w", err)
			}
			res.Native = true
		} else if err := e.backends.Tokens.Transfer(ctx, p.BaseToken, owner, base); err != nil {
			return nil, fmt.Errorf("transfer base withdrawal: %w", err)
		}
	}
	if target.Sign() > 0 {
		if err := e.adjust(ctx, rw, p.TargetToken, new(big.Int).Neg(target)); err != nil {
			return nil, err
		}
		if err := e.backends.Tokens.Transfer(ctx, p.TargetToken, owner, target); err != nil {
			return nil, fmt.Errorf("transfer target withdrawal: %w", err)
		}
	}

	res.Pocket, err = e.ledger.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// WrapNative converts amount of the custody account's native currency into
// the wrapped token.
func (e *Engine) WrapNative(ctx context.Context, relayer capability.Relayer, amount *big.Int) error {
	if err := e.requireRelayer(relayer); err != nil {
		return err
	}
	if e.backends.Native == nil {
		return errs.ErrNotWrappedNative
	}
	return e.backends.Native.Wrap(ctx, amount)
}

// UnwrapNative converts amount of the wrapped token back into native currency.
func (e *Engine) UnwrapNative(ctx context.Context, relayer capability.Relayer, amount *big.Int) error {
	if err := e.requireRelayer(relayer); err != nil {
		return err
	}
	if e.backends.Native == nil {
		return errs.ErrNotWrappedNative
	}
	return e.backends.Native.Unwrap(ctx, amount)
}
