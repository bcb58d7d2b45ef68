// Package custody holds pooled pocket funds and drives the external routers.
// Every mutating method requires the relayer capability and runs inside the
// caller's kv transaction.
package custody

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/dex"
	"pocketDCA/internal/errs"
	"pocketDCA/internal/kvstore"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
)

const defaultDeadlineWindow = 300

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
)

const maxUint48 = 1<<48 - 1

// Options configures an Engine.
type Options struct {
	Ledger   *ledger.Ledger
	Backends dex.Backends
	// Account is the address that holds pooled funds on chain.
	Account common.Address
	// Permit2 is the allowance contract used by command routers.
	Permit2 common.Address
	Relayer capability.Relayer
	Logger  *zap.Logger
	Now     func() uint64
	// DeadlineWindow is added to Now for router deadlines, in seconds.
	DeadlineWindow uint64
}

// Engine is the custody engine.
type Engine struct {
	ledger   *ledger.Ledger
	backends dex.Backends
	account  common.Address
	permit2  common.Address
	relayer  capability.Relayer
	logger   *zap.Logger
	now      func() uint64
	window   uint64
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("custody: ledger is required")
	}
	if opts.Backends.Tokens == nil {
		return nil, fmt.Errorf("custody: token backend is required")
	}
	if !opts.Relayer.Valid() {
		return nil, fmt.Errorf("custody: relayer capability is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	window := opts.DeadlineWindow
	if window == 0 {
		window = defaultDeadlineWindow
	}
	return &Engine{
		ledger:   opts.Ledger,
		backends: opts.Backends,
		account:  opts.Account,
		permit2:  opts.Permit2,
		relayer:  opts.Relayer,
		logger:   logger,
		now:      now,
		window:   window,
	}, nil
}

// Account returns the custody account address.
func (e *Engine) Account() common.Address {
	return e.account
}

// WrappedNative returns the wrapped-native token, or the zero address when no
// wrap helper is bound.
func (e *Engine) WrappedNative() common.Address {
	if e.backends.Native == nil {
		return common.Address{}
	}
	return e.backends.Native.WrappedToken()
}

// Decimals returns token decimals through the token backend.
func (e *Engine) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	return e.backends.Tokens.Decimals(ctx, token)
}

func (e *Engine) requireRelayer(presented capability.Relayer) error {
	if !e.relayer.Grants(presented) {
		return errs.ErrNotRelayer
	}
	return nil
}

type quoterEntry struct {
	Quoter common.Address
}

type holding struct {
	Amount *big.Int
}

type approval struct {
	Approved bool
}

// SetQuoter binds the companion quoter of a router. A zero quoter unbinds it.
// Admin only.
func (e *Engine) SetQuoter(ctx context.Context, rw kv.ReadWriter, caller, router, quoter common.Address) error {
	if err := e.ledger.RequireAdmin(caller); err != nil {
		return err
	}
	key := kvstore.Key(kvstore.QuotersDir, router.Hex())
	if quoter == (common.Address{}) {
		if err := rw.Delete(ctx, key); err != nil && !kvstore.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := kvstore.Set(ctx, rw, key, &quoterEntry{Quoter: quoter}); err != nil {
		return fmt.Errorf("set quoter: %w", err)
	}
	e.logger.Info("quoter configured", zap.String("router", router.Hex()), zap.String("quoter", quoter.Hex()))
	return nil
}

// QuoterFor returns the quoter bound to router.
func (e *Engine) QuoterFor(ctx context.Context, r kv.Getter, router common.Address) (common.Address, bool, error) {
	entry, err := kvstore.Get[quoterEntry](ctx, r, kvstore.Key(kvstore.QuotersDir, router.Hex()))
	if err != nil {
		if kvstore.IsNotExist(err) {
			return common.Address{}, false, nil
		}
		return common.Address{}, false, err
	}
	return entry.Quoter, true, nil
}

// RouteFor builds the route variant for router at the given version.
func (e *Engine) RouteFor(ctx context.Context, r kv.Getter, router common.Address, version model.RouterVersion) (Route, error) {
	switch version {
	case model.RouterV2:
		return ConstantProduct{Router: router}, nil
	case model.RouterV3:
		quoter, _, err := e.QuoterFor(ctx, r, router)
		if err != nil {
			return nil, err
		}
		return ConcentratedLiquidity{Router: router, Quoter: quoter}, nil
	case model.RouterUniversal:
		quoter, _, err := e.QuoterFor(ctx, r, router)
		if err != nil {
			return nil, err
		}
		return CommandRouter{Router: router, Quoter: quoter, Permit2: e.permit2}, nil
	default:
		return nil, errs.ErrUnknownRouterVersion
	}
}

// Holdings returns the pooled amount of token held for all pockets.
func (e *Engine) Holdings(ctx context.Context, r kv.Getter, token common.Address) (*big.Int, error) {
	h, err := kvstore.Get[holding](ctx, r, kvstore.Key(kvstore.BalancesDir, token.Hex()))
	if err != nil {
		if kvstore.IsNotExist(err) {
			return new(big.Int), nil
		}
		return nil, err
	}
	if h.Amount == nil {
		return new(big.Int), nil
	}
	return h.Amount, nil
}

func (e *Engine) adjust(ctx context.Context, rw kv.ReadWriter, token common.Address, delta *big.Int) error {
	current, err := e.Holdings(ctx, rw, token)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: pooled %s", errs.ErrInsufficientBalance, token.Hex())
	}
	return kvstore.Set(ctx, rw, kvstore.Key(kvstore.BalancesDir, token.Hex()), &holding{Amount: next})
}

// SwapRequest describes one exact-input swap.
type SwapRequest struct {
	TokenIn  common.Address
	TokenOut common.Address
	Route    Route
	AmountIn *big.Int
	FeeTier  uint32
}

// Quote prices req without changing any state. Constant-product routes ignore
// the fee tier.
func (e *Engine) Quote(ctx context.Context, req SwapRequest) (amountIn, amountOut *big.Int, err error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: quote amount must be positive", errs.ErrInvalidParams)
	}
	switch rt := req.Route.(type) {
	case ConstantProduct:
		if e.backends.V2 == nil {
			return nil, nil, errs.ErrUnknownRouterVersion
		}
		amounts, err := e.backends.V2.GetAmountsOut(ctx, rt.Router, req.AmountIn, []common.Address{req.TokenIn, req.TokenOut})
		if err != nil {
			return nil, nil, fmt.Errorf("quote via v2 %s: %w", rt.Router.Hex(), err)
		}
		if len(amounts) == 0 {
			return nil, nil, fmt.Errorf("quote via v2 %s: empty amounts", rt.Router.Hex())
		}
		return new(big.Int).Set(req.AmountIn), amounts[len(amounts)-1], nil
	case ConcentratedLiquidity:
		out, err := e.quoteSingle(ctx, rt.Quoter, req)
		return new(big.Int).Set(req.AmountIn), out, err
	case CommandRouter:
		out, err := e.quoteSingle(ctx, rt.Quoter, req)
		return new(big.Int).Set(req.AmountIn), out, err
	default:
		return nil, nil, errs.ErrUnknownRouterVersion
	}
}

func (e *Engine) quoteSingle(ctx context.Context, quoter common.Address, req SwapRequest) (*big.Int, error) {
	if quoter == (common.Address{}) || e.backends.Quoter == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrQuoterNotConfigured, req.Route.Address().Hex())
	}
	out, err := e.backends.Quoter.QuoteExactInputSingle(ctx, quoter, req.TokenIn, req.TokenOut, req.FeeTier, req.AmountIn, nil)
	if err != nil {
		return nil, fmt.Errorf("quote via %s %s: %w", req.Route.Version(), req.Route.Address().Hex(), err)
	}
	return out, nil
}

func canQuote(rt Route) bool {
	switch v := rt.(type) {
	case ConstantProduct:
		return true
	case ConcentratedLiquidity:
		return v.Quoter != (common.Address{})
	case CommandRouter:
		return v.Quoter != (common.Address{})
	default:
		return false
	}
}

// Swap executes req with the custody account as payer and recipient and
// fails with SlippageExceeded when fewer than minAmountOut tokens arrive.
// When the route can be quoted, a quote below minAmountOut fails before any
// router is called.
func (e *Engine) Swap(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, req SwapRequest, minAmountOut *big.Int) (*big.Int, error) {
	if err := e.requireRelayer(relayer); err != nil {
		return nil, err
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: swap amount must be positive", errs.ErrInvalidParams)
	}
	if req.Route == nil {
		return nil, errs.ErrUnknownRouterVersion
	}
	if minAmountOut == nil {
		minAmountOut = new(big.Int)
	}

	if canQuote(req.Route) {
		_, quoted, err := e.Quote(ctx, req)
		if err != nil {
			return nil, err
		}
		if quoted.Cmp(minAmountOut) < 0 {
			return nil, fmt.Errorf("%w: quoted %s below minimum %s", errs.ErrSlippageExceeded, quoted, minAmountOut)
		}
	}

	if err := e.adjust(ctx, rw, req.TokenIn, new(big.Int).Neg(req.AmountIn)); err != nil {
		return nil, err
	}

	deadline := e.now() + e.window
	var out *big.Int
	var err error
	switch rt := req.Route.(type) {
	case ConstantProduct:
		out, err = e.swapV2(ctx, rt, req, minAmountOut, deadline)
	case ConcentratedLiquidity:
		out, err = e.swapV3(ctx, rt, req, minAmountOut, deadline)
	case CommandRouter:
		out, err = e.swapCommand(ctx, rw, rt, req, minAmountOut, deadline)
	default:
		err = errs.ErrUnknownRouterVersion
	}
	if err != nil {
		return nil, err
	}
	if out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: received %s below minimum %s", errs.ErrSlippageExceeded, out, minAmountOut)
	}
	if err := e.adjust(ctx, rw, req.TokenOut, out); err != nil {
		return nil, err
	}

	e.logger.Debug("swap executed",
		zap.String("router", req.Route.Address().Hex()),
		zap.Stringer("version", req.Route.Version()),
		zap.String("token_in", req.TokenIn.Hex()),
		zap.String("token_out", req.TokenOut.Hex()),
		zap.String("amount_in", req.AmountIn.String()),
		zap.String("amount_out", out.String()),
	)
	return out, nil
}

func (e *Engine) swapV2(ctx context.Context, rt ConstantProduct, req SwapRequest, minOut *big.Int, deadline uint64) (*big.Int, error) {
	if e.backends.V2 == nil {
		return nil, errs.ErrUnknownRouterVersion
	}
	if err := e.backends.Tokens.Approve(ctx, req.TokenIn, rt.Router, req.AmountIn); err != nil {
		return nil, fmt.Errorf("approve v2 router: %w", err)
	}
	amounts, err := e.backends.V2.SwapExactTokensForTokens(ctx, rt.Router, req.AmountIn, minOut,
		[]common.Address{req.TokenIn, req.TokenOut}, e.account, deadline)
	if err != nil {
		return nil, fmt.Errorf("swap via v2 %s: %w", rt.Router.Hex(), err)
	}
	if len(amounts) == 0 {
		return nil, fmt.Errorf("swap via v2 %s: empty amounts", rt.Router.Hex())
	}
	return amounts[len(amounts)-1], nil
}

func (e *Engine) swapV3(ctx context.Context, rt ConcentratedLiquidity, req SwapRequest, minOut *big.Int, deadline uint64) (*big.Int, error) {
	if e.backends.V3 == nil {
		return nil, errs.ErrUnknownRouterVersion
	}
	if err := e.backends.Tokens.Approve(ctx, req.TokenIn, rt.Router, req.AmountIn); err != nil {
		return nil, fmt.Errorf("approve v3 router: %w", err)
	}
	out, err := e.backends.V3.ExactInputSingle(ctx, rt.Router, dex.ExactInputSingleParams{
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		Fee:               req.FeeTier,
		Recipient:         e.account,
		Deadline:          deadline,
		AmountIn:          req.AmountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, fmt.Errorf("swap via v3 %s: %w", rt.Router.Hex(), err)
	}
	return out, nil
}

// swapCommand runs a single V3_SWAP_EXACT_IN command. The router reports no
// output amount, so the received amount is the custody balance delta.
func (e *Engine) swapCommand(ctx context.Context, rw kv.ReadWriter, rt CommandRouter, req SwapRequest, minOut *big.Int, deadline uint64) (*big.Int, error) {
	if e.backends.Universal == nil || e.backends.Permit2 == nil {
		return nil, errs.ErrUnknownRouterVersion
	}
	if err := e.ensurePermit2(ctx, rw, req.TokenIn, rt); err != nil {
		return nil, err
	}
	command, input, err := dex.EncodeV3SwapExactIn(dex.V3SwapExactIn{
		Recipient:    e.account,
		AmountIn:     req.AmountIn,
		AmountOutMin: minOut,
		Path:         dex.EncodePath(req.TokenIn, req.FeeTier, req.TokenOut),
		PayerIsUser:  true,
	})
	if err != nil {
		return nil, err
	}

	before, err := e.backends.Tokens.BalanceOf(ctx, req.TokenOut, e.account)
	if err != nil {
		return nil, fmt.Errorf("balance before swap: %w", err)
	}
	if err := e.backends.Universal.Execute(ctx, rt.Router, []byte{command}, [][]byte{input}, deadline); err != nil {
		return nil, fmt.Errorf("swap via command router %s: %w", rt.Router.Hex(), err)
	}
	after, err := e.backends.Tokens.BalanceOf(ctx, req.TokenOut, e.account)
	if err != nil {
		return nil, fmt.Errorf("balance after swap: %w", err)
	}
	return new(big.Int).Sub(after, before), nil
}

// ensurePermit2 grants permit2 an unlimited token allowance and the router an
// unlimited permit2 allowance, once per token and router.
func (e *Engine) ensurePermit2(ctx context.Context, rw kv.ReadWriter, token common.Address, rt CommandRouter) error {
	if rt.Permit2 == (common.Address{}) {
		return fmt.Errorf("%w: permit2 address is not configured", errs.ErrInvalidParams)
	}
	key := kvstore.Key(kvstore.ApprovalsDir, token.Hex(), rt.Router.Hex())
	done, err := kvstore.Exists(ctx, rw, key)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	if err := e.backends.Tokens.Approve(ctx, token, rt.Permit2, maxUint256); err != nil {
		return fmt.Errorf("approve permit2: %w", err)
	}
	if err := e.backends.Permit2.Approve(ctx, rt.Permit2, token, rt.Router, maxUint160, maxUint48); err != nil {
		return fmt.Errorf("permit2 approve router: %w", err)
	}
	e.logger.Info("permit2 allowance granted", zap.String("token", token.Hex()), zap.String("router", rt.Router.Hex()))
	return kvstore.Set(ctx, rw, key, &approval{Approved: true})
}
