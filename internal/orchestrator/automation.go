package orchestrator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
)

// TryMakingDCASwap executes the next batch of an Active, due pocket. The
// opening condition gates only the first batch. When any stop condition holds
// after the swap the pocket is closed in the same operation.
func (o *Orchestrator) TryMakingDCASwap(ctx context.Context, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "tryMakingDCASwap", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.tryMakingDCASwap(ctx, tx, caller, id, feeTier, minAmountOut)
		return err
	})
	return p, err
}

// TryClosingPosition sells the whole target balance when take-profit or
// stop-loss is reached and closes the pocket.
func (o *Orchestrator) TryClosingPosition(ctx context.Context, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "tryClosingPosition", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.tryClosingPosition(ctx, tx, caller, id, feeTier, minAmountOut)
		return err
	})
	return p, err
}

// ClosePosition sells the whole target balance on the owner's request and
// closes the pocket.
func (o *Orchestrator) ClosePosition(ctx context.Context, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "closePosition", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.closePosition(ctx, tx, caller, id, feeTier, minAmountOut)
		return err
	})
	return p, err
}

func (o *Orchestrator) tryMakingDCASwap(ctx context.Context, tx *txn, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error) {
	if err := o.ledger.CheckRole(ctx, tx.rw, ledger.RoleOperator, caller); err != nil {
		return nil, err
	}
	p, err := o.ledger.ReadPocket(ctx, tx.rw, id)
	if err != nil {
		return nil, err
	}
	if p.Status != model.StatusActive {
		return nil, errs.ErrCannotSwap
	}
	if tx.now < p.NextEligibleAt {
		return nil, fmt.Errorf("%w: eligible at %d", errs.ErrNotDue, p.NextEligibleAt)
	}
	if p.BaseTokenBalance.Cmp(p.BatchVolume) < 0 {
		return nil, errs.ErrInsufficientBalance
	}
	if !p.HasExecuted() && p.OpeningPositionCondition.Operator != model.CompareUnset {
		quoted, err := o.custody.QuotePocket(ctx, tx.rw, p, p.BaseToken, p.TargetToken, p.BatchVolume, feeTier)
		if err != nil {
			return nil, err
		}
		if !p.OpeningPositionCondition.Holds(quoted) {
			return nil, errs.ErrOpeningConditionNotReached
		}
	}

	res, err := o.custody.MakeDCASwap(ctx, tx.rw, o.relayer, id, feeTier, minAmountOut)
	if err != nil {
		return nil, err
	}
	p = res.Pocket
	tx.emit(model.EventDidSwap, model.ReasonOperatorMadeDCASwap, caller, p, swapPayload(res.TokenIn, res.AmountIn, res.TokenOut, res.AmountOut, feeTier))

	// The swap has executed; nothing from here on may fail the operation
	// except the kv writes themselves.
	if o.stopConditionMet(ctx, tx, p, feeTier) {
		p, err = o.ledger.SetStatus(ctx, tx.rw, o.relayer, id, model.StatusClosed)
		if err != nil {
			return nil, err
		}
		tx.emit(model.EventPocketUpdated, model.ReasonOperatorClosedPocketStopConditions, caller, p, nil)
		o.logger.Info("pocket closed by stop condition", zap.String("pocket", id), zap.Uint64("batches", p.ExecutedBatches))
	}
	return p, nil
}

// stopConditionMet reports whether any stop condition of p holds. The price
// of one whole target token is quoted at most once; when it cannot be quoted
// the price conditions count as not met.
func (o *Orchestrator) stopConditionMet(ctx context.Context, tx *txn, p *model.Pocket, feeTier uint32) bool {
	var priceErr error
	var price *big.Int
	for _, c := range p.StopConditions {
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		switch c.Operator {
		case model.StopEndTime:
			if new(big.Int).SetUint64(tx.now).Cmp(value) >= 0 {
				return true
			}
		case model.StopBatchCount:
			if new(big.Int).SetUint64(p.ExecutedBatches).Cmp(value) >= 0 {
				return true
			}
		case model.StopPriceAbove, model.StopPriceBelow:
			if price == nil && priceErr == nil {
				if price, priceErr = o.unitPrice(ctx, tx.rw, p, feeTier); priceErr != nil {
					o.logger.Warn("price stop not evaluated", zap.String("pocket", p.ID), zap.Error(priceErr))
				}
			}
			if price == nil {
				continue
			}
			if c.Operator == model.StopPriceAbove && price.Cmp(value) >= 0 {
				return true
			}
			if c.Operator == model.StopPriceBelow && price.Cmp(value) <= 0 {
				return true
			}
		}
	}
	return false
}

// unitPrice quotes one whole target token in base token units.
func (o *Orchestrator) unitPrice(ctx context.Context, r kv.Getter, p *model.Pocket, feeTier uint32) (*big.Int, error) {
	decimals, err := o.custody.Decimals(ctx, p.TargetToken)
	if err != nil {
		return nil, fmt.Errorf("target decimals: %w", err)
	}
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return o.custody.QuotePocket(ctx, r, p, p.TargetToken, p.BaseToken, one, feeTier)
}

// positionValue quotes the pocket's target balance in base token.
func (o *Orchestrator) positionValue(ctx context.Context, r kv.Getter, p *model.Pocket, feeTier uint32) (*big.Int, error) {
	if p.TargetTokenBalance.Sign() == 0 {
		return new(big.Int), nil
	}
	return o.custody.QuotePocket(ctx, r, p, p.TargetToken, p.BaseToken, p.TargetTokenBalance, feeTier)
}

func (o *Orchestrator) tryClosingPosition(ctx context.Context, tx *txn, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error) {
	if err := o.ledger.CheckRole(ctx, tx.rw, ledger.RoleOperator, caller); err != nil {
		return nil, err
	}
	p, err := o.ledger.ReadPocket(ctx, tx.rw, id)
	if err != nil {
		return nil, err
	}
	// The operator only watches live pockets. A Closed pocket belongs to its
	// owner, who can still sell with ClosePosition.
	if p.Status != model.StatusActive && p.Status != model.StatusPaused {
		return nil, errs.ErrCannotClosePosition
	}
	tp, sl := p.TakeProfitCondition, p.StopLossCondition
	if (!tp.Enabled() && !sl.Enabled()) || p.TargetTokenBalance.Sign() == 0 {
		return nil, errs.ErrConditionNotReached
	}

	value, err := o.positionValue(ctx, tx.rw, p, feeTier)
	if err != nil {
		return nil, err
	}
	var reason model.Reason
	switch {
	case tp.Enabled() && value.Cmp(tp.Value) >= 0:
		reason = model.ReasonOperatorClosedPositionTakeProfit
	case sl.Enabled() && value.Cmp(sl.Value) <= 0:
		reason = model.ReasonOperatorClosedPositionStopLoss
	default:
		return nil, fmt.Errorf("%w: position worth %s", errs.ErrConditionNotReached, value)
	}
	return o.closeAndSettle(ctx, tx, caller, p, feeTier, minAmountOut, reason)
}

func (o *Orchestrator) closePosition(ctx context.Context, tx *txn, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error) {
	p, err := o.ownedPocket(ctx, tx, caller, id, errs.ErrOnlyOwner)
	if err != nil {
		return nil, err
	}
	if p.Status == model.StatusWithdrawn {
		return nil, errs.ErrCannotClosePosition
	}
	return o.closeAndSettle(ctx, tx, caller, p, feeTier, minAmountOut, model.ReasonUserClosedPosition)
}

// closeAndSettle swaps the whole target balance back to base and leaves the
// pocket Closed.
func (o *Orchestrator) closeAndSettle(ctx context.Context, tx *txn, caller common.Address, p *model.Pocket, feeTier uint32, minAmountOut *big.Int, reason model.Reason) (*model.Pocket, error) {
	res, err := o.custody.ClosePosition(ctx, tx.rw, o.relayer, p.ID, feeTier, minAmountOut)
	if err != nil {
		return nil, err
	}
	closed := res.Pocket
	if closed.Status != model.StatusClosed {
		if closed, err = o.ledger.SetStatus(ctx, tx.rw, o.relayer, p.ID, model.StatusClosed); err != nil {
			return nil, err
		}
	}
	tx.emit(model.EventDidClosePosition, reason, caller, closed, swapPayload(res.TokenIn, res.AmountIn, res.TokenOut, res.AmountOut, feeTier))
	o.logger.Info("position closed", zap.String("pocket", p.ID), zap.String("reason", string(reason)))
	return closed, nil
}

func swapPayload(tokenIn common.Address, amountIn *big.Int, tokenOut common.Address, amountOut *big.Int, feeTier uint32) model.SwapEventData {
	return model.SwapEventData{
		TokenIn:   tokenIn.Hex(),
		AmountIn:  model.AmountString(amountIn),
		TokenOut:  tokenOut.Hex(),
		AmountOut: model.AmountString(amountOut),
		FeeTier:   feeTier,
	}
}
