// Package stats derives human-readable figures from a pocket's raw counters.
package stats

import (
	"math/big"

	"github.com/shopspring/decimal"

	"pocketDCA/internal/model"
)

// PocketStats is a decimal view of one pocket. Amounts are in whole tokens.
type PocketStats struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	BaseBalance   decimal.Decimal `json:"base_balance"`
	TargetBalance decimal.Decimal `json:"target_balance"`

	TotalDeposited      decimal.Decimal `json:"total_deposited"`
	TotalSwapped        decimal.Decimal `json:"total_swapped"`
	TotalReceivedTarget decimal.Decimal `json:"total_received_target"`
	TotalClosedTarget   decimal.Decimal `json:"total_closed_target"`
	RealisedProceeds    decimal.Decimal `json:"realised_proceeds"`

	// AverageEntryPrice is base paid per whole target token received. Zero
	// before the first batch.
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	// PositionValue is the quoted base value of the held target balance,
	// when a quote was available.
	PositionValue *decimal.Decimal `json:"position_value,omitempty"`
	// UnrealisedPnL compares PositionValue with the entry cost of the held
	// target balance.
	UnrealisedPnL *decimal.Decimal `json:"unrealised_pnl,omitempty"`

	ExecutedBatches uint64 `json:"executed_batches"`
}

// Amount converts a raw token amount into whole tokens.
func Amount(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// Compute builds the statistics of p. positionValue is the quoted base value
// of the target balance in raw units; nil leaves the valuation fields unset.
func Compute(p *model.Pocket, baseDecimals, targetDecimals uint8, positionValue *big.Int) PocketStats {
	s := PocketStats{
		ID:                  p.ID,
		Status:              p.Status.String(),
		BaseBalance:         Amount(p.BaseTokenBalance, baseDecimals),
		TargetBalance:       Amount(p.TargetTokenBalance, targetDecimals),
		TotalDeposited:      Amount(p.TotalDepositedBaseAmount, baseDecimals),
		TotalSwapped:        Amount(p.TotalSwappedBaseAmount, baseDecimals),
		TotalReceivedTarget: Amount(p.TotalReceivedTargetAmount, targetDecimals),
		TotalClosedTarget:   Amount(p.TotalClosedPositionInTargetTokenAmount, targetDecimals),
		RealisedProceeds:    Amount(p.TotalReceivedFundInBaseTokenAmount, baseDecimals),
		AverageEntryPrice:   decimal.Zero,
		ExecutedBatches:     p.ExecutedBatches,
	}
	if s.TotalReceivedTarget.IsPositive() {
		s.AverageEntryPrice = s.TotalSwapped.DivRound(s.TotalReceivedTarget, int32(baseDecimals))
	}
	if positionValue != nil {
		value := Amount(positionValue, baseDecimals)
		cost := s.AverageEntryPrice.Mul(s.TargetBalance)
		pnl := value.Sub(cost)
		s.PositionValue = &value
		s.UnrealisedPnL = &pnl
	}
	return s
}
