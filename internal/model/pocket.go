package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PocketStatus is the lifecycle state of a pocket.
type PocketStatus uint8

const (
	StatusUnset     PocketStatus = 0
	StatusActive    PocketStatus = 1
	StatusPaused    PocketStatus = 2
	StatusClosed    PocketStatus = 3
	StatusWithdrawn PocketStatus = 4
)

func (s PocketStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusClosed:
		return "closed"
	case StatusWithdrawn:
		return "withdrawn"
	default:
		return "unset"
	}
}

// ParseStatus is the inverse of PocketStatus.String. An empty name is
// StatusUnset.
func ParseStatus(name string) (PocketStatus, bool) {
	for _, s := range []PocketStatus{StatusUnset, StatusActive, StatusPaused, StatusClosed, StatusWithdrawn} {
		if name == s.String() || (name == "" && s == StatusUnset) {
			return s, true
		}
	}
	return StatusUnset, false
}

// CanTransitionTo reports whether next is a legal successor of s:
// Active <-> Paused, Active|Paused -> Closed, Closed -> Withdrawn.
func (s PocketStatus) CanTransitionTo(next PocketStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusClosed
	case StatusPaused:
		return next == StatusActive || next == StatusClosed
	case StatusClosed:
		return next == StatusWithdrawn
	default:
		return false
	}
}

// RouterVersion selects the swap backend a pocket trades through.
type RouterVersion uint8

const (
	RouterUniversal RouterVersion = 0
	RouterV2        RouterVersion = 1
	RouterV3        RouterVersion = 2
)

func (v RouterVersion) String() string {
	switch v {
	case RouterUniversal:
		return "universal"
	case RouterV2:
		return "v2"
	case RouterV3:
		return "v3"
	default:
		return "unknown"
	}
}

// Valid reports whether v names a supported backend.
func (v RouterVersion) Valid() bool {
	return v <= RouterV3
}

// Pocket is a single recurring-investment position.
type Pocket struct {
	ID            string         `json:"id"`
	Owner         common.Address `json:"owner"`
	BaseToken     common.Address `json:"base_token"`
	TargetToken   common.Address `json:"target_token"`
	Router        common.Address `json:"router"`
	RouterVersion RouterVersion  `json:"router_version"`

	StartAt        uint64       `json:"start_at"`
	Frequency      uint64       `json:"frequency"`
	NextEligibleAt uint64       `json:"next_eligible_at"`
	BatchVolume    *big.Int     `json:"batch_volume"`
	Status         PocketStatus `json:"status"`

	OpeningPositionCondition ValueComparison `json:"opening_position_condition"`
	TakeProfitCondition      TradingStop     `json:"take_profit_condition"`
	StopLossCondition        TradingStop     `json:"stop_loss_condition"`
	StopConditions           []StopCondition `json:"stop_conditions"`

	BaseTokenBalance   *big.Int `json:"base_token_balance"`
	TargetTokenBalance *big.Int `json:"target_token_balance"`

	TotalDepositedBaseAmount               *big.Int `json:"total_deposited_base_amount"`
	TotalSwappedBaseAmount                 *big.Int `json:"total_swapped_base_amount"`
	TotalReceivedTargetAmount              *big.Int `json:"total_received_target_amount"`
	TotalClosedPositionInTargetTokenAmount *big.Int `json:"total_closed_position_in_target_token_amount"`
	TotalReceivedFundInBaseTokenAmount     *big.Int `json:"total_received_fund_in_base_token_amount"`

	ExecutedBatches uint64 `json:"executed_batches"`
	CreatedAt       uint64 `json:"created_at"`
	UpdatedAt       uint64 `json:"updated_at"`
}

// Normalize replaces nil amounts with zero. Gob drops zero-valued pointers so
// records read back from storage need this before arithmetic.
func (p *Pocket) Normalize() {
	for _, v := range []**big.Int{
		&p.BatchVolume,
		&p.BaseTokenBalance,
		&p.TargetTokenBalance,
		&p.TotalDepositedBaseAmount,
		&p.TotalSwappedBaseAmount,
		&p.TotalReceivedTargetAmount,
		&p.TotalClosedPositionInTargetTokenAmount,
		&p.TotalReceivedFundInBaseTokenAmount,
		&p.OpeningPositionCondition.Value0,
		&p.OpeningPositionCondition.Value1,
		&p.TakeProfitCondition.Value,
		&p.StopLossCondition.Value,
	} {
		if *v == nil {
			*v = new(big.Int)
		}
	}
	for i := range p.StopConditions {
		if p.StopConditions[i].Value == nil {
			p.StopConditions[i].Value = new(big.Int)
		}
	}
}

// Clone returns a deep copy.
func (p *Pocket) Clone() *Pocket {
	c := *p
	c.BatchVolume = cloneInt(p.BatchVolume)
	c.BaseTokenBalance = cloneInt(p.BaseTokenBalance)
	c.TargetTokenBalance = cloneInt(p.TargetTokenBalance)
	c.TotalDepositedBaseAmount = cloneInt(p.TotalDepositedBaseAmount)
	c.TotalSwappedBaseAmount = cloneInt(p.TotalSwappedBaseAmount)
	c.TotalReceivedTargetAmount = cloneInt(p.TotalReceivedTargetAmount)
	c.TotalClosedPositionInTargetTokenAmount = cloneInt(p.TotalClosedPositionInTargetTokenAmount)
	c.TotalReceivedFundInBaseTokenAmount = cloneInt(p.TotalReceivedFundInBaseTokenAmount)
	c.OpeningPositionCondition = p.OpeningPositionCondition.clone()
	c.TakeProfitCondition = p.TakeProfitCondition.clone()
	c.StopLossCondition = p.StopLossCondition.clone()
	c.StopConditions = cloneStopConditions(p.StopConditions)
	return &c
}

// HasExecuted reports whether at least one batch has been swapped.
func (p *Pocket) HasExecuted() bool {
	return p.ExecutedBatches > 0
}

// TradingInfo is the subset of a pocket an automation client needs to decide
// whether and how to trade it.
type TradingInfo struct {
	Router                   common.Address  `json:"router"`
	BaseToken                common.Address  `json:"base_token"`
	TargetToken              common.Address  `json:"target_token"`
	RouterVersion            RouterVersion   `json:"router_version"`
	StartAt                  uint64          `json:"start_at"`
	BatchVolume              *big.Int        `json:"batch_volume"`
	Frequency                uint64          `json:"frequency"`
	NextEligibleAt           uint64          `json:"next_eligible_at"`
	OpeningPositionCondition ValueComparison `json:"opening_position_condition"`
	TakeProfitCondition      TradingStop     `json:"take_profit_condition"`
	StopLossCondition        TradingStop     `json:"stop_loss_condition"`
}

// TradingInfo extracts the trading view of p.
func (p *Pocket) TradingInfo() TradingInfo {
	return TradingInfo{
		Router:                   p.Router,
		BaseToken:                p.BaseToken,
		TargetToken:              p.TargetToken,
		RouterVersion:            p.RouterVersion,
		StartAt:                  p.StartAt,
		BatchVolume:              cloneInt(p.BatchVolume),
		Frequency:                p.Frequency,
		NextEligibleAt:           p.NextEligibleAt,
		OpeningPositionCondition: p.OpeningPositionCondition.clone(),
		TakeProfitCondition:      p.TakeProfitCondition.clone(),
		StopLossCondition:        p.StopLossCondition.clone(),
	}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
