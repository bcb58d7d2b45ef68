package model

import "math/big"

// ComparisonOperator is used by the opening position condition.
type ComparisonOperator uint8

const (
	CompareUnset      ComparisonOperator = 0
	CompareGt         ComparisonOperator = 1
	CompareGte        ComparisonOperator = 2
	CompareLt         ComparisonOperator = 3
	CompareLte        ComparisonOperator = 4
	CompareBetween    ComparisonOperator = 5
	CompareNotBetween ComparisonOperator = 6
)

// ValueComparison gates the first batch of a pocket.
type ValueComparison struct {
	Value0   *big.Int           `json:"value0"`
	Value1   *big.Int           `json:"value1"`
	Operator ComparisonOperator `json:"operator"`
}

// Holds reports whether value satisfies the comparison. Between bounds are
// inclusive. An unknown operator never holds.
func (c ValueComparison) Holds(value *big.Int) bool {
	v0, v1 := orZero(c.Value0), orZero(c.Value1)
	switch c.Operator {
	case CompareUnset:
		return true
	case CompareGt:
		return value.Cmp(v0) > 0
	case CompareGte:
		return value.Cmp(v0) >= 0
	case CompareLt:
		return value.Cmp(v0) < 0
	case CompareLte:
		return value.Cmp(v0) <= 0
	case CompareBetween:
		return value.Cmp(v0) >= 0 && value.Cmp(v1) <= 0
	case CompareNotBetween:
		return value.Cmp(v0) < 0 || value.Cmp(v1) > 0
	default:
		return false
	}
}

// Valid reports whether the operator is known.
func (c ValueComparison) Valid() bool {
	return c.Operator <= CompareNotBetween
}

func (c ValueComparison) clone() ValueComparison {
	return ValueComparison{Value0: cloneInt(c.Value0), Value1: cloneInt(c.Value1), Operator: c.Operator}
}

// StopType selects how a take-profit or stop-loss threshold is interpreted.
type StopType uint8

const (
	StopTypeUnset StopType = 0
	// StopTypeFixedValue compares the base-token value of the whole held
	// target balance against an absolute threshold.
	StopTypeFixedValue StopType = 1
)

// TradingStop is a take-profit or stop-loss threshold.
type TradingStop struct {
	StopType StopType `json:"stop_type"`
	Value    *big.Int `json:"value"`
}

// Enabled reports whether the stop is armed.
func (s TradingStop) Enabled() bool {
	return s.StopType != StopTypeUnset
}

// Valid reports whether the stop type is known.
func (s TradingStop) Valid() bool {
	return s.StopType <= StopTypeFixedValue
}

func (s TradingStop) clone() TradingStop {
	return TradingStop{StopType: s.StopType, Value: cloneInt(s.Value)}
}

// StopOperator selects the kind of automatic stop condition.
type StopOperator uint8

const (
	// StopEndTime closes the pocket once the current time reaches Value.
	StopEndTime StopOperator = 0
	// StopBatchCount closes the pocket after Value executed batches.
	StopBatchCount StopOperator = 1
	// StopPriceAbove closes the pocket when one whole target token is worth
	// at least Value base units.
	StopPriceAbove StopOperator = 2
	// StopPriceBelow closes the pocket when one whole target token is worth
	// at most Value base units.
	StopPriceBelow StopOperator = 3
)

func (o StopOperator) String() string {
	switch o {
	case StopEndTime:
		return "end_time"
	case StopBatchCount:
		return "batch_count"
	case StopPriceAbove:
		return "price_above"
	case StopPriceBelow:
		return "price_below"
	default:
		return "unknown"
	}
}

// NeedsPrice reports whether evaluating the operator requires a quote.
func (o StopOperator) NeedsPrice() bool {
	return o == StopPriceAbove || o == StopPriceBelow
}

// StopCondition is one entry of a pocket's ordered stop list.
type StopCondition struct {
	Operator StopOperator `json:"operator"`
	Value    *big.Int     `json:"value"`
}

func cloneStopConditions(in []StopCondition) []StopCondition {
	if in == nil {
		return nil
	}
	out := make([]StopCondition, len(in))
	for i, c := range in {
		out[i] = StopCondition{Operator: c.Operator, Value: cloneInt(c.Value)}
	}
	return out
}

// CloneStopConditions returns a deep copy of conditions.
func CloneStopConditions(in []StopCondition) []StopCondition {
	return cloneStopConditions(in)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
