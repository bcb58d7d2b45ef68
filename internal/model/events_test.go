package model

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestSwapEventDataJSONStringAmounts(t *testing.T) {
	amountIn, _ := new(big.Int).SetString("100000000000000000", 10)
	payload := SwapEventData{
		TokenIn:   "0x1111111111111111111111111111111111111111",
		AmountIn:  AmountString(amountIn),
		TokenOut:  "0x2222222222222222222222222222222222222222",
		AmountOut: AmountString(nil),
		FeeTier:   3000,
	}
	event := PocketEvent{ID: "e1", PocketID: "p1", Name: EventDidSwap, Reason: ReasonOperatorMadeDCASwap, Payload: payload}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var record PocketEventRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if record.Name != EventDidSwap || record.Reason != ReasonOperatorMadeDCASwap {
		t.Fatalf("unexpected header: %+v", record)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(record.Payload, &decoded); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if v, ok := decoded["amount_in"].(string); !ok || v != "100000000000000000" {
		t.Fatalf("amount_in should be a decimal string, got %v", decoded["amount_in"])
	}
	if v, ok := decoded["amount_out"].(string); !ok || v != "0" {
		t.Fatalf("nil amount should render as 0, got %v", decoded["amount_out"])
	}
}

func TestValueComparisonHolds(t *testing.T) {
	ten := big.NewInt(10)
	twenty := big.NewInt(20)
	cases := []struct {
		name  string
		cond  ValueComparison
		value int64
		want  bool
	}{
		{"unset", ValueComparison{}, 0, true},
		{"gt", ValueComparison{Value0: ten, Operator: CompareGt}, 10, false},
		{"gte", ValueComparison{Value0: ten, Operator: CompareGte}, 10, true},
		{"lt", ValueComparison{Value0: ten, Operator: CompareLt}, 9, true},
		{"lte", ValueComparison{Value0: ten, Operator: CompareLte}, 11, false},
		{"between", ValueComparison{Value0: ten, Value1: twenty, Operator: CompareBetween}, 20, true},
		{"not between inside", ValueComparison{Value0: ten, Value1: twenty, Operator: CompareNotBetween}, 15, false},
		{"not between outside", ValueComparison{Value0: ten, Value1: twenty, Operator: CompareNotBetween}, 21, true},
		{"unknown", ValueComparison{Operator: 9}, 1, false},
	}
	for _, tc := range cases {
		if got := tc.cond.Holds(big.NewInt(tc.value)); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestPocketCloneIsDeep(t *testing.T) {
	p := &Pocket{
		ID:               "p1",
		BatchVolume:      big.NewInt(5),
		BaseTokenBalance: big.NewInt(100),
		StopConditions:   []StopCondition{{Operator: StopBatchCount, Value: big.NewInt(3)}},
	}
	p.Normalize()
	c := p.Clone()
	c.BaseTokenBalance.SetInt64(1)
	c.StopConditions[0].Value.SetInt64(7)

	if p.BaseTokenBalance.Int64() != 100 {
		t.Fatalf("clone shares balance with original")
	}
	if p.StopConditions[0].Value.Int64() != 3 {
		t.Fatalf("clone shares stop conditions with original")
	}
	if p.TargetTokenBalance == nil || p.TotalReceivedFundInBaseTokenAmount == nil {
		t.Fatalf("normalize left nil amounts")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []PocketStatus{StatusActive, StatusPaused, StatusClosed, StatusWithdrawn} {
		got, ok := ParseStatus(s.String())
		if !ok || got != s {
			t.Fatalf("parse %q: got %v ok=%v", s.String(), got, ok)
		}
	}
	if got, ok := ParseStatus(""); !ok || got != StatusUnset {
		t.Fatalf("empty name should parse as unset")
	}
	if _, ok := ParseStatus("open"); ok {
		t.Fatalf("unknown name should not parse")
	}
}
