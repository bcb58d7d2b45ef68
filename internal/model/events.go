package model

import (
	"encoding/json"
	"math/big"
)

// EventName identifies the kind of a pocket event.
type EventName string

const (
	EventPocketInitialized EventName = "PocketInitialized"
	EventPocketUpdated     EventName = "PocketUpdated"
	EventDeposited         EventName = "Deposited"
	EventWithdrawn         EventName = "Withdrawn"
	EventDidSwap           EventName = "DidSwap"
	EventDidClosePosition  EventName = "DidClosePosition"
)

// Reason is the machine-readable cause attached to update and swap events.
type Reason string

const (
	ReasonUserCreatedPocket                  Reason = "USER_CREATED_POCKET"
	ReasonUserUpdatedPocket                  Reason = "USER_UPDATED_POCKET"
	ReasonUserDepositedPocket                Reason = "USER_DEPOSITED_POCKET"
	ReasonUserPausedPocket                   Reason = "USER_PAUSED_POCKET"
	ReasonUserRestartedPocket                Reason = "USER_RESTARTED_POCKET"
	ReasonUserClosedPocket                   Reason = "USER_CLOSED_POCKET"
	ReasonUserWithdrewPocket                 Reason = "USER_WITHDREW_POCKET"
	ReasonUserClosedPosition                 Reason = "USER_CLOSED_POSITION"
	ReasonOperatorMadeDCASwap                Reason = "OPERATOR_MADE_DCA_SWAP"
	ReasonOperatorClosedPocketStopConditions Reason = "OPERATOR_CLOSED_POCKET_DUE_TO_STOP_CONDITIONS"
	ReasonOperatorClosedPositionTakeProfit   Reason = "OPERATOR_CLOSED_POSITION_DUE_TO_TAKE_PROFIT"
	ReasonOperatorClosedPositionStopLoss     Reason = "OPERATOR_CLOSED_POSITION_DUE_TO_STOP_LOSS"
)

// PocketEvent is one entry of the event stream. Payload holds one of the
// *EventData types below; amounts are decimal strings so consumers never lose
// precision.
type PocketEvent struct {
	ID        string      `json:"id"`
	Sequence  uint64      `json:"sequence"`
	PocketID  string      `json:"pocket_id"`
	Name      EventName   `json:"name"`
	Reason    Reason      `json:"reason,omitempty"`
	Actor     string      `json:"actor"`
	Status    string      `json:"status"`
	Timestamp uint64      `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
	Snapshot  *Pocket     `json:"snapshot,omitempty"`
}

// PocketEventRecord is the JSON representation read back from sinks.
type PocketEventRecord struct {
	ID        string          `json:"id"`
	Sequence  uint64          `json:"sequence"`
	PocketID  string          `json:"pocket_id"`
	Name      EventName       `json:"name"`
	Reason    Reason          `json:"reason,omitempty"`
	Actor     string          `json:"actor"`
	Status    string          `json:"status"`
	Timestamp uint64          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Snapshot  *Pocket         `json:"snapshot,omitempty"`
}

// InitializedEventData is the PocketInitialized payload.
type InitializedEventData struct {
	Owner         string `json:"owner"`
	BaseToken     string `json:"base_token"`
	TargetToken   string `json:"target_token"`
	Router        string `json:"router"`
	RouterVersion string `json:"router_version"`
	BatchVolume   string `json:"batch_volume"`
	StartAt       uint64 `json:"start_at"`
	Frequency     uint64 `json:"frequency"`
}

// DepositedEventData is the Deposited payload.
type DepositedEventData struct {
	Owner  string `json:"owner"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Native bool   `json:"native,omitempty"`
}

// WithdrawnEventData is the Withdrawn payload.
type WithdrawnEventData struct {
	Owner        string `json:"owner"`
	BaseToken    string `json:"base_token"`
	BaseAmount   string `json:"base_amount"`
	TargetToken  string `json:"target_token"`
	TargetAmount string `json:"target_amount"`
	Native       bool   `json:"native,omitempty"`
}

// SwapEventData is the DidSwap and DidClosePosition payload.
type SwapEventData struct {
	TokenIn   string `json:"token_in"`
	AmountIn  string `json:"amount_in"`
	TokenOut  string `json:"token_out"`
	AmountOut string `json:"amount_out"`
	FeeTier   uint32 `json:"fee_tier,omitempty"`
}

// AmountString renders v for event payloads. Nil renders as "0".
func AmountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
