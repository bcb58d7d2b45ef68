package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/model"
)

// Call is one entry of a multicall. Value is the native amount attached to
// this call only and Funding the transaction that paid it to custody.
type Call struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Value   *big.Int        `json:"value,omitempty"`
	Funding common.Hash     `json:"funding_tx"`
}

type idParams struct {
	ID string `json:"id"`
}

type amountParams struct {
	ID     string   `json:"id"`
	Amount *big.Int `json:"amount"`
}

type createAndDepositParams struct {
	CreatePocketParams
	Amount *big.Int `json:"amount"`
}

type swapParams struct {
	ID           string   `json:"id"`
	FeeTier      uint32   `json:"fee_tier"`
	MinAmountOut *big.Int `json:"min_amount_out"`
}

type callHandler func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error)

var callHandlers = map[string]callHandler{
	"createPocket": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p CreatePocketParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.createPocket(ctx, tx, caller, p)
	},
	"createPocketAndDepositToken": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p createAndDepositParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		if _, err := o.createPocket(ctx, tx, caller, p.CreatePocketParams); err != nil {
			return nil, err
		}
		return o.depositToken(ctx, tx, caller, p.ID, p.Amount)
	},
	"createPocketAndDepositEther": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p CreatePocketParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		if _, err := o.createPocket(ctx, tx, caller, p); err != nil {
			return nil, err
		}
		return o.depositEther(ctx, tx, caller, p.ID, call.Funding, call.Value)
	},
	"updatePocket": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p UpdatePocketParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.updatePocket(ctx, tx, caller, p)
	},
	"depositToken": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p amountParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.depositToken(ctx, tx, caller, p.ID, p.Amount)
	},
	"depositEther": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p idParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.depositEther(ctx, tx, caller, p.ID, call.Funding, call.Value)
	},
	"pausePocket":   statusHandler(statusPause),
	"restartPocket": statusHandler(statusRestart),
	"closePocket":   statusHandler(statusClose),
	"withdraw": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p idParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.withdraw(ctx, tx, caller, p.ID)
	},
	"closePosition": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p swapParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.closePosition(ctx, tx, caller, p.ID, p.FeeTier, p.MinAmountOut)
	},
	"tryMakingDCASwap": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p swapParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.tryMakingDCASwap(ctx, tx, caller, p.ID, p.FeeTier, p.MinAmountOut)
	},
	"tryClosingPosition": func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p swapParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		return o.tryClosingPosition(ctx, tx, caller, p.ID, p.FeeTier, p.MinAmountOut)
	},
}

// movesFunds names the calls that transfer, wrap or swap through an external
// collaborator. Those effects are not undone when the kv transaction rolls
// back.
var movesFunds = map[string]bool{
	"createPocketAndDepositToken": true,
	"createPocketAndDepositEther": true,
	"depositToken":                true,
	"depositEther":                true,
	"withdraw":                    true,
	"closePosition":               true,
	"tryMakingDCASwap":            true,
	"tryClosingPosition":          true,
}

// checkCallOrder allows at most one fund-moving call, and only as the last
// call, so no later failure can roll back state behind an executed transfer.
func checkCallOrder(calls []Call) error {
	for i, call := range calls {
		if _, ok := callHandlers[call.Method]; !ok {
			return fmt.Errorf("call %d: %w: %q", i, errs.ErrUnknownMethod, call.Method)
		}
		if movesFunds[call.Method] && i != len(calls)-1 {
			return fmt.Errorf("call %d (%s): %w", i, call.Method, errs.ErrExternalCallNotLast)
		}
	}
	return nil
}

// Methods lists the operation names accepted by Multicall.
func Methods() []string {
	out := make([]string, 0, len(callHandlers))
	for name := range callHandlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func decodeParams(call Call, dst interface{}) error {
	if len(call.Params) == 0 {
		return fmt.Errorf("%w: %s: missing params", errs.ErrInvalidParams, call.Method)
	}
	if err := json.Unmarshal(call.Params, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrInvalidParams, call.Method, err)
	}
	return nil
}

type statusOp int

const (
	statusPause statusOp = iota
	statusRestart
	statusClose
)

func statusHandler(op statusOp) callHandler {
	return func(ctx context.Context, o *Orchestrator, tx *txn, caller common.Address, call Call) (interface{}, error) {
		var p idParams
		if err := decodeParams(call, &p); err != nil {
			return nil, err
		}
		switch op {
		case statusPause:
			return o.setStatus(ctx, tx, caller, p.ID, model.StatusPaused, model.ReasonUserPausedPocket)
		case statusRestart:
			return o.setStatus(ctx, tx, caller, p.ID, model.StatusActive, model.ReasonUserRestartedPocket)
		default:
			return o.setStatus(ctx, tx, caller, p.ID, model.StatusClosed, model.ReasonUserClosedPocket)
		}
	}
}

// Multicall runs calls in order as one operation. Either every call takes
// effect or none does; the first failure is returned with its index. Only the
// last call may move funds.
func (o *Orchestrator) Multicall(ctx context.Context, caller common.Address, calls []Call) ([]interface{}, error) {
	if err := checkCallOrder(calls); err != nil {
		return nil, err
	}
	var results []interface{}
	err := o.run(ctx, "multicall", func(ctx context.Context, tx *txn) error {
		results = make([]interface{}, 0, len(calls))
		for i, call := range calls {
			handler, ok := callHandlers[call.Method]
			if !ok {
				return fmt.Errorf("call %d: %w: %q", i, errs.ErrUnknownMethod, call.Method)
			}
			res, err := handler(ctx, o, tx, caller, call)
			if err != nil {
				return fmt.Errorf("call %d (%s): %w", i, call.Method, err)
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
