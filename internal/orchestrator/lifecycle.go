package orchestrator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
)

// CreatePocketParams describes a new pocket. The caller becomes its owner.
type CreatePocketParams struct {
	ID                       string                `json:"id"`
	BaseToken                common.Address        `json:"base_token"`
	TargetToken              common.Address        `json:"target_token"`
	Router                   common.Address        `json:"router"`
	RouterVersion            model.RouterVersion   `json:"router_version"`
	StartAt                  uint64                `json:"start_at"`
	Frequency                uint64                `json:"frequency"`
	BatchVolume              *big.Int              `json:"batch_volume"`
	OpeningPositionCondition model.ValueComparison `json:"opening_position_condition"`
	TakeProfitCondition      model.TradingStop     `json:"take_profit_condition"`
	StopLossCondition        model.TradingStop     `json:"stop_loss_condition"`
	StopConditions           []model.StopCondition `json:"stop_conditions"`
}

func (c CreatePocketParams) pocket(owner common.Address) *model.Pocket {
	p := &model.Pocket{
		ID:                       c.ID,
		Owner:                    owner,
		BaseToken:                c.BaseToken,
		TargetToken:              c.TargetToken,
		Router:                   c.Router,
		RouterVersion:            c.RouterVersion,
		StartAt:                  c.StartAt,
		Frequency:                c.Frequency,
		BatchVolume:              c.BatchVolume,
		OpeningPositionCondition: c.OpeningPositionCondition,
		TakeProfitCondition:      c.TakeProfitCondition,
		StopLossCondition:        c.StopLossCondition,
		StopConditions:           c.StopConditions,
	}
	return p.Clone()
}

// UpdatePocketParams overwrites the schedule and conditions of a pocket.
type UpdatePocketParams struct {
	ID                       string                `json:"id"`
	StartAt                  uint64                `json:"start_at"`
	Frequency                uint64                `json:"frequency"`
	BatchVolume              *big.Int              `json:"batch_volume"`
	OpeningPositionCondition model.ValueComparison `json:"opening_position_condition"`
	TakeProfitCondition      model.TradingStop     `json:"take_profit_condition"`
	StopLossCondition        model.TradingStop     `json:"stop_loss_condition"`
	StopConditions           []model.StopCondition `json:"stop_conditions"`
}

// CreatePocket creates an Active pocket owned by caller.
func (o *Orchestrator) CreatePocket(ctx context.Context, caller common.Address, params CreatePocketParams) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "createPocket", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.createPocket(ctx, tx, caller, params)
		return err
	})
	return p, err
}

// CreatePocketAndDepositToken creates a pocket and deposits amount of its
// base token from caller.
func (o *Orchestrator) CreatePocketAndDepositToken(ctx context.Context, caller common.Address, params CreatePocketParams, amount *big.Int) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "createPocketAndDepositToken", func(ctx context.Context, tx *txn) error {
		if _, err := o.createPocket(ctx, tx, caller, params); err != nil {
			return err
		}
		var err error
		p, err = o.depositToken(ctx, tx, caller, params.ID, amount)
		return err
	})
	return p, err
}

// CreatePocketAndDepositEther creates a pocket whose base token is the wrapped
// native token and deposits value, which caller sent to custody in the
// funding transaction.
func (o *Orchestrator) CreatePocketAndDepositEther(ctx context.Context, caller common.Address, params CreatePocketParams, funding common.Hash, value *big.Int) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "createPocketAndDepositEther", func(ctx context.Context, tx *txn) error {
		if _, err := o.createPocket(ctx, tx, caller, params); err != nil {
			return err
		}
		var err error
		p, err = o.depositEther(ctx, tx, caller, params.ID, funding, value)
		return err
	})
	return p, err
}

// UpdatePocket overwrites schedule and conditions before the first batch.
func (o *Orchestrator) UpdatePocket(ctx context.Context, caller common.Address, params UpdatePocketParams) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "updatePocket", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.updatePocket(ctx, tx, caller, params)
		return err
	})
	return p, err
}

// DepositToken credits amount of base token pulled from caller.
func (o *Orchestrator) DepositToken(ctx context.Context, caller common.Address, id string, amount *big.Int) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "depositToken", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.depositToken(ctx, tx, caller, id, amount)
		return err
	})
	return p, err
}

// DepositEther credits value of native currency, wrapped, to a pocket whose
// base token is the wrapped native token. funding is the transaction in which
// caller sent value to custody.
func (o *Orchestrator) DepositEther(ctx context.Context, caller common.Address, id string, funding common.Hash, value *big.Int) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "depositEther", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.depositEther(ctx, tx, caller, id, funding, value)
		return err
	})
	return p, err
}

// PausePocket moves an Active pocket to Paused.
func (o *Orchestrator) PausePocket(ctx context.Context, caller common.Address, id string) (*model.Pocket, error) {
	return o.transition(ctx, "pausePocket", caller, id, model.StatusPaused, model.ReasonUserPausedPocket)
}

// RestartPocket moves a Paused pocket back to Active.
func (o *Orchestrator) RestartPocket(ctx context.Context, caller common.Address, id string) (*model.Pocket, error) {
	return o.transition(ctx, "restartPocket", caller, id, model.StatusActive, model.ReasonUserRestartedPocket)
}

// ClosePocket moves an Active or Paused pocket to Closed.
func (o *Orchestrator) ClosePocket(ctx context.Context, caller common.Address, id string) (*model.Pocket, error) {
	return o.transition(ctx, "closePocket", caller, id, model.StatusClosed, model.ReasonUserClosedPocket)
}

// Withdraw pays out a Closed pocket to its owner and marks it Withdrawn.
func (o *Orchestrator) Withdraw(ctx context.Context, caller common.Address, id string) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, "withdraw", func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.withdraw(ctx, tx, caller, id)
		return err
	})
	return p, err
}

func (o *Orchestrator) transition(ctx context.Context, op string, caller common.Address, id string, next model.PocketStatus, reason model.Reason) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.run(ctx, op, func(ctx context.Context, tx *txn) error {
		var err error
		p, err = o.setStatus(ctx, tx, caller, id, next, reason)
		return err
	})
	return p, err
}

func (o *Orchestrator) createPocket(ctx context.Context, tx *txn, caller common.Address, params CreatePocketParams) (*model.Pocket, error) {
	if err := o.ledger.CreatePocket(ctx, tx.rw, o.relayer, params.pocket(caller)); err != nil {
		return nil, err
	}
	p, err := o.ledger.ReadPocket(ctx, tx.rw, params.ID)
	if err != nil {
		return nil, err
	}
	tx.emit(model.EventPocketInitialized, model.ReasonUserCreatedPocket, caller, p, model.InitializedEventData{
		Owner:         p.Owner.Hex(),
		BaseToken:     p.BaseToken.Hex(),
		TargetToken:   p.TargetToken.Hex(),
		Router:        p.Router.Hex(),
		RouterVersion: p.RouterVersion.String(),
		BatchVolume:   model.AmountString(p.BatchVolume),
		StartAt:       p.StartAt,
		Frequency:     p.Frequency,
	})
	return p, nil
}

func (o *Orchestrator) updatePocket(ctx context.Context, tx *txn, caller common.Address, params UpdatePocketParams) (*model.Pocket, error) {
	if _, err := o.ownedPocket(ctx, tx, caller, params.ID, errs.ErrNotUpdatable); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrNotUpdatable
		}
		return nil, err
	}
	p, err := o.ledger.UpdateConditions(ctx, tx.rw, o.relayer, params.ID, ledger.UpdateParams{
		StartAt:                  params.StartAt,
		Frequency:                params.Frequency,
		BatchVolume:              params.BatchVolume,
		OpeningPositionCondition: params.OpeningPositionCondition,
		TakeProfitCondition:      params.TakeProfitCondition,
		StopLossCondition:        params.StopLossCondition,
		StopConditions:           params.StopConditions,
	})
	if err != nil {
		return nil, err
	}
	tx.emit(model.EventPocketUpdated, model.ReasonUserUpdatedPocket, caller, p, nil)
	return p, nil
}

func (o *Orchestrator) depositToken(ctx context.Context, tx *txn, caller common.Address, id string, amount *big.Int) (*model.Pocket, error) {
	if _, err := o.ownedPocket(ctx, tx, caller, id, errs.ErrCannotDeposit); err != nil {
		return nil, err
	}
	p, err := o.custody.Deposit(ctx, tx.rw, o.relayer, id, caller, amount)
	if err != nil {
		return nil, err
	}
	tx.emit(model.EventDeposited, model.ReasonUserDepositedPocket, caller, p, model.DepositedEventData{
		Owner:  caller.Hex(),
		Token:  p.BaseToken.Hex(),
		Amount: model.AmountString(amount),
	})
	return p, nil
}

func (o *Orchestrator) depositEther(ctx context.Context, tx *txn, caller common.Address, id string, funding common.Hash, value *big.Int) (*model.Pocket, error) {
	if _, err := o.ownedPocket(ctx, tx, caller, id, errs.ErrCannotDeposit); err != nil {
		return nil, err
	}
	p, err := o.custody.DepositNative(ctx, tx.rw, o.relayer, id, caller, funding, value)
	if err != nil {
		return nil, err
	}
	tx.emit(model.EventDeposited, model.ReasonUserDepositedPocket, caller, p, model.DepositedEventData{
		Owner:  caller.Hex(),
		Token:  p.BaseToken.Hex(),
		Amount: model.AmountString(value),
		Native: true,
	})
	return p, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, tx *txn, caller common.Address, id string, next model.PocketStatus, reason model.Reason) (*model.Pocket, error) {
	if _, err := o.ownedPocket(ctx, tx, caller, id, statusDenied(next)); err != nil {
		return nil, err
	}
	p, err := o.ledger.SetStatus(ctx, tx.rw, o.relayer, id, next)
	if err != nil {
		return nil, err
	}
	tx.emit(model.EventPocketUpdated, reason, caller, p, nil)
	return p, nil
}

func (o *Orchestrator) withdraw(ctx context.Context, tx *txn, caller common.Address, id string) (*model.Pocket, error) {
	if _, err := o.ownedPocket(ctx, tx, caller, id, errs.ErrCannotWithdrawFund); err != nil {
		return nil, err
	}
	if _, err := o.ledger.SetStatus(ctx, tx.rw, o.relayer, id, model.StatusWithdrawn); err != nil {
		return nil, err
	}
	res, err := o.custody.Withdraw(ctx, tx.rw, o.relayer, caller, id)
	if err != nil {
		return nil, err
	}
	tx.emit(model.EventWithdrawn, model.ReasonUserWithdrewPocket, caller, res.Pocket, model.WithdrawnEventData{
		Owner:        caller.Hex(),
		BaseToken:    res.BaseToken.Hex(),
		BaseAmount:   model.AmountString(res.BaseAmount),
		TargetToken:  res.TargetToken.Hex(),
		TargetAmount: model.AmountString(res.TargetAmount),
		Native:       res.Native,
	})
	return res.Pocket, nil
}

// statusDenied is the failure for a non-owner attempting a move into next.
func statusDenied(next model.PocketStatus) error {
	switch next {
	case model.StatusPaused:
		return errs.ErrCannotPause
	case model.StatusActive:
		return errs.ErrCannotRestart
	case model.StatusClosed:
		return errs.ErrCannotClose
	default:
		return errs.ErrCannotWithdrawFund
	}
}
