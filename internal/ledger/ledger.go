// Package ledger is the authoritative record of pockets, roles and the
// address allow-list. Every method runs inside a caller-supplied kv
// transaction so that ledger writes commit or roll back together with the
// custody writes of the same operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/errs"
	"pocketDCA/internal/kvstore"
	"pocketDCA/internal/model"
)

// Options configures a Ledger.
type Options struct {
	// Admin is the single address allowed to change roles and the allow-list.
	Admin   common.Address
	Relayer capability.Relayer
	Logger  *zap.Logger
	// Now returns the current unix time. Defaults to the wall clock.
	Now func() uint64
}

// Ledger stores pockets and access-control state.
type Ledger struct {
	admin   common.Address
	relayer capability.Relayer
	logger  *zap.Logger
	now     func() uint64
}

// New creates a ledger bound to the given relayer capability.
func New(opts Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Ledger{admin: opts.Admin, relayer: opts.Relayer, logger: logger, now: now}
}

// Admin returns the configured admin address.
func (l *Ledger) Admin() common.Address {
	return l.admin
}

func (l *Ledger) requireRelayer(presented capability.Relayer) error {
	if !l.relayer.Grants(presented) {
		return errs.ErrNotRelayer
	}
	return nil
}

// RequireAdmin fails with NotAdmin unless caller is the configured admin.
func (l *Ledger) RequireAdmin(caller common.Address) error {
	if caller != l.admin || caller == (common.Address{}) {
		return errs.ErrNotAdmin
	}
	return nil
}

// ValidateID rejects ids that cannot be stored as a single key component.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: pocket id %q", errs.ErrInvalidParams, id)
	}
	return nil
}

func pocketKey(id string) string {
	return kvstore.Key(kvstore.PocketsDir, id)
}

// CreatePocket stores p as a new Active pocket. NextEligibleAt starts at
// StartAt and all balances and totals start at zero.
func (l *Ledger) CreatePocket(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, p *model.Pocket) error {
	if err := l.requireRelayer(relayer); err != nil {
		return err
	}
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if err := validateTrading(p.BatchVolume, p.Frequency, p.OpeningPositionCondition, p.TakeProfitCondition, p.StopLossCondition, p.StopConditions); err != nil {
		return err
	}
	if p.Owner == (common.Address{}) {
		return fmt.Errorf("%w: owner is required", errs.ErrInvalidParams)
	}
	if !p.RouterVersion.Valid() {
		return errs.ErrUnknownRouterVersion
	}
	if p.BaseToken == p.TargetToken {
		return fmt.Errorf("%w: base and target token are equal", errs.ErrInvalidParams)
	}
	for _, addr := range []common.Address{p.BaseToken, p.TargetToken, p.Router} {
		ok, err := l.IsWhitelisted(ctx, rw, addr)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", errs.ErrNotWhitelisted, addr.Hex())
		}
	}

	key := pocketKey(p.ID)
	exists, err := kvstore.Exists(ctx, rw, key)
	if err != nil {
		return fmt.Errorf("check pocket %q: %w", p.ID, err)
	}
	if exists {
		return errs.ErrDuplicateID
	}

	stored := p.Clone()
	stored.Status = model.StatusActive
	stored.NextEligibleAt = stored.StartAt
	stored.BaseTokenBalance = new(big.Int)
	stored.TargetTokenBalance = new(big.Int)
	stored.TotalDepositedBaseAmount = new(big.Int)
	stored.TotalSwappedBaseAmount = new(big.Int)
	stored.TotalReceivedTargetAmount = new(big.Int)
	stored.TotalClosedPositionInTargetTokenAmount = new(big.Int)
	stored.TotalReceivedFundInBaseTokenAmount = new(big.Int)
	stored.ExecutedBatches = 0
	stored.CreatedAt = l.now()
	stored.UpdatedAt = stored.CreatedAt
	if err := kvstore.Set(ctx, rw, key, stored); err != nil {
		return err
	}
	l.logger.Debug("pocket created", zap.String("pocket", p.ID), zap.String("owner", p.Owner.Hex()))
	return nil
}

// ReadPocket returns the pocket with the given id.
func (l *Ledger) ReadPocket(ctx context.Context, r kv.Getter, id string) (*model.Pocket, error) {
	if err := ValidateID(id); err != nil {
		return nil, errs.ErrNotFound
	}
	p, err := kvstore.Get[model.Pocket](ctx, r, pocketKey(id))
	if err != nil {
		if kvstore.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	p.Normalize()
	return p, nil
}

// StopConditions returns the ordered stop conditions of a pocket.
func (l *Ledger) StopConditions(ctx context.Context, r kv.Getter, id string) ([]model.StopCondition, error) {
	p, err := l.ReadPocket(ctx, r, id)
	if err != nil {
		return nil, err
	}
	return p.StopConditions, nil
}

// TradingInfo returns the trading view of a pocket.
func (l *Ledger) TradingInfo(ctx context.Context, r kv.Getter, id string) (model.TradingInfo, error) {
	p, err := l.ReadPocket(ctx, r, id)
	if err != nil {
		return model.TradingInfo{}, err
	}
	return p.TradingInfo(), nil
}

// ListPockets returns every pocket accepted by keep, in id order. A nil keep
// accepts all.
func (l *Ledger) ListPockets(ctx context.Context, r kv.Reader, keep func(*model.Pocket) bool) ([]*model.Pocket, error) {
	var out []*model.Pocket
	err := kvstore.Ascend(ctx, r, kvstore.PocketsDir, func(_ string, p *model.Pocket) error {
		p.Normalize()
		if keep == nil || keep(p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pockets: %w", err)
	}
	return out, nil
}

// UpdateParams are the fields an owner may overwrite before the first batch.
type UpdateParams struct {
	StartAt                  uint64
	Frequency                uint64
	BatchVolume              *big.Int
	OpeningPositionCondition model.ValueComparison
	TakeProfitCondition      model.TradingStop
	StopLossCondition        model.TradingStop
	StopConditions           []model.StopCondition
}

// UpdateConditions overwrites schedule, batch size and every condition of a
// pocket that has not executed a batch and is neither Closed nor Withdrawn.
// The schedule restarts at StartAt.
func (l *Ledger) UpdateConditions(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, params UpdateParams) (*model.Pocket, error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrNotUpdatable
		}
		return nil, err
	}
	if p.HasExecuted() || p.Status == model.StatusClosed || p.Status == model.StatusWithdrawn {
		return nil, errs.ErrNotUpdatable
	}
	if err := validateTrading(params.BatchVolume, params.Frequency, params.OpeningPositionCondition, params.TakeProfitCondition, params.StopLossCondition, params.StopConditions); err != nil {
		return nil, err
	}

	p.StartAt = params.StartAt
	p.NextEligibleAt = params.StartAt
	p.Frequency = params.Frequency
	p.BatchVolume = new(big.Int).Set(params.BatchVolume)
	p.OpeningPositionCondition = params.OpeningPositionCondition
	p.TakeProfitCondition = params.TakeProfitCondition
	p.StopLossCondition = params.StopLossCondition
	p.StopConditions = model.CloneStopConditions(params.StopConditions)
	p.Normalize()
	p = p.Clone()
	if err := l.save(ctx, rw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// transitionError names the failure of an illegal move into next.
func transitionError(next model.PocketStatus) error {
	switch next {
	case model.StatusPaused:
		return errs.ErrCannotPause
	case model.StatusActive:
		return errs.ErrCannotRestart
	case model.StatusClosed:
		return errs.ErrCannotClose
	case model.StatusWithdrawn:
		return errs.ErrCannotWithdrawFund
	default:
		return errs.ErrInvalidParams
	}
}

// SetStatus moves a pocket along a legal edge of the status graph. Illegal
// moves fail with the error named after the target state and leave the
// pocket unchanged.
func (l *Ledger) SetStatus(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, next model.PocketStatus) (*model.Pocket, error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(next) {
		return nil, transitionError(next)
	}
	p.Status = next
	if err := l.save(ctx, rw, p); err != nil {
		return nil, err
	}
	l.logger.Debug("pocket status changed", zap.String("pocket", id), zap.Stringer("status", next))
	return p, nil
}

// RecordDeposit credits amount of base token to an Active pocket.
func (l *Ledger) RecordDeposit(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, amount *big.Int) (*model.Pocket, error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", errs.ErrInvalidParams)
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	if p.Status != model.StatusActive {
		return nil, errs.ErrCannotDeposit
	}
	p.BaseTokenBalance.Add(p.BaseTokenBalance, amount)
	p.TotalDepositedBaseAmount.Add(p.TotalDepositedBaseAmount, amount)
	if err := l.save(ctx, rw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DebitBase removes amountIn of base token ahead of a DCA swap. It runs before
// the router is called so the pocket never appears to hold funds that are in
// flight.
func (l *Ledger) DebitBase(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, amountIn *big.Int) (*model.Pocket, error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	if p.BaseTokenBalance.Cmp(amountIn) < 0 {
		return nil, errs.ErrInsufficientBalance
	}
	p.BaseTokenBalance.Sub(p.BaseTokenBalance, amountIn)
	if err := l.save(ctx, rw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordSwap completes a DCA batch debited with DebitBase: target balance and
// totals grow, the batch counter increments and the schedule advances by one
// frequency.
func (l *Ledger) RecordSwap(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, amountIn, amountOut *big.Int) (*model.Pocket, error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	p.TargetTokenBalance.Add(p.TargetTokenBalance, amountOut)
	p.TotalSwappedBaseAmount.Add(p.TotalSwappedBaseAmount, amountIn)
	p.TotalReceivedTargetAmount.Add(p.TotalReceivedTargetAmount, amountOut)
	p.ExecutedBatches++
	p.NextEligibleAt += p.Frequency
	if err := l.save(ctx, rw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DebitTarget removes the whole target balance ahead of a position close and
// returns the amount removed.
func (l *Ledger) DebitTarget(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string) (*model.Pocket, *big.Int, error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, nil, err
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, nil, err
	}
	amount := new(big.Int).Set(p.TargetTokenBalance)
	p.TargetTokenBalance.SetInt64(0)
	if err := l.save(ctx, rw, p); err != nil {
		return nil, nil, err
	}
	return p, amount, nil
}

// RecordClosePosition completes a position close debited with DebitTarget.
func (l *Ledger) RecordClosePosition(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string, targetIn, baseOut *big.Int) (*model.Pocket, error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, err
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, err
	}
	p.BaseTokenBalance.Add(p.BaseTokenBalance, baseOut)
	p.TotalClosedPositionInTargetTokenAmount.Add(p.TotalClosedPositionInTargetTokenAmount, targetIn)
	p.TotalReceivedFundInBaseTokenAmount.Add(p.TotalReceivedFundInBaseTokenAmount, baseOut)
	if err := l.save(ctx, rw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordWithdrawal zeroes both balances of a pocket and returns the amounts
// that were held.
func (l *Ledger) RecordWithdrawal(ctx context.Context, rw kv.ReadWriter, relayer capability.Relayer, id string) (base, target *big.Int, err error) {
	if err := l.requireRelayer(relayer); err != nil {
		return nil, nil, err
	}
	p, err := l.ReadPocket(ctx, rw, id)
	if err != nil {
		return nil, nil, err
	}
	base = new(big.Int).Set(p.BaseTokenBalance)
	target = new(big.Int).Set(p.TargetTokenBalance)
	p.BaseTokenBalance.SetInt64(0)
	p.TargetTokenBalance.SetInt64(0)
	if err := l.save(ctx, rw, p); err != nil {
		return nil, nil, err
	}
	return base, target, nil
}

func (l *Ledger) save(ctx context.Context, rw kv.ReadWriter, p *model.Pocket) error {
	p.UpdatedAt = l.now()
	if err := kvstore.Set(ctx, rw, pocketKey(p.ID), p); err != nil {
		return fmt.Errorf("save pocket %q: %w", p.ID, err)
	}
	return nil
}

func validateTrading(batchVolume *big.Int, frequency uint64, opening model.ValueComparison, tp, sl model.TradingStop, stops []model.StopCondition) error {
	if batchVolume == nil || batchVolume.Sign() <= 0 {
		return fmt.Errorf("%w: batch volume must be positive", errs.ErrInvalidParams)
	}
	if frequency == 0 {
		return fmt.Errorf("%w: frequency must be positive", errs.ErrInvalidParams)
	}
	if !opening.Valid() {
		return fmt.Errorf("%w: opening operator %d", errs.ErrInvalidParams, opening.Operator)
	}
	if !tp.Valid() || !sl.Valid() {
		return fmt.Errorf("%w: stop type", errs.ErrInvalidParams)
	}
	for _, c := range stops {
		if c.Operator > model.StopPriceBelow {
			return fmt.Errorf("%w: stop operator %d", errs.ErrInvalidParams, c.Operator)
		}
		if c.Value != nil && c.Value.Sign() < 0 {
			return fmt.Errorf("%w: negative stop value", errs.ErrInvalidParams)
		}
	}
	return nil
}
