package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/bvkgo/kv/kvmemdb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/custody"
	"pocketDCA/internal/dex/sim"
	"pocketDCA/internal/errs"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	account  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	weth     = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	usdc     = common.HexToAddress("0x0000000000000000000000000000000000000d02")
	permit2  = common.HexToAddress("0x0000000000000000000000000000000000000d03")
	router   = common.HexToAddress("0x0000000000000000000000000000000000000d04")
)

func units(n int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

// tenthEth is 0.1 ether in wei.
var tenthEth = units(1, 17)

type recordSink struct {
	mu     sync.Mutex
	events []model.PocketEvent
}

func (s *recordSink) PutEvents(_ context.Context, events []model.PocketEvent) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) last() model.PocketEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fixture struct {
	ctx   context.Context
	chain *sim.Chain
	orch  *Orchestrator
	sink  *recordSink
	clock uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), sink: &recordSink{}, clock: 1000}
	now := func() uint64 { return f.clock }

	f.chain = sim.New(account, weth, permit2)
	f.chain.SetDecimals(usdc, 6)
	f.chain.AddV2Pool(weth, usdc, units(1000, 18), units(2_000_000, 6))

	relayer := capability.NewRelayer()
	l := ledger.New(ledger.Options{Admin: admin, Relayer: relayer, Now: now})
	engine, err := custody.New(custody.Options{
		Ledger:   l,
		Backends: f.chain.Backends(),
		Account:  account,
		Permit2:  permit2,
		Relayer:  relayer,
		Now:      now,
	})
	require.NoError(t, err)
	f.orch, err = New(Options{
		DB:      kvmemdb.New(),
		Ledger:  l,
		Custody: engine,
		Relayer: relayer,
		Sink:    f.sink,
		Now:     now,
	})
	require.NoError(t, err)

	for _, addr := range []common.Address{weth, usdc, router} {
		require.NoError(t, f.orch.WhitelistAddress(f.ctx, admin, addr, true))
	}
	require.NoError(t, f.orch.GrantRole(f.ctx, admin, ledger.RoleOperator, operator))
	return f
}

func ethPocket(id string) CreatePocketParams {
	return CreatePocketParams{
		ID:            id,
		BaseToken:     weth,
		TargetToken:   usdc,
		Router:        router,
		RouterVersion: model.RouterV2,
		StartAt:       1000,
		Frequency:     3600,
		BatchVolume:   new(big.Int).Set(tenthEth),
	}
}

func usdcPocket(id string) CreatePocketParams {
	return CreatePocketParams{
		ID:            id,
		BaseToken:     usdc,
		TargetToken:   weth,
		Router:        router,
		RouterVersion: model.RouterV2,
		StartAt:       1000,
		Frequency:     60,
		BatchVolume:   units(100, 6),
	}
}

// fundEther creates params as a pocket funded with one ether sent by owner.
func (f *fixture) fundEther(t *testing.T, params CreatePocketParams) *model.Pocket {
	t.Helper()
	f.chain.SetNative(owner, units(1, 18))
	funding, err := f.chain.SendNativeFrom(owner, account, units(1, 18))
	require.NoError(t, err)
	p, err := f.orch.CreatePocketAndDepositEther(f.ctx, owner, params, funding, units(1, 18))
	require.NoError(t, err)
	return p
}

func (f *fixture) approveUSDC(amount *big.Int) {
	f.chain.Mint(usdc, owner, amount)
	f.chain.ApproveFrom(owner, usdc, account, amount)
}

func (f *fixture) get(t *testing.T, id string) *model.Pocket {
	t.Helper()
	p, err := f.orch.GetPocket(f.ctx, id)
	require.NoError(t, err)
	return p
}

func TestFirstBatchSwapsOneBatchVolume(t *testing.T) {
	f := newFixture(t)
	f.fundEther(t, ethPocket("p1"))

	p, err := f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, units(9, 17), p.BaseTokenBalance)
	assert.Positive(t, p.TargetTokenBalance.Sign())
	assert.Equal(t, tenthEth, p.TotalSwappedBaseAmount)
	assert.Equal(t, p.TargetTokenBalance, p.TotalReceivedTargetAmount)
	assert.Equal(t, uint64(4600), p.NextEligibleAt)
	assert.Equal(t, model.StatusActive, p.Status)

	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrNotDue)
	assert.True(t, errs.IsRetryLater(err))

	f.clock = 4600
	p, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, units(8, 17), p.BaseTokenBalance)
	assert.Equal(t, uint64(2), p.ExecutedBatches)
}

func TestBatchCountStopClosesPocket(t *testing.T) {
	f := newFixture(t)
	params := ethPocket("p1")
	params.StopConditions = []model.StopCondition{{Operator: model.StopBatchCount, Value: big.NewInt(1)}}
	f.fundEther(t, params)

	p, err := f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)
	assert.Equal(t, model.StatusClosed, f.get(t, "p1").Status)

	ev := f.sink.last()
	assert.Equal(t, model.EventPocketUpdated, ev.Name)
	assert.Equal(t, model.ReasonOperatorClosedPocketStopConditions, ev.Reason)
	assert.Equal(t, "closed", ev.Status)

	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrCannotSwap)
}

func TestEndTimeAndPriceStops(t *testing.T) {
	f := newFixture(t)

	endTime := ethPocket("end")
	endTime.StopConditions = []model.StopCondition{{Operator: model.StopEndTime, Value: big.NewInt(1000)}}
	f.fundEther(t, endTime)
	p, err := f.orch.TryMakingDCASwap(f.ctx, operator, "end", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)

	// One whole USDC is worth far less than one ether.
	above := ethPocket("above")
	above.StopConditions = []model.StopCondition{{Operator: model.StopPriceAbove, Value: units(1, 18)}}
	f.fundEther(t, above)
	p, err = f.orch.TryMakingDCASwap(f.ctx, operator, "above", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, p.Status)

	below := ethPocket("below")
	below.StopConditions = []model.StopCondition{
		{Operator: model.StopBatchCount, Value: big.NewInt(10)},
		{Operator: model.StopPriceBelow, Value: units(1, 18)},
	}
	f.fundEther(t, below)
	p, err = f.orch.TryMakingDCASwap(f.ctx, operator, "below", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)
}

func TestPriceStopQuoteFailureKeepsSwap(t *testing.T) {
	f := newFixture(t)
	params := ethPocket("p1")
	params.StopConditions = []model.StopCondition{{Operator: model.StopPriceBelow, Value: units(1, 18)}}
	f.fundEther(t, params)

	f.chain.OnSwap = func() { f.chain.FailQuotes = errors.New("rpc unavailable") }
	p, err := f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, uint64(1), p.ExecutedBatches)
	assert.Equal(t, f.chain.Balance(weth, account), p.BaseTokenBalance)
	assert.Equal(t, f.chain.Balance(usdc, account), p.TargetTokenBalance)
}

func TestUnpaidEtherDepositRejected(t *testing.T) {
	f := newFixture(t)
	f.chain.SetNative(account, units(5, 18))

	_, err := f.orch.CreatePocketAndDepositEther(f.ctx, owner, ethPocket("p1"), common.Hash{}, units(1, 18))
	require.ErrorIs(t, err, errs.ErrUnpaidDeposit)
	_, err = f.orch.GetPocket(f.ctx, "p1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	f.chain.SetNative(stranger, units(1, 18))
	theirs, err := f.chain.SendNativeFrom(stranger, account, units(1, 18))
	require.NoError(t, err)
	_, err = f.orch.CreatePocketAndDepositEther(f.ctx, owner, ethPocket("p1"), theirs, units(1, 18))
	require.ErrorIs(t, err, errs.ErrUnpaidDeposit)
	assert.Zero(t, f.chain.Calls("wrap"))
	assert.Equal(t, units(6, 18), f.chain.NativeBalance(account))

	p := f.fundEther(t, ethPocket("p2"))
	_, err = f.orch.DepositEther(f.ctx, owner, "p2", theirs, units(1, 18))
	require.ErrorIs(t, err, errs.ErrUnpaidDeposit)
	assert.Equal(t, units(1, 18), f.get(t, "p2").BaseTokenBalance)
	assert.Equal(t, p.BaseTokenBalance, f.chain.Balance(weth, account))
}

func TestTryClosingPositionNotReachedLeavesState(t *testing.T) {
	f := newFixture(t)
	params := ethPocket("p1")
	params.TakeProfitCondition = model.TradingStop{StopType: model.StopTypeFixedValue, Value: units(1000, 18)}
	params.StopLossCondition = model.TradingStop{StopType: model.StopTypeFixedValue, Value: big.NewInt(1)}
	f.fundEther(t, params)
	_, err := f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)

	before := f.get(t, "p1")
	events := f.sink.count()
	_, err = f.orch.TryClosingPosition(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrConditionNotReached)
	assert.True(t, errs.IsRetryLater(err))
	assert.Equal(t, before, f.get(t, "p1"))
	assert.Equal(t, events, f.sink.count())
}

func TestTakeProfitClosesPosition(t *testing.T) {
	f := newFixture(t)
	params := ethPocket("p1")
	params.TakeProfitCondition = model.TradingStop{StopType: model.StopTypeFixedValue, Value: big.NewInt(1)}
	f.fundEther(t, params)
	_, err := f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	bought := f.get(t, "p1").TargetTokenBalance

	_, err = f.orch.TryClosingPosition(f.ctx, stranger, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrOnlyOperator)

	p, err := f.orch.TryClosingPosition(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)
	assert.Zero(t, p.TargetTokenBalance.Sign())
	assert.Equal(t, bought, p.TotalClosedPositionInTargetTokenAmount)
	assert.Equal(t, new(big.Int).Add(units(9, 17), p.TotalReceivedFundInBaseTokenAmount), p.BaseTokenBalance)

	ev := f.sink.last()
	assert.Equal(t, model.EventDidClosePosition, ev.Name)
	assert.Equal(t, model.ReasonOperatorClosedPositionTakeProfit, ev.Reason)
}

func TestOperatorLeavesClosedPocketsAlone(t *testing.T) {
	f := newFixture(t)
	params := ethPocket("p1")
	params.TakeProfitCondition = model.TradingStop{StopType: model.StopTypeFixedValue, Value: big.NewInt(1)}
	f.fundEther(t, params)
	_, err := f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	_, err = f.orch.ClosePocket(f.ctx, owner, "p1")
	require.NoError(t, err)
	before := f.get(t, "p1")

	_, err = f.orch.TryClosingPosition(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrCannotClosePosition)
	assert.Equal(t, before, f.get(t, "p1"))

	p, err := f.orch.ClosePosition(f.ctx, owner, "p1", 0, nil)
	require.NoError(t, err)
	assert.Zero(t, p.TargetTokenBalance.Sign())
	assert.Equal(t, model.ReasonUserClosedPosition, f.sink.last().Reason)
}

func TestOwnerClosePosition(t *testing.T) {
	f := newFixture(t)
	f.fundEther(t, ethPocket("p1"))

	_, err := f.orch.ClosePosition(f.ctx, owner, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrCannotClosePosition)

	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	_, err = f.orch.ClosePosition(f.ctx, stranger, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrOnlyOwner)
	_, err = f.orch.ClosePosition(f.ctx, owner, "p1", 0, units(1, 18))
	require.ErrorIs(t, err, errs.ErrSlippageExceeded)
	assert.Equal(t, errs.KindMarket, errs.KindOf(err))

	p, err := f.orch.ClosePosition(f.ctx, owner, "p1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)
	assert.Zero(t, p.TargetTokenBalance.Sign())
}

func TestCloseThenWithdrawIsFinal(t *testing.T) {
	f := newFixture(t)
	f.fundEther(t, ethPocket("p1"))
	_, err := f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	target := f.get(t, "p1").TargetTokenBalance

	_, err = f.orch.Withdraw(f.ctx, owner, "p1")
	require.ErrorIs(t, err, errs.ErrCannotWithdrawFund)

	_, err = f.orch.ClosePocket(f.ctx, owner, "p1")
	require.NoError(t, err)
	_, err = f.orch.Withdraw(f.ctx, stranger, "p1")
	require.ErrorIs(t, err, errs.ErrCannotWithdrawFund)

	p, err := f.orch.Withdraw(f.ctx, owner, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWithdrawn, p.Status)
	assert.Zero(t, p.BaseTokenBalance.Sign())
	assert.Zero(t, p.TargetTokenBalance.Sign())
	assert.Equal(t, units(9, 17), f.chain.NativeBalance(owner))
	assert.Equal(t, target, f.chain.Balance(usdc, owner))

	_, err = f.orch.Withdraw(f.ctx, owner, "p1")
	require.ErrorIs(t, err, errs.ErrCannotWithdrawFund)

	ev := f.sink.last()
	assert.Equal(t, model.EventWithdrawn, ev.Name)
	data, ok := ev.Payload.(model.WithdrawnEventData)
	require.True(t, ok)
	assert.True(t, data.Native)
	assert.Equal(t, units(9, 17).String(), data.BaseAmount)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreatePocket(f.ctx, owner, usdcPocket("p1"))
	require.NoError(t, err)

	_, err = f.orch.RestartPocket(f.ctx, owner, "p1")
	require.ErrorIs(t, err, errs.ErrCannotRestart)
	_, err = f.orch.PausePocket(f.ctx, stranger, "p1")
	require.ErrorIs(t, err, errs.ErrCannotPause)

	p, err := f.orch.PausePocket(f.ctx, owner, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, p.Status)
	_, err = f.orch.PausePocket(f.ctx, owner, "p1")
	require.ErrorIs(t, err, errs.ErrCannotPause)

	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrCannotSwap)
	f.approveUSDC(big.NewInt(1))
	_, err = f.orch.DepositToken(f.ctx, owner, "p1", big.NewInt(1))
	require.ErrorIs(t, err, errs.ErrCannotDeposit)

	p, err = f.orch.RestartPocket(f.ctx, owner, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, p.Status)

	_, err = f.orch.ClosePocket(f.ctx, stranger, "p1")
	require.ErrorIs(t, err, errs.ErrCannotClose)
	_, err = f.orch.ClosePocket(f.ctx, owner, "p1")
	require.NoError(t, err)
	_, err = f.orch.ClosePocket(f.ctx, owner, "p1")
	require.ErrorIs(t, err, errs.ErrCannotClose)
	_, err = f.orch.RestartPocket(f.ctx, owner, "p1")
	require.ErrorIs(t, err, errs.ErrCannotRestart)

	_, err = f.orch.PausePocket(f.ctx, owner, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAuthorizationFailures(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreatePocket(f.ctx, owner, usdcPocket("p1"))
	require.NoError(t, err)
	_, err = f.orch.CreatePocket(f.ctx, stranger, usdcPocket("p1"))
	require.ErrorIs(t, err, errs.ErrDuplicateID)

	f.approveUSDC(units(100, 6))
	_, err = f.orch.DepositToken(f.ctx, stranger, "p1", units(100, 6))
	require.ErrorIs(t, err, errs.ErrCannotDeposit)
	_, err = f.orch.TryMakingDCASwap(f.ctx, owner, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrOnlyOperator)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))

	update := UpdatePocketParams{ID: "p1", StartAt: 2000, Frequency: 60, BatchVolume: units(50, 6)}
	_, err = f.orch.UpdatePocket(f.ctx, stranger, update)
	require.ErrorIs(t, err, errs.ErrNotUpdatable)
	update.ID = "missing"
	_, err = f.orch.UpdatePocket(f.ctx, owner, update)
	require.ErrorIs(t, err, errs.ErrNotUpdatable)

	require.ErrorIs(t, f.orch.WhitelistAddress(f.ctx, owner, stranger, true), errs.ErrNotAdmin)
	require.ErrorIs(t, f.orch.GrantRole(f.ctx, owner, ledger.RoleOperator, owner), errs.ErrNotAdmin)
	require.ErrorIs(t, f.orch.SetQuoter(f.ctx, owner, router, permit2), errs.ErrNotAdmin)

	require.NoError(t, f.orch.RevokeRole(f.ctx, admin, ledger.RoleOperator, operator))
	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrOnlyOperator)
}

func TestCreateRequiresWhitelist(t *testing.T) {
	f := newFixture(t)
	params := usdcPocket("p1")
	params.Router = stranger
	_, err := f.orch.CreatePocket(f.ctx, owner, params)
	require.ErrorIs(t, err, errs.ErrNotWhitelisted)

	params = usdcPocket("p1")
	_, err = f.orch.CreatePocketAndDepositEther(f.ctx, owner, params, common.Hash{}, big.NewInt(1))
	require.ErrorIs(t, err, errs.ErrNotWrappedNative)
	_, err = f.orch.GetPocket(f.ctx, "p1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateBeforeFirstBatchOnly(t *testing.T) {
	f := newFixture(t)
	f.approveUSDC(units(300, 6))
	_, err := f.orch.CreatePocketAndDepositToken(f.ctx, owner, usdcPocket("p1"), units(300, 6))
	require.NoError(t, err)

	p, err := f.orch.UpdatePocket(f.ctx, owner, UpdatePocketParams{
		ID:          "p1",
		StartAt:     900,
		Frequency:   120,
		BatchVolume: units(150, 6),
		StopConditions: []model.StopCondition{
			{Operator: model.StopBatchCount, Value: big.NewInt(5)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(900), p.NextEligibleAt)
	assert.Equal(t, units(150, 6), p.BatchVolume)

	conds, err := f.orch.GetStopConditions(f.ctx, "p1")
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Equal(t, model.StopBatchCount, conds[0].Operator)

	info, err := f.orch.GetTradingInfo(f.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), info.Frequency)
	assert.Equal(t, usdc, info.BaseToken)

	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.NoError(t, err)
	_, err = f.orch.UpdatePocket(f.ctx, owner, UpdatePocketParams{ID: "p1", StartAt: 900, Frequency: 120, BatchVolume: units(1, 6)})
	require.ErrorIs(t, err, errs.ErrNotUpdatable)
}

func TestOpeningConditionGatesFirstBatch(t *testing.T) {
	f := newFixture(t)
	params := usdcPocket("p1")
	params.OpeningPositionCondition = model.ValueComparison{Operator: model.CompareGt, Value0: units(1, 18)}
	f.approveUSDC(units(200, 6))
	_, err := f.orch.CreatePocketAndDepositToken(f.ctx, owner, params, units(200, 6))
	require.NoError(t, err)

	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrOpeningConditionNotReached)
	assert.True(t, errs.IsRetryLater(err))

	quoted, err := f.orch.QuoteBatch(f.ctx, "p1", 0)
	require.NoError(t, err)
	_, err = f.orch.UpdatePocket(f.ctx, owner, UpdatePocketParams{
		ID:                       "p1",
		StartAt:                  1000,
		Frequency:                60,
		BatchVolume:              units(100, 6),
		OpeningPositionCondition: model.ValueComparison{Operator: model.CompareBetween, Value0: quoted, Value1: quoted},
	})
	require.NoError(t, err)
	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, quoted)
	require.NoError(t, err)
}

func TestInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.approveUSDC(units(50, 6))
	_, err := f.orch.CreatePocketAndDepositToken(f.ctx, owner, usdcPocket("p1"), units(50, 6))
	require.NoError(t, err)

	_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
	require.ErrorIs(t, err, errs.ErrInsufficientBalance)
	assert.Equal(t, units(50, 6), f.get(t, "p1").BaseTokenBalance)
}

func TestBalanceConservation(t *testing.T) {
	f := newFixture(t)
	f.approveUSDC(units(500, 6))
	_, err := f.orch.CreatePocketAndDepositToken(f.ctx, owner, usdcPocket("p1"), units(300, 6))
	require.NoError(t, err)
	_, err = f.orch.DepositToken(f.ctx, owner, "p1", units(200, 6))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.orch.TryMakingDCASwap(f.ctx, operator, "p1", 0, nil)
		require.NoError(t, err)
		f.clock += 60
	}
	_, err = f.orch.ClosePosition(f.ctx, owner, "p1", 0, nil)
	require.NoError(t, err)

	p := f.get(t, "p1")
	expected := new(big.Int).Sub(p.TotalDepositedBaseAmount, p.TotalSwappedBaseAmount)
	expected.Add(expected, p.TotalReceivedFundInBaseTokenAmount)
	assert.Equal(t, expected, p.BaseTokenBalance)
	expectedTarget := new(big.Int).Sub(p.TotalReceivedTargetAmount, p.TotalClosedPositionInTargetTokenAmount)
	assert.Equal(t, expectedTarget, p.TargetTokenBalance)
	assert.Equal(t, p.BaseTokenBalance, f.chain.Balance(usdc, account))
}

func TestMulticallIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	create, err := json.Marshal(usdcPocket("p1"))
	require.NoError(t, err)
	events := f.sink.count()

	_, err = f.orch.Multicall(f.ctx, owner, []Call{
		{Method: "createPocket", Params: create},
		{Method: "pausePocket", Params: json.RawMessage(`{"id":"p1"}`)},
		{Method: "pausePocket", Params: json.RawMessage(`{"id":"p1"}`)},
	})
	require.ErrorIs(t, err, errs.ErrCannotPause)
	_, err = f.orch.GetPocket(f.ctx, "p1")
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, events, f.sink.count())

	_, err = f.orch.Multicall(f.ctx, owner, []Call{{Method: "multicall"}})
	require.ErrorIs(t, err, errs.ErrUnknownMethod)

	results, err := f.orch.Multicall(f.ctx, owner, []Call{
		{Method: "createPocket", Params: create},
		{Method: "pausePocket", Params: json.RawMessage(`{"id":"p1"}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.StatusPaused, f.get(t, "p1").Status)
	assert.Equal(t, events+2, f.sink.count())
}

func TestMulticallMovesFundsInLastCallOnly(t *testing.T) {
	f := newFixture(t)
	f.fundEther(t, ethPocket("p1"))
	swap := json.RawMessage(`{"id":"p1","fee_tier":0,"min_amount_out":1}`)

	_, err := f.orch.Multicall(f.ctx, operator, []Call{
		{Method: "tryMakingDCASwap", Params: swap},
		{Method: "pausePocket", Params: json.RawMessage(`{"id":"missing"}`)},
	})
	require.ErrorIs(t, err, errs.ErrExternalCallNotLast)
	assert.Zero(t, f.chain.Calls("v2Swap"))
	p := f.get(t, "p1")
	assert.Zero(t, p.ExecutedBatches)
	assert.Equal(t, p.BaseTokenBalance, f.chain.Balance(weth, account))
	assert.Zero(t, f.chain.Balance(usdc, account).Sign())

	_, err = f.orch.Multicall(f.ctx, operator, []Call{
		{Method: "tryMakingDCASwap", Params: swap},
		{Method: "tryClosingPosition", Params: swap},
	})
	require.ErrorIs(t, err, errs.ErrExternalCallNotLast)
	assert.Zero(t, f.chain.Calls("v2Swap"))

	results, err := f.orch.Multicall(f.ctx, owner, []Call{
		{Method: "closePocket", Params: json.RawMessage(`{"id":"p1"}`)},
		{Method: "withdraw", Params: json.RawMessage(`{"id":"p1"}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.StatusWithdrawn, f.get(t, "p1").Status)
	assert.Equal(t, units(1, 18), f.chain.NativeBalance(owner))
	assert.Zero(t, f.chain.Balance(weth, account).Sign())
}

func TestEventsAreSequenced(t *testing.T) {
	f := newFixture(t)
	f.fundEther(t, ethPocket("p1"))
	_, err := f.orch.PausePocket(f.ctx, owner, "p1")
	require.NoError(t, err)

	require.Equal(t, 3, f.sink.count())
	names := []model.EventName{model.EventPocketInitialized, model.EventDeposited, model.EventPocketUpdated}
	for i, ev := range f.sink.events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, names[i], ev.Name)
		assert.Equal(t, "p1", ev.PocketID)
		assert.NotEmpty(t, ev.ID)
	}
	assert.Equal(t, model.ReasonUserPausedPocket, f.sink.last().Reason)

	list, err := f.orch.ListPockets(f.ctx, PocketFilter{Status: model.StatusPaused})
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = f.orch.ListPockets(f.ctx, PocketFilter{Owner: stranger})
	require.NoError(t, err)
	assert.Empty(t, list)
}
