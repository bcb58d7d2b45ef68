package operator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/model"
	"pocketDCA/internal/orchestrator"
)

var operatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000b3")

type swapCall struct {
	id     string
	minOut *big.Int
}

type fakeAutomation struct {
	mu       sync.Mutex
	pockets  []*model.Pocket
	quote    *big.Int
	quoteErr []error
	swapErr  map[string]error
	closeErr map[string]error

	quotes int
	swaps  []swapCall
	closes []swapCall
}

func (f *fakeAutomation) ListPockets(context.Context, orchestrator.PocketFilter) ([]*model.Pocket, error) {
	return f.pockets, nil
}

func (f *fakeAutomation) nextQuote() (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes++
	if len(f.quoteErr) > 0 {
		err := f.quoteErr[0]
		f.quoteErr = f.quoteErr[1:]
		return nil, err
	}
	return new(big.Int).Set(f.quote), nil
}

func (f *fakeAutomation) QuoteBatch(context.Context, string, uint32) (*big.Int, error) {
	return f.nextQuote()
}

func (f *fakeAutomation) QuotePosition(context.Context, string, uint32) (*big.Int, error) {
	return f.nextQuote()
}

func (f *fakeAutomation) TryMakingDCASwap(_ context.Context, caller common.Address, id string, _ uint32, minOut *big.Int) (*model.Pocket, error) {
	if caller != operatorAddr {
		return nil, errs.ErrOnlyOperator
	}
	f.swaps = append(f.swaps, swapCall{id: id, minOut: minOut})
	if err := f.swapErr[id]; err != nil {
		return nil, err
	}
	return f.find(id), nil
}

func (f *fakeAutomation) TryClosingPosition(_ context.Context, _ common.Address, id string, _ uint32, minOut *big.Int) (*model.Pocket, error) {
	f.closes = append(f.closes, swapCall{id: id, minOut: minOut})
	if err := f.closeErr[id]; err != nil {
		return nil, err
	}
	p := f.find(id).Clone()
	p.Status = model.StatusClosed
	return p, nil
}

func (f *fakeAutomation) find(id string) *model.Pocket {
	for _, p := range f.pockets {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func pocket(id string, status model.PocketStatus, next uint64, base, batch int64) *model.Pocket {
	p := &model.Pocket{
		ID:               id,
		Status:           status,
		NextEligibleAt:   next,
		BaseTokenBalance: big.NewInt(base),
		BatchVolume:      big.NewInt(batch),
	}
	p.Normalize()
	return p
}

func newTestRunner(auto Automation, state StateStore, now uint64) *Runner {
	return NewRunner(RunConfig{
		Operator:     operatorAddr,
		SlippageBps:  100,
		ChunkSize:    2,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, auto, state, nil, func() uint64 { return now })
}

func TestMinAmountOut(t *testing.T) {
	assert.Equal(t, big.NewInt(990), MinAmountOut(big.NewInt(1000), 100))
	assert.Equal(t, big.NewInt(1000), MinAmountOut(big.NewInt(1000), 0))
	assert.Equal(t, int64(0), MinAmountOut(big.NewInt(1000), 20_000).Int64())
	assert.Equal(t, int64(0), MinAmountOut(nil, 50).Int64())
}

func TestTickSwapsDuePockets(t *testing.T) {
	auto := &fakeAutomation{
		quote: big.NewInt(2000),
		pockets: []*model.Pocket{
			pocket("due", model.StatusActive, 100, 10, 5),
			pocket("later", model.StatusActive, 500, 10, 5),
			pocket("empty", model.StatusActive, 100, 4, 5),
			pocket("paused", model.StatusPaused, 100, 10, 5),
			pocket("closed", model.StatusClosed, 100, 10, 5),
		},
	}
	state := memBackend{}
	r := newTestRunner(auto, &DBStateStore{Store: state, Name: "operator"}, 200)

	res, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Swapped: 1}, res)
	require.Len(t, auto.swaps, 1)
	assert.Equal(t, "due", auto.swaps[0].id)
	assert.Equal(t, big.NewInt(1980), auto.swaps[0].minOut)
	assert.Empty(t, auto.closes)
	assert.Equal(t, uint64(200), state["operator"])
}

func TestTickCountsRetryLaterAsSkipped(t *testing.T) {
	auto := &fakeAutomation{
		quote: big.NewInt(2000),
		pockets: []*model.Pocket{
			pocket("a", model.StatusActive, 100, 10, 5),
			pocket("b", model.StatusActive, 100, 10, 5),
		},
		swapErr: map[string]error{
			"a": errs.ErrOpeningConditionNotReached,
			"b": errs.ErrSlippageExceeded,
		},
	}
	r := newTestRunner(auto, nil, 200)

	res, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Skipped: 1, Failed: 1}, res)
}

func TestTickClosesWatchedPositions(t *testing.T) {
	watched := pocket("tp", model.StatusPaused, 100, 0, 5)
	watched.TargetTokenBalance = big.NewInt(40)
	watched.TakeProfitCondition = model.TradingStop{StopType: model.StopTypeFixedValue, Value: big.NewInt(1000)}

	unarmed := pocket("plain", model.StatusActive, 900, 0, 5)
	unarmed.TargetTokenBalance = big.NewInt(40)

	pending := pocket("pending", model.StatusActive, 900, 0, 5)
	pending.TargetTokenBalance = big.NewInt(40)
	pending.StopLossCondition = model.TradingStop{StopType: model.StopTypeFixedValue, Value: big.NewInt(10)}

	auto := &fakeAutomation{
		quote:    big.NewInt(1500),
		pockets:  []*model.Pocket{watched, unarmed, pending},
		closeErr: map[string]error{"pending": errs.ErrConditionNotReached},
	}
	r := newTestRunner(auto, nil, 200)

	res, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Closed: 1, Skipped: 1}, res)
	require.Len(t, auto.closes, 2)
	assert.Equal(t, "tp", auto.closes[0].id)
	assert.Equal(t, big.NewInt(1485), auto.closes[0].minOut)
}

func TestQuoteRetriesTransportErrorsOnly(t *testing.T) {
	auto := &fakeAutomation{
		quote:    big.NewInt(1000),
		pockets:  []*model.Pocket{pocket("a", model.StatusActive, 100, 10, 5)},
		quoteErr: []error{errors.New("connection reset"), errors.New("connection reset")},
	}
	r := newTestRunner(auto, nil, 200)
	res, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Swapped)
	assert.Equal(t, 3, auto.quotes)

	auto = &fakeAutomation{
		quote:    big.NewInt(1000),
		pockets:  []*model.Pocket{pocket("a", model.StatusActive, 100, 10, 5)},
		quoteErr: []error{errs.ErrQuoterNotConfigured},
	}
	r = newTestRunner(auto, nil, 200)
	res, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, auto.quotes)
	assert.Empty(t, auto.swaps)
}

func TestRunStopsOnCancel(t *testing.T) {
	auto := &fakeAutomation{quote: big.NewInt(1)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newTestRunner(auto, nil, 200)
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)

	r = NewRunner(RunConfig{}, auto, nil, nil, nil)
	assert.Error(t, r.Run(context.Background()))
}

func TestResumeDelay(t *testing.T) {
	r := NewRunner(RunConfig{Operator: operatorAddr, Interval: time.Minute}, &fakeAutomation{}, nil, nil, func() uint64 { return 1000 })
	assert.Equal(t, time.Duration(0), r.resumeDelay(0))
	assert.Equal(t, time.Duration(0), r.resumeDelay(940))
	assert.Equal(t, 50*time.Second, r.resumeDelay(990))
	assert.Equal(t, time.Minute, r.resumeDelay(1000))
	assert.Equal(t, time.Minute, r.resumeDelay(1200), "checkpoint from the future")
}

func TestRunWaitsOutRecentCheckpoint(t *testing.T) {
	run := func(last uint64) *fakeAutomation {
		auto := &fakeAutomation{
			quote:   big.NewInt(2000),
			pockets: []*model.Pocket{pocket("due", model.StatusActive, 100, 10, 5)},
		}
		state := memBackend{"operator": last}
		r := NewRunner(RunConfig{
			Operator: operatorAddr,
			Interval: time.Hour,
		}, auto, &DBStateStore{Store: state, Name: "operator"}, nil, func() uint64 { return 10_000 })

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
		return auto
	}

	// Ticked ten seconds ago: the restarted loop holds off.
	assert.Empty(t, run(9_990).swaps)

	// Last tick is older than the interval: the loop ticks right away.
	stale := run(1_000)
	require.Len(t, stale.swaps, 1)
	assert.Equal(t, "due", stale.swaps[0].id)
}
