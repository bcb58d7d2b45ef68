package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/bvkgo/kv"
	"github.com/bvkgo/kv/kvmemdb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/errs"
	"pocketDCA/internal/model"
)

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	base   = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	target = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	router = common.HexToAddress("0x0000000000000000000000000000000000000b03")
)

type fixture struct {
	db      kv.Database
	ledger  *Ledger
	relayer capability.Relayer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	relayer := capability.NewRelayer()
	f := &fixture{
		db:      kvmemdb.New(),
		ledger:  New(Options{Admin: admin, Relayer: relayer, Now: func() uint64 { return 1000 }}),
		relayer: relayer,
	}
	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		for _, addr := range []common.Address{base, target, router} {
			if err := f.ledger.WhitelistAddress(ctx, rw, admin, addr, true); err != nil {
				return err
			}
		}
		return nil
	})
	return f
}

func (f *fixture) write(t *testing.T, fn func(context.Context, kv.ReadWriter) error) {
	t.Helper()
	require.NoError(t, kv.WithReadWriter(context.Background(), f.db, fn))
}

func (f *fixture) tryWrite(fn func(context.Context, kv.ReadWriter) error) error {
	return kv.WithReadWriter(context.Background(), f.db, fn)
}

func (f *fixture) read(t *testing.T, id string) *model.Pocket {
	t.Helper()
	var p *model.Pocket
	err := kv.WithReader(context.Background(), f.db, func(ctx context.Context, r kv.Reader) error {
		var err error
		p, err = f.ledger.ReadPocket(ctx, r, id)
		return err
	})
	require.NoError(t, err)
	return p
}

func newPocket(id string) *model.Pocket {
	return &model.Pocket{
		ID:            id,
		Owner:         owner,
		BaseToken:     base,
		TargetToken:   target,
		Router:        router,
		RouterVersion: model.RouterV2,
		StartAt:       2000,
		Frequency:     3600,
		BatchVolume:   big.NewInt(100),
	}
}

func (f *fixture) create(t *testing.T, id string) {
	t.Helper()
	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		return f.ledger.CreatePocket(ctx, rw, f.relayer, newPocket(id))
	})
}

func TestCreatePocketDuplicateID(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1")

	err := f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		return f.ledger.CreatePocket(ctx, rw, f.relayer, newPocket("p1"))
	})
	require.ErrorIs(t, err, errs.ErrDuplicateID)

	p := f.read(t, "p1")
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, uint64(2000), p.NextEligibleAt)
	assert.Equal(t, uint64(1000), p.CreatedAt)
	assert.Zero(t, p.BaseTokenBalance.Sign())
}

func TestCreatePocketRequiresWhitelist(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		return f.ledger.WhitelistAddress(ctx, rw, admin, router, false)
	})
	err := f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		return f.ledger.CreatePocket(ctx, rw, f.relayer, newPocket("p1"))
	})
	require.ErrorIs(t, err, errs.ErrNotWhitelisted)
}

func TestMutatorsRequireRelayer(t *testing.T) {
	f := newFixture(t)
	err := f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		return f.ledger.CreatePocket(ctx, rw, capability.NewRelayer(), newPocket("p1"))
	})
	require.ErrorIs(t, err, errs.ErrNotRelayer)

	f.create(t, "p1")
	err = f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		_, err := f.ledger.SetStatus(ctx, rw, capability.Relayer{}, "p1", model.StatusPaused)
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotRelayer)
}

func TestAdminOnlyAccessControl(t *testing.T) {
	f := newFixture(t)
	op := common.HexToAddress("0x00000000000000000000000000000000000000c1")

	err := f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		return f.ledger.GrantRole(ctx, rw, owner, RoleOperator, op)
	})
	require.ErrorIs(t, err, errs.ErrNotAdmin)

	err = f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		return f.ledger.WhitelistAddress(ctx, rw, owner, op, true)
	})
	require.ErrorIs(t, err, errs.ErrNotAdmin)

	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		if err := f.ledger.CheckRole(ctx, rw, RoleOperator, op); err != errs.ErrOnlyOperator {
			t.Fatalf("expected OnlyOperator before grant, got %v", err)
		}
		if err := f.ledger.GrantRole(ctx, rw, admin, RoleOperator, op); err != nil {
			return err
		}
		if err := f.ledger.CheckRole(ctx, rw, RoleOperator, op); err != nil {
			return err
		}
		return f.ledger.RevokeRole(ctx, rw, admin, RoleOperator, op)
	})

	err = kv.WithReader(context.Background(), f.db, func(ctx context.Context, r kv.Reader) error {
		ok, err := f.ledger.HasRole(ctx, r, RoleOperator, op)
		require.NoError(t, err)
		assert.False(t, ok)

		listed, err := f.ledger.Whitelisted(ctx, r)
		require.NoError(t, err)
		assert.ElementsMatch(t, []common.Address{base, target, router}, listed)
		return nil
	})
	require.NoError(t, err)
}

func TestReadPocketNotFound(t *testing.T) {
	f := newFixture(t)
	err := kv.WithReader(context.Background(), f.db, func(ctx context.Context, r kv.Reader) error {
		_, err := f.ledger.ReadPocket(ctx, r, "missing")
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStatusTransitionLegality(t *testing.T) {
	type step struct {
		next model.PocketStatus
		want error
	}
	steps := []step{
		{model.StatusActive, errs.ErrCannotRestart},
		{model.StatusWithdrawn, errs.ErrCannotWithdrawFund},
		{model.StatusPaused, nil},
		{model.StatusPaused, errs.ErrCannotPause},
		{model.StatusActive, nil},
		{model.StatusClosed, nil},
		{model.StatusPaused, errs.ErrCannotPause},
		{model.StatusActive, errs.ErrCannotRestart},
		{model.StatusClosed, errs.ErrCannotClose},
		{model.StatusWithdrawn, nil},
		{model.StatusClosed, errs.ErrCannotClose},
		{model.StatusWithdrawn, errs.ErrCannotWithdrawFund},
	}

	f := newFixture(t)
	f.create(t, "p1")
	current := model.StatusActive
	for i, s := range steps {
		err := f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
			_, err := f.ledger.SetStatus(ctx, rw, f.relayer, "p1", s.next)
			return err
		})
		if s.want == nil {
			require.NoError(t, err, "step %d", i)
			current = s.next
		} else {
			require.ErrorIs(t, err, s.want, "step %d", i)
		}
		assert.Equal(t, current, f.read(t, "p1").Status, "step %d", i)
	}
}

func TestUpdateConditions(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1")

	params := UpdateParams{
		StartAt:        5000,
		Frequency:      60,
		BatchVolume:    big.NewInt(7),
		StopConditions: []model.StopCondition{{Operator: model.StopBatchCount, Value: big.NewInt(2)}},
	}
	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		_, err := f.ledger.UpdateConditions(ctx, rw, f.relayer, "p1", params)
		return err
	})
	p := f.read(t, "p1")
	assert.Equal(t, uint64(5000), p.NextEligibleAt)
	assert.Equal(t, int64(7), p.BatchVolume.Int64())
	require.Len(t, p.StopConditions, 1)

	err := f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		_, err := f.ledger.UpdateConditions(ctx, rw, f.relayer, "missing", params)
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotUpdatable)

	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		if _, err := f.ledger.RecordDeposit(ctx, rw, f.relayer, "p1", big.NewInt(10)); err != nil {
			return err
		}
		if _, err := f.ledger.DebitBase(ctx, rw, f.relayer, "p1", big.NewInt(7)); err != nil {
			return err
		}
		_, err := f.ledger.RecordSwap(ctx, rw, f.relayer, "p1", big.NewInt(7), big.NewInt(3))
		return err
	})
	err = f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		_, err := f.ledger.UpdateConditions(ctx, rw, f.relayer, "p1", params)
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotUpdatable)
}

func TestSwapAccountingConservesBalances(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1")
	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		_, err := f.ledger.RecordDeposit(ctx, rw, f.relayer, "p1", big.NewInt(1000))
		return err
	})
	before := f.read(t, "p1")

	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		if _, err := f.ledger.DebitBase(ctx, rw, f.relayer, "p1", big.NewInt(100)); err != nil {
			return err
		}
		_, err := f.ledger.RecordSwap(ctx, rw, f.relayer, "p1", big.NewInt(100), big.NewInt(42))
		return err
	})
	after := f.read(t, "p1")

	assert.Equal(t, new(big.Int).Sub(before.BaseTokenBalance, big.NewInt(100)), after.BaseTokenBalance)
	assert.Equal(t, new(big.Int).Add(before.TargetTokenBalance, big.NewInt(42)), after.TargetTokenBalance)
	assert.Equal(t, int64(100), after.TotalSwappedBaseAmount.Int64())
	assert.Equal(t, uint64(1), after.ExecutedBatches)
	assert.Equal(t, before.NextEligibleAt+before.Frequency, after.NextEligibleAt)

	err := f.tryWrite(func(ctx context.Context, rw kv.ReadWriter) error {
		_, err := f.ledger.DebitBase(ctx, rw, f.relayer, "p1", big.NewInt(10_000))
		return err
	})
	require.ErrorIs(t, err, errs.ErrInsufficientBalance)

	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		baseAmt, targetAmt, err := f.ledger.RecordWithdrawal(ctx, rw, f.relayer, "p1")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(900), baseAmt.Int64())
		assert.Equal(t, int64(42), targetAmt.Int64())
		return nil
	})
	final := f.read(t, "p1")
	assert.Zero(t, final.BaseTokenBalance.Sign())
	assert.Zero(t, final.TargetTokenBalance.Sign())
	assert.Equal(t, int64(1000), final.TotalDepositedBaseAmount.Int64())
}

func TestListPocketsFilters(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a")
	f.create(t, "b")
	f.write(t, func(ctx context.Context, rw kv.ReadWriter) error {
		_, err := f.ledger.SetStatus(ctx, rw, f.relayer, "b", model.StatusPaused)
		return err
	})
	err := kv.WithReader(context.Background(), f.db, func(ctx context.Context, r kv.Reader) error {
		active, err := f.ledger.ListPockets(ctx, r, func(p *model.Pocket) bool { return p.Status == model.StatusActive })
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "a", active[0].ID)
		return nil
	})
	require.NoError(t, err)
}
