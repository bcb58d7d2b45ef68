// Package orchestrator is the single entry point for pocket owners, operators
// and the admin. Operations are serialized and each one commits or rolls back
// as a whole.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/custody"
	"pocketDCA/internal/errs"
	"pocketDCA/internal/kvstore"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
	"pocketDCA/internal/storage"
)

var sequenceKey = kvstore.Key(kvstore.MetaDir, "event-sequence")

// Options wires an Orchestrator.
type Options struct {
	DB      kv.Database
	Ledger  *ledger.Ledger
	Custody *custody.Engine
	Relayer capability.Relayer
	// Sink receives events after their operation commits.
	Sink   storage.EventSink
	Logger *zap.Logger
	// Now returns the current unix time. Defaults to the wall clock.
	Now func() uint64
}

// Orchestrator sequences pocket operations over the ledger and custody engine.
type Orchestrator struct {
	mu sync.Mutex

	db      kv.Database
	ledger  *ledger.Ledger
	custody *custody.Engine
	relayer capability.Relayer
	sink    storage.EventSink
	logger  *zap.Logger
	now     func() uint64
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("orchestrator: database is required")
	}
	if opts.Ledger == nil || opts.Custody == nil {
		return nil, fmt.Errorf("orchestrator: ledger and custody are required")
	}
	if !opts.Relayer.Valid() {
		return nil, fmt.Errorf("orchestrator: relayer capability is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = storage.Discard{}
	}
	now := opts.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Orchestrator{
		db:      opts.DB,
		ledger:  opts.Ledger,
		custody: opts.Custody,
		relayer: opts.Relayer,
		sink:    sink,
		logger:  logger,
		now:     now,
	}, nil
}

// txn is the state of one operation in flight.
type txn struct {
	rw     kv.ReadWriter
	now    uint64
	events []model.PocketEvent
}

func (tx *txn) emit(name model.EventName, reason model.Reason, actor common.Address, p *model.Pocket, payload interface{}) {
	tx.events = append(tx.events, model.PocketEvent{
		ID:        uuid.NewString(),
		PocketID:  p.ID,
		Name:      name,
		Reason:    reason,
		Actor:     actor.Hex(),
		Status:    p.Status.String(),
		Timestamp: tx.now,
		Payload:   payload,
		Snapshot:  p.Clone(),
	})
}

type sequence struct {
	Next uint64
}

// run executes fn in one read-write transaction. Events emitted by fn get
// their sequence numbers inside the transaction and reach the sink only after
// commit.
func (o *Orchestrator) run(ctx context.Context, op string, fn func(ctx context.Context, tx *txn) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var events []model.PocketEvent
	err := kv.WithReadWriter(ctx, o.db, func(ctx context.Context, rw kv.ReadWriter) error {
		tx := &txn{rw: rw, now: o.now()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if len(tx.events) == 0 {
			return nil
		}
		seq, err := kvstore.Get[sequence](ctx, rw, sequenceKey)
		if err != nil {
			if !kvstore.IsNotExist(err) {
				return err
			}
			seq = &sequence{}
		}
		for i := range tx.events {
			seq.Next++
			tx.events[i].Sequence = seq.Next
		}
		if err := kvstore.Set(ctx, rw, sequenceKey, seq); err != nil {
			return err
		}
		events = tx.events
		return nil
	})
	if err != nil {
		o.logger.Debug("operation failed", zap.String("op", op), zap.String("code", errs.CodeOf(err)), zap.Error(err))
		return err
	}
	if len(events) > 0 {
		if err := o.sink.PutEvents(ctx, events); err != nil {
			o.logger.Error("publish events", zap.String("op", op), zap.Int("events", len(events)), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) view(ctx context.Context, fn func(ctx context.Context, r kv.Reader) error) error {
	return kv.WithReader(ctx, o.db, fn)
}

// ownedPocket reads pocket id and fails with denied unless caller owns it.
func (o *Orchestrator) ownedPocket(ctx context.Context, tx *txn, caller common.Address, id string, denied error) (*model.Pocket, error) {
	p, err := o.ledger.ReadPocket(ctx, tx.rw, id)
	if err != nil {
		return nil, err
	}
	if p.Owner != caller {
		return nil, denied
	}
	return p, nil
}

// Admin surface.

// WhitelistAddress toggles allow-list membership of addr.
func (o *Orchestrator) WhitelistAddress(ctx context.Context, caller, addr common.Address, allowed bool) error {
	return o.run(ctx, "whitelistAddress", func(ctx context.Context, tx *txn) error {
		return o.ledger.WhitelistAddress(ctx, tx.rw, caller, addr, allowed)
	})
}

// GrantRole gives addr a protocol role.
func (o *Orchestrator) GrantRole(ctx context.Context, caller common.Address, role ledger.Role, addr common.Address) error {
	return o.run(ctx, "grantRole", func(ctx context.Context, tx *txn) error {
		return o.ledger.GrantRole(ctx, tx.rw, caller, role, addr)
	})
}

// RevokeRole removes a protocol role from addr.
func (o *Orchestrator) RevokeRole(ctx context.Context, caller common.Address, role ledger.Role, addr common.Address) error {
	return o.run(ctx, "revokeRole", func(ctx context.Context, tx *txn) error {
		return o.ledger.RevokeRole(ctx, tx.rw, caller, role, addr)
	})
}

// SetQuoter binds the quoter used to price a router.
func (o *Orchestrator) SetQuoter(ctx context.Context, caller, router, quoter common.Address) error {
	return o.run(ctx, "setQuoter", func(ctx context.Context, tx *txn) error {
		return o.custody.SetQuoter(ctx, tx.rw, caller, router, quoter)
	})
}

// Views.

// GetPocket returns the pocket with the given id.
func (o *Orchestrator) GetPocket(ctx context.Context, id string) (*model.Pocket, error) {
	var p *model.Pocket
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		var err error
		p, err = o.ledger.ReadPocket(ctx, r, id)
		return err
	})
	return p, err
}

// GetStopConditions returns the ordered stop conditions of a pocket.
func (o *Orchestrator) GetStopConditions(ctx context.Context, id string) ([]model.StopCondition, error) {
	var out []model.StopCondition
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		var err error
		out, err = o.ledger.StopConditions(ctx, r, id)
		return err
	})
	return out, err
}

// GetTradingInfo returns the trading view of a pocket.
func (o *Orchestrator) GetTradingInfo(ctx context.Context, id string) (model.TradingInfo, error) {
	var info model.TradingInfo
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		var err error
		info, err = o.ledger.TradingInfo(ctx, r, id)
		return err
	})
	return info, err
}

// PocketFilter narrows ListPockets. Zero fields match everything.
type PocketFilter struct {
	Owner  common.Address
	Status model.PocketStatus
}

func (f PocketFilter) keep(p *model.Pocket) bool {
	if f.Owner != (common.Address{}) && p.Owner != f.Owner {
		return false
	}
	if f.Status != model.StatusUnset && p.Status != f.Status {
		return false
	}
	return true
}

// ListPockets returns the pockets matching filter in id order.
func (o *Orchestrator) ListPockets(ctx context.Context, filter PocketFilter) ([]*model.Pocket, error) {
	var out []*model.Pocket
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		var err error
		out, err = o.ledger.ListPockets(ctx, r, filter.keep)
		return err
	})
	return out, err
}

// IsWhitelisted reports allow-list membership of addr.
func (o *Orchestrator) IsWhitelisted(ctx context.Context, addr common.Address) (bool, error) {
	var ok bool
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		var err error
		ok, err = o.ledger.IsWhitelisted(ctx, r, addr)
		return err
	})
	return ok, err
}

// HasRole reports whether addr holds role.
func (o *Orchestrator) HasRole(ctx context.Context, role ledger.Role, addr common.Address) (bool, error) {
	var ok bool
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		var err error
		ok, err = o.ledger.HasRole(ctx, r, role, addr)
		return err
	})
	return ok, err
}

// QuoteBatch prices one batch of the pocket's base token into target token.
func (o *Orchestrator) QuoteBatch(ctx context.Context, id string, feeTier uint32) (*big.Int, error) {
	var out *big.Int
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		p, err := o.ledger.ReadPocket(ctx, r, id)
		if err != nil {
			return err
		}
		out, err = o.custody.QuotePocket(ctx, r, p, p.BaseToken, p.TargetToken, p.BatchVolume, feeTier)
		return err
	})
	return out, err
}

// QuotePosition prices the pocket's whole target balance in base token. An
// empty position is worth zero.
func (o *Orchestrator) QuotePosition(ctx context.Context, id string, feeTier uint32) (*big.Int, error) {
	var out *big.Int
	err := o.view(ctx, func(ctx context.Context, r kv.Reader) error {
		p, err := o.ledger.ReadPocket(ctx, r, id)
		if err != nil {
			return err
		}
		out, err = o.positionValue(ctx, r, p, feeTier)
		return err
	})
	return out, err
}
