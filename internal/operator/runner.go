// Package operator runs the automation loop that executes due DCA batches
// and conditional position closes on behalf of an operator address.
package operator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/model"
	"pocketDCA/internal/orchestrator"
)

const bpsDenominator = 10_000

// Automation is the slice of the orchestrator the loop drives.
type Automation interface {
	ListPockets(ctx context.Context, filter orchestrator.PocketFilter) ([]*model.Pocket, error)
	QuoteBatch(ctx context.Context, id string, feeTier uint32) (*big.Int, error)
	QuotePosition(ctx context.Context, id string, feeTier uint32) (*big.Int, error)
	TryMakingDCASwap(ctx context.Context, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error)
	TryClosingPosition(ctx context.Context, caller common.Address, id string, feeTier uint32, minAmountOut *big.Int) (*model.Pocket, error)
}

// RunConfig holds runtime settings for the loop.
type RunConfig struct {
	Operator common.Address
	FeeTier  uint32
	// SlippageBps is the tolerated shortfall against the quote, in basis points.
	SlippageBps  uint64
	Interval     time.Duration
	ChunkSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	// RateLimit caps pocket actions per second. Zero disables the limit.
	RateLimit float64
	Burst     int
}

// TickResult counts what one pass over the pockets did.
type TickResult struct {
	Swapped int
	Closed  int
	Skipped int
	Failed  int
}

// Runner scans pockets and triggers automation.
type Runner struct {
	cfg     RunConfig
	auto    Automation
	state   StateStore
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() uint64
}

// NewRunner builds a Runner with its dependencies. now defaults to the wall
// clock.
func NewRunner(cfg RunConfig, auto Automation, state StateStore, logger *zap.Logger, now func() uint64) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Runner{
		cfg:     cfg,
		auto:    auto,
		state:   state,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     now,
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and the loop
// continues.
func (r *Runner) Run(ctx context.Context) error {
	if r.auto == nil {
		return fmt.Errorf("automation is nil")
	}
	if r.cfg.Operator == (common.Address{}) {
		return fmt.Errorf("operator address is required")
	}
	if r.cfg.SlippageBps > bpsDenominator {
		return fmt.Errorf("slippage %d bps exceeds %d", r.cfg.SlippageBps, bpsDenominator)
	}

	if r.state != nil {
		last, ok, err := r.state.Load(ctx)
		if err != nil {
			return err
		}
		if ok {
			wait := r.resumeDelay(last)
			r.logger.Info("resume from state",
				zap.Uint64("last_processed", last),
				zap.Duration("first_tick_in", wait))
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// resumeDelay is how long a restarted loop waits so that ticks stay at least
// one interval apart across restarts.
func (r *Runner) resumeDelay(last uint64) time.Duration {
	now := r.now()
	if last >= now {
		return r.cfg.Interval
	}
	elapsed := time.Duration(now-last) * time.Second
	if elapsed >= r.cfg.Interval {
		return 0
	}
	return r.cfg.Interval - elapsed
}

// Tick makes one pass over every live pocket.
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := r.now()

	pockets, err := r.auto.ListPockets(ctx, orchestrator.PocketFilter{})
	if err != nil {
		return res, fmt.Errorf("list pockets: %w", err)
	}
	chunks, err := SplitChunks(len(pockets), r.cfg.ChunkSize)
	if err != nil {
		return res, err
	}

	for _, c := range chunks {
		for _, p := range pockets[c.From : c.To+1] {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			default:
			}
			if err := r.process(ctx, now, p, &res); err != nil {
				return res, err
			}
		}
		r.logger.Debug("chunk complete", zap.Int("from", c.From), zap.Int("to", c.To))
	}

	if r.state != nil {
		if err := r.state.Save(ctx, now); err != nil {
			return res, err
		}
	}
	r.logger.Info("tick complete",
		zap.Int("pockets", len(pockets)),
		zap.Int("swapped", res.Swapped),
		zap.Int("closed", res.Closed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// process only returns an error when ctx is done. Pocket failures are counted.
func (r *Runner) process(ctx context.Context, now uint64, p *model.Pocket, res *TickResult) error {
	if dueForSwap(p, now) {
		next, err := r.swap(ctx, p)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		r.count(res, p.ID, "swap", err, &res.Swapped)
		if next != nil {
			p = next
		}
	}
	if watchesPosition(p) {
		_, err := r.closePosition(ctx, p)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		r.count(res, p.ID, "close position", err, &res.Closed)
	}
	return nil
}

func (r *Runner) count(res *TickResult, id, action string, err error, done *int) {
	switch {
	case err == nil:
		*done++
	case errs.IsRetryLater(err):
		res.Skipped++
		r.logger.Debug("pocket not ready", zap.String("pocket", id), zap.String("action", action), zap.Error(err))
	default:
		res.Failed++
		r.logger.Warn("pocket action failed", zap.String("pocket", id), zap.String("action", action), zap.Error(err))
	}
}

func (r *Runner) swap(ctx context.Context, p *model.Pocket) (*model.Pocket, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var quoted *big.Int
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		quoted, err = r.auto.QuoteBatch(ctx, p.ID, r.cfg.FeeTier)
		return quoteRetryable(err)
	})
	if err != nil {
		return nil, fmt.Errorf("quote batch: %w", err)
	}
	return r.auto.TryMakingDCASwap(ctx, r.cfg.Operator, p.ID, r.cfg.FeeTier, MinAmountOut(quoted, r.cfg.SlippageBps))
}

func (r *Runner) closePosition(ctx context.Context, p *model.Pocket) (*model.Pocket, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var quoted *big.Int
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		quoted, err = r.auto.QuotePosition(ctx, p.ID, r.cfg.FeeTier)
		return quoteRetryable(err)
	})
	if err != nil {
		return nil, fmt.Errorf("quote position: %w", err)
	}
	return r.auto.TryClosingPosition(ctx, r.cfg.Operator, p.ID, r.cfg.FeeTier, MinAmountOut(quoted, r.cfg.SlippageBps))
}

// quoteRetryable marks pocket errors permanent. Only transport failures are
// retried.
func quoteRetryable(err error) error {
	if err == nil || errs.KindOf(err) == errs.KindUnknown {
		return err
	}
	return &permanent{err}
}

// MinAmountOut applies a slippage tolerance in basis points to a quote.
func MinAmountOut(quoted *big.Int, slippageBps uint64) *big.Int {
	if quoted == nil || quoted.Sign() <= 0 {
		return new(big.Int)
	}
	if slippageBps > bpsDenominator {
		slippageBps = bpsDenominator
	}
	out := new(big.Int).Mul(quoted, new(big.Int).SetUint64(bpsDenominator-slippageBps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

func dueForSwap(p *model.Pocket, now uint64) bool {
	return p.Status == model.StatusActive &&
		now >= p.NextEligibleAt &&
		p.BaseTokenBalance != nil && p.BatchVolume != nil &&
		p.BaseTokenBalance.Cmp(p.BatchVolume) >= 0
}

func watchesPosition(p *model.Pocket) bool {
	if p.Status != model.StatusActive && p.Status != model.StatusPaused {
		return false
	}
	if !p.TakeProfitCondition.Enabled() && !p.StopLossCondition.Enabled() {
		return false
	}
	return p.TargetTokenBalance != nil && p.TargetTokenBalance.Sign() > 0
}
