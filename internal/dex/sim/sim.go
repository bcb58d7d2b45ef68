// Package sim is an in-memory stand-in for the token contracts, the wrapped
// native helper and the three router shapes. Pools price with the constant
// product formula; V2 charges 0.3% and V3 pools charge their fee tier.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"pocketDCA/internal/dex"
)

var (
	ErrUnknownTransaction    = errors.New("sim: unknown transaction")
	ErrInsufficientBalance   = errors.New("sim: insufficient balance")
	ErrInsufficientAllowance = errors.New("sim: insufficient allowance")
	ErrNoPool                = errors.New("sim: no pool for pair")
	ErrTooLittleReceived     = errors.New("sim: too little received")
	ErrExpired               = errors.New("sim: transaction too old")
)

type pairKey struct {
	a, b common.Address
	fee  uint32
}

func newPairKey(x, y common.Address, fee uint32) (pairKey, bool) {
	if x.Hex() < y.Hex() {
		return pairKey{a: x, b: y, fee: fee}, false
	}
	return pairKey{a: y, b: x, fee: fee}, true
}

type pool struct {
	reserveA *big.Int
	reserveB *big.Int
}

type nativeTransfer struct {
	from, to common.Address
	amount   *big.Int
}

type allowanceKey struct {
	token, owner, spender common.Address
}

// Chain holds the simulated state. Every collaborator returned by Backends
// acts as the custody account.
type Chain struct {
	mu sync.Mutex

	custody common.Address
	wrapped common.Address
	permit2 common.Address

	balances   map[common.Address]map[common.Address]*big.Int
	native     map[common.Address]*big.Int
	decimals   map[common.Address]uint8
	allowances map[allowanceKey]*big.Int
	permits    map[allowanceKey]*big.Int
	v2Pools    map[pairKey]*pool
	v3Pools    map[pairKey]*pool
	transfers  map[common.Hash]nativeTransfer

	now   uint64
	calls map[string]int

	// FailSwaps, when set, is returned by every swap entry point.
	FailSwaps error
	// FailQuotes, when set, is returned by every quote entry point.
	FailQuotes error
	// OnSwap runs before a swap settles, with the chain locked. It must not
	// call back into Chain.
	OnSwap func()
}

// New creates an empty simulated chain.
func New(custody, wrappedNative, permit2 common.Address) *Chain {
	return &Chain{
		custody:    custody,
		wrapped:    wrappedNative,
		permit2:    permit2,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		native:     make(map[common.Address]*big.Int),
		decimals:   make(map[common.Address]uint8),
		allowances: make(map[allowanceKey]*big.Int),
		permits:    make(map[allowanceKey]*big.Int),
		v2Pools:    make(map[pairKey]*pool),
		v3Pools:    make(map[pairKey]*pool),
		transfers:  make(map[common.Hash]nativeTransfer),
		calls:      make(map[string]int),
	}
}

// Backends returns the collaborator set bound to the custody account.
func (c *Chain) Backends() dex.Backends {
	return dex.Backends{
		Tokens:    tokens{c},
		Native:    native{c},
		V2:        routers{c},
		V3:        routers{c},
		Quoter:    routers{c},
		Universal: routers{c},
		Permit2:   permit2{c},
	}
}

// SetNow sets the time used for deadline checks. Zero disables them.
func (c *Chain) SetNow(now uint64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Calls returns how many times the named entry point was invoked.
func (c *Chain) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// SetDecimals sets token decimals. Unknown tokens report 18.
func (c *Chain) SetDecimals(token common.Address, decimals uint8) {
	c.mu.Lock()
	c.decimals[token] = decimals
	c.mu.Unlock()
}

// Mint credits amount of token to holder.
func (c *Chain) Mint(token, holder common.Address, amount *big.Int) {
	c.mu.Lock()
	c.add(token, holder, amount)
	c.mu.Unlock()
}

// SetNative sets the native balance of holder.
func (c *Chain) SetNative(holder common.Address, amount *big.Int) {
	c.mu.Lock()
	c.native[holder] = new(big.Int).Set(amount)
	c.mu.Unlock()
}

// SendNativeFrom moves native currency between two accounts the way a user
// transaction does and returns the hash it is recorded under.
func (c *Chain) SendNativeFrom(from, to common.Address, amount *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.moveNative(from, to, amount); err != nil {
		return common.Hash{}, err
	}
	seq := new(big.Int).SetInt64(int64(len(c.transfers) + 1))
	hash := crypto.Keccak256Hash(from.Bytes(), to.Bytes(), common.BigToHash(seq).Bytes())
	c.transfers[hash] = nativeTransfer{from: from, to: to, amount: new(big.Int).Set(amount)}
	return hash, nil
}

// ApproveFrom records an ERC20 allowance granted by owner.
func (c *Chain) ApproveFrom(owner, token, spender common.Address, amount *big.Int) {
	c.mu.Lock()
	c.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
	c.mu.Unlock()
}

// Balance returns the token balance of holder.
func (c *Chain) Balance(token, holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(token, holder))
}

// NativeBalance returns the native balance of holder.
func (c *Chain) NativeBalance(holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.nativeOf(holder))
}

// AddV2Pool seeds a constant-product pair.
func (c *Chain) AddV2Pool(x, y common.Address, reserveX, reserveY *big.Int) {
	c.addPool(c.v2Pools, x, y, 0, reserveX, reserveY)
}

// AddV3Pool seeds a concentrated-liquidity pool for one fee tier.
func (c *Chain) AddV3Pool(x, y common.Address, fee uint32, reserveX, reserveY *big.Int) {
	c.addPool(c.v3Pools, x, y, fee, reserveX, reserveY)
}

func (c *Chain) addPool(pools map[pairKey]*pool, x, y common.Address, fee uint32, reserveX, reserveY *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, flipped := newPairKey(x, y, fee)
	p := &pool{reserveA: new(big.Int).Set(reserveX), reserveB: new(big.Int).Set(reserveY)}
	if flipped {
		p.reserveA, p.reserveB = p.reserveB, p.reserveA
	}
	pools[key] = p
}

func (c *Chain) balance(token, holder common.Address) *big.Int {
	if m, ok := c.balances[token]; ok {
		if v, ok := m[holder]; ok {
			return v
		}
	}
	return new(big.Int)
}

func (c *Chain) add(token, holder common.Address, amount *big.Int) {
	m, ok := c.balances[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		c.balances[token] = m
	}
	m[holder] = new(big.Int).Add(c.balance(token, holder), amount)
}

func (c *Chain) move(token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("sim: negative amount")
	}
	if c.balance(token, from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), c.balance(token, from), token.Hex(), amount)
	}
	c.add(token, from, new(big.Int).Neg(amount))
	c.add(token, to, amount)
	return nil
}

func (c *Chain) nativeOf(holder common.Address) *big.Int {
	if v, ok := c.native[holder]; ok {
		return v
	}
	return new(big.Int)
}

func (c *Chain) moveNative(from, to common.Address, amount *big.Int) error {
	if c.nativeOf(from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: native of %s", ErrInsufficientBalance, from.Hex())
	}
	c.native[from] = new(big.Int).Sub(c.nativeOf(from), amount)
	c.native[to] = new(big.Int).Add(c.nativeOf(to), amount)
	return nil
}

func (c *Chain) spendAllowance(allowances map[allowanceKey]*big.Int, key allowanceKey, amount *big.Int) error {
	current, ok := allowances[key]
	if !ok || current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s for %s", ErrInsufficientAllowance, key.spender.Hex(), key.token.Hex())
	}
	allowances[key] = new(big.Int).Sub(current, amount)
	return nil
}

func (c *Chain) checkDeadline(deadline uint64) error {
	if c.now != 0 && deadline != 0 && c.now > deadline {
		return ErrExpired
	}
	return nil
}

// amountOut prices a swap against pools without changing them. feeNum/feeDen
// is the share of amountIn kept by the pool.
func amountOut(p *pool, flipped bool, amountIn *big.Int, feeNum, feeDen int64) *big.Int {
	reserveIn, reserveOut := p.reserveA, p.reserveB
	if flipped {
		reserveIn, reserveOut = reserveOut, reserveIn
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(feeDen-feeNum))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Add(new(big.Int).Mul(reserveIn, big.NewInt(feeDen)), inWithFee)
	if denominator.Sign() == 0 {
		return new(big.Int)
	}
	return numerator.Quo(numerator, denominator)
}

func settle(p *pool, flipped bool, amountIn, out *big.Int) {
	if flipped {
		p.reserveB.Add(p.reserveB, amountIn)
		p.reserveA.Sub(p.reserveA, out)
		return
	}
	p.reserveA.Add(p.reserveA, amountIn)
	p.reserveB.Sub(p.reserveB, out)
}

func (c *Chain) quoteV2(tokenIn, tokenOut common.Address, amountIn *big.Int) (*pool, bool, *big.Int, error) {
	key, flipped := newPairKey(tokenIn, tokenOut, 0)
	p, ok := c.v2Pools[key]
	if !ok {
		return nil, false, nil, fmt.Errorf("%w: %s/%s", ErrNoPool, tokenIn.Hex(), tokenOut.Hex())
	}
	return p, flipped, amountOut(p, flipped, amountIn, 3, 1000), nil
}

func (c *Chain) quoteV3(tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*pool, bool, *big.Int, error) {
	key, flipped := newPairKey(tokenIn, tokenOut, fee)
	p, ok := c.v3Pools[key]
	if !ok {
		return nil, false, nil, fmt.Errorf("%w: %s/%s fee %d", ErrNoPool, tokenIn.Hex(), tokenOut.Hex(), fee)
	}
	return p, flipped, amountOut(p, flipped, amountIn, int64(fee), 1_000_000), nil
}

// swapV3 settles a V3 swap paid by payer and delivered to recipient.
func (c *Chain) swapV3(payer, recipient, tokenIn, tokenOut common.Address, fee uint32, amountIn, minOut *big.Int) (*big.Int, error) {
	p, flipped, out, err := c.quoteV3(tokenIn, tokenOut, fee, amountIn)
	if err != nil {
		return nil, err
	}
	if out.Cmp(minOut) < 0 {
		return nil, ErrTooLittleReceived
	}
	if err := c.move(tokenIn, payer, common.Address{}, amountIn); err != nil {
		return nil, err
	}
	settle(p, flipped, amountIn, out)
	c.add(tokenOut, recipient, out)
	return out, nil
}

func (c *Chain) beginSwap(name string) error {
	c.calls[name]++
	if c.FailSwaps != nil {
		return c.FailSwaps
	}
	if c.OnSwap != nil {
		c.OnSwap()
	}
	return nil
}

type tokens struct{ c *Chain }

func (t tokens) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	return t.c.Balance(token, holder), nil
}

func (t tokens) Decimals(_ context.Context, token common.Address) (uint8, error) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if d, ok := t.c.decimals[token]; ok {
		return d, nil
	}
	return 18, nil
}

func (t tokens) Transfer(_ context.Context, token, to common.Address, amount *big.Int) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.c.calls["transfer"]++
	return t.c.move(token, t.c.custody, to, amount)
}

func (t tokens) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.c.calls["transferFrom"]++
	if err := t.c.spendAllowance(t.c.allowances, allowanceKey{token, from, t.c.custody}, amount); err != nil {
		return err
	}
	return t.c.move(token, from, to, amount)
}

func (t tokens) Approve(_ context.Context, token, spender common.Address, amount *big.Int) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.c.calls["approve"]++
	t.c.allowances[allowanceKey{token, t.c.custody, spender}] = new(big.Int).Set(amount)
	return nil
}

type native struct{ c *Chain }

func (n native) WrappedToken() common.Address { return n.c.wrapped }

func (n native) Wrap(_ context.Context, amount *big.Int) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	n.c.calls["wrap"]++
	if err := n.c.moveNative(n.c.custody, n.c.wrapped, amount); err != nil {
		return err
	}
	n.c.add(n.c.wrapped, n.c.custody, amount)
	return nil
}

func (n native) Unwrap(_ context.Context, amount *big.Int) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	n.c.calls["unwrap"]++
	if err := n.c.move(n.c.wrapped, n.c.custody, common.Address{}, amount); err != nil {
		return err
	}
	return n.c.moveNative(n.c.wrapped, n.c.custody, amount)
}

func (n native) SendNative(_ context.Context, to common.Address, amount *big.Int) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	n.c.calls["sendNative"]++
	return n.c.moveNative(n.c.custody, to, amount)
}

func (n native) NativeReceived(_ context.Context, tx common.Hash, sender common.Address) (*big.Int, error) {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	t, ok := n.c.transfers[tx]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, tx.Hex())
	}
	if t.from != sender || t.to != n.c.custody {
		return nil, fmt.Errorf("sim: transaction %s pays %s from %s", tx.Hex(), t.to.Hex(), t.from.Hex())
	}
	return new(big.Int).Set(t.amount), nil
}

type routers struct{ c *Chain }

func (r routers) GetAmountsOut(_ context.Context, _ common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.FailQuotes != nil {
		return nil, r.c.FailQuotes
	}
	if len(path) != 2 {
		return nil, fmt.Errorf("sim: only single-hop paths are supported")
	}
	_, _, out, err := r.c.quoteV2(path[0], path[1], amountIn)
	if err != nil {
		return nil, err
	}
	return []*big.Int{new(big.Int).Set(amountIn), out}, nil
}

func (r routers) SwapExactTokensForTokens(_ context.Context, router common.Address, amountIn, amountOutMin *big.Int, path []common.Address, recipient common.Address, deadline uint64) ([]*big.Int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if err := r.c.beginSwap("v2Swap"); err != nil {
		return nil, err
	}
	if err := r.c.checkDeadline(deadline); err != nil {
		return nil, err
	}
	if len(path) != 2 {
		return nil, fmt.Errorf("sim: only single-hop paths are supported")
	}
	p, flipped, out, err := r.c.quoteV2(path[0], path[1], amountIn)
	if err != nil {
		return nil, err
	}
	if out.Cmp(amountOutMin) < 0 {
		return nil, ErrTooLittleReceived
	}
	if err := r.c.spendAllowance(r.c.allowances, allowanceKey{path[0], r.c.custody, router}, amountIn); err != nil {
		return nil, err
	}
	if err := r.c.move(path[0], r.c.custody, common.Address{}, amountIn); err != nil {
		return nil, err
	}
	settle(p, flipped, amountIn, out)
	r.c.add(path[1], recipient, out)
	return []*big.Int{new(big.Int).Set(amountIn), out}, nil
}

func (r routers) ExactInputSingle(_ context.Context, router common.Address, params dex.ExactInputSingleParams) (*big.Int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if err := r.c.beginSwap("v3Swap"); err != nil {
		return nil, err
	}
	if err := r.c.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}
	if err := r.c.spendAllowance(r.c.allowances, allowanceKey{params.TokenIn, r.c.custody, router}, params.AmountIn); err != nil {
		return nil, err
	}
	return r.c.swapV3(r.c.custody, params.Recipient, params.TokenIn, params.TokenOut, params.Fee, params.AmountIn, params.AmountOutMinimum)
}

func (r routers) QuoteExactInputSingle(_ context.Context, _ common.Address, tokenIn, tokenOut common.Address, fee uint32, amountIn, _ *big.Int) (*big.Int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.c.calls["quote"]++
	if r.c.FailQuotes != nil {
		return nil, r.c.FailQuotes
	}
	_, _, out, err := r.c.quoteV3(tokenIn, tokenOut, fee, amountIn)
	return out, err
}

// Execute runs V3_SWAP_EXACT_IN commands. Payment from the caller goes
// through permit2: the custody account must have approved permit2 on the
// token and granted the router a permit2 allowance.
func (r routers) Execute(_ context.Context, router common.Address, commands []byte, inputs [][]byte, deadline uint64) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if err := r.c.beginSwap("execute"); err != nil {
		return err
	}
	if err := r.c.checkDeadline(deadline); err != nil {
		return err
	}
	if len(commands) != len(inputs) {
		return fmt.Errorf("sim: %d commands for %d inputs", len(commands), len(inputs))
	}
	for i, command := range commands {
		if dex.CommandType(command) != dex.CommandV3SwapExactIn {
			return fmt.Errorf("sim: unsupported command 0x%02x", command)
		}
		in, err := dex.DecodeV3SwapExactIn(inputs[i])
		if err != nil {
			return err
		}
		tokenIn, fee, tokenOut, err := dex.DecodePath(in.Path)
		if err != nil {
			return err
		}
		if !in.PayerIsUser {
			return fmt.Errorf("sim: router-held payment is not supported")
		}
		if err := r.c.spendAllowance(r.c.allowances, allowanceKey{tokenIn, r.c.custody, r.c.permit2}, in.AmountIn); err != nil {
			return err
		}
		if err := r.c.spendAllowance(r.c.permits, allowanceKey{tokenIn, r.c.custody, router}, in.AmountIn); err != nil {
			return err
		}
		if _, err := r.c.swapV3(r.c.custody, in.Recipient, tokenIn, tokenOut, fee, in.AmountIn, in.AmountOutMin); err != nil {
			return err
		}
	}
	return nil
}

type permit2 struct{ c *Chain }

func (p permit2) Approve(_ context.Context, _ common.Address, token, spender common.Address, amount *big.Int, _ uint64) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.c.calls["permit2Approve"]++
	p.c.permits[allowanceKey{token, p.c.custody, spender}] = new(big.Int).Set(amount)
	return nil
}
