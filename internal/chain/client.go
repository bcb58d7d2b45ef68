package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	mu      sync.RWMutex
	tsCache map[uint64]uint64

	// txMu serializes nonce assignment for the signing account.
	txMu    sync.Mutex
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		tsCache:   make(map[uint64]uint64),
	}, nil
}

// WithSigner binds the custody signing key. hexKey is a hex private key
// without 0x prefix.
func (c *Client) WithSigner(ctx context.Context, hexKey string) error {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}
	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	c.key = key
	c.from = crypto.PubkeyToAddress(key.PublicKey)
	c.chainID = chainID
	return nil
}

// From returns the signing account, or the zero address when none is bound.
func (c *Client) From() common.Address {
	return c.from
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// HeaderByNumber returns the block header by number.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.ethClient.HeaderByNumber(ctx, number)
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()

	return ts, nil
}

// Now returns the timestamp of the latest block.
func (c *Client) Now(ctx context.Context) (uint64, error) {
	number, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return c.BlockTimestamp(ctx, number)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// BalanceAt returns the native balance of account at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.ethClient.BalanceAt(ctx, account, nil)
}

// NativeTransfer returns the sender, recipient and native value of the mined
// transaction hash. Pending, reverted and contract-creation transactions are
// rejected.
func (c *Client) NativeTransfer(ctx context.Context, hash common.Hash) (common.Address, common.Address, *big.Int, error) {
	tx, pending, err := c.ethClient.TransactionByHash(ctx, hash)
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("transaction %s: %w", hash.Hex(), err)
	}
	if pending {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("transaction %s is pending", hash.Hex())
	}
	if tx.To() == nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("transaction %s creates a contract", hash.Hex())
	}
	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("tx %s reverted", hash.Hex())
	}
	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("chain id: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("sender of %s: %w", hash.Hex(), err)
	}
	return from, *tx.To(), tx.Value(), nil
}

// Transact signs and sends a dynamic-fee transaction from the bound signer,
// waits for it to be mined and fails when it reverted.
func (c *Client) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	if c.key == nil {
		return nil, fmt.Errorf("no signer bound")
	}
	if value == nil {
		value = new(big.Int)
	}

	c.txMu.Lock()
	tx, err := c.buildTx(ctx, to, data, value)
	if err == nil {
		err = c.ethClient.SendTransaction(ctx, tx)
	}
	c.txMu.Unlock()
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, c.ethClient, tx)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) buildTx(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tipCap, err := c.ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip cap: %w", err)
	}
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(baseFee, big.NewInt(2)))
	gas, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	return types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
}
