package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TokenMovement is a decoded token balance change from a receipt log.
type TokenMovement struct {
	Token    common.Address
	Event    string
	From     common.Address
	To       common.Address
	Amount   *big.Int
	LogIndex uint
}

// ReceiptDecoder decodes token movements from transaction logs: ERC20
// Transfer and the wrapped-native Deposit / Withdrawal events.
type ReceiptDecoder struct {
	erc20   abi.ABI
	wrapped abi.ABI
	names   map[common.Hash]string
}

// NewReceiptDecoder builds a decoder.
func NewReceiptDecoder() (*ReceiptDecoder, error) {
	erc20, err := ERC20ABI()
	if err != nil {
		return nil, err
	}
	wrapped, err := WrappedNativeABI()
	if err != nil {
		return nil, err
	}
	return &ReceiptDecoder{
		erc20:   erc20,
		wrapped: wrapped,
		names: map[common.Hash]string{
			erc20.Events["Transfer"].ID:     "Transfer",
			wrapped.Events["Deposit"].ID:    "Deposit",
			wrapped.Events["Withdrawal"].ID: "Withdrawal",
		},
	}, nil
}

// CanDecode reports whether the log's topic0 is a known movement event.
func (d *ReceiptDecoder) CanDecode(log *types.Log) bool {
	if log == nil || len(log.Topics) == 0 {
		return false
	}
	_, ok := d.names[log.Topics[0]]
	return ok
}

// Decode converts one log into a movement.
func (d *ReceiptDecoder) Decode(log *types.Log) (TokenMovement, error) {
	if log == nil || len(log.Topics) == 0 {
		return TokenMovement{}, fmt.Errorf("missing topics")
	}
	name, ok := d.names[log.Topics[0]]
	if !ok {
		return TokenMovement{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}
	switch name {
	case "Transfer":
		return d.decodeTransfer(log)
	case "Deposit":
		return d.decodeWrapped(log, "Deposit", false)
	case "Withdrawal":
		return d.decodeWrapped(log, "Withdrawal", true)
	default:
		return TokenMovement{}, fmt.Errorf("unsupported event name: %s", name)
	}
}

// DecodeAll decodes every supported log in logs and skips the rest.
func (d *ReceiptDecoder) DecodeAll(logs []*types.Log) ([]TokenMovement, error) {
	var out []TokenMovement
	for _, log := range logs {
		if !d.CanDecode(log) {
			continue
		}
		mv, err := d.Decode(log)
		if err != nil {
			return nil, fmt.Errorf("log %d: %w", log.Index, err)
		}
		out = append(out, mv)
	}
	return out, nil
}

// Received sums the amount of token transferred to recipient in logs.
func (d *ReceiptDecoder) Received(logs []*types.Log, token, recipient common.Address) (*big.Int, error) {
	movements, err := d.DecodeAll(logs)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, mv := range movements {
		if mv.Event == "Transfer" && mv.Token == token && mv.To == recipient {
			total.Add(total, mv.Amount)
		}
	}
	return total, nil
}

func (d *ReceiptDecoder) decodeTransfer(log *types.Log) (TokenMovement, error) {
	event := d.erc20.Events["Transfer"]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return TokenMovement{}, err
	}

	var indexed struct {
		From common.Address
		To   common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return TokenMovement{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return TokenMovement{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != 1 {
		return TokenMovement{}, fmt.Errorf("unexpected transfer values: %d", len(values))
	}
	amount, err := asBigInt(values[0])
	if err != nil {
		return TokenMovement{}, err
	}

	return TokenMovement{
		Token:    log.Address,
		Event:    "Transfer",
		From:     indexed.From,
		To:       indexed.To,
		Amount:   amount,
		LogIndex: log.Index,
	}, nil
}

// decodeWrapped handles Deposit(dst, wad) and Withdrawal(src, wad). A deposit
// mints to dst; a withdrawal burns from src.
func (d *ReceiptDecoder) decodeWrapped(log *types.Log, name string, burn bool) (TokenMovement, error) {
	event := d.wrapped.Events[name]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return TokenMovement{}, err
	}
	if len(indexedTopics) != 1 {
		return TokenMovement{}, fmt.Errorf("unexpected %s topics: %d", name, len(indexedTopics))
	}
	account := common.BytesToAddress(indexedTopics[0].Bytes())

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return TokenMovement{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != 1 {
		return TokenMovement{}, fmt.Errorf("unexpected %s values: %d", name, len(values))
	}
	amount, err := asBigInt(values[0])
	if err != nil {
		return TokenMovement{}, err
	}

	mv := TokenMovement{Token: log.Address, Event: name, Amount: amount, LogIndex: log.Index}
	if burn {
		mv.From = account
	} else {
		mv.To = account
	}
	return mv, nil
}

func parseIndexedTopics(event abi.Event, topics []common.Hash) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return topics[1:], nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
