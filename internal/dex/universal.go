package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Command router opcodes.
const (
	CommandV3SwapExactIn byte = 0x00
	CommandV2SwapExactIn byte = 0x08
)

// FlagAllowRevert marks a command whose failure does not abort the stream.
const FlagAllowRevert byte = 0x80

const commandTypeMask byte = 0x3f

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytesT, _   = abi.NewType("bytes", "", nil)
	boolT, _    = abi.NewType("bool", "", nil)

	v3SwapExactInArgs = abi.Arguments{
		{Name: "recipient", Type: addressT},
		{Name: "amountIn", Type: uint256T},
		{Name: "amountOutMin", Type: uint256T},
		{Name: "path", Type: bytesT},
		{Name: "payerIsUser", Type: boolT},
	}
)

// V3SwapExactIn is the input of a V3_SWAP_EXACT_IN command.
type V3SwapExactIn struct {
	Recipient    common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []byte
	PayerIsUser  bool
}

// EncodeV3SwapExactIn builds the command byte and input for a single-hop
// exact-input swap paid from the caller's permit2 allowance.
func EncodeV3SwapExactIn(in V3SwapExactIn) (byte, []byte, error) {
	data, err := v3SwapExactInArgs.Pack(in.Recipient, in.AmountIn, in.AmountOutMin, in.Path, in.PayerIsUser)
	if err != nil {
		return 0, nil, fmt.Errorf("pack v3 swap input: %w", err)
	}
	return CommandV3SwapExactIn, data, nil
}

// DecodeV3SwapExactIn parses a V3_SWAP_EXACT_IN input.
func DecodeV3SwapExactIn(data []byte) (V3SwapExactIn, error) {
	values, err := v3SwapExactInArgs.Unpack(data)
	if err != nil {
		return V3SwapExactIn{}, fmt.Errorf("unpack v3 swap input: %w", err)
	}
	if len(values) != 5 {
		return V3SwapExactIn{}, fmt.Errorf("unexpected v3 swap values: %d", len(values))
	}
	recipient, err := asAddress(values[0])
	if err != nil {
		return V3SwapExactIn{}, err
	}
	amountIn, err := asBigInt(values[1])
	if err != nil {
		return V3SwapExactIn{}, err
	}
	amountOutMin, err := asBigInt(values[2])
	if err != nil {
		return V3SwapExactIn{}, err
	}
	path, ok := values[3].([]byte)
	if !ok {
		return V3SwapExactIn{}, fmt.Errorf("unsupported path type %T", values[3])
	}
	payerIsUser, ok := values[4].(bool)
	if !ok {
		return V3SwapExactIn{}, fmt.Errorf("unsupported payer type %T", values[4])
	}
	return V3SwapExactIn{
		Recipient:    recipient,
		AmountIn:     amountIn,
		AmountOutMin: amountOutMin,
		Path:         path,
		PayerIsUser:  payerIsUser,
	}, nil
}

// CommandType strips the flag bits from a command byte.
func CommandType(command byte) byte {
	return command & commandTypeMask
}

const pathHopSize = common.AddressLength + 3

// EncodePath packs a single-hop path: tokenIn | fee (uint24) | tokenOut.
func EncodePath(tokenIn common.Address, fee uint32, tokenOut common.Address) []byte {
	out := make([]byte, 0, pathHopSize+common.AddressLength)
	out = append(out, tokenIn.Bytes()...)
	out = append(out, byte(fee>>16), byte(fee>>8), byte(fee))
	out = append(out, tokenOut.Bytes()...)
	return out
}

// DecodePath parses a single-hop path.
func DecodePath(path []byte) (tokenIn common.Address, fee uint32, tokenOut common.Address, err error) {
	if len(path) != pathHopSize+common.AddressLength {
		return common.Address{}, 0, common.Address{}, fmt.Errorf("unsupported path length %d", len(path))
	}
	tokenIn = common.BytesToAddress(path[:common.AddressLength])
	feeBytes := path[common.AddressLength:pathHopSize]
	fee = uint32(feeBytes[0])<<16 | uint32(feeBytes[1])<<8 | uint32(feeBytes[2])
	tokenOut = common.BytesToAddress(path[pathHopSize:])
	return tokenIn, fee, tokenOut, nil
}
