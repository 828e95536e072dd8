package intent

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SolidityMandateOutput is the ABI mirror of MandateOutput. Field names follow
// the go-ethereum camel-case mapping of the solidity tuple.
type SolidityMandateOutput struct {
	Oracle    [32]byte
	Settler   [32]byte
	ChainId   *big.Int
	Token     [32]byte
	Amount    *big.Int
	Recipient [32]byte
	Call      []byte
	Context   []byte
}

// SolidityOrder is the ABI mirror of StandardOrder, usable directly as a
// contract call argument.
type SolidityOrder struct {
	User          common.Address
	Nonce         *big.Int
	OriginChainId *big.Int
	Expires       uint32
	FillDeadline  uint32
	InputOracle   common.Address
	Inputs        [][2]*big.Int
	Outputs       []SolidityMandateOutput
}

var mandateOutputComponents = []abi.ArgumentMarshaling{
	{Name: "oracle", Type: "bytes32"},
	{Name: "settler", Type: "bytes32"},
	{Name: "chainId", Type: "uint256"},
	{Name: "token", Type: "bytes32"},
	{Name: "amount", Type: "uint256"},
	{Name: "recipient", Type: "bytes32"},
	{Name: "call", Type: "bytes"},
	{Name: "context", Type: "bytes"},
}

var standardOrderComponents = []abi.ArgumentMarshaling{
	{Name: "user", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "originChainId", Type: "uint256"},
	{Name: "expires", Type: "uint32"},
	{Name: "fillDeadline", Type: "uint32"},
	{Name: "inputOracle", Type: "address"},
	{Name: "inputs", Type: "uint256[2][]"},
	{Name: "outputs", Type: "tuple[]", Components: mandateOutputComponents},
}

var orderArguments = mustOrderArguments()

func mustOrderArguments() abi.Arguments {
	t, err := abi.NewType("tuple", "", standardOrderComponents)
	if err != nil {
		panic(fmt.Sprintf("building StandardOrder abi type: %v", err))
	}
	return abi.Arguments{{Name: "order", Type: t}}
}

// Solidity converts the order into its ABI mirror.
func (o StandardOrder) Solidity() SolidityOrder {
	inputs := make([][2]*big.Int, len(o.Inputs))
	for i, in := range o.Inputs {
		inputs[i] = [2]*big.Int{new(big.Int).SetBytes(common.LeftPadBytes(in.Token[:], 32)), in.Amount}
	}
	outputs := make([]SolidityMandateOutput, len(o.Outputs))
	for i, out := range o.Outputs {
		outputs[i] = SolidityMandateOutput{
			Oracle:    out.Oracle,
			Settler:   out.Settler,
			ChainId:   out.ChainID,
			Token:     out.Token,
			Amount:    out.Amount,
			Recipient: out.Recipient,
			Call:      nonNil(out.Call),
			Context:   nonNil(out.Context),
		}
	}
	return SolidityOrder{
		User:          o.User,
		Nonce:         o.Nonce,
		OriginChainId: o.OriginChainID,
		Expires:       o.Expires,
		FillDeadline:  o.FillDeadline,
		InputOracle:   o.InputOracle,
		Inputs:        inputs,
		Outputs:       outputs,
	}
}

// FromSolidity converts an ABI mirror back into a StandardOrder.
func FromSolidity(s SolidityOrder) (StandardOrder, error) {
	inputs := make([]Input, len(s.Inputs))
	for i, in := range s.Inputs {
		if in[0] == nil || in[0].BitLen() > 160 {
			return StandardOrder{}, fmt.Errorf("%w: input %d token is not an address", ErrDecode, i)
		}
		inputs[i] = Input{Token: common.BigToAddress(in[0]), Amount: in[1]}
	}
	outputs := make([]MandateOutput, len(s.Outputs))
	for i, out := range s.Outputs {
		outputs[i] = MandateOutput{
			Oracle:    out.Oracle,
			Settler:   out.Settler,
			ChainID:   out.ChainId,
			Token:     out.Token,
			Amount:    out.Amount,
			Recipient: out.Recipient,
			Call:      out.Call,
			Context:   out.Context,
		}
	}
	return StandardOrder{
		User:          s.User,
		Nonce:         s.Nonce,
		OriginChainID: s.OriginChainId,
		Expires:       s.Expires,
		FillDeadline:  s.FillDeadline,
		InputOracle:   s.InputOracle,
		Inputs:        inputs,
		Outputs:       outputs,
	}, nil
}

// EncodeOrder produces the canonical ABI encoding accepted by open(bytes).
func EncodeOrder(o StandardOrder) ([]byte, error) {
	if o.Nonce == nil || o.OriginChainID == nil {
		return nil, fmt.Errorf("%w: nonce and origin chain id are required for encoding", ErrInvalidOrder)
	}
	for i, in := range o.Inputs {
		if in.Amount == nil {
			return nil, fmt.Errorf("%w: input %d has no amount", ErrInvalidOrder, i)
		}
	}
	for i, out := range o.Outputs {
		if out.Amount == nil || out.ChainID == nil {
			return nil, fmt.Errorf("%w: output %d has no amount or chain id", ErrInvalidOrder, i)
		}
	}
	b, err := orderArguments.Pack(o.Solidity())
	if err != nil {
		return nil, fmt.Errorf("packing order: %w", err)
	}
	return b, nil
}

// DecodeOrder is the exact inverse of EncodeOrder.
func DecodeOrder(b []byte) (order StandardOrder, err error) {
	// the abi decoder can panic on adversarial offsets
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: order: %v", ErrDecode, r)
		}
	}()

	out, err := orderArguments.Unpack(b)
	if err != nil {
		return StandardOrder{}, fmt.Errorf("%w: order: %v", ErrDecode, err)
	}
	if len(out) != 1 {
		return StandardOrder{}, fmt.Errorf("%w: order: expected 1 value, got %d", ErrDecode, len(out))
	}
	s := *abi.ConvertType(out[0], new(SolidityOrder)).(*SolidityOrder)
	return FromSolidity(s)
}

// ComputeOrderID hashes the canonical encoding.
func ComputeOrderID(o StandardOrder) (OrderID, error) {
	b, err := EncodeOrder(o)
	if err != nil {
		return OrderID{}, err
	}
	return OrderID(crypto.Keccak256Hash(b)), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
