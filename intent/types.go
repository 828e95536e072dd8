package intent

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStatus mirrors the origin settler's orderStatus(bytes32) enum.
// It is only ever read from chain, never assigned locally.
type OrderStatus uint8

const (
	StatusNone OrderStatus = iota
	StatusDeposited
	StatusClaimed
	StatusRefunded
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusDeposited:
		return "deposited"
	case StatusClaimed:
		return "claimed"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether the settler will never move the order again.
func (s OrderStatus) Terminal() bool {
	return s == StatusClaimed || s == StatusRefunded
}

// OrderID is the 32-byte order identity shared by every stage.
type OrderID [32]byte

func (id OrderID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id OrderID) String() string {
	return id.Hex()
}

func (id OrderID) IsZero() bool {
	return id == OrderID{}
}

func (id OrderID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *OrderID) UnmarshalText(b []byte) error {
	parsed, err := HexToOrderID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func HexToOrderID(s string) (OrderID, error) {
	b, err := hex.DecodeString(trim0x(s))
	if err != nil {
		return OrderID{}, fmt.Errorf("invalid order id %q: %w", s, err)
	}
	if len(b) != 32 {
		return OrderID{}, fmt.Errorf("invalid order id %q: want 32 bytes, got %d", s, len(b))
	}
	var id OrderID
	copy(id[:], b)
	return id, nil
}

// Input is one (token, amount) pair escrowed on the origin chain.
type Input struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// MandateOutput is one destination-chain payment obligation. Address-like
// fields are carried in their widened 32-byte form.
type MandateOutput struct {
	Oracle    [32]byte `json:"oracle"`
	Settler   [32]byte `json:"settler"`
	ChainID   *big.Int `json:"chain_id"`
	Token     [32]byte `json:"token"`
	Amount    *big.Int `json:"amount"`
	Recipient [32]byte `json:"recipient"`
	Call      []byte   `json:"call,omitempty"`
	Context   []byte   `json:"context,omitempty"`
}

func (m MandateOutput) Equal(o MandateOutput) bool {
	return m.Oracle == o.Oracle &&
		m.Settler == o.Settler &&
		bigEqual(m.ChainID, o.ChainID) &&
		m.Token == o.Token &&
		bigEqual(m.Amount, o.Amount) &&
		m.Recipient == o.Recipient &&
		bytes.Equal(m.Call, o.Call) &&
		bytes.Equal(m.Context, o.Context)
}

// StandardOrder is the user's cross-chain commitment as understood by the
// origin settler.
type StandardOrder struct {
	User          common.Address  `json:"user"`
	Nonce         *big.Int        `json:"nonce"`
	OriginChainID *big.Int        `json:"origin_chain_id"`
	Expires       uint32          `json:"expires"`
	FillDeadline  uint32          `json:"fill_deadline"`
	InputOracle   common.Address  `json:"input_oracle"`
	Inputs        []Input         `json:"inputs"`
	Outputs       []MandateOutput `json:"outputs"`
}

func (o StandardOrder) Equal(other StandardOrder) bool {
	if o.User != other.User ||
		!bigEqual(o.Nonce, other.Nonce) ||
		!bigEqual(o.OriginChainID, other.OriginChainID) ||
		o.Expires != other.Expires ||
		o.FillDeadline != other.FillDeadline ||
		o.InputOracle != other.InputOracle ||
		len(o.Inputs) != len(other.Inputs) ||
		len(o.Outputs) != len(other.Outputs) {
		return false
	}
	for i := range o.Inputs {
		if o.Inputs[i].Token != other.Inputs[i].Token || !bigEqual(o.Inputs[i].Amount, other.Inputs[i].Amount) {
			return false
		}
	}
	for i := range o.Outputs {
		if !o.Outputs[i].Equal(other.Outputs[i]) {
			return false
		}
	}
	return true
}

// Validate checks the order invariants. It never touches the network.
func (o StandardOrder) Validate() error {
	if o.FillDeadline >= o.Expires {
		return fmt.Errorf("%w: fill deadline %d must be before expiry %d", ErrInvalidOrder, o.FillDeadline, o.Expires)
	}
	if o.Nonce == nil || o.Nonce.Sign() < 0 {
		return fmt.Errorf("%w: nonce must be set", ErrInvalidOrder)
	}
	if o.OriginChainID == nil || o.OriginChainID.Sign() <= 0 {
		return fmt.Errorf("%w: origin chain id must be positive", ErrInvalidOrder)
	}
	if len(o.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidOrder)
	}
	if len(o.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalidOrder)
	}
	for i, in := range o.Inputs {
		if in.Amount == nil || in.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: input %d amount must be positive", ErrInvalidOrder, i)
		}
	}
	for i, out := range o.Outputs {
		if out.Amount == nil || out.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: output %d amount must be positive", ErrInvalidOrder, i)
		}
		if out.ChainID == nil || out.ChainID.Sign() <= 0 {
			return fmt.Errorf("%w: output %d chain id must be positive", ErrInvalidOrder, i)
		}
	}
	return nil
}

// FillRecord is derived from a destination OutputFilled event and lives only
// for the duration of one pipeline run.
type FillRecord struct {
	OrderID       OrderID  `json:"order_id"`
	Solver        [32]byte `json:"solver"`
	Timestamp     uint32   `json:"timestamp"`
	EncodedOutput []byte   `json:"encoded_output"`
	FinalAmount   *big.Int `json:"final_amount"`
}

// WidenAddress left-pads a 20-byte address to 32 bytes.
func WidenAddress(addr common.Address) [32]byte {
	var out [32]byte
	copy(out[:], common.LeftPadBytes(addr[:], 32))
	return out
}

// NarrowAddress reverses WidenAddress and rejects values that are not a
// zero-padded 20-byte address.
func NarrowAddress(b [32]byte) (common.Address, error) {
	for _, v := range b[:12] {
		if v != 0 {
			return common.Address{}, fmt.Errorf("%w: 0x%x is not a padded address", ErrDecode, b)
		}
	}
	return common.BytesToAddress(b[12:]), nil
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
