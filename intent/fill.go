package intent

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Byte widths of the packed fill layouts. Changing any of these breaks the
// on-chain verifier.
const (
	wordSize         = 32
	timestampSize    = 4
	fillDeadlineSize = 6
	lengthPrefixSize = 2

	MaxVariableLength = 1<<16 - 1
)

// FillDescription is the payload relayed from the destination oracle to the
// origin oracle for one filled output.
type FillDescription struct {
	Solver    [32]byte
	OrderID   OrderID
	Timestamp uint32
	Token     [32]byte
	Amount    *big.Int
	Recipient [32]byte
	Call      []byte
	Context   []byte
}

// EncodeFillDescription packs solver | orderId | timestamp | token | amount |
// recipient | len(call) | call | len(context) | context.
func EncodeFillDescription(solver [32]byte, orderID OrderID, timestamp uint32, m MandateOutput) ([]byte, error) {
	if len(m.Call) > MaxVariableLength {
		return nil, fmt.Errorf("%w: call is %d bytes", ErrPayloadTooLarge, len(m.Call))
	}
	if len(m.Context) > MaxVariableLength {
		return nil, fmt.Errorf("%w: context is %d bytes", ErrPayloadTooLarge, len(m.Context))
	}
	amount, err := word(m.Amount, "amount")
	if err != nil {
		return nil, err
	}

	size := 5*wordSize + timestampSize + 2*lengthPrefixSize + len(m.Call) + len(m.Context)
	w := packer{buf: make([]byte, 0, size)}
	w.bytes(solver[:])
	w.bytes(orderID[:])
	w.uint32(timestamp)
	w.bytes(m.Token[:])
	w.bytes(amount)
	w.bytes(m.Recipient[:])
	w.prefixed(m.Call)
	w.prefixed(m.Context)
	return w.buf, nil
}

// DecodeFillDescription is the inverse of EncodeFillDescription. Trailing
// bytes are rejected.
func DecodeFillDescription(b []byte) (FillDescription, error) {
	r := unpacker{buf: b, what: "fill description"}
	var d FillDescription
	r.word(&d.Solver)
	var id [32]byte
	r.word(&id)
	d.OrderID = id
	d.Timestamp = r.uint32()
	r.word(&d.Token)
	d.Amount = r.uint256()
	r.word(&d.Recipient)
	d.Call = r.prefixed()
	d.Context = r.prefixed()
	if err := r.finish(); err != nil {
		return FillDescription{}, err
	}
	return d, nil
}

// FactHash is the provable fact an origin oracle attests for a relayed payload.
func FactHash(payload []byte) [32]byte {
	return crypto.Keccak256Hash(payload)
}

// EncodeFilledOutput builds the `output` bytes of an OutputFilled event:
// a 6-byte fill deadline followed by the mandate.
func EncodeFilledOutput(fillDeadline uint64, m MandateOutput) ([]byte, error) {
	if fillDeadline >= 1<<48 {
		return nil, fmt.Errorf("%w: fill deadline %d does not fit in 6 bytes", ErrPayloadTooLarge, fillDeadline)
	}
	if len(m.Call) > MaxVariableLength {
		return nil, fmt.Errorf("%w: call is %d bytes", ErrPayloadTooLarge, len(m.Call))
	}
	if len(m.Context) > MaxVariableLength {
		return nil, fmt.Errorf("%w: context is %d bytes", ErrPayloadTooLarge, len(m.Context))
	}
	chainID, err := word(m.ChainID, "chain id")
	if err != nil {
		return nil, err
	}
	amount, err := word(m.Amount, "amount")
	if err != nil {
		return nil, err
	}

	w := packer{buf: make([]byte, 0, fillDeadlineSize+6*wordSize+2*lengthPrefixSize+len(m.Call)+len(m.Context))}
	var deadline [8]byte
	binary.BigEndian.PutUint64(deadline[:], fillDeadline)
	w.bytes(deadline[8-fillDeadlineSize:])
	w.bytes(m.Oracle[:])
	w.bytes(m.Settler[:])
	w.bytes(chainID)
	w.bytes(m.Token[:])
	w.bytes(amount)
	w.bytes(m.Recipient[:])
	w.prefixed(m.Call)
	w.prefixed(m.Context)
	return w.buf, nil
}

// DecodeFilledOutput parses the `output` bytes of an OutputFilled event and
// returns the fill deadline prefix together with the mandate.
func DecodeFilledOutput(b []byte) (uint64, MandateOutput, error) {
	r := unpacker{buf: b, what: "mandate output"}
	prefix := r.take(fillDeadlineSize)
	var m MandateOutput
	r.word(&m.Oracle)
	r.word(&m.Settler)
	m.ChainID = r.uint256()
	r.word(&m.Token)
	m.Amount = r.uint256()
	r.word(&m.Recipient)
	m.Call = r.prefixed()
	m.Context = r.prefixed()
	if err := r.finish(); err != nil {
		return 0, MandateOutput{}, err
	}

	var deadline [8]byte
	copy(deadline[8-fillDeadlineSize:], prefix)
	return binary.BigEndian.Uint64(deadline[:]), m, nil
}

func word(v *big.Int, name string) ([]byte, error) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s %v is not a uint256", ErrInvalidOrder, name, v)
	}
	return math.U256Bytes(new(big.Int).Set(v)), nil
}

type packer struct {
	buf []byte
}

func (p *packer) bytes(b []byte) {
	p.buf = append(p.buf, b...)
}

func (p *packer) uint32(v uint32) {
	p.buf = binary.BigEndian.AppendUint32(p.buf, v)
}

func (p *packer) prefixed(b []byte) {
	p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(len(b)))
	p.buf = append(p.buf, b...)
}

// unpacker records the first error and turns every later read into a no-op.
type unpacker struct {
	buf  []byte
	off  int
	what string
	err  error
}

func (u *unpacker) take(n int) []byte {
	if u.err != nil {
		return nil
	}
	if len(u.buf)-u.off < n {
		u.err = fmt.Errorf("%w: %s truncated at offset %d: need %d bytes, have %d", ErrDecode, u.what, u.off, n, len(u.buf)-u.off)
		return nil
	}
	b := u.buf[u.off : u.off+n]
	u.off += n
	return b
}

func (u *unpacker) word(dst *[32]byte) {
	if b := u.take(wordSize); b != nil {
		copy(dst[:], b)
	}
}

func (u *unpacker) uint256() *big.Int {
	b := u.take(wordSize)
	if b == nil {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

func (u *unpacker) uint32() uint32 {
	b := u.take(timestampSize)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (u *unpacker) prefixed() []byte {
	l := u.take(lengthPrefixSize)
	if l == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint16(l))
	if u.err == nil && len(u.buf)-u.off < n {
		u.err = fmt.Errorf("%w: %s length prefix %d at offset %d exceeds remaining %d bytes", ErrDecode, u.what, n, u.off-lengthPrefixSize, len(u.buf)-u.off)
		return nil
	}
	b := u.take(n)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (u *unpacker) finish() error {
	if u.err != nil {
		return u.err
	}
	if u.off != len(u.buf) {
		return fmt.Errorf("%w: %s has %d trailing bytes", ErrDecode, u.what, len(u.buf)-u.off)
	}
	return nil
}
