package chain

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RevertKind groups contract reverts into the outcomes callers act on.
type RevertKind int

const (
	RevertUnknown RevertKind = iota
	RevertDeadlinePassed
	RevertAlreadyFilled
	RevertAlreadyClaimed
	RevertProofMissing
	RevertInvalidInput
	// RevertInvalidStatus is the settler refusing an order whose status does
	// not allow the call, e.g. one that was never opened.
	RevertInvalidStatus
)

func (k RevertKind) String() string {
	switch k {
	case RevertDeadlinePassed:
		return "deadline passed"
	case RevertAlreadyFilled:
		return "already filled"
	case RevertAlreadyClaimed:
		return "already claimed"
	case RevertProofMissing:
		return "proof missing"
	case RevertInvalidInput:
		return "invalid input"
	case RevertInvalidStatus:
		return "invalid order status"
	default:
		return "unknown"
	}
}

// RevertError is returned whenever a call or transaction was rejected by the
// EVM. Data holds the raw revert payload when the node returned one.
type RevertError struct {
	Kind     RevertKind
	Reason   string
	Selector [4]byte
	Data     []byte
	TxHash   common.Hash
}

func (e *RevertError) Error() string {
	var b strings.Builder
	b.WriteString("execution reverted")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Kind != RevertUnknown {
		fmt.Fprintf(&b, " (%s)", e.Kind)
	}
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " in tx %s", e.TxHash.Hex())
	}
	return b.String()
}

// IsRevert reports whether err carries a RevertError of the given kind.
func IsRevert(err error, kind RevertKind) bool {
	var rerr *RevertError
	return errors.As(err, &rerr) && rerr.Kind == kind
}

type customError struct {
	name string
	kind RevertKind
}

var (
	errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	panicSelector       = crypto.Keccak256([]byte("Panic(uint256)"))[:4]

	knownErrors = map[[4]byte]customError{}
)

func init() {
	for sig, kind := range map[string]RevertKind{
		"NotImplemented()":                    RevertUnknown,
		"ExclusiveTo(bytes32)":                RevertInvalidInput,
		"ZeroValue()":                         RevertInvalidInput,
		"InvalidContextDataLength()":          RevertInvalidInput,
		"FillDeadline()":                      RevertDeadlinePassed,
		"TimestampPassed()":                   RevertDeadlinePassed,
		"FilledTooLate(uint32,uint32)":        RevertDeadlinePassed,
		"AlreadyFilled()":                     RevertAlreadyFilled,
		"InvalidOrderStatus()":                RevertInvalidStatus,
		"InvalidAttestation(bytes32,bytes32)": RevertProofMissing,
		"NotProven()":                         RevertProofMissing,
		"VerificationFailed()":                RevertProofMissing,
		"PayloadTooSmall()":                   RevertInvalidInput,
	} {
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(sig)))
		knownErrors[sel] = customError{name: sig, kind: kind}
	}
}

// DecodeRevert turns raw revert data into a RevertError. Unknown selectors
// are kept verbatim so nothing is lost.
func DecodeRevert(data []byte) *RevertError {
	rerr := &RevertError{Data: data}
	if len(data) < 4 {
		return rerr
	}
	copy(rerr.Selector[:], data[:4])

	switch {
	case bytes.Equal(data[:4], errorStringSelector):
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			rerr.Reason = "malformed Error(string)"
			return rerr
		}
		rerr.Reason = reason
		rerr.Kind = classifyReason(reason)
	case bytes.Equal(data[:4], panicSelector):
		code := new(big.Int)
		if len(data) >= 36 {
			code.SetBytes(data[4:36])
		}
		rerr.Reason = fmt.Sprintf("panic 0x%x", code)
	default:
		if known, ok := knownErrors[rerr.Selector]; ok {
			rerr.Reason = known.name
			rerr.Kind = known.kind
		} else {
			rerr.Reason = fmt.Sprintf("custom error 0x%x", rerr.Selector)
		}
	}
	return rerr
}

func classifyReason(reason string) RevertKind {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "deadline") || strings.Contains(r, "expired"):
		return RevertDeadlinePassed
	case strings.Contains(r, "already filled"):
		return RevertAlreadyFilled
	case strings.Contains(r, "claimed"):
		return RevertAlreadyClaimed
	case strings.Contains(r, "order status"):
		return RevertInvalidStatus
	case strings.Contains(r, "not proven") || strings.Contains(r, "proof"):
		return RevertProofMissing
	default:
		return RevertUnknown
	}
}

// dataError is implemented by rpc errors that carry revert data.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// revertFromError extracts revert data from a node error. It returns nil
// when err is not a revert.
func revertFromError(err error) *RevertError {
	if err == nil {
		return nil
	}
	var de dataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				return DecodeRevert(data)
			}
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		msg := err.Error()
		if i := strings.Index(msg, "execution reverted: "); i >= 0 {
			reason := msg[i+len("execution reverted: "):]
			return &RevertError{Reason: reason, Kind: classifyReason(reason)}
		}
		return &RevertError{}
	}
	return nil
}
