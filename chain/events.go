package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/msalopek/intent_settlement/intent"
)

var ErrTopicMismatch = errors.New("log topic does not match event")

// OutputFilled is the destination settler's fill event.
type OutputFilled struct {
	OrderId     [32]byte
	Solver      [32]byte
	Timestamp   uint32
	Output      []byte
	FinalAmount *big.Int
	Raw         types.Log
}

// Open is emitted by settlers using the generic open(bytes) entry point.
type Open struct {
	OrderId [32]byte
	Order   []byte
	Raw     types.Log
}

// IntentOpened is emitted by settlers using the scalar openIntent entry point.
type IntentOpened struct {
	IntentId        [32]byte
	InputToken      common.Address
	InputAmount     *big.Int
	OutputToken     common.Address
	OutputAmount    *big.Int
	OutputChainId   *big.Int
	OutputRecipient [32]byte
	Sender          common.Address
	FillDeadline    *big.Int
	Raw             types.Log
}

func ParseOutputFilled(l types.Log) (*OutputFilled, error) {
	ev := &OutputFilled{Raw: l}
	if err := unpackLog(outputSettlerABI, "OutputFilled", ev, l); err != nil {
		return nil, err
	}
	return ev, nil
}

func ParseOpen(l types.Log) (*Open, error) {
	ev := &Open{Raw: l}
	if err := unpackLog(inputSettlerABI, "Open", ev, l); err != nil {
		return nil, err
	}
	return ev, nil
}

func ParseIntentOpened(l types.Log) (*IntentOpened, error) {
	ev := &IntentOpened{Raw: l}
	if err := unpackLog(inputSettlerABI, "IntentOpened", ev, l); err != nil {
		return nil, err
	}
	return ev, nil
}

func unpackLog(contract abi.ABI, name string, out interface{}, l types.Log) (err error) {
	event := contract.Events[name]
	if len(l.Topics) == 0 || l.Topics[0] != event.ID {
		return ErrTopicMismatch
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s log: %v", intent.ErrDecode, name, r)
		}
	}()
	if err := contract.UnpackIntoInterface(out, name, l.Data); err != nil {
		return fmt.Errorf("%w: %s log: %v", intent.ErrDecode, name, err)
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, l.Topics[1:]); err != nil {
		return fmt.Errorf("%w: %s topics: %v", intent.ErrDecode, name, err)
	}
	return nil
}

// OutputFilledLog builds the log an output settler at address would emit.
// Local devnets and tests use it to stage fills.
func OutputFilledLog(address common.Address, txHash common.Hash, ev OutputFilled) (types.Log, error) {
	data, err := outputSettlerABI.Events["OutputFilled"].Inputs.NonIndexed().Pack(ev.Solver, ev.Timestamp, ev.Output, ev.FinalAmount)
	if err != nil {
		return types.Log{}, fmt.Errorf("packing OutputFilled: %w", err)
	}
	return types.Log{
		Address: address,
		Topics:  []common.Hash{OutputFilledTopic, common.Hash(ev.OrderId)},
		Data:    data,
		TxHash:  txHash,
	}, nil
}

// OpenLog builds the log an input settler at address would emit for order.
func OpenLog(address common.Address, txHash common.Hash, orderID intent.OrderID, order []byte) (types.Log, error) {
	data, err := inputSettlerABI.Events["Open"].Inputs.NonIndexed().Pack(order)
	if err != nil {
		return types.Log{}, fmt.Errorf("packing Open: %w", err)
	}
	return types.Log{
		Address: address,
		Topics:  []common.Hash{OpenTopic, common.Hash(orderID)},
		Data:    data,
		TxHash:  txHash,
	}, nil
}
