package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

// OpenMode selects the origin settler entry point. A deployment uses exactly one.
type OpenMode string

const (
	OpenBytes  OpenMode = "open"
	OpenScalar OpenMode = "openIntent"
)

func ParseOpenMode(s string) (OpenMode, error) {
	switch OpenMode(s) {
	case OpenBytes, "":
		return OpenBytes, nil
	case OpenScalar:
		return OpenScalar, nil
	default:
		return "", fmt.Errorf("%w: unknown open mode %q", ErrMissingConfiguration, s)
	}
}

// OutputRequest is one requested destination payment. MinAmount is final:
// the submitter never derives it from the input amount.
type OutputRequest struct {
	Token     common.Address
	MinAmount *big.Int
	Recipient common.Address
	Call      []byte
	Context   []byte
}

type SubmitRequest struct {
	User    common.Address
	Inputs  []intent.Input
	Outputs []OutputRequest
	// Deadlines relative to submission time.
	FillDeadlineIn time.Duration
	ExpiresIn      time.Duration
	// Nonce defaults to the submission time in milliseconds.
	Nonce *big.Int
}

// Submission is what a successful open leaves behind for later stages.
type Submission struct {
	Order   intent.StandardOrder `json:"order"`
	OrderID intent.OrderID       `json:"order_id"`
	// SettlerOrderID is the id the settler indexes orderStatus by, taken
	// from its open event.
	SettlerOrderID intent.OrderID `json:"settler_order_id"`
	TxHash         common.Hash    `json:"tx_hash"`
	Receipt        *types.Receipt `json:"-"`
	Approvals      []common.Hash  `json:"approvals,omitempty"`
}

type Submitter struct {
	Route    Route
	Settler  OriginSettler
	Tokens   TokenSource
	Receipts ReceiptSource
	Mode     OpenMode
	// ApproveUnlimited approves the maximum uint256 instead of the exact shortfall.
	ApproveUnlimited bool
	Now              func() time.Time

	logger *zerolog.Logger
}

func NewSubmitter(route Route, settler OriginSettler, tokens TokenSource, receipts ReceiptSource, mode OpenMode, logger *zerolog.Logger) *Submitter {
	return &Submitter{
		Route:    route,
		Settler:  settler,
		Tokens:   tokens,
		Receipts: receipts,
		Mode:     mode,
		Now:      time.Now,
		logger:   logger,
	}
}

// BuildOrder turns a request into a validated StandardOrder without touching
// the network.
func (s *Submitter) BuildOrder(req SubmitRequest) (intent.StandardOrder, error) {
	if err := s.Route.Validate(); err != nil {
		return intent.StandardOrder{}, err
	}
	now := s.Now()
	expires, err := timestampIn("expiry", now, req.ExpiresIn)
	if err != nil {
		return intent.StandardOrder{}, err
	}
	fillDeadline, err := timestampIn("fill deadline", now, req.FillDeadlineIn)
	if err != nil {
		return intent.StandardOrder{}, err
	}
	nonce := req.Nonce
	if nonce == nil {
		nonce = big.NewInt(now.UnixMilli())
	}

	order := intent.StandardOrder{
		User:          req.User,
		Nonce:         nonce,
		OriginChainID: s.Route.OriginChainID,
		Expires:       expires,
		FillDeadline:  fillDeadline,
		InputOracle:   s.Route.OriginOracle,
		Inputs:        req.Inputs,
	}
	for _, out := range req.Outputs {
		order.Outputs = append(order.Outputs, intent.MandateOutput{
			Oracle:    intent.WidenAddress(s.Route.DestinationOracle),
			Settler:   intent.WidenAddress(s.Route.OutputSettler),
			ChainID:   s.Route.DestinationChainID,
			Token:     intent.WidenAddress(out.Token),
			Amount:    out.MinAmount,
			Recipient: intent.WidenAddress(out.Recipient),
			Call:      out.Call,
			Context:   out.Context,
		})
	}
	if err := order.Validate(); err != nil {
		return intent.StandardOrder{}, err
	}
	if s.Mode == OpenScalar {
		if err := scalarCompatible(order); err != nil {
			return intent.StandardOrder{}, err
		}
	}
	return order, nil
}

// timestampIn turns a relative duration into the uint32 unix timestamp the
// settler stores. Durations that are not in the future or do not fit are
// rejected instead of wrapping.
func timestampIn(name string, now time.Time, in time.Duration) (uint32, error) {
	if in <= 0 {
		return 0, fmt.Errorf("%w: %s must be in the future, got %s", intent.ErrInvalidOrder, name, in)
	}
	at := now.Add(in).Unix()
	if at < 0 || at > 1<<32-1 {
		return 0, fmt.Errorf("%w: %s %s does not fit a uint32 timestamp", intent.ErrInvalidOrder, name, in)
	}
	return uint32(at), nil
}

// Submit builds the order, makes sure the settler may pull every input and
// opens it. Transaction failures are returned as-is and never retried here.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	order, err := s.BuildOrder(req)
	if err != nil {
		return nil, err
	}
	orderID, err := intent.ComputeOrderID(order)
	if err != nil {
		return nil, err
	}

	approvals, err := s.ensureAllowances(ctx, order)
	if err != nil {
		return nil, err
	}

	var receipt *types.Receipt
	switch s.Mode {
	case OpenBytes, "":
		receipt, err = s.Settler.Open(ctx, order)
	case OpenScalar:
		receipt, err = s.Settler.OpenIntent(ctx, scalarIntent(order))
	default:
		return nil, fmt.Errorf("%w: unknown open mode %q", ErrMissingConfiguration, s.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("opening order %s: %w", orderID, err)
	}

	settlerID, err := s.settlerOrderID(receipt, orderID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", orderID.Hex()).
		Str("settler_order_id", settlerID.Hex()).
		Str("tx", receipt.TxHash.Hex()).
		Str("mode", string(s.Mode)).
		Msg("order opened")

	return &Submission{
		Order:          order,
		OrderID:        orderID,
		SettlerOrderID: settlerID,
		TxHash:         receipt.TxHash,
		Receipt:        receipt,
		Approvals:      approvals,
	}, nil
}

func (s *Submitter) ensureAllowances(ctx context.Context, order intent.StandardOrder) ([]common.Hash, error) {
	var (
		tokens   []common.Address
		required = map[common.Address]*big.Int{}
	)
	for _, in := range order.Inputs {
		if _, ok := required[in.Token]; !ok {
			tokens = append(tokens, in.Token)
			required[in.Token] = new(big.Int)
		}
		required[in.Token].Add(required[in.Token], in.Amount)
	}

	spender := s.Settler.Address()
	var approvals []common.Hash
	for _, addr := range tokens {
		need := required[addr]
		token := s.Tokens.Token(addr)

		balance, err := token.BalanceOf(ctx, order.User)
		if err != nil {
			return nil, fmt.Errorf("reading balance of %s: %w", addr.Hex(), err)
		}
		if balance.Cmp(need) < 0 {
			return nil, fmt.Errorf("%w: %s holds %s of %s, order needs %s", ErrInsufficientBalance, order.User.Hex(), balance, addr.Hex(), need)
		}

		allowance, err := token.Allowance(ctx, order.User, spender)
		if err != nil {
			return nil, fmt.Errorf("reading allowance of %s: %w", addr.Hex(), err)
		}
		if allowance.Cmp(need) >= 0 {
			continue
		}

		amount := need
		if s.ApproveUnlimited {
			amount = math.MaxBig256
		}
		s.logger.Info().
			Str("token", addr.Hex()).
			Str("allowance", allowance.String()).
			Str("approve", amount.String()).
			Msg("raising allowance")
		receipt, err := token.Approve(ctx, spender, amount)
		if err != nil {
			return nil, fmt.Errorf("approving %s: %w", addr.Hex(), err)
		}
		approvals = append(approvals, receipt.TxHash)
	}
	return approvals, nil
}

func (s *Submitter) settlerOrderID(receipt *types.Receipt, computed intent.OrderID) (intent.OrderID, error) {
	settler := s.Settler.Address()
	if s.Mode == OpenScalar {
		logs := logsFrom(receipt, settler, chain.IntentOpenedTopic)
		if len(logs) == 0 {
			return intent.OrderID{}, fmt.Errorf("%w: IntentOpened in tx %s", ErrEventNotFound, receipt.TxHash.Hex())
		}
		ev, err := chain.ParseIntentOpened(logs[0])
		if err != nil {
			return intent.OrderID{}, err
		}
		return ev.IntentId, nil
	}

	logs := logsFrom(receipt, settler, chain.OpenTopic)
	if len(logs) == 0 {
		return computed, nil
	}
	ev, err := chain.ParseOpen(logs[0])
	if err != nil {
		return intent.OrderID{}, err
	}
	if intent.OrderID(ev.OrderId) != computed {
		s.logger.Warn().
			Str("computed", computed.Hex()).
			Str("settler", intent.OrderID(ev.OrderId).Hex()).
			Msg("settler order id differs from local encoding hash")
	}
	return ev.OrderId, nil
}

// ObserveOpen recovers a submission from the open event of an origin
// transaction, so later stages can run without local state.
func (s *Submitter) ObserveOpen(ctx context.Context, txHash common.Hash) (*Submission, error) {
	if s.Receipts == nil {
		return nil, fmt.Errorf("%w: no origin receipt source", ErrMissingConfiguration)
	}
	receipt, err := s.Receipts.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: open tx %s has no receipt", ErrEventNotFound, txHash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("fetching open receipt %s: %w", txHash.Hex(), err)
	}

	logs := logsFrom(receipt, s.Settler.Address(), chain.OpenTopic)
	if len(logs) == 0 {
		return nil, fmt.Errorf("%w: Open in tx %s", ErrEventNotFound, txHash.Hex())
	}
	ev, err := chain.ParseOpen(logs[0])
	if err != nil {
		return nil, err
	}
	order, err := intent.DecodeOrder(ev.Order)
	if err != nil {
		return nil, err
	}
	orderID, err := intent.ComputeOrderID(order)
	if err != nil {
		return nil, err
	}
	return &Submission{
		Order:          order,
		OrderID:        orderID,
		SettlerOrderID: ev.OrderId,
		TxHash:         txHash,
		Receipt:        receipt,
	}, nil
}

func scalarCompatible(o intent.StandardOrder) error {
	if len(o.Inputs) != 1 || len(o.Outputs) != 1 {
		return fmt.Errorf("%w: %s takes exactly one input and one output", ErrUnsupportedOpenMode, OpenScalar)
	}
	out := o.Outputs[0]
	if len(out.Call) > 0 || len(out.Context) > 0 {
		return fmt.Errorf("%w: %s cannot carry call or context data", ErrUnsupportedOpenMode, OpenScalar)
	}
	if _, err := intent.NarrowAddress(out.Token); err != nil {
		return err
	}
	return nil
}

func scalarIntent(o intent.StandardOrder) chain.ScalarIntent {
	out := o.Outputs[0]
	token, _ := intent.NarrowAddress(out.Token)
	return chain.ScalarIntent{
		OutputToken:     token,
		OutputAmount:    out.Amount,
		OutputChainID:   out.ChainID,
		OutputRecipient: out.Recipient,
		FillDeadline:    new(big.Int).SetUint64(uint64(o.FillDeadline)),
		InputToken:      o.Inputs[0].Token,
		InputAmount:     o.Inputs[0].Amount,
	}
}

func logsFrom(r *types.Receipt, address common.Address, topic common.Hash) []types.Log {
	if r == nil {
		return nil
	}
	var out []types.Log
	for _, l := range r.Logs {
		if l == nil || l.Address != address || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		out = append(out, *l)
	}
	return out
}
