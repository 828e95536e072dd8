package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

const DefaultRelayGasLimit = 500_000

// DefaultFallbackFee is 0.0002 of the destination native currency.
var DefaultFallbackFee = big.NewInt(200_000_000_000_000)

// Relayed records one dispatched proof message.
type Relayed struct {
	Payload   []byte      `json:"payload"`
	Fact      common.Hash `json:"fact"`
	Domain    uint32      `json:"domain"`
	Fee       *big.Int    `json:"fee"`
	FeeQuoted bool        `json:"fee_quoted"`
	TxHash    common.Hash `json:"tx_hash"`
	GasUsed   uint64      `json:"gas_used"`
	GasPrice  *big.Int    `json:"gas_price,omitempty"`
}

type Relay struct {
	Route Route
	// Domains is the origin oracle; its mailbox names the origin domain.
	Domains DomainSource
	// Dispatcher is the destination oracle.
	Dispatcher  Dispatcher
	GasLimit    *big.Int
	FallbackFee *big.Int

	logger *zerolog.Logger
}

func NewRelay(route Route, domains DomainSource, dispatcher Dispatcher, logger *zerolog.Logger) *Relay {
	return &Relay{
		Route:       route,
		Domains:     domains,
		Dispatcher:  dispatcher,
		GasLimit:    big.NewInt(DefaultRelayGasLimit),
		FallbackFee: new(big.Int).Set(DefaultFallbackFee),
		logger:      logger,
	}
}

// ResolveDomain reads the origin messaging domain from the origin oracle's
// mailbox. There is no fallback.
func (r *Relay) ResolveDomain(ctx context.Context) (uint32, error) {
	mailbox, err := r.Domains.Mailbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: reading origin oracle mailbox: %v", ErrDomainResolution, err)
	}
	if mailbox == (common.Address{}) {
		return 0, fmt.Errorf("%w: origin oracle %s reports no mailbox", ErrDomainResolution, r.Route.OriginOracle.Hex())
	}
	domain, err := r.Domains.LocalDomain(ctx, mailbox)
	if err != nil {
		return 0, fmt.Errorf("%w: reading local domain of mailbox %s: %v", ErrDomainResolution, mailbox.Hex(), err)
	}
	if domain == 0 {
		return 0, fmt.Errorf("%w: mailbox %s reports domain 0", ErrDomainResolution, mailbox.Hex())
	}
	return domain, nil
}

// Payload encodes the fill description that proves fill on the origin chain.
func Payload(fill *Fill) ([]byte, error) {
	return intent.EncodeFillDescription(fill.Record.Solver, fill.Record.OrderID, fill.Record.Timestamp, fill.Output)
}

// Relay sends the proof of fill from the destination oracle to the origin
// oracle. Relaying the same fill twice yields the same fact.
func (r *Relay) Relay(ctx context.Context, fill *Fill) (*Relayed, error) {
	if err := r.Route.Validate(); err != nil {
		return nil, err
	}
	domain, err := r.ResolveDomain(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := Payload(fill)
	if err != nil {
		return nil, err
	}

	msg := chain.Message{
		DestinationDomain: domain,
		RecipientOracle:   r.Route.OriginOracle,
		GasLimit:          r.GasLimit,
		CustomMetadata:    []byte{},
		Source:            r.Route.OutputSettler,
		Payloads:          [][]byte{payload},
	}

	fee, quoted := r.quote(ctx, msg)
	receipt, err := r.Dispatcher.Submit(ctx, msg, fee)
	if err != nil {
		return nil, fmt.Errorf("dispatching proof for %s: %w", fill.Record.OrderID, err)
	}

	out := &Relayed{
		Payload:   payload,
		Fact:      intent.FactHash(payload),
		Domain:    domain,
		Fee:       fee,
		FeeQuoted: quoted,
		TxHash:    receipt.TxHash,
		GasUsed:   receipt.GasUsed,
		GasPrice:  receipt.EffectiveGasPrice,
	}
	r.logger.Info().
		Str("order_id", fill.Record.OrderID.Hex()).
		Uint32("domain", domain).
		Str("fee", fee.String()).
		Bool("fee_quoted", quoted).
		Str("fact", out.Fact.Hex()).
		Str("tx", receipt.TxHash.Hex()).
		Msg("proof relayed")
	return out, nil
}

func (r *Relay) quote(ctx context.Context, msg chain.Message) (*big.Int, bool) {
	fee, err := r.Dispatcher.QuoteGasPayment(ctx, msg)
	if err == nil && fee != nil {
		return fee, true
	}
	relayFeeFallbacks.Inc()
	r.logger.Warn().Err(err).Str("fallback_fee", r.FallbackFee.String()).Msg("fee quote failed, paying fallback fee")
	return new(big.Int).Set(r.FallbackFee), false
}
