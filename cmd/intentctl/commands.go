package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
	"github.com/msalopek/intent_settlement/monitor"
	"github.com/msalopek/intent_settlement/settlement"
)

const (
	defaultFillDeadline = time.Hour
	defaultExpiry       = 2 * time.Hour
)

func submitCmd() *cobra.Command {
	var (
		inputToken, amount        string
		outputToken, outputAmount string
		recipient                 string
		slippageBps               uint32
		fillDeadlineIn, expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Approve inputs and open a new order on the origin chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.Close()

			inAddr, inAmount, err := e.tokenAmount(ctx, fromChain, inputToken, amount)
			if err != nil {
				return err
			}
			outAddr, quoted, err := e.tokenAmount(ctx, toChain, outputToken, outputAmount)
			if err != nil {
				return err
			}
			minOut, err := intent.ApplySlippage(quoted, slippageBps)
			if err != nil {
				return err
			}
			to := e.signer.Address()
			if recipient != "" {
				if !common.IsHexAddress(recipient) {
					return fmt.Errorf("invalid recipient %q", recipient)
				}
				to = common.HexToAddress(recipient)
			}

			p, err := e.pipeline()
			if err != nil {
				return err
			}
			sub, err := p.Submit(ctx, settlement.SubmitRequest{
				User:   e.signer.Address(),
				Inputs: []intent.Input{{Token: inAddr, Amount: inAmount}},
				Outputs: []settlement.OutputRequest{{
					Token:     outAddr,
					MinAmount: minOut,
					Recipient: to,
				}},
				FillDeadlineIn: fillDeadlineIn,
				ExpiresIn:      expiresIn,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("order_id", sub.SettlerOrderID.Hex()).
				Str("open_tx", sub.TxHash.Hex()).
				Str("input_amount", inAmount.String()).
				Str("min_output_amount", minOut.String()).
				Uint32("fill_deadline", sub.Order.FillDeadline).
				Uint32("expires", sub.Order.Expires).
				Int("approvals", len(sub.Approvals)).
				Msg("order opened")
			return nil
		},
	}
	cmd.Flags().StringVar(&inputToken, "input-token", "", "Input token symbol or address on the origin chain")
	cmd.Flags().StringVar(&amount, "amount", "", "Input amount in whole tokens, e.g. 0.01")
	cmd.Flags().StringVar(&outputToken, "output-token", "", "Output token symbol or address on the destination chain")
	cmd.Flags().StringVar(&outputAmount, "output-amount", "", "Quoted output amount in whole tokens")
	cmd.Flags().Uint32Var(&slippageBps, "slippage-bps", 0, "Tolerance subtracted from the quoted output, in basis points")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Output recipient, defaults to the signer")
	cmd.Flags().DurationVar(&fillDeadlineIn, "fill-deadline", defaultFillDeadline, "Time solvers have to fill")
	cmd.Flags().DurationVar(&expiresIn, "expires", defaultExpiry, "Time until the order can be refunded")
	for _, f := range []string{"input-token", "amount", "output-token", "output-amount"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

// resumeFlags locate an existing order by its open transaction and the
// destination transactions that filled it.
type resumeFlags struct {
	openTx  string
	fillTxs []string
}

func (r *resumeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.openTx, "open-tx", "", "Origin transaction that opened the order")
	cmd.Flags().StringSliceVar(&r.fillTxs, "fill-tx", nil, "Destination transaction(s) that filled the order")
	cmd.MarkFlagRequired("open-tx")
	cmd.MarkFlagRequired("fill-tx")
}

func parseHash(name, s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("--%s %q is not a transaction hash", name, s)
	}
	return common.BytesToHash(b), nil
}

// resume rebuilds the order from its open event and matches every fill to
// its output leg. The returned fills are indexed by leg.
func (r *resumeFlags) resume(ctx context.Context, e *env) (*settlement.Pipeline, []*settlement.Fill, error) {
	openTx, err := parseHash("open-tx", r.openTx)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.pipeline()
	if err != nil {
		return nil, nil, err
	}
	sub, err := p.Submitter.ObserveOpen(ctx, openTx)
	if err != nil {
		return nil, nil, err
	}
	if err := p.Adopt(ctx, sub); err != nil {
		return nil, nil, err
	}

	legs := make([]*settlement.Fill, len(sub.Order.Outputs))
	for _, s := range r.fillTxs {
		fillTx, err := parseHash("fill-tx", s)
		if err != nil {
			return nil, nil, err
		}
		id := sub.SettlerOrderID
		fills, err := p.Observer.ObserveAll(ctx, fillTx, &id)
		if err != nil {
			return nil, nil, err
		}
		for _, f := range fills {
			leg, err := p.RecordFill(ctx, f)
			if err != nil {
				return nil, nil, err
			}
			legs[leg] = f
		}
	}
	for leg, f := range legs {
		if f == nil {
			return nil, nil, fmt.Errorf("%w: output %d of %s has no fill", settlement.ErrEventNotFound, leg, sub.SettlerOrderID)
		}
	}
	return p, legs, nil
}

func logFills(id intent.OrderID, legs []*settlement.Fill) {
	for leg, f := range legs {
		solver, _ := intent.NarrowAddress(f.Record.Solver)
		log.Info().
			Str("order_id", id.Hex()).
			Int("leg", leg).
			Str("fill_tx", f.TxHash.Hex()).
			Str("solver", solver.Hex()).
			Uint32("timestamp", f.Record.Timestamp).
			Str("final_amount", f.Record.FinalAmount.String()).
			Msg("fill observed")
	}
}

func observeCmd() *cobra.Command {
	var rf resumeFlags
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Read the fills of an order from destination transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			p, legs, err := rf.resume(ctx, e)
			if err != nil {
				return err
			}
			logFills(p.Progress().OrderID, legs)
			return nil
		},
	}
	rf.register(cmd)
	return cmd
}

func relayCmd() *cobra.Command {
	var rf resumeFlags
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Dispatch a fill proof for every output of an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.Close()

			p, _, err := rf.resume(ctx, e)
			if err != nil {
				return err
			}
			relays, err := p.Relay(ctx)
			if err != nil {
				return err
			}
			for _, r := range relays {
				log.Info().
					Str("order_id", p.Progress().OrderID.Hex()).
					Str("relay_tx", r.TxHash.Hex()).
					Str("fact", r.Fact.Hex()).
					Uint32("domain", r.Domain).
					Str("fee", decimal.NewFromBigInt(r.Fee, -18).String()).
					Bool("fee_quoted", r.FeeQuoted).
					Msg("proof relayed")
			}
			return nil
		},
	}
	rf.register(cmd)
	return cmd
}

// awaitRelayed resumes an order whose proofs were relayed by an earlier run
// and waits until every leg is attested. Proofs are not dispatched again.
func awaitRelayed(ctx context.Context, p *settlement.Pipeline) error {
	if err := p.AdoptRelayed(ctx); err != nil {
		return err
	}
	if err := p.AwaitAttestation(ctx); err != nil {
		return err
	}
	log.Info().
		Str("order_id", p.Progress().OrderID.Hex()).
		Msg("fills attested")
	return nil
}

func pollCmd() *cobra.Command {
	var rf resumeFlags
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Wait until every fill of an order is attested on the origin chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			p, _, err := rf.resume(ctx, e)
			if err != nil {
				return err
			}
			return awaitRelayed(ctx, p)
		},
	}
	rf.register(cmd)
	return cmd
}

func destinationFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "destination", "", "Address receiving the escrowed inputs, defaults to the signer")
}

func destination(e *env, s string) ([32]byte, error) {
	if s == "" {
		return intent.WidenAddress(e.signer.Address()), nil
	}
	if !common.IsHexAddress(s) {
		return [32]byte{}, fmt.Errorf("invalid destination %q", s)
	}
	return intent.WidenAddress(common.HexToAddress(s)), nil
}

func logClaim(id intent.OrderID, claim *settlement.Claim) {
	log.Info().
		Str("order_id", id.Hex()).
		Str("claim_tx", claim.TxHash.Hex()).
		Str("status", claim.Status.String()).
		Msg("order claimed")
}

func claimCmd() *cobra.Command {
	var rf resumeFlags
	var dest string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the inputs of an order whose fills are attested",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.Close()

			to, err := destination(e, dest)
			if err != nil {
				return err
			}
			p, _, err := rf.resume(ctx, e)
			if err != nil {
				return err
			}
			if err := awaitRelayed(ctx, p); err != nil {
				return err
			}
			claim, err := p.Claim(ctx, to, nil)
			if err != nil {
				return err
			}
			logClaim(p.Progress().OrderID, claim)
			return nil
		},
	}
	rf.register(cmd)
	destinationFlag(cmd, &dest)
	return cmd
}

func settleCmd() *cobra.Command {
	var openTx, fillTx, dest string
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Observe, relay, await attestation and claim an order in one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.Close()

			to, err := destination(e, dest)
			if err != nil {
				return err
			}
			openHash, err := parseHash("open-tx", openTx)
			if err != nil {
				return err
			}
			fillHash, err := parseHash("fill-tx", fillTx)
			if err != nil {
				return err
			}
			p, err := e.pipeline()
			if err != nil {
				return err
			}
			sub, err := p.Submitter.ObserveOpen(ctx, openHash)
			if err != nil {
				return err
			}
			if err := p.Adopt(ctx, sub); err != nil {
				return err
			}
			claim, err := p.Settle(ctx, fillHash, to)
			if err != nil {
				progress := p.Progress()
				log.Warn().
					Str("order_id", progress.OrderID.Hex()).
					Str("stage", string(progress.Stage)).
					Msg("settlement stopped")
				return err
			}
			logClaim(sub.SettlerOrderID, claim)
			return nil
		},
	}
	cmd.Flags().StringVar(&openTx, "open-tx", "", "Origin transaction that opened the order")
	cmd.Flags().StringVar(&fillTx, "fill-tx", "", "Destination transaction that filled the order")
	cmd.MarkFlagRequired("open-tx")
	cmd.MarkFlagRequired("fill-tx")
	destinationFlag(cmd, &dest)
	return cmd
}

func statusCmd() *cobra.Command {
	var orderID string
	var onchain bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how far an order got and what stopped it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			id, err := intent.HexToOrderID(orderID)
			if err != nil {
				return err
			}
			db, m, err := setupMonitor()
			if err != nil {
				return err
			}
			defer db.Close()

			progress, err := m.GetDbOrderProgress(ctx, id)
			if err != nil {
				return err
			}
			events, err := m.GetDbOrderEvents(ctx, id)
			if err != nil {
				return err
			}
			for _, ev := range events {
				log.Debug().
					Str("stage", ev.Stage).
					Int("leg", ev.Leg).
					Str("tx", ev.TxHash).
					Str("reason", ev.Reason).
					Time("at", ev.CreatedAt).
					Msg("event")
			}
			event := log.Info().
				Str("order_id", progress.OrderID).
				Str("state", progress.State()).
				Str("stage", progress.Stage).
				Int("events", len(events))
			if progress.FailedStage != "" {
				event = event.Str("failed_stage", progress.FailedStage).Str("reason", progress.Reason)
			}

			if onchain {
				status, err := readStatus(ctx, m.Config(), progress.OriginChainID, id)
				if err != nil {
					return err
				}
				if err := m.SetOnchainStatus(ctx, progress.OrderID, status.String()); err != nil {
					log.Error().Err(err).Msg("failed to store order status")
				}
				event = event.Str("onchain_status", status.String())
			} else if progress.OnchainStatus != "" {
				event = event.Str("onchain_status", progress.OnchainStatus)
			}
			event.Msg("order status")
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order-id", "", "Settler order id")
	cmd.Flags().BoolVar(&onchain, "onchain", false, "Read orderStatus from the origin settler as well")
	cmd.MarkFlagRequired("order-id")
	return cmd
}

func readStatus(ctx context.Context, cfg *monitor.Config, originChainID string, id intent.OrderID) (intent.OrderStatus, error) {
	name := cfg.Network(originChainID)
	entry, err := cfg.Chain(name)
	if err != nil {
		return intent.StatusNone, err
	}
	if !common.IsHexAddress(entry.InputSettler) {
		return intent.StatusNone, fmt.Errorf("%w: %s.input_settler", settlement.ErrMissingConfiguration, name)
	}
	client, err := chain.Dial(ctx, name, entry.RPC(), entry.ID(), log.Logger)
	if err != nil {
		return intent.StatusNone, err
	}
	defer client.Close()
	return chain.NewInputSettler(common.HexToAddress(entry.InputSettler), client, nil).OrderStatus(ctx, id)
}
