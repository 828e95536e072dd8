package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settlement/intent"
)

// Stage is the last completed step of an order's settlement.
type Stage string

const (
	StageNone      Stage = "none"
	StageSubmitted Stage = "submitted"
	StageFilled    Stage = "filled"
	StageRelayed   Stage = "relayed"
	StageAttested  Stage = "attested"
	StageClaimed   Stage = "claimed"
	StageFailed    Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageNone:      0,
	StageSubmitted: 1,
	StageFilled:    2,
	StageRelayed:   3,
	StageAttested:  4,
	StageClaimed:   5,
}

func (s Stage) Before(o Stage) bool {
	return stageOrder[s] < stageOrder[o]
}

// ParseStage accepts every stage name, failed included.
func ParseStage(s string) (Stage, bool) {
	st := Stage(s)
	if _, ok := stageOrder[st]; ok || st == StageFailed {
		return st, true
	}
	return "", false
}

// Rank orders stages for storage. Failed has no rank of its own.
func (s Stage) Rank() int {
	return stageOrder[s]
}

// Transition is one journal entry. Failures carry the stage that was being
// attempted and the blocking error.
type Transition struct {
	OrderID     intent.OrderID
	Stage       Stage
	FailedStage Stage
	Reason      string
	// Leg is the output index for per-leg stages, -1 otherwise.
	Leg int
	// Partial marks a per-leg entry that does not complete Stage.
	Partial  bool
	ChainID  *big.Int
	TxHash   common.Hash
	GasUsed  uint64
	GasPrice *big.Int
	Value    *big.Int
	At       time.Time
}

// JournalTimeout bounds one journal write. Writes are detached from the
// stage's context so they land even after it is cancelled.
var JournalTimeout = 10 * time.Second

// Journal persists transitions for operator status queries.
type Journal interface {
	Record(ctx context.Context, t Transition) error
}

type Failure struct {
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
	err    error
}

func (f *Failure) Err() error { return f.err }

// Progress answers "how far did this order get and what stopped it".
type Progress struct {
	OrderID intent.OrderID `json:"order_id"`
	Stage   Stage          `json:"stage"`
	Failed  *Failure       `json:"failed,omitempty"`
}

// State is Failed while a blocking error is outstanding, otherwise the last
// completed stage.
func (p Progress) State() Stage {
	if p.Failed != nil {
		return StageFailed
	}
	return p.Stage
}

// Pipeline drives one order through every stage. Stages run strictly in
// order; nothing here retries with changed order fields.
type Pipeline struct {
	Submitter *Submitter
	Observer  *Observer
	Relayer   *Relay
	Poller    *Poller
	Finisher  *Finisher
	Journal   Journal

	logger *zerolog.Logger

	mu         sync.Mutex
	stage      Stage
	failure    *Failure
	submission *Submission
	fills      []*Fill
	relays     []*Relayed
	attested   []bool
	claim      *Claim
}

func NewPipeline(sub *Submitter, obs *Observer, relay *Relay, poller *Poller, fin *Finisher, journal Journal, logger *zerolog.Logger) *Pipeline {
	return &Pipeline{
		Submitter: sub,
		Observer:  obs,
		Relayer:   relay,
		Poller:    poller,
		Finisher:  fin,
		Journal:   journal,
		logger:    logger,
		stage:     StageNone,
	}
}

func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	var id intent.OrderID
	if p.submission != nil {
		id = p.submission.SettlerOrderID
	}
	var failed *Failure
	if p.failure != nil {
		f := *p.failure
		failed = &f
	}
	return Progress{OrderID: id, Stage: p.stage, Failed: failed}
}

func (p *Pipeline) Submission() *Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submission
}

// Submit opens a new order.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if err := p.require(StageNone, StageSubmitted); err != nil {
		return nil, err
	}
	sub, err := p.Submitter.Submit(ctx, req)
	if err != nil {
		p.fail(ctx, StageSubmitted, err)
		return nil, err
	}
	p.adopt(sub)
	p.complete(ctx, StageSubmitted, Transition{
		Leg:     -1,
		ChainID: p.Submitter.Route.OriginChainID,
		TxHash:  sub.TxHash,
	}, sub.Receipt)
	return sub, nil
}

// Adopt resumes from an order that was opened elsewhere.
func (p *Pipeline) Adopt(ctx context.Context, sub *Submission) error {
	if sub == nil {
		return fmt.Errorf("%w: nil submission", ErrStageOutOfOrder)
	}
	if err := p.require(StageNone, StageSubmitted); err != nil {
		return err
	}
	p.adopt(sub)
	p.complete(ctx, StageSubmitted, Transition{
		Leg:     -1,
		ChainID: sub.Order.OriginChainID,
		TxHash:  sub.TxHash,
	}, sub.Receipt)
	return nil
}

func (p *Pipeline) adopt(sub *Submission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submission = sub
	n := len(sub.Order.Outputs)
	p.fills = make([]*Fill, n)
	p.relays = make([]*Relayed, n)
	p.attested = make([]bool, n)
}

// ObserveFill reads every fill of this order from a destination transaction
// and records each against its output leg.
func (p *Pipeline) ObserveFill(ctx context.Context, txHash common.Hash) ([]*Fill, error) {
	if err := p.require(StageSubmitted, StageFilled); err != nil {
		return nil, err
	}
	id := p.Submission().SettlerOrderID
	fills, err := p.Observer.ObserveAll(ctx, txHash, &id)
	if err != nil {
		p.fail(ctx, StageFilled, err)
		return nil, err
	}
	for _, f := range fills {
		if _, err := p.RecordFill(ctx, f); err != nil {
			return nil, err
		}
	}
	return fills, nil
}

// RecordFill matches fill to the first unfilled output it pays and returns
// that output's index. Recording the same event again returns the leg it
// already filled.
func (p *Pipeline) RecordFill(ctx context.Context, fill *Fill) (int, error) {
	if leg, ok := p.recordedLeg(fill); ok {
		return leg, nil
	}
	if err := p.require(StageSubmitted, StageFilled); err != nil {
		return -1, err
	}

	p.mu.Lock()
	sub := p.submission
	leg := -1
	if fill.Record.OrderID == sub.SettlerOrderID || fill.Record.OrderID == sub.OrderID {
		for i, out := range sub.Order.Outputs {
			if p.fills[i] == nil && out.Equal(fill.Output) {
				leg = i
				break
			}
		}
	}
	if leg >= 0 {
		p.fills[leg] = fill
	}
	complete := allSet(p.fills)
	p.mu.Unlock()

	if leg < 0 {
		err := fmt.Errorf("%w: fill for %s in tx %s", ErrFillDoesNotMatch, fill.Record.OrderID, fill.TxHash.Hex())
		p.fail(ctx, StageFilled, err)
		return -1, err
	}

	t := Transition{Leg: leg, TxHash: fill.TxHash, ChainID: fill.Output.ChainID}
	if complete {
		p.complete(ctx, StageFilled, t, nil)
	} else {
		t.Partial = true
		p.record(ctx, StageFilled, t, nil)
	}
	return leg, nil
}

// Relay dispatches a proof for every filled leg that is not yet attested.
// Calling it again after an attestation timeout re-relays; the facts do not
// change.
func (p *Pipeline) Relay(ctx context.Context) ([]*Relayed, error) {
	if err := p.require(StageFilled, StageAttested); err != nil {
		return nil, err
	}

	var out []*Relayed
	for leg, fill := range p.snapshotFills() {
		if p.isAttested(leg) {
			continue
		}
		r, err := p.Relayer.Relay(ctx, fill)
		if err != nil {
			p.fail(ctx, StageRelayed, err)
			return out, err
		}
		p.mu.Lock()
		p.relays[leg] = r
		p.mu.Unlock()
		out = append(out, r)
		p.record(ctx, StageRelayed, Transition{
			Leg:      leg,
			Partial:  true,
			ChainID:  p.Relayer.Route.DestinationChainID,
			TxHash:   r.TxHash,
			GasUsed:  r.GasUsed,
			GasPrice: r.GasPrice,
			Value:    r.Fee,
		}, nil)
	}
	p.complete(ctx, StageRelayed, Transition{Leg: -1}, nil)
	return out, nil
}

// AdoptRelayed marks every filled leg as relayed by an earlier run, so
// attestation can be awaited without dispatching proofs again. The payloads
// are rebuilt from the fills; the facts only depend on them.
func (p *Pipeline) AdoptRelayed(ctx context.Context) error {
	if err := p.require(StageFilled, StageRelayed); err != nil {
		return err
	}
	fills := p.snapshotFills()
	relays := make([]*Relayed, len(fills))
	for leg, fill := range fills {
		payload, err := Payload(fill)
		if err != nil {
			p.fail(ctx, StageRelayed, err)
			return err
		}
		relays[leg] = &Relayed{Payload: payload, Fact: intent.FactHash(payload)}
	}
	p.mu.Lock()
	p.relays = relays
	p.mu.Unlock()
	p.complete(ctx, StageRelayed, Transition{Leg: -1}, nil)
	return nil
}

// AwaitAttestation polls every relayed leg. On ErrAttestationTimeout the
// order stays relayed and the call may simply be repeated.
func (p *Pipeline) AwaitAttestation(ctx context.Context) error {
	if err := p.require(StageRelayed, StageAttested); err != nil {
		return err
	}

	fills := p.snapshotFills()
	for leg, fill := range fills {
		if p.isAttested(leg) {
			continue
		}
		p.mu.Lock()
		relayed := p.relays[leg]
		p.mu.Unlock()
		if relayed == nil {
			err := fmt.Errorf("%w: leg %d was never relayed", ErrStageOutOfOrder, leg)
			p.fail(ctx, StageAttested, err)
			return err
		}

		fact := FactFor(p.Relayer.Route, fill, relayed.Payload)
		if _, err := p.Poller.Poll(ctx, fact); err != nil {
			p.fail(ctx, StageAttested, err)
			return err
		}
		p.mu.Lock()
		p.attested[leg] = true
		p.mu.Unlock()
		p.record(ctx, StageAttested, Transition{Leg: leg, Partial: true}, nil)
	}
	p.complete(ctx, StageAttested, Transition{Leg: -1}, nil)
	return nil
}

// Claim finalises the order for destination. It refuses to touch the chain
// unless every leg is attested.
func (p *Pipeline) Claim(ctx context.Context, destination [32]byte, call []byte) (*Claim, error) {
	p.mu.Lock()
	ready := p.submission != nil && len(p.attested) > 0 && allTrue(p.attested)
	p.mu.Unlock()
	if !ready {
		err := fmt.Errorf("%w: claim requested at stage %s", ErrNotAttested, p.Progress().Stage)
		p.fail(ctx, StageClaimed, err)
		return nil, err
	}
	if err := p.require(StageAttested, StageClaimed); err != nil {
		return nil, err
	}

	sub := p.Submission()
	fills := p.snapshotFills()
	solves := make([]Solve, len(fills))
	for i, f := range fills {
		solves[i] = SolveFrom(f)
	}

	claim, err := p.Finisher.Finalise(ctx, sub.Order, sub.SettlerOrderID, solves, destination, call)
	if err != nil {
		p.fail(ctx, StageClaimed, err)
		return nil, err
	}
	p.mu.Lock()
	p.claim = claim
	p.mu.Unlock()
	p.complete(ctx, StageClaimed, Transition{
		Leg:     -1,
		ChainID: p.Submitter.Route.OriginChainID,
		TxHash:  claim.TxHash,
	}, claim.Receipt)
	return claim, nil
}

// Settle runs every stage after a fill: observe, relay, attest and claim.
func (p *Pipeline) Settle(ctx context.Context, fillTx common.Hash, destination [32]byte) (*Claim, error) {
	if _, err := p.ObserveFill(ctx, fillTx); err != nil {
		return nil, err
	}
	if _, err := p.Relay(ctx); err != nil {
		return nil, err
	}
	if err := p.AwaitAttestation(ctx); err != nil {
		return nil, err
	}
	return p.Claim(ctx, destination, nil)
}

// require checks that the pipeline has reached at least from and not yet
// completed to.
func (p *Pipeline) require(from, to Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage.Before(from) || !p.stage.Before(to) {
		return fmt.Errorf("%w: %s needs %s, order is %s", ErrStageOutOfOrder, to, from, p.stage)
	}
	if from != StageNone && p.submission == nil {
		return fmt.Errorf("%w: no submission", ErrStageOutOfOrder)
	}
	return nil
}

func (p *Pipeline) snapshotFills() []*Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Fill(nil), p.fills...)
}

// recordedLeg finds the leg a fill event was already recorded against.
func (p *Pipeline) recordedLeg(fill *Fill) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.fills {
		if f != nil && f.TxHash == fill.TxHash && f.LogIndex == fill.LogIndex {
			return i, true
		}
	}
	return -1, false
}

func (p *Pipeline) isAttested(leg int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attested[leg]
}

func (p *Pipeline) complete(ctx context.Context, stage Stage, t Transition, receipt *types.Receipt) {
	p.mu.Lock()
	if p.stage.Before(stage) {
		p.stage = stage
	}
	p.failure = nil
	p.mu.Unlock()
	stagesCompleted.WithLabelValues(string(stage)).Inc()
	p.record(ctx, stage, t, receipt)
}

func (p *Pipeline) fail(ctx context.Context, stage Stage, err error) {
	p.mu.Lock()
	p.failure = &Failure{Stage: stage, Reason: err.Error(), err: err}
	p.mu.Unlock()
	stagesFailed.WithLabelValues(string(stage)).Inc()

	p.logger.Error().Err(err).Str("stage", string(stage)).Msg("settlement stage failed")
	p.record(ctx, StageFailed, Transition{Leg: -1, FailedStage: stage, Reason: err.Error()}, nil)
}

func (p *Pipeline) record(ctx context.Context, stage Stage, t Transition, receipt *types.Receipt) {
	if p.Journal == nil {
		return
	}
	if sub := p.Submission(); sub != nil {
		t.OrderID = sub.SettlerOrderID
	}
	if t.OrderID.IsZero() {
		return
	}
	t.Stage = stage
	if receipt != nil {
		t.GasUsed = receipt.GasUsed
		t.GasPrice = receipt.EffectiveGasPrice
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	// a failure caused by ctx expiring must still reach the journal
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), JournalTimeout)
	defer cancel()
	if err := p.Journal.Record(jctx, t); err != nil {
		p.logger.Error().Err(err).Str("order_id", t.OrderID.Hex()).Str("stage", string(stage)).Msg("journal write failed")
	}
}

func allSet(fills []*Fill) bool {
	for _, f := range fills {
		if f == nil {
			return false
		}
	}
	return len(fills) > 0
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}
