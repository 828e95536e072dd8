package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

type harness struct {
	settler  *fakeSettler
	tokens   fakeTokens
	receipts fakeReceipts
	origin   *fakeOracle
	dest     *fakeOracle
	journal  *memJournal
	pipeline *Pipeline
}

func newHarness() *harness {
	h := &harness{
		settler:  newFakeSettler(),
		tokens:   fundedTokens(),
		receipts: fakeReceipts{},
		origin:   newFakeOracle(),
		dest:     newFakeOracle(),
		journal:  &memJournal{},
	}
	// proofs land on the origin oracle once the destination oracle has sent them
	h.origin.facts = h.dest.facts

	sub := newTestSubmitter(h.settler, h.tokens, h.receipts)
	poller := NewPoller(h.origin, testLogger())
	poller.Interval = 0
	poller.MaxAttempts = 5
	h.pipeline = NewPipeline(
		sub,
		NewObserver(h.receipts, testRoute.OutputSettler, testLogger()),
		NewRelay(testRoute, h.origin, h.dest, testLogger()),
		poller,
		NewFinisher(h.settler, testLogger()),
		h.journal,
		testLogger(),
	)
	return h
}

func (h *harness) fill(t *testing.T, sub *Submission) {
	t.Helper()
	hash := txHash("fill")
	h.receipts[hash] = fillReceipt(t, hash, sub.SettlerOrderID, sub.Order.FillDeadline, sub.Order.Outputs...)
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, StageSubmitted, h.pipeline.Progress().Stage)

	h.fill(t, sub)
	fills, err := h.pipeline.ObserveFill(ctx, txHash("fill"))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(900_000), fills[0].Output.Amount.Int64())
	assert.Equal(t, intent.WidenAddress(recipientAddr), fills[0].Output.Recipient)
	assert.Equal(t, 0, fills[0].Output.ChainID.Cmp(destChain))
	assert.Equal(t, StageFilled, h.pipeline.Progress().Stage)

	relayed, err := h.pipeline.Relay(ctx)
	require.NoError(t, err)
	require.Len(t, relayed, 1)
	assert.Equal(t, StageRelayed, h.pipeline.Progress().Stage)

	h.origin.attestAfter = 2
	require.NoError(t, h.pipeline.AwaitAttestation(ctx))
	assert.Equal(t, StageAttested, h.pipeline.Progress().Stage)

	destination := intent.WidenAddress(solverAddr)
	claim, err := h.pipeline.Claim(ctx, destination, nil)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusClaimed, claim.Status)

	status, err := h.settler.OrderStatus(ctx, sub.SettlerOrderID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusClaimed, status)

	assert.Equal(t, []uint32{fills[0].Record.Timestamp}, h.settler.lastCall.timestamps)
	assert.Equal(t, [][32]byte{intent.WidenAddress(solverAddr)}, h.settler.lastCall.solvers)
	assert.Equal(t, destination, h.settler.lastCall.destination)

	p := h.pipeline.Progress()
	assert.Equal(t, StageClaimed, p.State())
	assert.Nil(t, p.Failed)
	assert.Equal(t, sub.SettlerOrderID, p.OrderID)
	assert.Equal(t, []Stage{StageSubmitted, StageFilled, StageRelayed, StageRelayed, StageAttested, StageAttested, StageClaimed}, h.journal.stages())
}

func TestClaimBeforeAttestationIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	h.fill(t, sub)
	_, err = h.pipeline.ObserveFill(ctx, txHash("fill"))
	require.NoError(t, err)
	_, err = h.pipeline.Relay(ctx)
	require.NoError(t, err)

	_, err = h.pipeline.Claim(ctx, intent.WidenAddress(solverAddr), nil)
	assert.ErrorIs(t, err, ErrNotAttested)
	assert.Equal(t, 0, h.settler.finalised)

	p := h.pipeline.Progress()
	assert.Equal(t, StageFailed, p.State())
	assert.Equal(t, StageRelayed, p.Stage)
	require.NotNil(t, p.Failed)
	assert.Equal(t, StageClaimed, p.Failed.Stage)
	assert.ErrorIs(t, p.Failed.Err(), ErrNotAttested)
}

func TestClaimOnFreshPipelineIsRejected(t *testing.T) {
	h := newHarness()
	_, err := h.pipeline.Claim(context.Background(), intent.WidenAddress(solverAddr), nil)
	assert.ErrorIs(t, err, ErrNotAttested)
	assert.Equal(t, 0, h.settler.finalised)
}

func TestStagesRunInOrder(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.pipeline.Relay(ctx)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)
	assert.ErrorIs(t, h.pipeline.AwaitAttestation(ctx), ErrStageOutOfOrder)
	_, err = h.pipeline.ObserveFill(ctx, txHash("fill"))
	assert.ErrorIs(t, err, ErrStageOutOfOrder)

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	_, err = h.pipeline.Submit(ctx, testRequest())
	assert.ErrorIs(t, err, ErrStageOutOfOrder)

	_, err = h.pipeline.Relay(ctx)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)
	assert.Empty(t, h.dest.submitted)

	h.fill(t, sub)
	_, err = h.pipeline.ObserveFill(ctx, txHash("fill"))
	require.NoError(t, err)
	assert.ErrorIs(t, h.pipeline.AwaitAttestation(ctx), ErrStageOutOfOrder)
}

func TestAttestationTimeoutCanBeRepolled(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	h.fill(t, sub)
	_, err = h.pipeline.ObserveFill(ctx, txHash("fill"))
	require.NoError(t, err)
	first, err := h.pipeline.Relay(ctx)
	require.NoError(t, err)

	h.origin.attestAfter = 100
	err = h.pipeline.AwaitAttestation(ctx)
	require.ErrorIs(t, err, ErrAttestationTimeout)
	assert.Equal(t, StageRelayed, h.pipeline.Progress().Stage)
	assert.Equal(t, StageFailed, h.pipeline.Progress().State())

	// re-relaying produces the same fact
	second, err := h.pipeline.Relay(ctx)
	require.NoError(t, err)
	assert.Equal(t, first[0].Fact, second[0].Fact)

	h.origin.attestAfter = 0
	require.NoError(t, h.pipeline.AwaitAttestation(ctx))
	assert.Equal(t, StageAttested, h.pipeline.Progress().State())

	_, err = h.pipeline.Claim(ctx, intent.WidenAddress(solverAddr), nil)
	require.NoError(t, err)
}

func TestFillForAnotherOrderIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)

	wrong := sub.Order.Outputs[0]
	wrong.Recipient = intent.WidenAddress(userAddr)
	deadline := uint64(sub.Order.FillDeadline)
	_, err = h.pipeline.RecordFill(ctx, &Fill{
		Record:       intent.FillRecord{OrderID: sub.SettlerOrderID},
		FillDeadline: deadline,
		Output:       wrong,
	})
	assert.ErrorIs(t, err, ErrFillDoesNotMatch)
	assert.Equal(t, StageSubmitted, h.pipeline.Progress().Stage)
}

func TestMultiLegOrderNeedsEveryLeg(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	req := testRequest()
	second := req.Outputs[0]
	second.Recipient = userAddr
	req.Outputs = append(req.Outputs, second)

	sub, err := h.pipeline.Submit(ctx, req)
	require.NoError(t, err)
	hash := txHash("fill")
	h.receipts[hash] = fillReceipt(t, hash, sub.SettlerOrderID, sub.Order.FillDeadline, sub.Order.Outputs[1])

	_, err = h.pipeline.ObserveFill(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, StageSubmitted, h.pipeline.Progress().Stage)
	_, err = h.pipeline.Relay(ctx)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)

	hash2 := txHash("fill-2")
	h.receipts[hash2] = fillReceipt(t, hash2, sub.SettlerOrderID, sub.Order.FillDeadline, sub.Order.Outputs[0])
	_, err = h.pipeline.ObserveFill(ctx, hash2)
	require.NoError(t, err)
	assert.Equal(t, StageFilled, h.pipeline.Progress().Stage)

	claim, err := h.pipeline.Settle(ctx, hash2, intent.WidenAddress(solverAddr))
	assert.ErrorIs(t, err, ErrStageOutOfOrder)
	assert.Nil(t, claim)

	relayed, err := h.pipeline.Relay(ctx)
	require.NoError(t, err)
	assert.Len(t, relayed, 2)
	require.NoError(t, h.pipeline.AwaitAttestation(ctx))
	_, err = h.pipeline.Claim(ctx, intent.WidenAddress(solverAddr), nil)
	require.NoError(t, err)
	assert.Len(t, h.settler.lastCall.solvers, 2)
}

func TestSettleRunsEveryStageAfterFill(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	h.fill(t, sub)

	claim, err := h.pipeline.Settle(ctx, txHash("fill"), intent.WidenAddress(solverAddr))
	require.NoError(t, err)
	assert.Equal(t, intent.StatusClaimed, claim.Status)
	assert.Equal(t, StageClaimed, h.pipeline.Progress().State())
}

func TestClaimRevertIsSurfacedWithKind(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	h.fill(t, sub)
	h.settler.finaliseErr = &chain.RevertError{Kind: chain.RevertDeadlinePassed, Reason: "FilledTooLate(uint32,uint32)"}

	_, err = h.pipeline.Settle(ctx, txHash("fill"), intent.WidenAddress(solverAddr))
	require.Error(t, err)
	var rerr *chain.RevertError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, chain.RevertDeadlinePassed, rerr.Kind)
	assert.True(t, chain.IsRevert(err, chain.RevertDeadlinePassed))
	assert.Equal(t, StageClaimed, h.pipeline.Progress().Failed.Stage)
}

func (j *memJournal) find(stage Stage, partial bool) []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Transition
	for _, t := range j.transitions {
		if t.Stage == stage && t.Partial == partial {
			out = append(out, t)
		}
	}
	return out
}

func TestPipelineJournalsGasCosts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	h.fill(t, sub)
	_, err = h.pipeline.Settle(ctx, txHash("fill"), intent.WidenAddress(solverAddr))
	require.NoError(t, err)

	relayed := h.journal.find(StageRelayed, true)
	require.Len(t, relayed, 1)
	assert.Equal(t, uint64(95_000), relayed[0].GasUsed)
	require.NotNil(t, relayed[0].GasPrice)
	assert.Equal(t, int64(100_000_000), relayed[0].GasPrice.Int64())
	assert.Equal(t, int64(31_337), relayed[0].Value.Int64())

	claimed := h.journal.find(StageClaimed, false)
	require.Len(t, claimed, 1)
	assert.Equal(t, uint64(120_000), claimed[0].GasUsed)
	require.NotNil(t, claimed[0].GasPrice)
	assert.Equal(t, int64(2_000_000_000), claimed[0].GasPrice.Int64())
}

func TestCancelledAttestationIsStillJournaled(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	h.fill(t, sub)
	_, err = h.pipeline.ObserveFill(ctx, txHash("fill"))
	require.NoError(t, err)
	_, err = h.pipeline.Relay(ctx)
	require.NoError(t, err)

	h.origin.never = true
	h.pipeline.Poller.Interval = time.Hour
	h.pipeline.Poller.MaxAttempts = 100
	pollCtx, cancel := context.WithCancel(ctx)
	cancel()

	err = h.pipeline.AwaitAttestation(pollCtx)
	require.ErrorIs(t, err, context.Canceled)

	last := h.journal.last()
	assert.Equal(t, StageFailed, last.Stage)
	assert.Equal(t, StageAttested, last.FailedStage)
	assert.Equal(t, sub.SettlerOrderID, last.OrderID)
	assert.Contains(t, last.Reason, context.Canceled.Error())
	assert.Equal(t, StageFailed, h.pipeline.Progress().State())
}

func TestAdoptRelayedAwaitsWithoutDispatching(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sub, err := h.pipeline.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.ErrorIs(t, h.pipeline.AdoptRelayed(ctx), ErrStageOutOfOrder)

	h.fill(t, sub)
	fills, err := h.pipeline.ObserveFill(ctx, txHash("fill"))
	require.NoError(t, err)

	// an earlier run already relayed the proof
	payload, err := Payload(fills[0])
	require.NoError(t, err)
	h.dest.facts[intent.FactHash(payload)] = true

	require.NoError(t, h.pipeline.AdoptRelayed(ctx))
	assert.Equal(t, StageRelayed, h.pipeline.Progress().Stage)
	assert.ErrorIs(t, h.pipeline.AdoptRelayed(ctx), ErrStageOutOfOrder)

	require.NoError(t, h.pipeline.AwaitAttestation(ctx))
	claim, err := h.pipeline.Claim(ctx, intent.WidenAddress(solverAddr), nil)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusClaimed, claim.Status)

	assert.Empty(t, h.dest.submitted)
	assert.Empty(t, h.journal.find(StageRelayed, true))
	assert.Equal(t, []Stage{StageSubmitted, StageFilled, StageRelayed, StageAttested, StageAttested, StageClaimed}, h.journal.stages())
}

func TestRecordingAFillTwiceFillsOneLeg(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// two identical outputs; one event may only pay one of them
	req := testRequest()
	req.Outputs = append(req.Outputs, req.Outputs[0])
	sub, err := h.pipeline.Submit(ctx, req)
	require.NoError(t, err)

	hash := txHash("fill")
	h.receipts[hash] = fillReceipt(t, hash, sub.SettlerOrderID, sub.Order.FillDeadline, sub.Order.Outputs[0])
	first, err := h.pipeline.ObserveFill(ctx, hash)
	require.NoError(t, err)
	again, err := h.pipeline.ObserveFill(ctx, hash)
	require.NoError(t, err)
	require.Len(t, again, 1)

	leg, err := h.pipeline.RecordFill(ctx, first[0])
	require.NoError(t, err)
	assert.Equal(t, 0, leg)

	p := h.pipeline.Progress()
	assert.Equal(t, StageSubmitted, p.Stage)
	assert.Nil(t, p.Failed)
	assert.Len(t, h.journal.find(StageFilled, true), 1)

	hash2 := txHash("fill-2")
	h.receipts[hash2] = fillReceipt(t, hash2, sub.SettlerOrderID, sub.Order.FillDeadline, sub.Order.Outputs[1])
	_, err = h.pipeline.ObserveFill(ctx, hash2)
	require.NoError(t, err)
	assert.Equal(t, StageFilled, h.pipeline.Progress().Stage)

	// a completed order accepts the replay too
	leg, err = h.pipeline.RecordFill(ctx, first[0])
	require.NoError(t, err)
	assert.Equal(t, 0, leg)
	assert.Nil(t, h.pipeline.Progress().Failed)
}
