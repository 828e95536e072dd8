package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

func openedOrder(t *testing.T, settler *fakeSettler) *Submission {
	t.Helper()
	sub, err := newTestSubmitter(settler, fundedTokens(), nil).Submit(context.Background(), testRequest())
	require.NoError(t, err)
	return sub
}

func TestFinaliseClaimsDepositedOrder(t *testing.T) {
	settler := newFakeSettler()
	sub := openedOrder(t, settler)
	solve := Solve{Timestamp: 1739000060, Solver: intent.WidenAddress(solverAddr)}

	claim, err := NewFinisher(settler, testLogger()).Finalise(context.Background(), sub.Order, sub.SettlerOrderID, []Solve{solve}, intent.WidenAddress(solverAddr), nil)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusClaimed, claim.Status)
	assert.Equal(t, txHash("finalise"), claim.TxHash)
	assert.Equal(t, []uint32{1739000060}, settler.lastCall.timestamps)
}

func TestFinaliseRejectsSolveCountMismatch(t *testing.T) {
	settler := newFakeSettler()
	sub := openedOrder(t, settler)

	_, err := NewFinisher(settler, testLogger()).Finalise(context.Background(), sub.Order, sub.SettlerOrderID, nil, intent.WidenAddress(solverAddr), nil)
	assert.ErrorIs(t, err, ErrSolveCountMismatch)
	assert.Equal(t, 0, settler.finalised)
}

func TestFinaliseRequiresClaimedStatus(t *testing.T) {
	settler := newFakeSettler()
	settler.skipStatusUpdate = true
	sub := openedOrder(t, settler)

	_, err := NewFinisher(settler, testLogger()).Finalise(context.Background(), sub.Order, sub.SettlerOrderID, []Solve{{Timestamp: 1}}, intent.WidenAddress(solverAddr), nil)
	assert.ErrorIs(t, err, ErrClaimNotConfirmed)
	assert.Equal(t, 1, settler.finalised)
}

func TestFinaliseTwiceSurfacesAlreadyClaimed(t *testing.T) {
	settler := newFakeSettler()
	sub := openedOrder(t, settler)
	fin := NewFinisher(settler, testLogger())
	solves := []Solve{{Timestamp: 1, Solver: intent.WidenAddress(solverAddr)}}

	_, err := fin.Finalise(context.Background(), sub.Order, sub.SettlerOrderID, solves, intent.WidenAddress(solverAddr), nil)
	require.NoError(t, err)

	_, err = fin.Finalise(context.Background(), sub.Order, sub.SettlerOrderID, solves, intent.WidenAddress(solverAddr), nil)
	require.Error(t, err)
	var rerr *chain.RevertError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, chain.RevertAlreadyClaimed, rerr.Kind)
}

func TestFinaliseUnopenedOrderIsNotReportedAsClaimed(t *testing.T) {
	settler := newFakeSettler()
	order, err := newTestSubmitter(settler, fundedTokens(), nil).BuildOrder(testRequest())
	require.NoError(t, err)
	id, err := intent.ComputeOrderID(order)
	require.NoError(t, err)
	solves := []Solve{{Timestamp: 1, Solver: intent.WidenAddress(solverAddr)}}

	_, err = NewFinisher(settler, testLogger()).Finalise(context.Background(), order, id, solves, intent.WidenAddress(solverAddr), nil)
	require.Error(t, err)
	assert.True(t, chain.IsRevert(err, chain.RevertInvalidStatus))
	assert.False(t, chain.IsRevert(err, chain.RevertAlreadyClaimed))
}
