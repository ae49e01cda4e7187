// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// spendHarness wires a spender to a mock node holding a 500/300/100 catalog.
type spendHarness struct {
	node    *mockNode
	spender *Spender

	u500, u300, u100 chain.UnspentOutput

	dest, change btcutil.Address
}

func newSpendHarness(t *testing.T) *spendHarness {
	t.Helper()

	addr := testAddr(t, 1)
	h := &spendHarness{
		node:   &mockNode{},
		u500:   testUtxo(t, 1, 500, addr),
		u300:   testUtxo(t, 2, 300, addr),
		u100:   testUtxo(t, 3, 100, addr),
		dest:   testAddr(t, 9),
		change: testAddr(t, 8),
	}

	spender, err := NewSpender(Config{
		Node: h.node,
		Selector: SelectorConfig{
			Fee:          FlatFee(10),
			DustRelayFee: testDustRelayFee,
		},
		ChangeAddress: fn.None[btcutil.Address](),
	})
	require.NoError(t, err)
	h.spender = spender

	h.node.On("ListUnspent", mock.Anything, 0, chain.DefaultMaxConfs,
		[]btcutil.Address(nil)).Return(
		[]chain.UnspentOutput{h.u100, h.u500, h.u300}, nil,
	).Once()

	return h
}

// expectAssembly sets up the change address, creation and signing of the
// 600 payment and returns the raw and signed transactions.
func (h *spendHarness) expectAssembly(t *testing.T,
	complete bool) (*wire.MsgTx, *wire.MsgTx) {

	t.Helper()

	inputs := []wire.OutPoint{h.u500.OutPoint, h.u300.OutPoint}
	rawTx := testRawTx(t, inputs,
		Output{Address: h.dest, Amount: 600},
		Output{Address: h.change, Amount: 190})

	signedTx := signTx(rawTx)
	if !complete {
		signedTx.TxIn[1].SignatureScript = nil
	}

	h.node.On("GetRawChangeAddress", mock.Anything).Return(
		h.change, nil,
	).Once()
	h.node.On("CreateRawTransaction", mock.Anything, inputs,
		amountsMatch(map[string]btcutil.Amount{
			h.dest.EncodeAddress():   600,
			h.change.EncodeAddress(): 190,
		}),
	).Return(rawTx, nil).Once()
	h.node.On("SignRawTransaction", mock.Anything, rawTx).Return(
		signedTx, complete, nil,
	).Once()

	return rawTx, signedTx
}

func (h *spendHarness) request(amt btcutil.Amount) *SpendRequest {
	return &SpendRequest{
		Outputs: []Output{{Address: h.dest, Amount: amt}},
	}
}

// TestSpend checks a payment runs through every stage and is broadcast once.
func TestSpend(t *testing.T) {
	t.Parallel()

	h := newSpendHarness(t)
	defer h.node.AssertExpectations(t)

	rawTx, signedTx := h.expectAssembly(t, true)
	txid := signedTx.TxHash()

	h.node.On("TestMempoolAccept", mock.Anything, signedTx).Return(
		&chain.MempoolAcceptResult{Allowed: true}, nil,
	).Once()
	h.node.On("SendRawTransaction", mock.Anything, signedTx).Return(
		&txid, nil,
	).Once()

	var confirmed *Result
	req := h.request(600)
	req.Confirm = func(r *Result) error {
		confirmed = r
		return nil
	}

	result, err := h.spender.Spend(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, StageBroadcast, result.Stage)
	require.Equal(t, txid, *result.TxID)
	require.Equal(t, rawTx, result.RawTx)
	require.Equal(t, signedTx, result.SignedTx.Tx)
	require.Same(t, result, confirmed)

	plan := result.Plan
	require.Equal(t, []chain.UnspentOutput{h.u500, h.u300}, plan.Inputs)
	require.Equal(t, btcutil.Amount(190), plan.ChangeAmount)
	require.Equal(t, btcutil.Amount(10), plan.Fee)
	require.Equal(t, h.change, plan.ChangeAddress)

	h.node.AssertNumberOfCalls(t, "SendRawTransaction", 1)
}

// TestSpendInsufficientFunds checks a shortfall stops the pipeline before
// any call that creates anything on the node.
func TestSpendInsufficientFunds(t *testing.T) {
	t.Parallel()

	h := newSpendHarness(t)
	defer h.node.AssertExpectations(t)

	result, err := h.spender.Spend(context.Background(), h.request(1000))

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageSelected, stageErr.Stage)

	var fundsErr *InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	require.Equal(t, btcutil.Amount(1010), fundsErr.Required)
	require.Equal(t, btcutil.Amount(900), fundsErr.Available)

	require.Equal(t, StageFiltered, result.Stage)
	require.Len(t, result.Catalog, 3)
	require.Nil(t, result.Plan)

	for _, method := range []string{
		"GetRawChangeAddress", "CreateRawTransaction",
		"SignRawTransaction", "SendRawTransaction",
	} {
		h.node.AssertNumberOfCalls(t, method, 0)
	}
}

// TestSpendIncompleteSignature checks a partially signed transaction is
// handed back and never broadcast.
func TestSpendIncompleteSignature(t *testing.T) {
	t.Parallel()

	h := newSpendHarness(t)
	defer h.node.AssertExpectations(t)

	rawTx, partial := h.expectAssembly(t, false)

	result, err := h.spender.Spend(context.Background(), h.request(600))

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageSigned, stageErr.Stage)

	var sigErr *IncompleteSignatureError
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, rawTx, sigErr.Unsigned)

	require.Equal(t, StageAssembled, result.Stage)
	require.False(t, result.SignedTx.Complete)
	require.Equal(t, partial, result.SignedTx.Tx)

	h.node.AssertNumberOfCalls(t, "SignRawTransaction", 1)
	h.node.AssertNumberOfCalls(t, "TestMempoolAccept", 0)
	h.node.AssertNumberOfCalls(t, "SendRawTransaction", 0)
}

// TestSpendDryRun checks a dry run stops after signing.
func TestSpendDryRun(t *testing.T) {
	t.Parallel()

	h := newSpendHarness(t)
	defer h.node.AssertExpectations(t)

	_, signedTx := h.expectAssembly(t, true)

	req := h.request(600)
	req.DryRun = true
	req.Confirm = func(*Result) error {
		return fmt.Errorf("confirm must not be called")
	}

	result, err := h.spender.Spend(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StageSigned, result.Stage)
	require.Equal(t, signedTx, result.SignedTx.Tx)
	require.Nil(t, result.TxID)

	h.node.AssertNumberOfCalls(t, "SendRawTransaction", 0)
}

// TestSpendAborted checks the operator can stop before the broadcast.
func TestSpendAborted(t *testing.T) {
	t.Parallel()

	h := newSpendHarness(t)
	defer h.node.AssertExpectations(t)

	h.expectAssembly(t, true)

	req := h.request(600)
	req.Confirm = func(*Result) error {
		return ErrAborted
	}

	result, err := h.spender.Spend(context.Background(), req)
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, StageSigned, result.Stage)

	h.node.AssertNumberOfCalls(t, "TestMempoolAccept", 0)
	h.node.AssertNumberOfCalls(t, "SendRawTransaction", 0)
}

// TestSpendManualInputs checks operator chosen inputs flow through the
// pipeline.
func TestSpendManualInputs(t *testing.T) {
	t.Parallel()

	h := newSpendHarness(t)
	defer h.node.AssertExpectations(t)

	inputs := []wire.OutPoint{h.u100.OutPoint, h.u500.OutPoint}
	rawTx := testRawTx(t, inputs, Output{Address: h.dest, Amount: 550})
	signedTx := signTx(rawTx)

	h.node.On("CreateRawTransaction", mock.Anything, inputs,
		amountsMatch(map[string]btcutil.Amount{
			h.dest.EncodeAddress(): 550,
		}),
	).Return(rawTx, nil).Once()
	h.node.On("SignRawTransaction", mock.Anything, rawTx).Return(
		signedTx, true, nil,
	).Once()

	req := h.request(550)
	req.Inputs = &InputsManual{UTXOs: inputs}
	req.DryRun = true

	result, err := h.spender.Spend(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, inputs, result.Plan.OutPoints())
	require.Zero(t, result.Plan.ChangeAmount)
	require.Equal(t, btcutil.Amount(50), result.Plan.Fee)

	h.node.AssertNotCalled(t, "GetRawChangeAddress", mock.Anything)
}

// TestSpendInvalidRequest checks malformed requests are refused before the
// node is asked anything.
func TestSpendInvalidRequest(t *testing.T) {
	t.Parallel()

	dest := testAddr(t, 9)
	outputs := []Output{{Address: dest, Amount: 600}}

	testCases := []struct {
		name    string
		req     *SpendRequest
		wantErr error
	}{
		{
			name:    "nil request",
			wantErr: ErrNilSpendRequest,
		},
		{
			name:    "no outputs",
			req:     &SpendRequest{},
			wantErr: ErrNoTxOutputs,
		},
		{
			name: "empty manual inputs",
			req: &SpendRequest{
				Outputs: outputs,
				Inputs:  &InputsManual{},
			},
			wantErr: ErrManualInputsEmpty,
		},
		{
			name: "nil manual inputs",
			req: &SpendRequest{
				Outputs: outputs,
				Inputs:  (*InputsManual)(nil),
			},
			wantErr: ErrUnsupportedTxInputs,
		},
		{
			name: "nil input policy",
			req: &SpendRequest{
				Outputs: outputs,
				Inputs:  (*InputsPolicy)(nil),
			},
			wantErr: ErrUnsupportedTxInputs,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			node := &mockNode{}
			spender, err := NewSpender(Config{
				Node:     node,
				Selector: SelectorConfig{Fee: FlatFee(10)},
			})
			require.NoError(t, err)

			result, err := spender.Spend(
				context.Background(), tc.req,
			)
			require.ErrorIs(t, err, tc.wantErr)
			require.Equal(t, StageInit, result.Stage)
			require.Empty(t, node.Calls)
		})
	}
}

// TestNewSpender checks the spender's dependencies are required.
func TestNewSpender(t *testing.T) {
	t.Parallel()

	_, err := NewSpender(Config{Selector: SelectorConfig{Fee: FlatFee(1)}})
	require.ErrorIs(t, err, ErrMissingNode)

	_, err = NewSpender(Config{Node: &mockNode{}})
	require.ErrorIs(t, err, ErrMissingFeeEstimator)
}

// TestStageString checks the stage names.
func TestStageString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "filtered", StageFiltered.String())
	require.Equal(t, "broadcast", StageBroadcast.String())
	require.Equal(t, "unknown stage (42)", Stage(42).String())

	err := &StageError{Stage: StageSigned, Err: ErrNotFullySigned}
	require.Equal(t, "signed stage failed: transaction is not fully "+
		"signed", err.Error())
}
