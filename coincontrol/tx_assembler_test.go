// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// testPlan returns a balanced plan spending inputs to pay amt to dest.
func testPlan(dest btcutil.Address, amt, change, fee btcutil.Amount,
	inputs ...chain.UnspentOutput) *SelectionPlan {

	var total btcutil.Amount
	for _, input := range inputs {
		total += input.Amount
	}

	return &SelectionPlan{
		Inputs:       inputs,
		TotalInput:   total,
		Outputs:      []Output{{Address: dest, Amount: amt}},
		ChangeAmount: change,
		Fee:          fee,
	}
}

// TestAssembleWithChange checks a change address is requested from the node
// and paid the change.
func TestAssembleWithChange(t *testing.T) {
	t.Parallel()

	addr := testAddr(t, 1)
	dest := testAddr(t, 9)
	changeAddr := testAddr(t, 8)

	plan := testPlan(dest, 600, 190, 10,
		testUtxo(t, 1, 500, addr), testUtxo(t, 2, 300, addr))

	rawTx := testRawTx(t, plan.OutPoints(),
		Output{Address: changeAddr, Amount: 190},
		Output{Address: dest, Amount: 600})
	signedTx := signTx(rawTx)

	node := &mockNode{}
	defer node.AssertExpectations(t)

	node.On("GetRawChangeAddress", mock.Anything).Return(
		changeAddr, nil,
	).Once()
	node.On("CreateRawTransaction", mock.Anything, plan.OutPoints(),
		amountsMatch(map[string]btcutil.Amount{
			dest.EncodeAddress():       600,
			changeAddr.EncodeAddress(): 190,
		}),
	).Return(rawTx, nil).Once()
	node.On("SignRawTransaction", mock.Anything, rawTx).Return(
		signedTx, true, nil,
	).Once()

	assembler := NewAssembler(node, fn.None[btcutil.Address]())
	signed, err := assembler.Assemble(context.Background(), plan)
	require.NoError(t, err)
	require.True(t, signed.Complete)
	require.Equal(t, signedTx, signed.Tx)
	require.Equal(t, changeAddr, plan.ChangeAddress)
}

// TestBuildWithoutChange checks no change address is requested when there is
// no change.
func TestBuildWithoutChange(t *testing.T) {
	t.Parallel()

	dest := testAddr(t, 9)
	plan := testPlan(dest, 600, 0, 20, testUtxo(t, 1, 620, testAddr(t, 1)))

	rawTx := testRawTx(t, plan.OutPoints(),
		Output{Address: dest, Amount: 600})

	node := &mockNode{}
	defer node.AssertExpectations(t)

	node.On("CreateRawTransaction", mock.Anything, plan.OutPoints(),
		amountsMatch(map[string]btcutil.Amount{
			dest.EncodeAddress(): 600,
		}),
	).Return(rawTx, nil).Once()

	assembler := NewAssembler(node, fn.None[btcutil.Address]())
	got, err := assembler.Build(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, rawTx, got)
	require.Nil(t, plan.ChangeAddress)

	node.AssertNotCalled(t, "GetRawChangeAddress", mock.Anything)
}

// TestBuildChangeToRecipient checks change paid to a recipient is merged
// into that recipient's output.
func TestBuildChangeToRecipient(t *testing.T) {
	t.Parallel()

	dest := testAddr(t, 9)
	plan := testPlan(dest, 600, 190, 10, testUtxo(t, 1, 800, testAddr(t, 1)))

	rawTx := testRawTx(t, plan.OutPoints(),
		Output{Address: dest, Amount: 790})

	node := &mockNode{}
	defer node.AssertExpectations(t)

	node.On("CreateRawTransaction", mock.Anything, plan.OutPoints(),
		amountsMatch(map[string]btcutil.Amount{
			dest.EncodeAddress(): 790,
		}),
	).Return(rawTx, nil).Once()

	assembler := NewAssembler(node, fn.Some(dest))
	_, err := assembler.Build(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, dest, plan.ChangeAddress)

	node.AssertNotCalled(t, "GetRawChangeAddress", mock.Anything)
}

// TestBuildMalformed checks transactions not matching the plan are refused.
func TestBuildMalformed(t *testing.T) {
	t.Parallel()

	addr := testAddr(t, 1)
	dest := testAddr(t, 9)
	other := testAddr(t, 7)

	u1 := testUtxo(t, 1, 500, addr)
	u2 := testUtxo(t, 2, 120, addr)

	testCases := []struct {
		name  string
		rawTx *wire.MsgTx
	}{
		{
			name: "wrong amount",
			rawTx: testRawTx(t, []wire.OutPoint{u1.OutPoint,
				u2.OutPoint}, Output{Address: dest, Amount: 610}),
		},
		{
			name: "wrong recipient",
			rawTx: testRawTx(t, []wire.OutPoint{u1.OutPoint,
				u2.OutPoint}, Output{Address: other, Amount: 600}),
		},
		{
			name: "extra output",
			rawTx: testRawTx(t, []wire.OutPoint{u1.OutPoint,
				u2.OutPoint}, Output{Address: dest, Amount: 600},
				Output{Address: other, Amount: 10}),
		},
		{
			name: "missing input",
			rawTx: testRawTx(t, []wire.OutPoint{u1.OutPoint},
				Output{Address: dest, Amount: 600}),
		},
		{
			name: "foreign input",
			rawTx: testRawTx(t, []wire.OutPoint{u1.OutPoint,
				{Index: 42}}, Output{Address: dest, Amount: 600}),
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			plan := testPlan(dest, 600, 0, 20, u1, u2)

			node := &mockNode{}
			node.On("CreateRawTransaction", mock.Anything,
				mock.Anything, mock.Anything).Return(
				tc.rawTx, nil,
			)

			assembler := NewAssembler(
				node, fn.None[btcutil.Address](),
			)
			_, err := assembler.Build(context.Background(), plan)
			require.ErrorIs(t, err, ErrMalformedTx)
		})
	}
}

// TestBuildUnbalancedPlan checks a plan that does not add up never reaches
// the node.
func TestBuildUnbalancedPlan(t *testing.T) {
	t.Parallel()

	plan := testPlan(testAddr(t, 9), 600, 190, 20,
		testUtxo(t, 1, 800, testAddr(t, 1)))

	node := &mockNode{}
	assembler := NewAssembler(node, fn.None[btcutil.Address]())

	_, err := assembler.Build(context.Background(), plan)
	require.ErrorIs(t, err, ErrPlanUnbalanced)
	node.AssertNotCalled(t, "CreateRawTransaction", mock.Anything,
		mock.Anything, mock.Anything)
}

// TestBuildNodeError checks a node rejection is passed on untouched.
func TestBuildNodeError(t *testing.T) {
	t.Parallel()

	dest := testAddr(t, 9)
	plan := testPlan(dest, 600, 0, 20, testUtxo(t, 1, 620, testAddr(t, 1)))

	rpcErr := &chain.RPCError{
		Method:  chain.MethodCreateRawTransaction,
		Code:    chain.ErrCodeInvalidParam,
		Message: "Invalid parameter, vout cannot be negative",
	}

	node := &mockNode{}
	node.On("CreateRawTransaction", mock.Anything, mock.Anything,
		mock.Anything).Return(nil, rpcErr)

	assembler := NewAssembler(node, fn.None[btcutil.Address]())
	_, err := assembler.Build(context.Background(), plan)

	var target *chain.RPCError
	require.True(t, errors.As(err, &target))
	require.Equal(t, rpcErr, target)
}

// TestSignIncomplete checks an incomplete signature is reported with the
// partial transaction and a PSBT for co-signers.
func TestSignIncomplete(t *testing.T) {
	t.Parallel()

	dest := testAddr(t, 9)
	witness := testUtxo(t, 1, 500, testWitnessAddr(t, 1))
	legacy := testUtxo(t, 2, 300, testAddr(t, 2))

	plan := testPlan(dest, 600, 0, 200, witness, legacy)
	rawTx := testRawTx(t, plan.OutPoints(),
		Output{Address: dest, Amount: 600})

	partial := rawTx.Copy()
	partial.TxIn[1].SignatureScript = []byte{0x01}

	node := &mockNode{}
	node.On("SignRawTransaction", mock.Anything, rawTx).Return(
		partial, false, nil,
	)

	assembler := NewAssembler(node, fn.None[btcutil.Address]())
	signed, err := assembler.Sign(context.Background(), plan, rawTx)
	require.NotNil(t, signed)
	require.False(t, signed.Complete)
	require.Equal(t, partial, signed.Tx)

	var sigErr *IncompleteSignatureError
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, rawTx, sigErr.Unsigned)
	require.Equal(t, partial, sigErr.Partial)

	encoded, err := sigErr.PSBT()
	require.NoError(t, err)

	packet, err := psbt.NewFromRawBytes(strings.NewReader(encoded), true)
	require.NoError(t, err)
	require.Equal(t, rawTx.TxHash(), packet.UnsignedTx.TxHash())
	require.Len(t, packet.Inputs, 2)

	// Only the witness input carries its previous output.
	require.NotNil(t, packet.Inputs[0].WitnessUtxo)
	require.Equal(t, int64(500), packet.Inputs[0].WitnessUtxo.Value)
	require.Nil(t, packet.Inputs[1].WitnessUtxo)
}

// TestSignAltered checks a signer changing the transaction is refused.
func TestSignAltered(t *testing.T) {
	t.Parallel()

	dest := testAddr(t, 9)
	plan := testPlan(dest, 600, 0, 20, testUtxo(t, 1, 620, testAddr(t, 1)))
	rawTx := testRawTx(t, plan.OutPoints(),
		Output{Address: dest, Amount: 600})

	altered := signTx(rawTx)
	altered.TxOut[0].Value = 500

	node := &mockNode{}
	node.On("SignRawTransaction", mock.Anything, rawTx).Return(
		altered, true, nil,
	)

	assembler := NewAssembler(node, fn.None[btcutil.Address]())
	_, err := assembler.Sign(context.Background(), plan, rawTx)
	require.ErrorIs(t, err, ErrMalformedTx)
}
