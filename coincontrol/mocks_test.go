// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/chain"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var _ Node = (*mockNode)(nil)

// mockNode is a mock implementation of the node used by the pipeline.
type mockNode struct {
	mock.Mock
}

func (m *mockNode) ListUnspent(ctx context.Context, minConf, maxConf int,
	addrs []btcutil.Address) ([]chain.UnspentOutput, error) {

	args := m.Called(ctx, minConf, maxConf, addrs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]chain.UnspentOutput), args.Error(1)
}

func (m *mockNode) GetRawChangeAddress(
	ctx context.Context) (btcutil.Address, error) {

	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(btcutil.Address), args.Error(1)
}

func (m *mockNode) CreateRawTransaction(ctx context.Context,
	inputs []wire.OutPoint,
	amounts map[btcutil.Address]btcutil.Amount) (*wire.MsgTx, error) {

	args := m.Called(ctx, inputs, amounts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*wire.MsgTx), args.Error(1)
}

func (m *mockNode) SignRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*wire.MsgTx, bool, error) {

	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}

	return args.Get(0).(*wire.MsgTx), args.Bool(1), args.Error(2)
}

func (m *mockNode) SendRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

func (m *mockNode) TestMempoolAccept(ctx context.Context,
	tx *wire.MsgTx) (*chain.MempoolAcceptResult, error) {

	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chain.MempoolAcceptResult), args.Error(1)
}

func (m *mockNode) GetTransaction(ctx context.Context,
	txid *chainhash.Hash) (*chain.TxStatus, error) {

	args := m.Called(ctx, txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chain.TxStatus), args.Error(1)
}

// testAddr returns a regtest P2PKH address derived from id.
func testAddr(t *testing.T, id byte) btcutil.Address {
	t.Helper()

	hash := make([]byte, 20)
	hash[0] = id

	addr, err := btcutil.NewAddressPubKeyHash(
		hash, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return addr
}

// testWitnessAddr returns a regtest P2WPKH address derived from id.
func testWitnessAddr(t *testing.T, id byte) btcutil.Address {
	t.Helper()

	hash := make([]byte, 20)
	hash[0] = id

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		hash, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return addr
}

// testUtxo returns a spendable, confirmed output of amt paying addr.
func testUtxo(t *testing.T, id byte, amt btcutil.Amount,
	addr btcutil.Address) chain.UnspentOutput {

	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return chain.UnspentOutput{
		OutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{id},
			Index: uint32(id),
		},
		Address:       addr.EncodeAddress(),
		PkScript:      pkScript,
		Amount:        amt,
		Confirmations: 6,
		Spendable:     true,
	}
}

// testRawTx builds the transaction a node would create for the given inputs
// and payments.
func testRawTx(t *testing.T, inputs []wire.OutPoint,
	outputs ...Output) *wire.MsgTx {

	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range inputs {
		tx.AddTxIn(wire.NewTxIn(&inputs[i], nil, nil))
	}

	for _, output := range outputs {
		pkScript, err := txscript.PayToAddrScript(output.Address)
		require.NoError(t, err)

		tx.AddTxOut(wire.NewTxOut(int64(output.Amount), pkScript))
	}

	return tx
}

// signTx returns a copy of tx with a dummy signature script on every input.
func signTx(tx *wire.MsgTx) *wire.MsgTx {
	signed := tx.Copy()
	for _, txIn := range signed.TxIn {
		txIn.SignatureScript = []byte{0x01, 0x02}
	}

	return signed
}

// amountsMatch returns a matcher for the amounts argument of
// CreateRawTransaction keyed by encoded address.
func amountsMatch(want map[string]btcutil.Amount) interface{} {
	return mock.MatchedBy(
		func(amounts map[btcutil.Address]btcutil.Amount) bool {
			if len(amounts) != len(want) {
				return false
			}

			for addr, amt := range amounts {
				if want[addr.EncodeAddress()] != amt {
					return false
				}
			}

			return true
		},
	)
}
