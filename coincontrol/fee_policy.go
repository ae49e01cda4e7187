// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/coincontrol/chain"
	"github.com/btcsuite/coincontrol/pkg/btcunit"
)

// FeeEstimator computes the fee of a transaction before it exists. The fee
// must never decrease when an input is added, so the selector can grow its
// input set greedily.
type FeeEstimator interface {
	// EstimateFee returns the fee for a transaction spending inputs and
	// paying outputs, plus a change output whose script is
	// changeScriptSize bytes long when changeScriptSize is positive.
	EstimateFee(inputs []chain.UnspentOutput, outputs []*wire.TxOut,
		changeScriptSize int) btcutil.Amount

	// String describes the policy for logs.
	String() string
}

// FlatFee pays the same fee regardless of the transaction size.
type FlatFee btcutil.Amount

// A compile-time assertion to ensure FlatFee implements FeeEstimator.
var _ FeeEstimator = FlatFee(0)

// EstimateFee returns the flat fee.
func (f FlatFee) EstimateFee([]chain.UnspentOutput, []*wire.TxOut,
	int) btcutil.Amount {

	return btcutil.Amount(f)
}

// String describes the policy.
func (f FlatFee) String() string {
	return fmt.Sprintf("flat fee of %v", btcutil.Amount(f))
}

// RateFee pays a fee rate over the estimated virtual size of the signed
// transaction.
type RateFee struct {
	// Rate is the fee rate to pay.
	Rate btcunit.SatPerKVByte

	// MinFee is the lowest fee ever returned, e.g. the node's minimum
	// relay fee for tiny transactions.
	MinFee btcutil.Amount
}

// A compile-time assertion to ensure RateFee implements FeeEstimator.
var _ FeeEstimator = (*RateFee)(nil)

// EstimateFee returns the rate applied to the worst case virtual size. Inputs
// are sized by the class of the script they spend; scripts the estimator does
// not know are sized as P2PKH.
func (r *RateFee) EstimateFee(inputs []chain.UnspentOutput,
	outputs []*wire.TxOut, changeScriptSize int) btcutil.Amount {

	var p2pkh, p2tr, p2wpkh, nested int
	for _, input := range inputs {
		switch txscript.GetScriptClass(input.PkScript) {
		case txscript.WitnessV0PubKeyHashTy:
			p2wpkh++

		case txscript.WitnessV1TaprootTy:
			p2tr++

		// Wallet P2SH outputs are assumed to be nested P2WPKH.
		case txscript.ScriptHashTy:
			nested++

		default:
			p2pkh++
		}
	}

	vsize := txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, outputs, changeScriptSize,
	)

	fee := r.Rate.FeeForVSize(btcunit.VByte(vsize))
	if fee < r.MinFee {
		return r.MinFee
	}

	return fee
}

// String describes the policy.
func (r *RateFee) String() string {
	return fmt.Sprintf("fee rate of %v (min %v)", r.Rate, r.MinFee)
}
