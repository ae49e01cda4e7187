// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/chain"
)

var (
	// ErrNilSpendRequest is returned when a nil request is provided.
	ErrNilSpendRequest = errors.New("nil spend request")

	// ErrMissingNode is returned when a spender is created without a
	// node.
	ErrMissingNode = errors.New("missing node")

	// ErrNoTxOutputs is returned when a transaction is requested without
	// any outputs.
	ErrNoTxOutputs = errors.New("tx has no outputs")

	// ErrDuplicatedRecipient is returned when the same address is paid
	// twice in one request.
	ErrDuplicatedRecipient = errors.New("duplicated recipient address")

	// ErrManualInputsEmpty is returned when manual inputs are specified
	// but the list is empty.
	ErrManualInputsEmpty = errors.New("manual inputs cannot be empty")

	// ErrDuplicatedUtxo is returned when a UTXO is specified multiple
	// times.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")

	// ErrUtxoNotEligible is returned when a manually chosen UTXO is not in
	// the catalog or cannot be signed by the wallet.
	ErrUtxoNotEligible = errors.New("utxo not eligible to spend")

	// ErrUnsupportedTxInputs is returned when the Inputs field of a
	// SpendRequest is not of a supported type.
	ErrUnsupportedTxInputs = errors.New("unsupported tx inputs type")

	// ErrMissingFeeEstimator is returned when a selector is used without
	// a fee estimator.
	ErrMissingFeeEstimator = errors.New("missing fee estimator")

	// ErrFeeTooHigh is returned when the fee of a plan exceeds the
	// configured maximum.
	ErrFeeTooHigh = errors.New("fee too high")

	// ErrPlanUnbalanced is returned when the inputs of a plan do not equal
	// its outputs, change and fee.
	ErrPlanUnbalanced = errors.New("selection plan does not balance")

	// ErrMalformedTx is returned when a transaction returned by the node
	// does not match the plan it was built from.
	ErrMalformedTx = errors.New("malformed transaction")

	// ErrNotFullySigned is returned when broadcasting a transaction that
	// the signer did not complete.
	ErrNotFullySigned = errors.New("transaction is not fully signed")

	// ErrAborted is returned by a confirmation hook to stop before the
	// transaction is broadcast.
	ErrAborted = errors.New("aborted by operator")
)

// InsufficientFundsError is returned when no subset of the catalog covers the
// requested outputs plus the fee.
type InsufficientFundsError struct {
	// Required is the amount needed: outputs plus fee.
	Required btcutil.Amount

	// Available is the total value of the candidate outputs.
	Available btcutil.Amount
}

// Error returns a human-readable description of the shortfall.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %v, have %v", e.Required,
		e.Available)
}

// IncompleteSignatureError is returned when the node's signer could not
// provide every signature, e.g. for a multisig output missing co-signers.
type IncompleteSignatureError struct {
	// Unsigned is the transaction as created by the node.
	Unsigned *wire.MsgTx

	// Partial is the partially signed transaction returned by the signer.
	Partial *wire.MsgTx

	// inputs are the outputs being spent, used to fill the PSBT.
	inputs []chain.UnspentOutput
}

// Error returns a human-readable description of the failure.
func (e *IncompleteSignatureError) Error() string {
	return fmt.Sprintf("signer returned an incomplete signature for %v "+
		"(%d inputs), co-signing is required", e.Unsigned.TxHash(),
		len(e.Unsigned.TxIn))
}

// PSBT returns the unsigned transaction as a base64 encoded PSBT that can be
// handed to co-signers. Witness inputs carry their previous output.
func (e *IncompleteSignatureError) PSBT() (string, error) {
	packet, err := psbt.NewFromUnsignedTx(e.Unsigned.Copy())
	if err != nil {
		return "", err
	}

	prevOuts := make(map[wire.OutPoint]chain.UnspentOutput, len(e.inputs))
	for _, input := range e.inputs {
		prevOuts[input.OutPoint] = input
	}

	for i, txIn := range packet.UnsignedTx.TxIn {
		prevOut, ok := prevOuts[txIn.PreviousOutPoint]
		if !ok || !txscript.IsWitnessProgram(prevOut.PkScript) {
			continue
		}

		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(
			int64(prevOut.Amount), prevOut.PkScript,
		)
	}

	return packet.B64Encode()
}

// BroadcastRejectedError is returned when the node refuses a finished
// transaction.
type BroadcastRejectedError struct {
	// Code is the node's error code, zero when the rejection came from a
	// mempool acceptance test.
	Code chain.RPCErrorCode

	// Reason is the node's reason, verbatim.
	Reason string
}

// Error returns a human-readable description of the rejection.
func (e *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s", e.Reason)
}
