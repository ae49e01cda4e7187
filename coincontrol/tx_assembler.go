// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxBuilder is the part of the node that creates and signs transactions.
type TxBuilder interface {
	// GetRawChangeAddress returns a fresh change address from the node's
	// wallet.
	GetRawChangeAddress(ctx context.Context) (btcutil.Address, error)

	// CreateRawTransaction builds an unsigned transaction spending inputs
	// and paying amounts.
	CreateRawTransaction(ctx context.Context, inputs []wire.OutPoint,
		amounts map[btcutil.Address]btcutil.Amount) (*wire.MsgTx, error)

	// SignRawTransaction signs tx with the node's wallet and reports
	// whether every input could be signed.
	SignRawTransaction(ctx context.Context,
		tx *wire.MsgTx) (*wire.MsgTx, bool, error)
}

// SignedTransaction is a transaction returned by the signer.
type SignedTransaction struct {
	// Tx is the transaction with the signatures the signer could add.
	Tx *wire.MsgTx

	// Complete is true when every input is signed. Only a complete
	// transaction may be broadcast.
	Complete bool
}

// Assembler turns a selection plan into a signed transaction using the node.
type Assembler struct {
	node TxBuilder

	// changeAddr, when set, receives the change instead of a fresh
	// address from the node.
	changeAddr fn.Option[btcutil.Address]
}

// NewAssembler returns an assembler using node. When changeAddr is set it is
// used for every change output.
func NewAssembler(node TxBuilder,
	changeAddr fn.Option[btcutil.Address]) *Assembler {

	return &Assembler{
		node:       node,
		changeAddr: changeAddr,
	}
}

// Assemble builds and signs the transaction for plan.
func (a *Assembler) Assemble(ctx context.Context,
	plan *SelectionPlan) (*SignedTransaction, error) {

	rawTx, err := a.Build(ctx, plan)
	if err != nil {
		return nil, err
	}

	return a.Sign(ctx, plan, rawTx)
}

// Build asks the node to create the unsigned transaction for plan. A change
// address is only requested when the plan has change, and it is recorded in
// the plan. The returned transaction is checked to spend exactly the plan's
// inputs and pay exactly its outputs.
func (a *Assembler) Build(ctx context.Context,
	plan *SelectionPlan) (*wire.MsgTx, error) {

	if err := plan.validate(); err != nil {
		return nil, err
	}

	if plan.ChangeAmount > 0 && plan.ChangeAddress == nil {
		changeAddr, err := a.changeAddress(ctx)
		if err != nil {
			return nil, fmt.Errorf("change address: %w", err)
		}

		plan.ChangeAddress = changeAddr
	}

	amounts := paymentAmounts(plan)

	rawTx, err := a.node.CreateRawTransaction(
		ctx, plan.OutPoints(), amounts,
	)
	if err != nil {
		return nil, fmt.Errorf("create raw transaction: %w", err)
	}

	if err := checkRawTx(rawTx, plan); err != nil {
		return nil, err
	}

	log.Debugf("Created raw transaction %v with %d inputs and %d outputs",
		rawTx.TxHash(), len(rawTx.TxIn), len(rawTx.TxOut))

	return rawTx, nil
}

// Sign asks the node to sign rawTx. When the signer cannot complete the
// transaction the partial result is returned together with an
// IncompleteSignatureError.
func (a *Assembler) Sign(ctx context.Context, plan *SelectionPlan,
	rawTx *wire.MsgTx) (*SignedTransaction, error) {

	signedTx, complete, err := a.node.SignRawTransaction(ctx, rawTx)
	if err != nil {
		return nil, fmt.Errorf("sign raw transaction: %w", err)
	}

	if err := checkSameSkeleton(rawTx, signedTx); err != nil {
		return nil, err
	}

	signed := &SignedTransaction{
		Tx:       signedTx,
		Complete: complete,
	}

	if !complete {
		return signed, &IncompleteSignatureError{
			Unsigned: rawTx,
			Partial:  signedTx,
			inputs:   plan.Inputs,
		}
	}

	log.Debugf("Signed transaction %v", signedTx.TxHash())

	return signed, nil
}

// changeAddress returns the operator's change address or, if none was set, a
// fresh one from the node.
func (a *Assembler) changeAddress(
	ctx context.Context) (btcutil.Address, error) {

	if a.changeAddr.IsSome() {
		return a.changeAddr.UnwrapOr(nil), nil
	}

	return a.node.GetRawChangeAddress(ctx)
}

// paymentAmounts returns the amount paid to each address of the plan. Change
// paid to one of the recipients is merged into that recipient's output.
func paymentAmounts(plan *SelectionPlan) map[btcutil.Address]btcutil.Amount {
	addrs := make(map[string]btcutil.Address, len(plan.Outputs)+1)
	values := make(map[string]btcutil.Amount, len(plan.Outputs)+1)

	pay := func(addr btcutil.Address, amt btcutil.Amount) {
		key := addr.EncodeAddress()
		if _, ok := addrs[key]; !ok {
			addrs[key] = addr
		}
		values[key] += amt
	}

	for _, output := range plan.Outputs {
		pay(output.Address, output.Amount)
	}

	if plan.ChangeAmount > 0 {
		pay(plan.ChangeAddress, plan.ChangeAmount)
	}

	amounts := make(map[btcutil.Address]btcutil.Amount, len(addrs))
	for key, addr := range addrs {
		amounts[addr] = values[key]
	}

	return amounts
}

// checkRawTx verifies that tx spends the plan's inputs and pays the plan's
// outputs and change, nothing more and nothing less. The node is free to
// order the outputs.
func checkRawTx(tx *wire.MsgTx, plan *SelectionPlan) error {
	if len(tx.TxIn) != len(plan.Inputs) {
		return fmt.Errorf("%w: %d inputs, plan has %d", ErrMalformedTx,
			len(tx.TxIn), len(plan.Inputs))
	}

	planned := make(map[wire.OutPoint]struct{}, len(plan.Inputs))
	for _, input := range plan.Inputs {
		planned[input.OutPoint] = struct{}{}
	}

	for _, txIn := range tx.TxIn {
		if _, ok := planned[txIn.PreviousOutPoint]; !ok {
			return fmt.Errorf("%w: unexpected input %v",
				ErrMalformedTx, txIn.PreviousOutPoint)
		}
		delete(planned, txIn.PreviousOutPoint)
	}

	amounts := paymentAmounts(plan)
	if len(tx.TxOut) != len(amounts) {
		return fmt.Errorf("%w: %d outputs, plan has %d", ErrMalformedTx,
			len(tx.TxOut), len(amounts))
	}

	expected := make(map[string]btcutil.Amount, len(amounts))
	for addr, amt := range amounts {
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return err
		}
		expected[string(pkScript)] = amt
	}

	for _, txOut := range tx.TxOut {
		amt, ok := expected[string(txOut.PkScript)]
		if !ok || int64(amt) != txOut.Value {
			return fmt.Errorf("%w: unexpected output of %v to "+
				"script %x", ErrMalformedTx,
				btcutil.Amount(txOut.Value), txOut.PkScript)
		}
		delete(expected, string(txOut.PkScript))
	}

	return nil
}

// checkSameSkeleton verifies that the signer only added signatures: the
// signed transaction must spend the same inputs, in the same order, and pay
// the same outputs as the unsigned one.
func checkSameSkeleton(unsigned, signed *wire.MsgTx) error {
	switch {
	case signed == nil:
		return fmt.Errorf("%w: signer returned no transaction",
			ErrMalformedTx)

	case len(signed.TxIn) != len(unsigned.TxIn),
		len(signed.TxOut) != len(unsigned.TxOut),
		signed.Version != unsigned.Version,
		signed.LockTime != unsigned.LockTime:

		return fmt.Errorf("%w: signed transaction differs from %v",
			ErrMalformedTx, unsigned.TxHash())
	}

	for i, txIn := range signed.TxIn {
		if txIn.PreviousOutPoint != unsigned.TxIn[i].PreviousOutPoint {
			return fmt.Errorf("%w: signed input %d spends %v, "+
				"expected %v", ErrMalformedTx, i,
				txIn.PreviousOutPoint,
				unsigned.TxIn[i].PreviousOutPoint)
		}
	}

	for i, txOut := range signed.TxOut {
		want := unsigned.TxOut[i]
		if txOut.Value != want.Value ||
			!bytes.Equal(txOut.PkScript, want.PkScript) {

			return fmt.Errorf("%w: signed output %d differs",
				ErrMalformedTx, i)
		}
	}

	return nil
}
