// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Node is everything the spender needs from the node.
type Node interface {
	UnspentLister
	TxBuilder
	TxSender
}

// A compile-time assertion to ensure the chain client satisfies Node.
var _ Node = (*chain.RPCClient)(nil)

// Inputs is a sealed interface that describes how the inputs of a spend are
// chosen: either InputsManual or InputsPolicy.
type Inputs interface {
	// isInputs is a marker method that is part of the sealed interface
	// pattern.
	isInputs()

	// validate performs validation on the inputs.
	validate() error
}

// InputsManual spends exactly the given outputs, in the given order.
type InputsManual struct {
	// UTXOs are the outputs to spend. Every one of them must be a
	// spendable output of the node's wallet.
	UTXOs []wire.OutPoint
}

// InputsPolicy lets the selector choose among the outputs matching the
// criteria.
type InputsPolicy struct {
	SelectionCriteria
}

// isInputs marks InputsManual as an implementation of the Inputs interface.
func (*InputsManual) isInputs() {}

// validate performs validation on the manual inputs.
func (i *InputsManual) validate() error {
	return validateOutPoints(i.UTXOs)
}

// isInputs marks InputsPolicy as an implementation of the Inputs
// interface.
func (*InputsPolicy) isInputs() {}

// validate performs validation on the input policy.
func (i *InputsPolicy) validate() error {
	for _, op := range i.Exclude {
		if op.Hash == (chainhash.Hash{}) {
			return fmt.Errorf("excluded outpoint %v has no txid", op)
		}
	}

	return nil
}

// SpendRequest describes a payment.
type SpendRequest struct {
	// Outputs are the payments to make.
	Outputs []Output

	// Inputs selects the inputs. Nil means InputsPolicy with its zero
	// value: every spendable output is a candidate.
	Inputs Inputs

	// DryRun stops after signing, nothing is broadcast.
	DryRun bool

	// Confirm, if set, is called with the signed transaction before it is
	// broadcast. A non-nil error, e.g. ErrAborted, stops the spend.
	Confirm func(*Result) error
}

// Stage is a step of the spend pipeline.
type Stage uint8

const (
	// StageInit is the stage before anything was done.
	StageInit Stage = iota

	// StageFiltered means the catalog snapshot was taken.
	StageFiltered

	// StageSelected means the inputs and change were chosen.
	StageSelected

	// StageAssembled means the node created the raw transaction.
	StageAssembled

	// StageSigned means the node signed the transaction.
	StageSigned

	// StageBroadcast means the transaction was handed to the node.
	StageBroadcast
)

// String returns the name of the stage.
func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageFiltered:
		return "filtered"
	case StageSelected:
		return "selected"
	case StageAssembled:
		return "assembled"
	case StageSigned:
		return "signed"
	case StageBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("unknown stage (%d)", uint8(s))
	}
}

// StageError is returned when the pipeline fails to reach a stage.
type StageError struct {
	// Stage is the stage that could not be reached.
	Stage Stage

	// Err is the cause.
	Err error
}

// Error returns a human-readable description of the failure.
func (e *StageError) Error() string {
	return fmt.Sprintf("%v stage failed: %v", e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Result is what the pipeline produced. It is returned even when the spend
// fails, holding everything up to the last completed stage.
type Result struct {
	// Stage is the last completed stage.
	Stage Stage

	// Catalog is the snapshot the inputs were chosen from.
	Catalog []chain.UnspentOutput

	// Plan is the chosen funding.
	Plan *SelectionPlan

	// RawTx is the unsigned transaction created by the node.
	RawTx *wire.MsgTx

	// SignedTx is the signer's result, possibly incomplete.
	SignedTx *SignedTransaction

	// TxID is the id of the broadcast transaction.
	TxID *chainhash.Hash
}

// Config holds the dependencies of a Spender.
type Config struct {
	// Node is the node the spender talks to.
	Node Node

	// Selector is the fee and dust policy.
	Selector SelectorConfig

	// ChangeAddress, when set, receives all change instead of fresh
	// addresses from the node.
	ChangeAddress fn.Option[btcutil.Address]

	// SkipMempoolCheck disables the mempool acceptance test before
	// broadcasting.
	SkipMempoolCheck bool
}

// Spender runs the spend pipeline: Filtered, Selected, Assembled, Signed and
// Broadcast. Stages run strictly in order and a failed stage stops the
// pipeline, so nothing is broadcast after any failure.
type Spender struct {
	catalog     *Catalog
	selector    *Selector
	assembler   *Assembler
	broadcaster *Broadcaster
}

// NewSpender creates a spender from cfg.
func NewSpender(cfg Config) (*Spender, error) {
	if cfg.Node == nil {
		return nil, ErrMissingNode
	}

	selector, err := NewSelector(cfg.Selector)
	if err != nil {
		return nil, err
	}

	return &Spender{
		catalog:     NewCatalog(cfg.Node),
		selector:    selector,
		assembler:   NewAssembler(cfg.Node, cfg.ChangeAddress),
		broadcaster: NewBroadcaster(cfg.Node, cfg.SkipMempoolCheck),
	}, nil
}

// Spend runs the pipeline for req. The returned Result is never nil; on
// failure it holds the work done so far and the error is a StageError naming
// the stage that failed.
func (s *Spender) Spend(ctx context.Context, req *SpendRequest) (*Result,
	error) {

	result := &Result{Stage: StageInit}

	fail := func(stage Stage, err error) (*Result, error) {
		log.Errorf("Spend failed at %v stage: %v", stage, err)

		return result, &StageError{Stage: stage, Err: err}
	}

	inputs, err := validateSpendRequest(req)
	if err != nil {
		return fail(StageFiltered, err)
	}

	// Filtered: take the one snapshot selection works on.
	var criteria SelectionCriteria
	if policy, ok := inputs.(*InputsPolicy); ok {
		criteria = policy.SelectionCriteria
	}

	result.Catalog, err = s.catalog.Fetch(ctx, &criteria)
	if err != nil {
		return fail(StageFiltered, err)
	}
	result.Stage = StageFiltered

	// Selected: choose inputs and change.
	switch in := inputs.(type) {
	case *InputsManual:
		result.Plan, err = s.selector.SelectManual(
			result.Catalog, in.UTXOs, req.Outputs,
		)

	case *InputsPolicy:
		result.Plan, err = s.selector.Select(
			result.Catalog, req.Outputs,
		)
	}
	if err != nil {
		return fail(StageSelected, err)
	}
	result.Stage = StageSelected

	// Assembled: let the node create the raw transaction.
	result.RawTx, err = s.assembler.Build(ctx, result.Plan)
	if err != nil {
		return fail(StageAssembled, err)
	}
	result.Stage = StageAssembled

	// Signed: an incomplete signature still hands back the partial tx.
	result.SignedTx, err = s.assembler.Sign(ctx, result.Plan, result.RawTx)
	if err != nil {
		return fail(StageSigned, err)
	}
	result.Stage = StageSigned

	if req.DryRun {
		log.Infof("Dry run, not broadcasting %v",
			result.SignedTx.Tx.TxHash())

		return result, nil
	}

	if req.Confirm != nil {
		if err := req.Confirm(result); err != nil {
			return fail(StageBroadcast, err)
		}
	}

	// Broadcast: hand the tx to the node exactly once.
	result.TxID, err = s.broadcaster.Broadcast(ctx, result.SignedTx)
	if err != nil {
		return fail(StageBroadcast, err)
	}
	result.Stage = StageBroadcast

	return result, nil
}

// Status reports whether the node already knows txid, e.g. after a broadcast
// whose outcome is unknown.
func (s *Spender) Status(ctx context.Context,
	txid *chainhash.Hash) (*chain.TxStatus, error) {

	return s.broadcaster.Status(ctx, txid)
}

// validateSpendRequest checks req and returns its inputs, defaulting to the
// zero policy.
func validateSpendRequest(req *SpendRequest) (Inputs, error) {
	if req == nil {
		return nil, ErrNilSpendRequest
	}

	if len(req.Outputs) == 0 {
		return nil, ErrNoTxOutputs
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = &InputsPolicy{}
	}

	switch i := inputs.(type) {
	case *InputsManual:
		if i == nil {
			return nil, fmt.Errorf("%w: nil %T", ErrUnsupportedTxInputs,
				i)
		}

	case *InputsPolicy:
		if i == nil {
			return nil, fmt.Errorf("%w: nil %T", ErrUnsupportedTxInputs,
				i)
		}

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTxInputs, inputs)
	}

	if err := inputs.validate(); err != nil {
		return nil, err
	}

	return inputs, nil
}
