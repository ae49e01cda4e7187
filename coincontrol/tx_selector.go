// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/coincontrol/chain"
)

// DefaultChangeScriptSize is the script size assumed for a change output
// before the node has handed out the change address. P2PKH is the largest of
// the common single key scripts.
const DefaultChangeScriptSize = txsizes.P2PKHPkScriptSize

// Output is a payment to a single address.
type Output struct {
	// Address is the recipient.
	Address btcutil.Address

	// Amount is the value paid to the recipient.
	Amount btcutil.Amount
}

// SelectionPlan is the funding of a payment: which outputs are spent, who is
// paid, how much change comes back and what is left as fee. A plan always
// balances: TotalInput == sum(Outputs) + ChangeAmount + Fee.
type SelectionPlan struct {
	// Inputs are the chosen outputs, in spending order.
	Inputs []chain.UnspentOutput

	// TotalInput is the sum of the input amounts.
	TotalInput btcutil.Amount

	// Outputs are the requested payments.
	Outputs []Output

	// ChangeAddress receives ChangeAmount. It is nil until the assembler
	// has obtained one, and stays nil when there is no change.
	ChangeAddress btcutil.Address

	// ChangeAmount is the value returned to the wallet. It is zero when
	// the remainder was dust and has been added to the fee instead.
	ChangeAmount btcutil.Amount

	// Fee is the value left to the miners.
	Fee btcutil.Amount
}

// TargetTotal returns the sum of the requested payments.
func (p *SelectionPlan) TargetTotal() btcutil.Amount {
	var total btcutil.Amount
	for _, output := range p.Outputs {
		total += output.Amount
	}

	return total
}

// OutPoints returns the outpoints of the inputs in spending order.
func (p *SelectionPlan) OutPoints() []wire.OutPoint {
	outpoints := make([]wire.OutPoint, 0, len(p.Inputs))
	for _, input := range p.Inputs {
		outpoints = append(outpoints, input.OutPoint)
	}

	return outpoints
}

// validate checks that the plan balances to the satoshi.
func (p *SelectionPlan) validate() error {
	var total btcutil.Amount
	for _, input := range p.Inputs {
		total += input.Amount
	}

	switch {
	case total != p.TotalInput:
		return fmt.Errorf("%w: inputs sum to %v, plan says %v",
			ErrPlanUnbalanced, total, p.TotalInput)

	case p.ChangeAmount < 0 || p.Fee < 0:
		return fmt.Errorf("%w: change=%v, fee=%v", ErrPlanUnbalanced,
			p.ChangeAmount, p.Fee)

	case p.TotalInput != p.TargetTotal()+p.ChangeAmount+p.Fee:
		return fmt.Errorf("%w: %v in, %v out, %v change, %v fee",
			ErrPlanUnbalanced, p.TotalInput, p.TargetTotal(),
			p.ChangeAmount, p.Fee)
	}

	return nil
}

// SelectorConfig holds the fee and dust policy of a Selector.
type SelectorConfig struct {
	// Fee estimates the fee of a candidate input set. Required.
	Fee FeeEstimator

	// DustRelayFee is the relay fee, in sat/kvB, used to decide whether an
	// output is dust: an output is dust when spending it would cost more
	// than a third of its value at this rate.
	DustRelayFee btcutil.Amount

	// ChangeScriptSize is the assumed size of the change script. Zero
	// means DefaultChangeScriptSize.
	ChangeScriptSize int

	// MaxFee rejects plans paying more than this. Zero disables the check.
	MaxFee btcutil.Amount
}

// Selector chooses the inputs of a payment. Selection is deterministic: the
// same catalog and outputs always yield the same plan.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector returns a selector using cfg.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Fee == nil {
		return nil, ErrMissingFeeEstimator
	}

	if cfg.ChangeScriptSize <= 0 {
		cfg.ChangeScriptSize = DefaultChangeScriptSize
	}

	return &Selector{cfg: cfg}, nil
}

// Select funds outputs from the catalog, largest outputs first. Outputs of
// equal value keep their catalog order. Candidates worth no more than the fee
// they add are never used.
func (s *Selector) Select(catalog []chain.UnspentOutput,
	outputs []Output) (*SelectionPlan, error) {

	txOuts, err := s.checkOutputs(outputs)
	if err != nil {
		return nil, err
	}

	arranged := s.arrangeCoins(catalog, txOuts)

	return s.fund(arranged, makeInputSource(arranged), outputs, txOuts)
}

// SelectManual funds outputs from exactly the given outpoints, in the given
// order. Every outpoint must be part of the catalog.
func (s *Selector) SelectManual(catalog []chain.UnspentOutput,
	utxos []wire.OutPoint, outputs []Output) (*SelectionPlan, error) {

	if err := validateOutPoints(utxos); err != nil {
		return nil, err
	}

	txOuts, err := s.checkOutputs(outputs)
	if err != nil {
		return nil, err
	}

	known := make(map[wire.OutPoint]chain.UnspentOutput, len(catalog))
	for _, output := range catalog {
		known[output.OutPoint] = output
	}

	selected := make([]chain.UnspentOutput, 0, len(utxos))
	for _, op := range utxos {
		output, ok := known[op]
		if !ok || !output.Spendable {
			return nil, fmt.Errorf("%w: %v", ErrUtxoNotEligible, op)
		}

		selected = append(selected, output)
	}

	return s.fund(
		selected, constantInputSource(selected), outputs, txOuts,
	)
}

// checkOutputs validates the requested payments and returns them as tx
// outputs for size estimation.
func (s *Selector) checkOutputs(outputs []Output) ([]*wire.TxOut, error) {
	if len(outputs) == 0 {
		return nil, ErrNoTxOutputs
	}

	seen := make(map[string]struct{}, len(outputs))
	txOuts := make([]*wire.TxOut, 0, len(outputs))
	for _, output := range outputs {
		addr := output.Address.EncodeAddress()
		if _, ok := seen[addr]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatedRecipient,
				addr)
		}
		seen[addr] = struct{}{}

		pkScript, err := txscript.PayToAddrScript(output.Address)
		if err != nil {
			return nil, fmt.Errorf("output to %s: %w", addr, err)
		}

		txOut := wire.NewTxOut(int64(output.Amount), pkScript)

		// Each output must not be a dust output according to the relay
		// fee policy.
		err = txrules.CheckOutput(txOut, s.cfg.DustRelayFee)
		if err != nil {
			return nil, fmt.Errorf("output to %s: %w", addr, err)
		}

		txOuts = append(txOuts, txOut)
	}

	return txOuts, nil
}

// arrangeCoins sorts the catalog by descending amount and drops outputs that
// are worth no more than the fee of spending them.
func (s *Selector) arrangeCoins(catalog []chain.UnspentOutput,
	txOuts []*wire.TxOut) []chain.UnspentOutput {

	sorted := make([]chain.UnspentOutput, len(catalog))
	copy(sorted, catalog)

	// A stable sort keeps the catalog order between equal amounts.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Amount > sorted[j].Amount
	})

	baseFee := s.cfg.Fee.EstimateFee(nil, txOuts, s.cfg.ChangeScriptSize)

	arranged := make([]chain.UnspentOutput, 0, len(sorted))
	for _, coin := range sorted {
		inputFee := s.cfg.Fee.EstimateFee(
			[]chain.UnspentOutput{coin}, txOuts,
			s.cfg.ChangeScriptSize,
		) - baseFee

		if coin.Amount <= inputFee {
			log.Debugf("Skipping %v: value %v does not cover its "+
				"input fee %v", coin.OutPoint, coin.Amount,
				inputFee)

			continue
		}

		arranged = append(arranged, coin)
	}

	return arranged
}

// fund pulls inputs from source until they cover the outputs plus the fee of
// the growing input set, then splits the remainder into change and fee. The
// coins slice must hold the outputs in the order source dispenses them.
func (s *Selector) fund(coins []chain.UnspentOutput,
	source txauthor.InputSource, outputs []Output,
	txOuts []*wire.TxOut) (*SelectionPlan, error) {

	var (
		target    btcutil.Amount
		available btcutil.Amount
		total     btcutil.Amount
		numInputs int
	)
	for _, output := range outputs {
		target += output.Amount
	}
	for _, coin := range coins {
		available += coin.Amount
	}

	estimate := func(n, changeScriptSize int) btcutil.Amount {
		return s.cfg.Fee.EstimateFee(coins[:n], txOuts, changeScriptSize)
	}
	changeSize := s.cfg.ChangeScriptSize

	// Every round either adds at least one input or gives up, and the fee
	// never shrinks as inputs are added, so this terminates.
	var noChange bool
	for {
		fee := estimate(numInputs, changeSize)
		if total >= target+fee {
			break
		}

		newTotal, inputs, _, _, err := source(target + fee)
		if err != nil {
			return nil, err
		}

		if len(inputs) == numInputs {
			// Without a change output the transaction is smaller, so
			// the inputs may still pay for it.
			if numInputs > 0 && total >= target+estimate(numInputs, 0) {
				noChange = true
				break
			}

			return nil, &InsufficientFundsError{
				Required:  target + fee,
				Available: available,
			}
		}

		total, numInputs = newTotal, len(inputs)
	}

	fee := estimate(numInputs, changeSize)
	change := total - target - fee
	if noChange {
		log.Debugf("Inputs only cover a transaction without change, "+
			"adding the remainder of %v to the fee",
			total-target-estimate(numInputs, 0))

		fee = total - target
		change = 0
	}

	// A remainder too small to be worth spending is left to the miners
	// instead of creating a dust change output.
	if change > 0 && s.isDustChange(change) {
		log.Debugf("Change of %v is dust, adding it to the fee", change)

		fee += change
		change = 0
	}

	plan := &SelectionPlan{
		Inputs:       coins[:numInputs],
		TotalInput:   total,
		Outputs:      outputs,
		ChangeAmount: change,
		Fee:          fee,
	}
	if err := plan.validate(); err != nil {
		return nil, err
	}

	if s.cfg.MaxFee > 0 && plan.Fee > s.cfg.MaxFee {
		return nil, fmt.Errorf("%w: %v exceeds the maximum of %v",
			ErrFeeTooHigh, plan.Fee, s.cfg.MaxFee)
	}

	log.Infof("Selected %d inputs worth %v for %v (%v): change=%v, "+
		"fee=%v", len(plan.Inputs), plan.TotalInput, target,
		s.cfg.Fee, plan.ChangeAmount, plan.Fee)
	log.Tracef("Selection plan: %v", spewPlan(plan))

	return plan, nil
}

// isDustChange reports whether a change output of the given amount would be
// dust. The change script is not known before assembly, so a placeholder of
// the configured size stands in for it.
func (s *Selector) isDustChange(change btcutil.Amount) bool {
	changeOut := wire.NewTxOut(
		int64(change), make([]byte, s.cfg.ChangeScriptSize),
	)

	return txrules.IsDustOutput(changeOut, s.cfg.DustRelayFee)
}

// makeInputSource returns an input source that dispenses the coins one by one,
// in order, until the requested target is reached.
func makeInputSource(eligible []chain.UnspentOutput) txauthor.InputSource {
	// Current inputs and their total value. These are closed over by the
	// returned input source and reused across multiple calls.
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			next := eligible[0]
			eligible = eligible[1:]

			nextInput := wire.NewTxIn(&next.OutPoint, nil, nil)
			currentTotal += next.Amount

			currentInputs = append(currentInputs, nextInput)
			currentScripts = append(currentScripts, next.PkScript)
			currentInputValues = append(
				currentInputValues, next.Amount,
			)
		}

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// constantInputSource creates an input source function that always returns the
// static set of user-selected UTXOs.
func constantInputSource(eligible []chain.UnspentOutput) txauthor.InputSource {
	// Current inputs and their total value. These won't change over
	// different invocations as we want our inputs to remain static since
	// they're selected by the user.
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	for _, output := range eligible {
		nextInput := wire.NewTxIn(&output.OutPoint, nil, nil)
		currentTotal += output.Amount

		currentInputs = append(currentInputs, nextInput)
		currentScripts = append(currentScripts, output.PkScript)
		currentInputValues = append(currentInputValues, output.Amount)
	}

	return func(btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// validateOutPoints checks a slice of outpoints for emptiness and duplicate
// entries.
func validateOutPoints(outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return ErrManualInputsEmpty
	}

	seenUTXOs := make(map[wire.OutPoint]struct{})
	for _, utxo := range outpoints {
		if _, ok := seenUTXOs[utxo]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicatedUtxo, utxo)
		}

		seenUTXOs[utxo] = struct{}{}
	}

	return nil
}
