// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/coincontrol"
	"github.com/btcsuite/coincontrol/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/term"
)

var (
	// errFeeConflict is returned when more than one fee option is given.
	errFeeConflict = errors.New("--fee and --feerate can't be used " +
		"together")

	// errRecipients is returned when --to and --amount don't pair up.
	errRecipients = errors.New("every --to needs exactly one --amount")
)

// rpcNode is the node as used by the commands.
type rpcNode interface {
	coincontrol.Node

	// EstimateFeeRate returns the node's fee rate estimate for the
	// confirmation target.
	EstimateFeeRate(ctx context.Context,
		confTarget int64) (btcunit.SatPerKVByte, error)
}

// app runs the commands against a node.
type app struct {
	cfg  *config
	node rpcNode
	out  io.Writer

	// prompt asks the operator a yes/no question.
	prompt func(question string) (bool, error)
}

// criteria builds the selection criteria of a command.
func (a *app) criteria(opts *filterOptions) (*coincontrol.SelectionCriteria,
	error) {

	from, err := decodeAddresses(opts.From, a.cfg.params)
	if err != nil {
		return nil, err
	}

	return &coincontrol.SelectionCriteria{
		MinConfs:      opts.MinConf,
		FromAddresses: from,
	}, nil
}

// listUnspent prints the spendable outputs.
func (a *app) listUnspent(ctx context.Context, opts *filterOptions) error {
	criteria, err := a.criteria(opts)
	if err != nil {
		return err
	}

	outputs, err := coincontrol.NewCatalog(a.node).Fetch(ctx, criteria)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OUTPOINT\tADDRESS\tAMOUNT\tCONFS")

	var total btcutil.Amount
	for _, output := range outputs {
		fmt.Fprintf(w, "%v\t%s\t%v\t%d\n", output.OutPoint,
			output.Address, output.Amount, output.Confirmations)
		total += output.Amount
	}
	fmt.Fprintf(w, "\t%d outputs\t%v\t\n", len(outputs), total)

	return w.Flush()
}

// balances prints the spendable balance per address.
func (a *app) balances(ctx context.Context, opts *filterOptions) error {
	criteria, err := a.criteria(opts)
	if err != nil {
		return err
	}

	outputs, err := coincontrol.NewCatalog(a.node).Fetch(ctx, criteria)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tAMOUNT\tOUTPUTS")

	var total btcutil.Amount
	for _, balance := range coincontrol.Balances(outputs) {
		fmt.Fprintf(w, "%s\t%v\t%d\n", balance.Address, balance.Amount,
			balance.NumOutputs)
		total += balance.Amount
	}
	fmt.Fprintf(w, "total\t%v\t%d\n", total, len(outputs))

	return w.Flush()
}

// send pays the recipients of the command.
func (a *app) send(ctx context.Context, cmd *sendCommand) error {
	req, err := a.spendRequest(cmd)
	if err != nil {
		return err
	}

	fee, err := a.feeEstimator(ctx, cmd)
	if err != nil {
		return err
	}

	changeAddr := fn.None[btcutil.Address]()
	if cmd.ChangeAddress != "" {
		addr, err := decodeAddress(cmd.ChangeAddress, a.cfg.params)
		if err != nil {
			return err
		}
		changeAddr = fn.Some(addr)
	}

	spender, err := coincontrol.NewSpender(coincontrol.Config{
		Node: a.node,
		Selector: coincontrol.SelectorConfig{
			Fee:          fee,
			DustRelayFee: btcutil.Amount(a.cfg.DustRelayFee),
			MaxFee:       btcutil.Amount(cmd.MaxFee),
		},
		ChangeAddress:    changeAddr,
		SkipMempoolCheck: a.cfg.SkipMempoolCheck,
	})
	if err != nil {
		return err
	}

	req.Confirm = func(result *coincontrol.Result) error {
		printPlan(a.out, result.Plan)
		if cmd.Yes {
			return nil
		}

		ok, err := a.prompt("Broadcast this transaction?")
		if err != nil {
			return err
		}
		if !ok {
			return coincontrol.ErrAborted
		}

		return nil
	}

	result, err := spender.Spend(ctx, req)

	var sigErr *coincontrol.IncompleteSignatureError
	switch {
	case errors.As(err, &sigErr):
		packet, psbtErr := sigErr.PSBT()
		if psbtErr != nil {
			return fmt.Errorf("%w (psbt export failed: %v)", err,
				psbtErr)
		}

		fmt.Fprintf(a.out, "Partially signed transaction, co-sign "+
			"this PSBT:\n%s\n", packet)

		return err

	// A signed transaction that never made it to the node can still be
	// broadcast by hand.
	case err != nil && result != nil &&
		result.Stage >= coincontrol.StageSigned && result.TxID == nil:

		if printErr := printSignedTx(a.out, result.SignedTx.Tx,
			"not broadcast"); printErr != nil {

			return fmt.Errorf("%w (printing signed tx failed: %v)",
				err, printErr)
		}

		return err

	case err != nil:
		return err

	case req.DryRun:
		printPlan(a.out, result.Plan)

		return printSignedTx(a.out, result.SignedTx.Tx, "not broadcast")
	}

	fmt.Fprintln(a.out, result.TxID)

	return nil
}

// printSignedTx writes the id and the hex serialization of a signed
// transaction.
func printSignedTx(w io.Writer, tx *wire.MsgTx, note string) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "Signed transaction %v (%s):\n%s\n",
		tx.TxHash(), note, hex.EncodeToString(buf.Bytes()))

	return err
}

// spendRequest builds the request of the send command.
func (a *app) spendRequest(cmd *sendCommand) (*coincontrol.SpendRequest,
	error) {

	outputs, err := pairRecipients(cmd.To, cmd.Amount, a.cfg.params)
	if err != nil {
		return nil, err
	}

	req := &coincontrol.SpendRequest{
		Outputs: outputs,
		DryRun:  cmd.DryRun,
	}

	if len(cmd.Inputs) > 0 {
		req.Inputs = &coincontrol.InputsManual{
			UTXOs: toOutPoints(cmd.Inputs),
		}

		return req, nil
	}

	criteria, err := a.criteria(&cmd.filterOptions)
	if err != nil {
		return nil, err
	}
	criteria.Exclude = toOutPoints(cmd.Exclude)

	req.Inputs = &coincontrol.InputsPolicy{SelectionCriteria: *criteria}

	return req, nil
}

// feeEstimator returns the fee policy of the send command: a flat fee, a
// given fee rate or the node's estimate for the confirmation target. A rate
// is never below the relay fee.
func (a *app) feeEstimator(ctx context.Context,
	cmd *sendCommand) (coincontrol.FeeEstimator, error) {

	if cmd.Fee > 0 && cmd.FeeRate > 0 {
		return nil, errFeeConflict
	}

	if cmd.Fee > 0 {
		return coincontrol.FlatFee(cmd.Fee), nil
	}

	var rate btcunit.SatPerKVByte
	if cmd.FeeRate > 0 {
		rate = btcunit.SatPerVByte(cmd.FeeRate).FeePerKVByte()
	} else {
		estimate, err := a.node.EstimateFeeRate(ctx, cmd.ConfTarget)
		if err != nil {
			return nil, fmt.Errorf("fee estimate: %w", err)
		}
		rate = estimate
	}

	relayFee := btcunit.SatPerKVByte(a.cfg.MinRelayFee)
	if rate < relayFee {
		log.Infof("Raising fee rate %v to the relay fee %v", rate,
			relayFee)

		rate = relayFee
	}

	return &coincontrol.RateFee{Rate: rate}, nil
}

// pairRecipients pairs every --to with the --amount at the same position.
func pairRecipients(to []string, amounts []amountFlag,
	params *chaincfg.Params) ([]coincontrol.Output, error) {

	if len(to) == 0 || len(to) != len(amounts) {
		return nil, fmt.Errorf("%w: got %d addresses and %d amounts",
			errRecipients, len(to), len(amounts))
	}

	outputs := make([]coincontrol.Output, 0, len(to))
	for i, addrStr := range to {
		addr, err := decodeAddress(addrStr, params)
		if err != nil {
			return nil, err
		}

		outputs = append(outputs, coincontrol.Output{
			Address: addr,
			Amount:  btcutil.Amount(amounts[i]),
		})
	}

	return outputs, nil
}

// decodeAddresses decodes addresses of the network.
func decodeAddresses(addrStrs []string,
	params *chaincfg.Params) ([]btcutil.Address, error) {

	addrs := make([]btcutil.Address, 0, len(addrStrs))
	for _, addrStr := range addrStrs {
		addr, err := decodeAddress(addrStr, params)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// decodeAddress decodes an address and checks it belongs to the network.
func decodeAddress(addrStr string,
	params *chaincfg.Params) (btcutil.Address, error) {

	addr, err := btcutil.DecodeAddress(addrStr, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addrStr, err)
	}

	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", addrStr,
			params.Name)
	}

	return addr, nil
}

// printPlan writes a summary of the plan for the operator.
func printPlan(w io.Writer, plan *coincontrol.SelectionPlan) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	for _, input := range plan.Inputs {
		fmt.Fprintf(tw, "in\t%v\t%s\t%v\n", input.OutPoint,
			input.Address, input.Amount)
	}
	for _, output := range plan.Outputs {
		fmt.Fprintf(tw, "out\t\t%s\t%v\n", output.Address,
			output.Amount)
	}
	if plan.ChangeAmount > 0 {
		fmt.Fprintf(tw, "change\t\t%s\t%v\n", plan.ChangeAddress,
			plan.ChangeAmount)
	}
	fmt.Fprintf(tw, "fee\t\t\t%v\n", plan.Fee)

	tw.Flush()
}

// promptYesNo asks question on the terminal and reports whether the answer
// was yes. It refuses to guess when there is no terminal to ask.
func promptYesNo(question string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("%w: stdin is not a terminal, use "+
			"--yes to broadcast without confirmation",
			coincontrol.ErrAborted)
	}

	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
