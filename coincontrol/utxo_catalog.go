// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// UnspentLister is the part of the node the catalog reads from.
type UnspentLister interface {
	// ListUnspent returns the wallet's unspent outputs with a
	// confirmation count within [minConf, maxConf], optionally restricted
	// to the given addresses.
	ListUnspent(ctx context.Context, minConf, maxConf int,
		addrs []btcutil.Address) ([]chain.UnspentOutput, error)
}

// SelectionCriteria restricts the outputs that are eligible for a spend. The
// zero value accepts every spendable output.
type SelectionCriteria struct {
	// MinConfs is the minimum number of confirmations an output must have.
	MinConfs uint32

	// FromAddresses restricts the outputs to those paying one of these
	// addresses. Empty means all addresses.
	FromAddresses []btcutil.Address

	// Exclude lists outputs that must never be spent.
	Exclude []wire.OutPoint
}

// Catalog fetches snapshots of the node wallet's spendable outputs.
type Catalog struct {
	node UnspentLister
}

// NewCatalog returns a catalog reading from node.
func NewCatalog(node UnspentLister) *Catalog {
	return &Catalog{node: node}
}

// Fetch returns a single snapshot of the outputs matching criteria, in the
// order the node reported them. The snapshot is never refreshed, selection
// works on exactly what is returned here.
func (c *Catalog) Fetch(ctx context.Context, criteria *SelectionCriteria) (
	[]chain.UnspentOutput, error) {

	if criteria == nil {
		criteria = &SelectionCriteria{}
	}

	unspent, err := c.node.ListUnspent(
		ctx, int(criteria.MinConfs), chain.DefaultMaxConfs,
		criteria.FromAddresses,
	)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}

	// The node already applies the confirmation and address filters, but
	// we apply them again so the snapshot never depends on how a
	// particular node version interprets its parameters.
	fromAddrs := make(map[string]struct{}, len(criteria.FromAddresses))
	for _, addr := range criteria.FromAddresses {
		fromAddrs[addr.EncodeAddress()] = struct{}{}
	}

	excluded := fn.NewSet(criteria.Exclude...)

	eligible := make([]chain.UnspentOutput, 0, len(unspent))
	for _, output := range unspent {
		// Watch-only outputs cannot be signed by the wallet.
		if !output.Spendable {
			log.Debugf("Skipping unspendable output %v",
				output.OutPoint)

			continue
		}

		if output.Confirmations < int64(criteria.MinConfs) {
			continue
		}

		if len(fromAddrs) > 0 {
			if _, ok := fromAddrs[output.Address]; !ok {
				continue
			}
		}

		if excluded.Contains(output.OutPoint) {
			log.Debugf("Skipping excluded output %v",
				output.OutPoint)

			continue
		}

		eligible = append(eligible, output)
	}

	log.Infof("Catalog holds %d of %d unspent outputs (minconf=%d, "+
		"from=%d addrs, excluded=%d)", len(eligible), len(unspent),
		criteria.MinConfs, len(fromAddrs), len(excluded))

	return eligible, nil
}

// AddressBalance is the spendable value held by one address.
type AddressBalance struct {
	// Address is the address as encoded by the node.
	Address string

	// Amount is the sum of the address' outputs.
	Amount btcutil.Amount

	// NumOutputs is the number of outputs paying the address.
	NumOutputs int
}

// Balances groups a snapshot by address. The result is sorted by address so
// listings are stable across runs.
func Balances(outputs []chain.UnspentOutput) []AddressBalance {
	byAddr := make(map[string]*AddressBalance)
	for _, output := range outputs {
		balance, ok := byAddr[output.Address]
		if !ok {
			balance = &AddressBalance{Address: output.Address}
			byAddr[output.Address] = balance
		}

		balance.Amount += output.Amount
		balance.NumOutputs++
	}

	balances := make([]AddressBalance, 0, len(byAddr))
	for _, balance := range byAddr {
		balances = append(balances, *balance)
	}

	sort.Slice(balances, func(i, j int) bool {
		return balances[i].Address < balances[j].Address
	})

	return balances
}
