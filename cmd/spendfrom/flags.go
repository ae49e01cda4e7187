// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jessevdk/go-flags"
)

var (
	// errInvalidAmount is returned for amounts that are not a decimal
	// number of coins with at most eight decimals.
	errInvalidAmount = errors.New("invalid amount")

	// errInvalidOutPoint is returned for outpoints not in txid:vout form.
	errInvalidOutPoint = errors.New("invalid outpoint, expected txid:vout")
)

var (
	_ flags.Unmarshaler = (*amountFlag)(nil)
	_ flags.Marshaler   = amountFlag(0)
	_ flags.Unmarshaler = (*outPointFlag)(nil)
)

// amountFlag is an amount given on the command line in BTC.
type amountFlag btcutil.Amount

// UnmarshalFlag parses a decimal BTC amount.
func (a *amountFlag) UnmarshalFlag(value string) error {
	amt, err := parseAmount(value)
	if err != nil {
		return err
	}

	*a = amountFlag(amt)

	return nil
}

// MarshalFlag formats the amount in BTC.
func (a amountFlag) MarshalFlag() (string, error) {
	return strconv.FormatFloat(btcutil.Amount(a).ToBTC(), 'f', -1, 64),
		nil
}

// parseAmount parses a decimal amount of coins into satoshis without going
// through a float, so "0.1" is exactly 10000000 satoshis.
func parseAmount(value string) (btcutil.Amount, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.ContainsAny(value, "/eE") {
		return 0, fmt.Errorf("%w: %q", errInvalidAmount, value)
	}

	coins, ok := new(big.Rat).SetString(value)
	if !ok {
		return 0, fmt.Errorf("%w: %q", errInvalidAmount, value)
	}

	sats := coins.Mul(coins, big.NewRat(btcutil.SatoshiPerBitcoin, 1))
	if !sats.IsInt() {
		return 0, fmt.Errorf("%w: %q has more than eight decimals",
			errInvalidAmount, value)
	}

	num := sats.Num()
	if num.Sign() < 0 || !num.IsInt64() ||
		num.Int64() > btcutil.MaxSatoshi {

		return 0, fmt.Errorf("%w: %q is out of range", errInvalidAmount,
			value)
	}

	return btcutil.Amount(num.Int64()), nil
}

// outPointFlag is an outpoint given on the command line as txid:vout.
type outPointFlag wire.OutPoint

// UnmarshalFlag parses txid:vout.
func (o *outPointFlag) UnmarshalFlag(value string) error {
	op, err := parseOutPoint(value)
	if err != nil {
		return err
	}

	*o = outPointFlag(*op)

	return nil
}

// parseOutPoint parses an outpoint in txid:vout form.
func parseOutPoint(value string) (*wire.OutPoint, error) {
	txid, vout, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", errInvalidOutPoint, value)
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil || len(txid) != chainhash.MaxHashStringSize {
		return nil, fmt.Errorf("%w: bad txid %q", errInvalidOutPoint,
			txid)
	}

	index, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad vout %q", errInvalidOutPoint,
			vout)
	}

	return wire.NewOutPoint(hash, uint32(index)), nil
}

// toOutPoints converts parsed flags into outpoints.
func toOutPoints(flagOps []outPointFlag) []wire.OutPoint {
	if len(flagOps) == 0 {
		return nil
	}

	ops := make([]wire.OutPoint, 0, len(flagOps))
	for _, op := range flagOps {
		ops = append(ops, wire.OutPoint(op))
	}

	return ops
}
