// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with bitcoin units.
//
// All fee arithmetic is done on integer satoshis. Fees derived from a rate
// are always rounded up, so a transaction never pays less than its rate.
package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// kilo is a generic multiplier for kilo units.
const kilo = 1000

// SatPerKVByte represents a fee rate in sat/kvb.
type SatPerKVByte btcutil.Amount

// ZeroSatPerKVByte is a fee rate of 0 sat/kvb.
const ZeroSatPerKVByte SatPerKVByte = 0

// CalcSatPerKVByte calculates the fee rate in sat/kvb paid by a fee over the
// given size. A zero size yields a zero rate.
func CalcSatPerKVByte(fee btcutil.Amount, vb VByte) SatPerKVByte {
	if vb == 0 {
		return ZeroSatPerKVByte
	}

	return SatPerKVByte(int64(fee) * kilo / int64(vb))
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes. The result is rounded up to the next whole satoshi.
func (s SatPerKVByte) FeeForVSize(vb VByte) btcutil.Amount {
	if s <= 0 || vb == 0 {
		return 0
	}

	return btcutil.Amount((int64(s)*int64(vb) + kilo - 1) / kilo)
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight.
func (s SatPerKVByte) FeeForWeight(wu WeightUnit) btcutil.Amount {
	return s.FeeForVSize(wu.ToVB())
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%d sat/kvb", int64(s))
}

// SatPerVByte represents a fee rate in sat/vbyte.
type SatPerVByte btcutil.Amount

// FeePerKVByte converts the current fee rate from sat/vb to sat/kvb.
func (s SatPerVByte) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * kilo)
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%d sat/vb", int64(s))
}
