// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// WeightUnit defines a unit to express the transaction size. The tx weight is
// calculated using `Base tx size * 3 + Total tx size`.
type WeightUnit uint64

// ToVB converts the weight to virtual bytes, rounding up so a partial vbyte is
// always paid for.
func (w WeightUnit) ToVB() VByte {
	return VByte(
		(uint64(w) + blockchain.WitnessScaleFactor - 1) /
			blockchain.WitnessScaleFactor,
	)
}

// String returns the string representation of the weight unit.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(w))
}

// VByte defines a unit to express the transaction size. One virtual byte is
// 1/4th of a weight unit.
type VByte uint64

// ToWU converts the virtual size to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit(uint64(v) * blockchain.WitnessScaleFactor)
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(v))
}
