// Copyright 2020 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package parachain

import (
	"fmt"
	"math/bits"

	"github.com/snowfork/go-substrate-rpc-client/v4/types"
)

const DefaultMortalEraPeriod = uint64(64)

// NewMortalEra returns the era of an extrinsic signed at currentBlockNumber
// and valid for period blocks. The period must be a power of two between 4
// and 65536 (inclusive).
func NewMortalEra(currentBlockNumber, period uint64) (types.ExtrinsicEra, error) {
	if period < 4 || period > 65536 || period&(period-1) != 0 {
		return types.ExtrinsicEra{}, fmt.Errorf("invalid mortal era period %d", period)
	}

	// Adapted from https://substrate.dev/rustdocs/v2.0.1/src/sp_runtime/generic/era.rs.html#66
	phase := currentBlockNumber % period

	quantizeFactor := period >> 12
	if quantizeFactor < 1 {
		quantizeFactor = 1
	}
	quantizedPhase := phase / quantizeFactor * quantizeFactor

	periodLog := uint16(bits.TrailingZeros64(period))
	encoded := (periodLog - 1) | uint16((quantizedPhase/quantizeFactor)<<4)

	return types.ExtrinsicEra{
		IsMortalEra: true,
		AsMortalEra: types.MortalEra{
			First:  byte(encoded),
			Second: byte(encoded >> 8),
		},
	}, nil
}
