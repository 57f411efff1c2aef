package fingerprint

import (
	"math"
)

const (
	MaxFreqBits  = 9
	MaxDeltaBits = 14
	FanOut       = 6
	MinDeltaMs   = 10
	MaxDeltaMs   = 2000
)

const (
	maxFreqMask  = uint32((1 << MaxFreqBits) - 1)
	maxDeltaMask = uint32((1 << MaxDeltaBits) - 1)
)

// pairDeltaMs is the rounded time between two peaks in milliseconds.
func pairDeltaMs(anchor, target Peak) int64 {
	return int64(math.Round((target.Time - anchor.Time) * 1000.0))
}

// createAddress packs an anchor/target pair as
// [anchorFreq 9b | targetFreq 9b | delta 14b].
func createAddress(anchor, target Peak, minDeltaMs, maxDeltaMs int) (uint32, bool) {
	anchorFreqVal := uint32(anchor.FreqIdx)
	targetFreqVal := uint32(target.FreqIdx)

	delta := pairDeltaMs(anchor, target)
	if delta < int64(minDeltaMs) || delta > int64(maxDeltaMs) {
		return 0, false
	}
	if anchorFreqVal > maxFreqMask || targetFreqVal > maxFreqMask {
		return 0, false
	}
	if uint32(delta) > maxDeltaMask {
		return 0, false
	}

	shiftTarget := MaxDeltaBits
	shiftAnchor := MaxDeltaBits + MaxFreqBits

	address := (anchorFreqVal << shiftAnchor) | (targetFreqVal << shiftTarget) | (uint32(delta) & maxDeltaMask)
	return address, true
}

// SplitAddress unpacks a hash into its anchor bin, target bin and delta.
func SplitAddress(address uint32) (anchorBin, targetBin, deltaMs uint32) {
	anchorBin = (address >> (MaxDeltaBits + MaxFreqBits)) & maxFreqMask
	targetBin = (address >> MaxDeltaBits) & maxFreqMask
	deltaMs = address & maxDeltaMask
	return anchorBin, targetBin, deltaMs
}
