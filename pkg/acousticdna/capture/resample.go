//go:build !js
// +build !js

package capture

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// newResampler builds a mono float resampler, or nil when no conversion is
// needed.
func newResampler(from, to int) (resampling.Resampler, error) {
	if to <= 0 || from == to {
		return nil, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler %d->%d: %w", from, to, err)
	}
	return rs, nil
}
