package fingerprint

import (
	"math"
	"sort"
)

type Peak struct {
	TimeIdx int
	FreqIdx int
	Time    float64
	Freq    float64
	MagDB   float64
}

const (
	freqNeighbour = 3
	minDbAboveAvg = 3.0
	eps           = 1e-10
)

// bandLayout splits nBins into a low band of 10 bins followed by octave bands.
func bandLayout(nBins int) [][2]int {
	bands := [][2]int{{0, minInt(10, nBins)}}
	for start := 10; start < nBins; start *= 2 {
		end := minInt(start*2, nBins)
		bands = append(bands, [2]int{start, end})
		if end == nBins {
			break
		}
	}
	return bands
}

// framePeaks picks the peaks of frame cur. The strongest bin of every band is
// kept when it sits minDbAboveAvg above the frame's band average and is a
// local maximum over ±1 frame and ±3 bins. prev and next may be nil at the
// edges of the stream. Peaks come back sorted by frequency.
func framePeaks(prev, cur, next []float64, bands [][2]int, t int, frameTime, freqRes float64) []Peak {
	nBins := len(cur)
	if nBins == 0 {
		return nil
	}

	bandMaxMag := make([]float64, len(bands))
	bandMaxIdx := make([]int, len(bands))
	var sumDb float64
	for bi, b := range bands {
		maxMag := 0.0
		maxIdx := b[0]
		for i := b[0]; i < b[1] && i < nBins; i++ {
			if cur[i] > maxMag {
				maxMag = cur[i]
				maxIdx = i
			}
		}
		bandMaxMag[bi] = maxMag
		bandMaxIdx[bi] = maxIdx
		sumDb += 20.0 * math.Log10(maxMag+eps)
	}
	avgDb := sumDb / float64(len(bands))

	neighbours := [3][]float64{prev, cur, next}
	var peaks []Peak
	for bi, mag := range bandMaxMag {
		if mag <= 0 {
			continue
		}
		bin := bandMaxIdx[bi]
		magDb := 20.0 * math.Log10(mag+eps)
		if magDb < avgDb+minDbAboveAvg {
			continue
		}
		if !isLocalMax(neighbours, bin, mag) {
			continue
		}
		peaks = append(peaks, Peak{
			TimeIdx: t,
			FreqIdx: bin,
			Time:    float64(t) * frameTime,
			Freq:    float64(bin) * freqRes,
			MagDB:   magDb,
		})
	}

	sort.Slice(peaks, func(i, j int) bool { return peaks[i].FreqIdx < peaks[j].FreqIdx })
	return peaks
}

func isLocalMax(frames [3][]float64, bin int, mag float64) bool {
	for dt, frame := range frames {
		if frame == nil {
			continue
		}
		for df := -freqNeighbour; df <= freqNeighbour; df++ {
			fIdx := bin + df
			if fIdx < 0 || fIdx >= len(frame) {
				continue
			}
			if dt == 1 && df == 0 {
				continue
			}
			if frame[fIdx] > mag {
				return false
			}
		}
	}
	return true
}

// ExtractPeaks runs peak picking over a precomputed spectrogram.
func ExtractPeaks(spectrogram [][]float64, sampleRate, windowSize, hopSize int) []Peak {
	if len(spectrogram) == 0 || len(spectrogram[0]) == 0 {
		return nil
	}

	bands := bandLayout(len(spectrogram[0]))
	freqRes := float64(sampleRate) / float64(windowSize)
	frameTime := float64(hopSize) / float64(sampleRate)

	var peaks []Peak
	for t := range spectrogram {
		var prev, next []float64
		if t > 0 {
			prev = spectrogram[t-1]
		}
		if t+1 < len(spectrogram) {
			next = spectrogram[t+1]
		}
		peaks = append(peaks, framePeaks(prev, spectrogram[t], next, bands, t, frameTime, freqRes)...)
	}
	return peaks
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
