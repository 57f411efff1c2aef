package fingerprint

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

const (
	WindowSize = 1024
	HopSize    = 256
)

func Hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func FFTReal(frame []float64) []complex128 {
	return fft.FFTReal(frame)
}

func MagnitudeSpectrum(spectrum []complex128) []float64 {
	n := len(spectrum)
	half := n / 2
	mag := make([]float64, half)
	for i := 0; i < half; i++ {
		mag[i] = cmplx.Abs(spectrum[i])
	}
	return mag
}

// frameMagnitude windows samples (len == len(window)) into scratch and
// returns the magnitude spectrum of the result.
func frameMagnitude(samples, window, scratch []float64) []float64 {
	for i := range window {
		scratch[i] = samples[i] * window[i]
	}
	return MagnitudeSpectrum(FFTReal(scratch))
}

// STFT computes the magnitude spectrogram of a whole clip.
func STFT(samples []float64, windowSize, hopSize int, window []float64) ([][]float64, error) {
	if len(window) != windowSize {
		return nil, errors.New("window length must equal windowSize")
	}
	if len(samples) < windowSize {
		return nil, errors.New("input shorter than window size")
	}

	scratch := make([]float64, windowSize)
	spectrogram := make([][]float64, 0, (len(samples)-windowSize)/hopSize+1)
	for start := 0; start+windowSize <= len(samples); start += hopSize {
		spectrogram = append(spectrogram, frameMagnitude(samples[start:start+windowSize], window, scratch))
	}
	return spectrogram, nil
}
