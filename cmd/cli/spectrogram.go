package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eligwz/spectrogram"
	"github.com/spf13/cobra"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/utils"
)

var (
	specOutDir string
	specWidth  int
	specHeight int
	specPeaks  bool
)

var spectrogramCmd = &cobra.Command{
	Use:   "spectrogram <wav>...",
	Short: "Render WAV spectrograms with their constellation peaks",
	Long: `Render a PNG spectrogram for each WAV file, resampled to the processing
rate, with the peaks the fingerprint extractor anchors on drawn in red.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := utils.MakeDir(specOutDir); err != nil {
			return err
		}
		for _, path := range args {
			out, err := renderSpectrogram(cmd.Context(), path)
			if err != nil {
				fmt.Printf("❌ %s: %v\n", path, err)
				continue
			}
			fmt.Printf("✅ Saved spectrogram to %s\n", out)
		}
		return nil
	},
}

func init() {
	spectrogramCmd.Flags().StringVarP(&specOutDir, "out", "o", "spectrograms", "Output directory")
	spectrogramCmd.Flags().IntVar(&specWidth, "width", 2048, "Image width in pixels")
	spectrogramCmd.Flags().IntVar(&specHeight, "height", 512, "Image height in pixels (frequency bins)")
	spectrogramCmd.Flags().BoolVar(&specPeaks, "peaks", true, "Overlay constellation peaks")
	rootCmd.AddCommand(spectrogramCmd)
}

func readWAV(ctx context.Context, path string) ([]float64, error) {
	src := capture.NewWAVSource(path, capture.WithTargetRate(sampleRate), capture.WithFrameDuration(time.Second))
	frames, err := src.Start(ctx)
	if err != nil {
		return nil, err
	}
	var samples []float64
	for f := range frames {
		samples = append(samples, f.Samples...)
	}
	return samples, src.Err()
}

func renderSpectrogram(ctx context.Context, path string) (string, error) {
	samples, err := readWAV(ctx, path)
	if err != nil {
		return "", err
	}
	if len(samples) < fingerprint.WindowSize {
		return "", fmt.Errorf("only %d samples", len(samples))
	}
	fmt.Printf("Read %d samples at %d Hz\n", len(samples), sampleRate)

	img := spectrogram.NewImage128(image.Rect(0, 0, specWidth, specHeight))
	black := spectrogram.ParseColor("000000")
	draw.Draw(img, img.Bounds(), image.NewUniform(black), image.Point{}, draw.Src)

	// Hamming window, FFT, linear magnitude.
	spectrogram.Drawfft(img, samples, uint32(sampleRate), uint32(specHeight), false, false, true, false)

	if specPeaks {
		spec, err := fingerprint.STFT(samples, fingerprint.WindowSize, fingerprint.HopSize, fingerprint.Hamming(fingerprint.WindowSize))
		if err != nil {
			return "", err
		}
		peaks := fingerprint.ExtractPeaks(spec, sampleRate, fingerprint.WindowSize, fingerprint.HopSize)
		duration := float64(len(samples)) / float64(sampleRate)
		nyquist := float64(sampleRate) / 2
		red := color.RGBA{R: 255, A: 255}
		for _, p := range peaks {
			x := int(p.Time / duration * float64(specWidth))
			y := specHeight - 1 - int(p.Freq/nyquist*float64(specHeight))
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					img.Set(x+dx, y+dy, red)
				}
			}
		}
		fmt.Printf("Found %d peaks\n", len(peaks))
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outputPath := filepath.Join(specOutDir, base+".png")
	if err := spectrogram.SavePng(img, outputPath); err != nil {
		os.Remove(outputPath)
		return "", err
	}
	return outputPath, nil
}
