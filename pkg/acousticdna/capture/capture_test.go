package capture

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

func collect(t *testing.T, ch <-chan models.AudioFrame) []models.AudioFrame {
	t.Helper()
	var frames []models.AudioFrame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("timed out waiting for the frame channel to close")
		}
	}
}

func drain(ch <-chan models.AudioFrame) []models.AudioFrame {
	var frames []models.AudioFrame
	for f := range ch {
		frames = append(frames, f)
	}
	return frames
}

func checkSequence(t *testing.T, frames []models.AudioFrame, rate int) int {
	t.Helper()
	total := 0
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d has Seq %d", i, f.Seq)
		}
		expected := time.Duration(total) * time.Second / time.Duration(rate)
		if f.Timestamp != expected {
			t.Errorf("frame %d timestamp %v, expected %v", i, f.Timestamp, expected)
		}
		if f.SampleRate != rate {
			t.Errorf("frame %d rate %d, expected %d", i, f.SampleRate, rate)
		}
		total += len(f.Samples)
	}
	return total
}

func TestSampleSourceFrames(t *testing.T) {
	samples := make([]float64, 2500)
	for i := range samples {
		samples[i] = float64(i) / 2500
	}
	src := NewSampleSource(samples, 1000, WithFrameDuration(time.Second))

	ch, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	frames := collect(t, ch)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if total := checkSequence(t, frames, 1000); total != len(samples) {
		t.Errorf("frames carry %d samples, expected %d", total, len(samples))
	}
	if len(frames[2].Samples) != 500 {
		t.Errorf("expected a 500-sample tail frame, got %d", len(frames[2].Samples))
	}
	if src.Err() != nil {
		t.Errorf("clean end of stream should leave Err nil, got %v", src.Err())
	}

	// restartable after the stream ended
	ch, err = src.Start(context.Background())
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if again := collect(t, ch); len(again) != 3 || again[0].Seq != 0 {
		t.Errorf("restart should replay from Seq 0, got %d frames", len(again))
	}
}

func TestSampleSourceStopEndsRealtimeRun(t *testing.T) {
	src := NewSampleSource(make([]float64, 100000), 1000, WithFrameDuration(50*time.Millisecond), WithRealtime(true))
	ch, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := src.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	<-ch
	done := make(chan struct{})
	go func() {
		drain(ch)
		close(done)
	}()
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame channel not closed after Stop")
	}
	if src.Err() != nil {
		t.Errorf("Stop should not record an error, got %v", src.Err())
	}
}

func writeWAV(t *testing.T, rate, chans int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, chans, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: chans, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestWAVSourceDownmixesStereo(t *testing.T) {
	const rate = 8000
	data := make([]int, 0, 2*rate)
	for i := 0; i < rate; i++ {
		data = append(data, 16384, -16384+2*(i%2)*16384)
	}
	src := NewWAVSource(writeWAV(t, rate, 2, data), WithFrameDuration(100*time.Millisecond))

	ch, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	frames := collect(t, ch)
	if err := src.Err(); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if len(frames) != 10 {
		t.Fatalf("expected 10 frames of 100ms, got %d", len(frames))
	}
	if total := checkSequence(t, frames, rate); total != rate {
		t.Errorf("expected %d mono samples, got %d", rate, total)
	}

	// even frames average to 0, odd frames to 0.5
	s := frames[0].Samples
	if math.Abs(s[0]) > 1e-9 || math.Abs(s[1]-0.5) > 1e-9 {
		t.Errorf("unexpected downmix values %v %v", s[0], s[1])
	}
}

func TestWAVSourceResamples(t *testing.T) {
	const rate = 22050
	data := make([]int, rate)
	for i := range data {
		data[i] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	src := NewWAVSource(writeWAV(t, rate, 1, data), WithTargetRate(11025))

	ch, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	frames := collect(t, ch)
	if err := src.Err(); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	total := checkSequence(t, frames, 11025)
	if total < 9000 || total > 11100 {
		t.Errorf("expected about 11025 samples after resampling, got %d", total)
	}
}

func TestWAVSourceMissingFile(t *testing.T) {
	src := NewWAVSource(filepath.Join(t.TempDir(), "nope.wav"))
	if _, err := src.Start(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWAVSourceInvalidFileReportsErr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("INVALID HEADER DATA"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewWAVSource(path)
	ch, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(t, ch)
	if src.Err() == nil {
		t.Error("expected a terminal error for an invalid WAV file")
	}
}

func TestPushSourceBlockKeepsEverything(t *testing.T) {
	src := NewPushSource(1000, WithFrameDuration(100*time.Millisecond), WithBufferFrames(2))
	ctx := context.Background()

	if err := src.Push(ctx, make([]float64, 300)); err != nil {
		t.Fatalf("push while stopped: %v", err)
	}

	ch, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan []models.AudioFrame)
	go func() { done <- drain(ch) }()

	for i := 0; i < 10; i++ {
		if err := src.Push(ctx, make([]float64, 155)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	src.End()

	frames := <-done
	if total := checkSequence(t, frames, 1000); total != 1550 {
		t.Errorf("expected 1550 samples including the partial tail, got %d", total)
	}
	if src.Dropped() != 0 {
		t.Errorf("Block policy dropped %d frames", src.Dropped())
	}
}

func TestPushSourceDropOldest(t *testing.T) {
	src := NewPushSource(1000, WithFrameDuration(10*time.Millisecond), WithBufferFrames(2), WithOverflow(DropOldest))
	ctx := context.Background()
	ch, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// the consumer is idle, so the queue overflows without blocking the producer
	for i := 0; i < 50; i++ {
		if err := src.Push(ctx, make([]float64, 10)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if src.Dropped() == 0 {
		t.Error("expected DropOldest to discard frames")
	}
	src.End()

	frames := collect(t, ch)
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq <= frames[i-1].Seq {
			t.Errorf("frames out of order: %d after %d", frames[i].Seq, frames[i-1].Seq)
		}
	}
	if frames[len(frames)-1].Seq != 49 {
		t.Errorf("newest frame should survive, last Seq %d", frames[len(frames)-1].Seq)
	}
}

func TestPCM16ToFloat(t *testing.T) {
	got := PCM16ToFloat([]byte{0x00, 0x40, 0x00, 0xC0, 0xFF, 0x7F, 0x01})
	expected := []float64{0.5, -0.5, 32767.0 / 32768.0}
	if len(got) != len(expected) {
		t.Fatalf("expected %d samples, got %d", len(expected), len(got))
	}
	for i := range expected {
		if math.Abs(got[i]-expected[i]) > 1e-12 {
			t.Errorf("sample %d = %v, expected %v", i, got[i], expected[i])
		}
	}
}
