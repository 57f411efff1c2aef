//go:build js && wasm

package main

import (
	"errors"
	"fmt"
	"syscall/js"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Error codes returned to JavaScript
const (
	ErrorNone = iota
	ErrorInvalidArgs
	ErrorProcessing
	ErrorInsufficientAudio
	ErrorUnknownStream
)

// stream is one live extractor fed chunk by chunk from the browser.
type stream struct {
	ext *fingerprint.Extractor
	seq uint64
}

var (
	streams    = map[int]*stream{}
	nextStream = 1
)

// readSamples converts a JS Array or Float64Array to mono samples.
func readSamples(audioDataJS, channelsJS js.Value) ([]float64, error) {
	if audioDataJS.Type() != js.TypeObject {
		return nil, errors.New("audioArray must be an Array or Float64Array")
	}
	if channelsJS.Type() != js.TypeNumber {
		return nil, errors.New("channels must be a number")
	}
	channels := channelsJS.Int()
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("Channels must be 1 (mono) or 2 (stereo), got: %d", channels)
	}

	length := audioDataJS.Length()
	samples := make([]float64, length)
	for i := 0; i < length; i++ {
		val := audioDataJS.Index(i)
		if val.Type() != js.TypeNumber {
			return nil, fmt.Errorf("audioArray element %d is not a number", i)
		}
		samples[i] = val.Float()
	}

	if channels == 2 {
		samples = stereoToMono(samples)
	}
	return samples, nil
}

func stereoToMono(stereo []float64) []float64 {
	if len(stereo)%2 != 0 {
		stereo = stereo[:len(stereo)-1]
	}

	mono := make([]float64, len(stereo)/2)
	for i := range mono {
		mono[i] = (stereo[i*2] + stereo[i*2+1]) / 2.0
	}
	return mono
}

// Processes a whole clip and returns its fingerprints in the shape
// POST /api/match/hashes expects.
// Returns: {error: number, data: array | string}
func generateFingerprint(this js.Value, args []js.Value) any {
	if len(args) < 3 {
		return makeErrorResponse(ErrorInvalidArgs, "Expected 3 arguments: audioArray, sampleRate, channels")
	}
	if args[1].Type() != js.TypeNumber || args[1].Int() <= 0 {
		return makeErrorResponse(ErrorInvalidArgs, "sampleRate must be a positive number")
	}

	samples, err := readSamples(args[0], args[2])
	if err != nil {
		return makeErrorResponse(ErrorInvalidArgs, err.Error())
	}
	if len(samples) == 0 {
		return makeErrorResponse(ErrorInvalidArgs, "audioArray is empty")
	}

	fps, err := fingerprint.FromSamples(samples, args[1].Int())
	if err != nil {
		return makeFingerprintError(err)
	}
	return makeResponse(fps)
}

// createStream(sampleRate) starts a streaming extractor and returns its handle.
func createStream(this js.Value, args []js.Value) any {
	if len(args) < 1 || args[0].Type() != js.TypeNumber {
		return makeErrorResponse(ErrorInvalidArgs, "Expected 1 argument: sampleRate")
	}
	ext, err := fingerprint.NewExtractor(fingerprint.WithSampleRate(args[0].Int()))
	if err != nil {
		return makeErrorResponse(ErrorInvalidArgs, err.Error())
	}

	id := nextStream
	nextStream++
	streams[id] = &stream{ext: ext}

	result := js.Global().Get("Object").New()
	result.Set("error", ErrorNone)
	result.Set("data", id)
	return result
}

func lookupStream(v js.Value) (int, *stream, bool) {
	if v.Type() != js.TypeNumber {
		return 0, nil, false
	}
	id := v.Int()
	s, ok := streams[id]
	return id, s, ok
}

// pushAudio(handle, audioArray, channels) returns the fingerprints that
// became final with this chunk.
func pushAudio(this js.Value, args []js.Value) any {
	if len(args) < 3 {
		return makeErrorResponse(ErrorInvalidArgs, "Expected 3 arguments: handle, audioArray, channels")
	}
	_, s, ok := lookupStream(args[0])
	if !ok {
		return makeErrorResponse(ErrorUnknownStream, "unknown stream handle")
	}
	samples, err := readSamples(args[1], args[2])
	if err != nil {
		return makeErrorResponse(ErrorInvalidArgs, err.Error())
	}

	fps, err := s.ext.Push(models.AudioFrame{Seq: s.seq, SampleRate: s.ext.SampleRate(), Samples: samples})
	if err != nil {
		return makeFingerprintError(err)
	}
	s.seq++
	return makeResponse(fps)
}

// flushStream(handle) finalizes the stream, returns its last fingerprints
// and releases the handle.
func flushStream(this js.Value, args []js.Value) any {
	if len(args) < 1 {
		return makeErrorResponse(ErrorInvalidArgs, "Expected 1 argument: handle")
	}
	id, s, ok := lookupStream(args[0])
	if !ok {
		return makeErrorResponse(ErrorUnknownStream, "unknown stream handle")
	}
	delete(streams, id)

	fps, err := s.ext.Flush()
	if err != nil {
		return makeFingerprintError(err)
	}
	return makeResponse(fps)
}

// closeStream(handle) drops a stream without flushing it.
func closeStream(this js.Value, args []js.Value) any {
	if len(args) > 0 {
		if id, _, ok := lookupStream(args[0]); ok {
			delete(streams, id)
		}
	}
	return makeResponse(nil)
}

func makeResponse(fps []models.Fingerprint) js.Value {
	array := js.Global().Get("Array").New()
	for i, fp := range fps {
		codes := js.Global().Get("Array").New()
		for j, code := range fp.Codes {
			codes.SetIndex(j, code)
		}
		obj := js.Global().Get("Object").New()
		obj.Set("offset_ms", fp.OffsetMs)
		obj.Set("codes", codes)
		array.SetIndex(i, obj)
	}

	result := js.Global().Get("Object").New()
	result.Set("error", ErrorNone)
	result.Set("data", array)
	return result
}

func makeFingerprintError(err error) js.Value {
	if errors.Is(err, models.ErrInsufficientAudio) {
		return makeErrorResponse(ErrorInsufficientAudio, "Not enough audio to fingerprint (audio may be too short)")
	}
	return makeErrorResponse(ErrorProcessing, err.Error())
}

func makeErrorResponse(errorCode int, message string) js.Value {
	result := js.Global().Get("Object").New()
	result.Set("error", errorCode)
	result.Set("data", message)
	return result
}

func main() {
	console := js.Global().Get("console")
	logf := func(method, format string, args ...any) {
		if !console.IsUndefined() {
			console.Call(method, fmt.Sprintf(format, args...))
		}
	}
	logf("log", "🔧 AcousticDNA WASM module initializing...")

	done := make(chan struct{})

	js.Global().Set("generateFingerprint", js.FuncOf(generateFingerprint))
	js.Global().Set("createStream", js.FuncOf(createStream))
	js.Global().Set("pushAudio", js.FuncOf(pushAudio))
	js.Global().Set("flushStream", js.FuncOf(flushStream))
	js.Global().Set("closeStream", js.FuncOf(closeStream))
	logf("log", "📝 fingerprint functions registered (default rate %d Hz)", fingerprint.DefaultSampleRate)

	window := js.Global().Get("window")
	if window.IsUndefined() {
		logf("error", "❌ window object is undefined!")
	} else {
		event := js.Global().Get("CustomEvent").New("wasmReady", js.Global().Get("Object").New())
		window.Call("dispatchEvent", event)
		logf("log", "✅ wasmReady event dispatched")
	}

	logf("log", "✅ AcousticDNA WASM module loaded and ready")
	<-done
}
