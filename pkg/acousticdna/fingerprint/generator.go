package fingerprint

import (
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// FromSamples fingerprints a whole clip in one pass. It produces exactly what
// a streaming Extractor with the same options would for the same samples.
func FromSamples(samples []float64, sampleRate int, opts ...ExtractorOption) ([]models.Fingerprint, error) {
	ext, err := NewExtractor(append([]ExtractorOption{WithSampleRate(sampleRate)}, opts...)...)
	if err != nil {
		return nil, err
	}

	fps, err := ext.Push(models.AudioFrame{SampleRate: sampleRate, Samples: samples})
	if err != nil {
		return nil, err
	}
	tail, err := ext.Flush()
	if err != nil {
		return nil, err
	}
	return append(fps, tail...), nil
}

// Postings inverts fingerprints into the hash -> []Couple form stored by the
// datastores.
func Postings(fps []models.Fingerprint, trackID string) map[uint32][]models.Couple {
	out := make(map[uint32][]models.Couple)
	for _, fp := range fps {
		for _, code := range fp.Codes {
			out[code] = append(out[code], models.Couple{TrackID: trackID, AnchorTimeMs: fp.OffsetMs})
		}
	}
	return out
}

// MergePostings merges src into dst (appends couples for same hash keys).
func MergePostings(dst, src map[uint32][]models.Couple) {
	for k, v := range src {
		dst[k] = append(dst[k], v...)
	}
}

// CodeCount is the number of landmark hashes across fps.
func CodeCount(fps []models.Fingerprint) int {
	n := 0
	for _, fp := range fps {
		n += len(fp.Codes)
	}
	return n
}

// UniqueCodes returns the distinct hashes of fps in first-seen order.
func UniqueCodes(fps []models.Fingerprint) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, fp := range fps {
		for _, code := range fp.Codes {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			out = append(out, code)
		}
	}
	return out
}
