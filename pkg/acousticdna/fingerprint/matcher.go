package fingerprint

import (
	"math"
	"sort"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Vote aligns query fingerprints against stored postings. Every shared hash
// votes for (track, referenceTime - queryTime); a track's count is the size
// of its most popular offset bucket. Results are sorted by count, then track
// ID, so equal inputs always give equal output.
func Vote(query []models.Fingerprint, postings map[uint32][]models.Couple) []models.Match {
	// votes[trackID][offsetMs] = count
	votes := make(map[string]map[int32]int)

	for _, fp := range query {
		for _, code := range fp.Codes {
			for _, cou := range postings[code] {
				offset := int32(cou.AnchorTimeMs) - int32(fp.OffsetMs)
				m, ok := votes[cou.TrackID]
				if !ok {
					m = make(map[int32]int)
					votes[cou.TrackID] = m
				}
				m[offset]++
			}
		}
	}

	matches := make([]models.Match, 0, len(votes))
	for trackID, offsets := range votes {
		bestOffset := int32(0)
		bestCount := 0
		for off, cnt := range offsets {
			if cnt > bestCount || (cnt == bestCount && off < bestOffset) {
				bestCount = cnt
				bestOffset = off
			}
		}
		if bestCount > 0 {
			matches = append(matches, models.Match{TrackID: trackID, OffsetMs: bestOffset, Count: bestCount})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Count != matches[j].Count {
			return matches[i].Count > matches[j].Count
		}
		return matches[i].TrackID < matches[j].TrackID
	})
	return matches
}

// Confidence maps an aligned match count to a score in [0, 1], relative to
// the smaller of the query and reference hash counts.
//
// Low ratios (< 5%) stay near zero, 15% sits at 0.5, and anything above 30%
// is boosted toward 1. Fewer than five aligned hashes are penalized linearly.
func Confidence(matchCount, queryCodes, trackCodes int) float64 {
	if matchCount <= 0 || queryCodes <= 0 || trackCodes <= 0 {
		return 0.0
	}

	minCount := queryCodes
	if trackCodes < minCount {
		minCount = trackCodes
	}
	ratio := float64(matchCount) / float64(minCount)

	const (
		steepness = 20.0
		midpoint  = 0.15
	)

	confidence := 1.0 / (1.0 + math.Exp(-steepness*(ratio-midpoint)))

	if ratio > 0.30 {
		boost := (ratio - 0.30) * 0.5
		confidence = math.Min(1.0, confidence+boost)
	}

	if matchCount < 5 {
		confidence *= float64(matchCount) / 5.0
	}

	return confidence
}
