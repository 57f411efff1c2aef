package storage

import (
	"context"
	"sort"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// trackRecord is a track plus the number of hashes indexed for it.
type trackRecord struct {
	Track     models.Track
	CodeCount int
}

// postingSource is what a backend provides to the shared scoring path.
type postingSource interface {
	postings(ctx context.Context, codes []uint32) (map[uint32][]models.Couple, error)
	trackRecords(ctx context.Context, ids []string) (map[string]trackRecord, error)
}

// scoreCandidates votes the query against the backend's postings and turns
// the aligned counts into scored candidates, best first.
func scoreCandidates(ctx context.Context, src postingSource, fps []models.Fingerprint, limit int) ([]models.Candidate, error) {
	codes := fingerprint.UniqueCodes(fps)
	if len(codes) == 0 {
		return nil, nil
	}

	postings, err := src.postings(ctx, codes)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches := fingerprint.Vote(fps, postings)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.TrackID
	}
	records, err := src.trackRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	queryCodes := fingerprint.CodeCount(fps)
	candidates := make([]models.Candidate, 0, len(matches))
	for _, m := range matches {
		rec, ok := records[m.TrackID]
		if !ok {
			// postings of a track deleted mid-index
			continue
		}
		refCodes := rec.CodeCount
		if refCodes <= 0 {
			refCodes = queryCodes
		}
		candidates = append(candidates, models.Candidate{
			Track:    rec.Track,
			Score:    fingerprint.Confidence(m.Count, queryCodes, refCodes),
			Evidence: m.Count,
			OffsetMs: m.OffsetMs,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Evidence > candidates[j].Evidence
	})
	return candidates, nil
}
