package models

// Couple is the stored value for a hash bucket entry.
// AnchorTimeMs is the time (in ms) of the anchor peak in the reference track.
type Couple struct {
	TrackID      string // UUID of the track
	AnchorTimeMs uint32
}

// Match is a vote tally for one track at its best-aligned offset.
type Match struct {
	TrackID  string // UUID of the track
	OffsetMs int32  // dbAnchorTimeMs - queryAnchorTimeMs
	Count    int
}
