package event

import "time"

// OrphanBlockEvent records a block whose indexed hash no longer matches
// the canonical chain. Work derived from it must be compensated, not
// deleted.
type OrphanBlockEvent struct {
	BlockNumber   int64
	RecordedHash  string
	CanonicalHash string
	DetectedAt    time.Time
}
