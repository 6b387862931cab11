package ingest

import "sync"

// Report aggregates the outcome of one ingestion batch. Per-record failures
// never escape the coordinator; they end up here as skip counts.
type Report struct {
	mu sync.Mutex

	NewVersions      int `json:"newVersions"`
	MatchedVersions  int `json:"matchedVersions"`
	NewListings      int `json:"newListings"`
	SeenListings     int `json:"seenListings"`
	Appended         int `json:"appended"`
	SkippedMalformed int `json:"skippedMalformed"`
	SkippedDuplicate int `json:"skippedDuplicate"`
	SkippedConflict  int `json:"skippedConflict"`
	SkippedBusy      int `json:"skippedBusy"`
}

// Skipped returns the total number of records that produced no observation.
func (r *Report) Skipped() int {
	return r.SkippedMalformed + r.SkippedDuplicate + r.SkippedConflict + r.SkippedBusy
}

func (r *Report) add(fn func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}
