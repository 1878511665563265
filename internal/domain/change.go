package domain

import (
	"image"
	"time"
)

// Summaries written by the check cycle.
const (
	SummaryFirstCapture   = "First capture"
	SummaryChangeDetected = "Change detected"
)

// Change is one stored capture of a target. The newest change of a target is
// the baseline for its next check.
type Change struct {
	ID         int64     `json:"id"`
	TargetID   int64     `json:"target_id"`
	DetectedAt time.Time `json:"detected_at"`

	// Screenshot is the raw PNG capture.
	Screenshot []byte `json:"screenshot"`

	Summary  string `json:"summary"`
	Reviewed bool   `json:"reviewed"`
}

// Difference links a baseline change (ChangeID1) to the newer change
// (ChangeID2) that was found to differ from it.
type Difference struct {
	ID        int64 `json:"id"`
	ChangeID1 int64 `json:"change_id1"`
	ChangeID2 int64 `json:"change_id2"`

	Score float64 `json:"score"`

	// ChangedFraction is the share of pixels whose intensity moved past the tolerance.
	ChangedFraction float64 `json:"changed_fraction"`

	// Region is the bounding box of changed pixels in baseline coordinates.
	Region image.Rectangle `json:"region"`

	Before []byte `json:"before"`
	After  []byte `json:"after"`
	Mask   []byte `json:"mask"`

	CreatedAt time.Time `json:"created_at"`
}
