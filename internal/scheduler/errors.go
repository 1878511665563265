package scheduler

import (
	"context"
	"errors"

	"pagewatch/internal/capture"
	"pagewatch/internal/similarity"
	"pagewatch/internal/storage"
)

// ErrCheckInProgress is returned by CheckNow when the target is already
// being checked by this process.
var ErrCheckInProgress = errors.New("check already in progress")

// Kind is the recovery class of a check cycle error.
type Kind int

const (
	KindNone Kind = iota
	// KindCapture: the page could not be captured. The cycle is aborted.
	KindCapture
	// KindAnalysis: an image could not be decoded. No verdict, nothing written.
	KindAnalysis
	// KindPersistence: a ledger write or read failed.
	KindPersistence
	// KindConflict: another check of the same target won the race.
	KindConflict
	// KindFatal: no browser session can be started at all. Stops the loop.
	KindFatal
	// KindUnknown covers errors outside the taxonomy.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCapture:
		return "capture"
	case KindAnalysis:
		return "analysis"
	case KindPersistence:
		return "persistence"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps err onto the error taxonomy. Order matters: a conflict is
// reported by the ledger as a PersistenceError and a browser launch failure
// as a capture.Error.
func Classify(err error) Kind {
	var (
		captureErr  *capture.Error
		analysisErr *similarity.AnalysisError
		persistErr  *storage.PersistenceError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, capture.ErrBrowserUnavailable):
		return KindFatal
	case errors.Is(err, ErrCheckInProgress), errors.Is(err, storage.ErrBaselineMoved):
		return KindConflict
	case errors.As(err, &captureErr):
		return KindCapture
	case errors.As(err, &analysisErr):
		return KindAnalysis
	case errors.As(err, &persistErr):
		return KindPersistence
	case errors.Is(err, context.DeadlineExceeded):
		// The cycle timeout fired around a hung driver call.
		return KindCapture
	default:
		return KindUnknown
	}
}
