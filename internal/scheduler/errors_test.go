package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"pagewatch/internal/capture"
	"pagewatch/internal/similarity"
	"pagewatch/internal/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"capture", &capture.Error{Reason: capture.ReasonDenied, Err: errors.New("403")}, KindCapture},
		{"browser unavailable", &capture.Error{Reason: capture.ReasonBrowser, Err: fmt.Errorf("%w: launch", capture.ErrBrowserUnavailable)}, KindFatal},
		{"analysis", &similarity.AnalysisError{Side: "current", Err: errors.New("bad png")}, KindAnalysis},
		{"persistence", &storage.PersistenceError{Op: "create change", Err: errors.New("disk full")}, KindPersistence},
		{"baseline moved", &storage.PersistenceError{Op: "create change", Err: storage.ErrBaselineMoved}, KindConflict},
		{"in progress", fmt.Errorf("target 3: %w", ErrCheckInProgress), KindConflict},
		{"cycle timeout", fmt.Errorf("latest change: %w", context.DeadlineExceeded), KindCapture},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, "conflict", KindConflict.String())
}
