package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pagewatch/internal/domain"
	"pagewatch/internal/storage"
)

// Outcome is the verdict of a completed check cycle.
type Outcome int

const (
	// OutcomeFirst: the target had no baseline; the capture became its first change.
	OutcomeFirst Outcome = iota + 1
	// OutcomeChanged: a material change was recorded with its difference.
	OutcomeChanged
	// OutcomeUnchanged: the page matched its baseline; nothing was written.
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFirst:
		return "first_capture"
	case OutcomeChanged:
		return "changed"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "none"
	}
}

// CycleResult describes what one check cycle did. On a partial failure
// (the change was written but the difference was not) Change is set and
// the cycle's error is returned alongside.
type CycleResult struct {
	TargetID   int64
	Outcome    Outcome
	Score      float64
	Change     *domain.Change
	Difference *domain.Difference

	// captureAttempted and browserDown feed fatal detection in RunTick.
	captureAttempted bool
	browserDown      bool
}

// CheckNow runs one check cycle for a target synchronously and advances its
// last_checked. Errors are returned to the caller instead of being swallowed.
func (s *Scheduler) CheckNow(ctx context.Context, targetID int64) (*CycleResult, error) {
	target, err := s.ledger.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !s.locks.TryAcquire(target.ID) {
		return nil, fmt.Errorf("target %d: %w", target.ID, ErrCheckInProgress)
	}
	defer s.locks.Release(target.ID)

	now := s.now()
	res, err := s.check(ctx, *target, now)
	if terr := s.ledger.TouchTarget(ctx, target.ID, now); terr != nil {
		s.log.WithError(terr).WithField("target_id", target.ID).Error("Failed to advance last_checked")
		if err == nil {
			err = terr
		}
	}
	return res, err
}

// check performs fetch-baseline, capture, compare and persist for one target.
// The caller holds the target's lock and advances last_checked afterwards.
func (s *Scheduler) check(ctx context.Context, t domain.Target, now time.Time) (*CycleResult, error) {
	log := s.log.WithFields(logrus.Fields{"target_id": t.ID, "url": t.URL})
	log.Debug("Check started")
	res := &CycleResult{TargetID: t.ID}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	// 1. Baseline.
	baseline, err := s.ledger.LatestChange(ctx, t.ID)
	if errors.Is(err, storage.ErrNotFound) {
		baseline, err = nil, nil
	}
	if err != nil {
		return res, err
	}

	// 2. Capture.
	res.captureAttempted = true
	img, err := s.capturer.Capture(ctx, t.URL, t.Selector)
	if err != nil {
		// A launch aborted by cancellation or the cycle timeout says nothing
		// about whether a browser is available.
		res.browserDown = Classify(err) == KindFatal && ctx.Err() == nil && !errors.Is(err, context.Canceled)
		return res, err
	}

	// 3. First capture.
	if baseline == nil {
		change := &domain.Change{TargetID: t.ID, DetectedAt: now, Screenshot: img, Summary: domain.SummaryFirstCapture}
		if err := s.ledger.CreateChange(ctx, change, 0); err != nil {
			return res, err
		}
		res.Outcome = OutcomeFirst
		res.Change = change
		log.WithField("change_id", change.ID).Info("First capture recorded")
		return res, nil
	}

	// 4. Compare against the baseline.
	verdict, err := s.comparer.Compare(ctx, baseline.Screenshot, img)
	if err != nil {
		return res, err
	}
	res.Score = verdict.Score
	if !verdict.Changed {
		res.Outcome = OutcomeUnchanged
		log.WithField("score", verdict.Score).Debug("No material change")
		return res, nil
	}

	change := &domain.Change{TargetID: t.ID, DetectedAt: now, Screenshot: img, Summary: domain.SummaryChangeDetected}
	if err := s.ledger.CreateChange(ctx, change, baseline.ID); err != nil {
		return res, err
	}
	res.Outcome = OutcomeChanged
	res.Change = change

	diff := &domain.Difference{
		ChangeID1:       baseline.ID,
		ChangeID2:       change.ID,
		Score:           verdict.Score,
		ChangedFraction: verdict.ChangedFraction,
		Region:          verdict.Region,
		CreatedAt:       now,
	}
	if a := verdict.Artifacts; a != nil {
		diff.Before, diff.After, diff.Mask = a.Before, a.After, a.Mask
	}
	// The change stays recorded and is the next baseline even if this fails.
	if err := s.ledger.CreateDifference(ctx, diff); err != nil {
		return res, err
	}
	res.Difference = diff

	log.WithFields(logrus.Fields{
		"change_id":        change.ID,
		"score":            verdict.Score,
		"changed_fraction": verdict.ChangedFraction,
	}).Info("Change detected")

	if s.notifier != nil {
		if err := s.notifier.NotifyChange(ctx, t, diff); err != nil {
			log.WithError(err).Warn("Failed to send change notification")
		}
	}
	return res, nil
}
