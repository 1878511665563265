// Package scheduler runs the monitoring loop: every poll period it finds the
// targets whose interval has elapsed and runs a check cycle for each of them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pagewatch/internal/capture"
	"pagewatch/internal/domain"
	"pagewatch/internal/similarity"
	"pagewatch/internal/storage"
)

// Comparer decides whether two captures differ materially.
type Comparer interface {
	Compare(ctx context.Context, baseline, current []byte) (*similarity.Result, error)
}

// Notifier is told about every recorded change that has a difference.
type Notifier interface {
	NotifyChange(ctx context.Context, t domain.Target, d *domain.Difference) error
}

// Config holds the loop settings.
type Config struct {
	PollInterval time.Duration
	Workers      int
	CycleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 2 * time.Minute
	}
}

// ErrFatal is wrapped by the error Run returns when the loop stops itself.
var ErrFatal = errors.New("scheduler stopped")

// Scheduler owns the background check loop.
type Scheduler struct {
	ledger   storage.Ledger
	capturer capture.Capturer
	comparer Comparer
	notifier Notifier
	log      logrus.FieldLogger
	cfg      Config
	locks    *TargetLocker
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a scheduler. notifier may be nil.
func New(ledger storage.Ledger, capturer capture.Capturer, comparer Comparer, notifier Notifier, logger logrus.FieldLogger, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		ledger:   ledger,
		capturer: capturer,
		comparer: comparer,
		notifier: notifier,
		log:      logger.WithField("component", "scheduler"),
		cfg:      cfg,
		locks:    NewTargetLocker(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TickReport summarizes one pass over all targets.
type TickReport struct {
	TickID    string
	Targets   int
	Due       int
	First     int
	Changed   int
	Unchanged int
	Failed    int
	Skipped   int

	// Fatal is set when every capture attempted in the tick found no browser.
	Fatal error
}

// RunTick checks every target that is due at now. Targets are processed in
// parallel, bounded by Config.Workers; a failure in one target never affects
// another. The returned error is only set when the target list itself could
// not be read.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (TickReport, error) {
	report := TickReport{TickID: uuid.NewString()}
	log := s.log.WithField("tick_id", report.TickID)

	targets, err := s.ledger.ListTargets(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list targets")
		return report, err
	}
	report.Targets = len(targets)

	var (
		mu        sync.Mutex
		attempted int
		down      int
		lastDown  error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for _, t := range targets {
		if !t.DueAt(now) {
			continue
		}
		report.Due++
		g.Go(func() error {
			tlog := log.WithFields(logrus.Fields{"target_id": t.ID, "url": t.URL})
			if !s.locks.TryAcquire(t.ID) {
				tlog.Info("Skipping check, target is already being checked")
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}
			defer s.locks.Release(t.ID)

			// An on-demand check may have run while this worker was queued.
			cur, err := s.ledger.GetTarget(ctx, t.ID)
			if errors.Is(err, storage.ErrNotFound) {
				tlog.Debug("Skipping check, target was deleted")
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}
			if err != nil {
				tlog.WithError(err).Error("Failed to reload target")
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}
			if !cur.DueAt(now) {
				tlog.Debug("Skipping check, target was checked since the tick started")
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}

			res, cerr := s.check(ctx, *cur, now)

			// Advance regardless of the outcome so a broken target cannot
			// be retried every tick.
			if err := s.ledger.TouchTarget(ctx, t.ID, now); err != nil {
				tlog.WithError(err).Error("Failed to advance last_checked")
			}

			mu.Lock()
			defer mu.Unlock()
			if res.captureAttempted {
				attempted++
			}
			if res.browserDown {
				down++
				lastDown = cerr
			}
			if cerr != nil {
				report.Failed++
				s.logCycleError(tlog, cerr)
				return nil
			}
			switch res.Outcome {
			case OutcomeFirst:
				report.First++
			case OutcomeChanged:
				report.Changed++
			case OutcomeUnchanged:
				report.Unchanged++
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are isolated per target

	if attempted > 0 && down == attempted {
		report.Fatal = fmt.Errorf("%w: no browser session could be started for %d captures: %w", ErrFatal, attempted, lastDown)
	}

	log.WithFields(logrus.Fields{
		"targets":   report.Targets,
		"due":       report.Due,
		"first":     report.First,
		"changed":   report.Changed,
		"unchanged": report.Unchanged,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("Tick finished")
	return report, nil
}

func (s *Scheduler) logCycleError(log logrus.FieldLogger, err error) {
	kind := Classify(err)
	entry := log.WithError(err).WithField("kind", kind.String())
	switch kind {
	case KindCapture:
		entry.Warn("Capture failed")
	case KindAnalysis:
		entry.Warn("Could not compare captures")
	case KindConflict:
		entry.Info("Another check recorded this target first")
	default:
		entry.Error("Check cycle failed")
	}
}

// Run ticks, then sleeps for the poll interval, until ctx is cancelled or a
// tick reports a fatal condition. Cancellation is a clean stop and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"poll_interval": s.cfg.PollInterval.String(),
		"workers":       s.cfg.Workers,
	}).Info("Starting scheduler")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return nil
		case <-timer.C:
		}

		report, err := s.RunTick(ctx, s.now())
		if ctx.Err() != nil {
			// Captures cut short by the shutdown are not a browser outage.
			s.log.Info("Scheduler stopped")
			return nil
		}
		if err == nil && report.Fatal != nil {
			s.log.WithError(report.Fatal).Error("Stopping scheduler")
			return report.Fatal
		}
		timer.Reset(s.cfg.PollInterval)
	}
}

// Start runs the loop in the background. Calling Start on a running
// scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running, s.cancel, s.done, s.err = true, cancel, done, nil

	go func() {
		defer close(done)
		err := s.Run(ctx)
		s.mu.Lock()
		s.running, s.err = false, err
		s.mu.Unlock()
		cancel()
	}()
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the loop has exited. It is closed immediately if the
// scheduler was never started.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Err returns the error that stopped the loop, or nil.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Busy reports whether a check of the target is in progress in this process.
func (s *Scheduler) Busy(targetID int64) bool {
	return s.locks.Held(targetID)
}
