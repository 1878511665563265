package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/domain"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)        // Send logs to stderr during tests
	logger.SetLevel(logrus.ErrorLevel) // Only show errors by default
	return logger
}

// setupTestDB opens a ledger of the given kind in a temporary directory.
// t.TempDir() removes the files once the test and its subtests complete.
func setupTestDB(t *testing.T, kind string) Ledger {
	t.Helper()
	dir := t.TempDir()

	var (
		ledger Ledger
		err    error
	)
	switch kind {
	case "sqlite":
		ledger, err = NewSQLiteLedger(context.Background(), filepath.Join(dir, "pagewatch.db"), testLogger())
	case "badger":
		ledger, err = NewBadgerLedger(dir, testLogger())
	default:
		t.Fatalf("unknown ledger kind %q", kind)
	}
	require.NoError(t, err, "Failed to create test ledger")

	t.Cleanup(func() {
		assert.NoError(t, ledger.Close(), "Failed to close test ledger")
	})
	return ledger
}

// forEachLedger runs fn against every backend.
func forEachLedger(t *testing.T, fn func(t *testing.T, l Ledger)) {
	for _, kind := range []string{"sqlite", "badger"} {
		t.Run(kind, func(t *testing.T) {
			fn(t, setupTestDB(t, kind))
		})
	}
}

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func newTarget(t *testing.T, l Ledger, owner int64, name, url string) *domain.Target {
	t.Helper()
	target := &domain.Target{OwnerID: owner, Name: name, URL: url, IntervalMinutes: 60}
	require.NoError(t, l.CreateTarget(context.Background(), target))
	return target
}

func appendChange(t *testing.T, l Ledger, targetID, baselineID int64, at time.Time) *domain.Change {
	t.Helper()
	c := &domain.Change{TargetID: targetID, DetectedAt: at, Screenshot: []byte("png-" + at.Format(time.RFC3339)), Summary: domain.SummaryChangeDetected}
	require.NoError(t, l.CreateChange(context.Background(), c, baselineID))
	return c
}

func TestLedger_Targets(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()

		a := newTarget(t, l, 1, "home", "https://example.com")
		b := newTarget(t, l, 2, "home", "https://example.com")
		c := newTarget(t, l, 1, "pricing", "https://example.com/pricing")

		assert.NotZero(t, a.ID)
		assert.Equal(t, a.WebsiteID, b.WebsiteID, "targets on the same URL share a website")
		assert.NotEqual(t, a.WebsiteID, c.WebsiteID)
		assert.False(t, a.CreatedAt.IsZero())

		got, err := l.GetTarget(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", got.URL)
		assert.Equal(t, "home", got.Name)
		assert.Nil(t, got.LastChecked)

		all, err := l.ListTargets(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{a.ID, b.ID, c.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

		_, err = l.GetTarget(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
		var pe *PersistenceError
		assert.ErrorAs(t, err, &pe)
	})
}

func TestLedger_CreateTargetRejects(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		newTarget(t, l, 1, "home", "https://example.com")

		dup := &domain.Target{OwnerID: 1, Name: "home", URL: "https://other.example", IntervalMinutes: 5}
		assert.ErrorIs(t, l.CreateTarget(ctx, dup), ErrDuplicate)

		invalid := &domain.Target{OwnerID: 1, Name: "x", URL: "https://example.com", IntervalMinutes: 0}
		assert.Error(t, l.CreateTarget(ctx, invalid))

		all, err := l.ListTargets(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestLedger_UpdateAndTouchTarget(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		target := newTarget(t, l, 1, "home", "https://example.com")
		newTarget(t, l, 1, "blog", "https://example.com/blog")

		target.Name = "landing"
		target.URL = "https://example.org"
		target.Selector = "#hero"
		target.IntervalMinutes = 15
		require.NoError(t, l.UpdateTarget(ctx, target))

		got, err := l.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, "landing", got.Name)
		assert.Equal(t, "https://example.org", got.URL)
		assert.Equal(t, "#hero", got.Selector)
		assert.Equal(t, 15, got.IntervalMinutes)
		assert.Equal(t, target.WebsiteID, got.WebsiteID)

		clash := *got
		clash.Name = "blog"
		assert.ErrorIs(t, l.UpdateTarget(ctx, &clash), ErrDuplicate)

		checked := t0.Add(90 * time.Second)
		require.NoError(t, l.TouchTarget(ctx, target.ID, checked))
		got, err = l.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastChecked)
		assert.True(t, checked.Equal(*got.LastChecked))

		// A late writer with an older time must not move last_checked back.
		require.NoError(t, l.TouchTarget(ctx, target.ID, t0))
		require.NoError(t, l.TouchTarget(ctx, target.ID, checked))
		got, err = l.GetTarget(ctx, target.ID)
		require.NoError(t, err)
		assert.True(t, checked.Equal(*got.LastChecked), "got %s", got.LastChecked)

		assert.ErrorIs(t, l.TouchTarget(ctx, 9999, checked), ErrNotFound)
		missing := domain.Target{ID: 9999, Name: "x", URL: "https://example.com", IntervalMinutes: 1}
		assert.ErrorIs(t, l.UpdateTarget(ctx, &missing), ErrNotFound)
	})
}

func TestLedger_ChangeHistory(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		target := newTarget(t, l, 1, "home", "https://example.com")

		_, err := l.LatestChange(ctx, target.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		first := appendChange(t, l, target.ID, 0, t0)
		second := appendChange(t, l, target.ID, first.ID, t0.Add(time.Hour))
		third := appendChange(t, l, target.ID, second.ID, t0.Add(2*time.Hour))

		latest, err := l.LatestChange(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, third.ID, latest.ID)
		assert.Equal(t, third.Screenshot, latest.Screenshot)
		assert.True(t, third.DetectedAt.Equal(latest.DetectedAt))

		all, err := l.ListChanges(ctx, target.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{third.ID, second.ID, first.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

		two, err := l.ListChanges(ctx, target.ID, 2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		assert.Equal(t, second.ID, two[1].ID)

		got, err := l.GetChange(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SummaryChangeDetected, got.Summary)
		assert.False(t, got.Reviewed)

		require.NoError(t, l.MarkReviewed(ctx, first.ID, true))
		got, err = l.GetChange(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, got.Reviewed)
		assert.ErrorIs(t, l.MarkReviewed(ctx, 9999, true), ErrNotFound)
	})
}

func TestLedger_CreateChangeBaseline(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		target := newTarget(t, l, 1, "home", "https://example.com")
		first := appendChange(t, l, target.ID, 0, t0)

		stale := &domain.Change{TargetID: target.ID, DetectedAt: t0.Add(time.Minute), Screenshot: []byte("x")}
		assert.ErrorIs(t, l.CreateChange(ctx, stale, 0), ErrBaselineMoved, "baseline 0 after a change exists")

		older := &domain.Change{TargetID: target.ID, DetectedAt: t0.Add(-time.Minute), Screenshot: []byte("x")}
		assert.ErrorIs(t, l.CreateChange(ctx, older, first.ID), ErrOutOfOrder)

		orphan := &domain.Change{TargetID: 9999, DetectedAt: t0, Screenshot: []byte("x")}
		assert.Error(t, l.CreateChange(ctx, orphan, 0))

		all, err := l.ListChanges(ctx, target.ID, 0)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestLedger_ConcurrentAppendSameBaseline(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		target := newTarget(t, l, 1, "home", "https://example.com")
		base := appendChange(t, l, target.ID, 0, t0)

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := &domain.Change{TargetID: target.ID, DetectedAt: t0.Add(time.Duration(i+1) * time.Minute), Screenshot: []byte{byte(i)}}
				errs[i] = l.CreateChange(ctx, c, base.ID)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrBaselineMoved)
		}
		assert.Equal(t, 1, succeeded)

		all, err := l.ListChanges(ctx, target.ID, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestLedger_Differences(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		target := newTarget(t, l, 1, "home", "https://example.com")
		other := newTarget(t, l, 1, "other", "https://example.org")

		c1 := appendChange(t, l, target.ID, 0, t0)
		c2 := appendChange(t, l, target.ID, c1.ID, t0.Add(time.Hour))
		c3 := appendChange(t, l, target.ID, c2.ID, t0.Add(2*time.Hour))
		o1 := appendChange(t, l, other.ID, 0, t0.Add(3*time.Hour))

		d1 := &domain.Difference{ChangeID1: c1.ID, ChangeID2: c2.ID, Score: 0.42, ChangedFraction: 0.3,
			Before: []byte("b"), After: []byte("a"), Mask: []byte("m")}
		d1.Region.Max.X, d1.Region.Max.Y = 20, 10
		require.NoError(t, l.CreateDifference(ctx, d1))
		assert.NotZero(t, d1.ID)

		d2 := &domain.Difference{ChangeID1: c2.ID, ChangeID2: c3.ID, Score: 0.5}
		require.NoError(t, l.CreateDifference(ctx, d2))

		invalid := []struct {
			name string
			d    domain.Difference
		}{
			{"reversed", domain.Difference{ChangeID1: c3.ID, ChangeID2: c2.ID}},
			{"same change", domain.Difference{ChangeID1: c2.ID, ChangeID2: c2.ID}},
			{"cross target", domain.Difference{ChangeID1: c1.ID, ChangeID2: o1.ID}},
			{"missing change", domain.Difference{ChangeID1: c1.ID, ChangeID2: 9999}},
		}
		for _, tt := range invalid {
			d := tt.d
			assert.ErrorIs(t, l.CreateDifference(ctx, &d), ErrInvalidDifference, tt.name)
		}
		dup := domain.Difference{ChangeID1: c1.ID, ChangeID2: c2.ID}
		assert.ErrorIs(t, l.CreateDifference(ctx, &dup), ErrDuplicate)

		diffs, err := l.ListDifferences(ctx, target.ID, 0)
		require.NoError(t, err)
		require.Len(t, diffs, 2)
		assert.Equal(t, d2.ID, diffs[0].ID)
		assert.Equal(t, d1.ID, diffs[1].ID)
		assert.Equal(t, 0.42, diffs[1].Score)
		assert.Equal(t, 20, diffs[1].Region.Dx())
		assert.Equal(t, []byte("m"), diffs[1].Mask)

		none, err := l.ListDifferences(ctx, other.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestLedger_DeleteTargetCascades(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		target := newTarget(t, l, 1, "home", "https://example.com")
		keep := newTarget(t, l, 2, "home", "https://example.com")

		c1 := appendChange(t, l, target.ID, 0, t0)
		c2 := appendChange(t, l, target.ID, c1.ID, t0.Add(time.Hour))
		require.NoError(t, l.CreateDifference(ctx, &domain.Difference{ChangeID1: c1.ID, ChangeID2: c2.ID}))

		require.NoError(t, l.DeleteTarget(ctx, target.ID))

		_, err := l.GetTarget(ctx, target.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = l.GetChange(ctx, c1.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		diffs, err := l.ListDifferences(ctx, target.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, diffs)

		// The shared website survives while another target uses it.
		got, err := l.GetTarget(ctx, keep.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", got.URL)

		// The name is free again.
		again := newTarget(t, l, 1, "home", "https://example.com")
		assert.Equal(t, keep.WebsiteID, again.WebsiteID)

		assert.ErrorIs(t, l.DeleteTarget(ctx, 9999), ErrNotFound)
	})
}

func TestSQLiteLedger_CorruptTimestamp(t *testing.T) {
	ctx := context.Background()
	l := setupTestDB(t, "sqlite").(*SQLiteLedger)
	target := newTarget(t, l, 1, "home", "https://example.com")
	c := appendChange(t, l, target.ID, 0, t0)

	_, err := l.db.ExecContext(ctx, `UPDATE targets SET last_checked = 'yesterday' WHERE id = ?`, target.ID)
	require.NoError(t, err)
	_, err = l.GetTarget(ctx, target.ID)
	assert.ErrorContains(t, err, "corrupt timestamp")
	_, err = l.ListTargets(ctx)
	assert.Error(t, err)

	_, err = l.db.ExecContext(ctx, `UPDATE changes SET detected_at = '' WHERE id = ?`, c.ID)
	require.NoError(t, err)
	_, err = l.GetChange(ctx, c.ID)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorContains(t, err, "corrupt timestamp")
	_, err = l.LatestChange(ctx, target.ID)
	assert.Error(t, err)
}
