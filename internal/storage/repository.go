package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pagewatch/internal/domain"
)

// Ledger is the durable store for targets, their change history and the
// differences between consecutive changes. Every method is atomic on its
// own; a check cycle issues several independent writes.
type Ledger interface {
	// CreateTarget registers a target, creating or reusing the Website for
	// its URL. (OwnerID, Name) must be unique. ID, WebsiteID and CreatedAt
	// are filled in on success.
	CreateTarget(ctx context.Context, t *domain.Target) error
	GetTarget(ctx context.Context, id int64) (*domain.Target, error)
	ListTargets(ctx context.Context) ([]domain.Target, error)
	// UpdateTarget rewrites name, URL, selector and interval. LastChecked is untouched.
	UpdateTarget(ctx context.Context, t *domain.Target) error
	// DeleteTarget removes the target with its changes and differences.
	DeleteTarget(ctx context.Context, id int64) error
	// TouchTarget advances LastChecked to checkedAt. An older checkedAt
	// leaves the stored value alone.
	TouchTarget(ctx context.Context, id int64, checkedAt time.Time) error

	// CreateChange appends c to its target's history. It fails with
	// ErrBaselineMoved unless the target's newest change is baselineID
	// (0 meaning "no change yet"), so concurrent writers cannot fork the
	// history.
	CreateChange(ctx context.Context, c *domain.Change, baselineID int64) error
	GetChange(ctx context.Context, id int64) (*domain.Change, error)
	// LatestChange returns the newest change of a target or ErrNotFound.
	LatestChange(ctx context.Context, targetID int64) (*domain.Change, error)
	// ListChanges returns up to limit changes, newest first. limit <= 0 means all.
	ListChanges(ctx context.Context, targetID int64, limit int) ([]domain.Change, error)
	MarkReviewed(ctx context.Context, changeID int64, reviewed bool) error

	// CreateDifference stores d after checking that both changes exist,
	// belong to the same target and that ChangeID1 was detected first.
	CreateDifference(ctx context.Context, d *domain.Difference) error
	// ListDifferences returns a target's differences, newest first.
	ListDifferences(ctx context.Context, targetID int64, limit int) ([]domain.Difference, error)

	Close() error
}

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write would break a uniqueness rule.
	ErrDuplicate = errors.New("duplicate")
	// ErrBaselineMoved is returned by CreateChange when another writer
	// appended to the target's history first.
	ErrBaselineMoved = errors.New("baseline moved")
	// ErrOutOfOrder is returned by CreateChange for a change older than its baseline.
	ErrOutOfOrder = errors.New("change predates its baseline")
	// ErrInvalidDifference is returned when a difference would link
	// unrelated or misordered changes.
	ErrInvalidDifference = errors.New("invalid difference")
)

// PersistenceError wraps every failure reported by a Ledger.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// checkDifference enforces the invariants shared by all backends.
func checkDifference(first, second *domain.Change) error {
	switch {
	case first.TargetID != second.TargetID:
		return fmt.Errorf("%w: changes %d and %d belong to different targets", ErrInvalidDifference, first.ID, second.ID)
	case !first.DetectedAt.Before(second.DetectedAt):
		return fmt.Errorf("%w: change %d is not earlier than change %d", ErrInvalidDifference, first.ID, second.ID)
	}
	return nil
}
