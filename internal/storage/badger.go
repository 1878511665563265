package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/domain"
)

// BadgerLedger implements Ledger on an embedded BadgerDB.
//
// Records are JSON values under structured keys; secondary keys provide
// uniqueness and per-target listing. Badger transactions are optimistic:
// two writers touching the same keys conflict at commit, which is what
// protects the per-target "latest" pointer from concurrent appends.
type BadgerLedger struct {
	db  *badger.DB
	log logrus.FieldLogger

	websiteSeq *badger.Sequence
	targetSeq  *badger.Sequence
	changeSeq  *badger.Sequence
	diffSeq    *badger.Sequence
}

// NewBadgerLedger creates and initializes a new BadgerDB ledger.
// It opens the database at the specified path.
func NewBadgerLedger(dbPath string, logger logrus.FieldLogger) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(dbPath)
	// Add logger to Badger options for internal logging
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		logger.WithError(err).Error("Failed to open BadgerDB")
		return nil, fmt.Errorf("failed to open badger db at %s: %w", dbPath, err)
	}
	logger.Info("BadgerDB opened successfully at path: ", dbPath)

	repo := &BadgerLedger{
		db:  db,
		log: logger.WithField("component", "ledger"),
	}
	seqs := []struct {
		dst **badger.Sequence
		key string
	}{
		{&repo.websiteSeq, "seq:websites"},
		{&repo.targetSeq, "seq:targets"},
		{&repo.changeSeq, "seq:changes"},
		{&repo.diffSeq, "seq:differences"},
	}
	for _, s := range seqs {
		seq, err := db.GetSequence([]byte(s.key), 64)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to open sequence %s: %w", s.key, err)
		}
		*s.dst = seq
	}
	return repo, nil
}

// Close releases the id sequences and closes the BadgerDB database.
func (r *BadgerLedger) Close() error {
	r.log.Info("Closing BadgerDB...")
	for _, seq := range []*badger.Sequence{r.websiteSeq, r.targetSeq, r.changeSeq, r.diffSeq} {
		if seq == nil {
			continue
		}
		if err := seq.Release(); err != nil {
			r.log.WithError(err).Warn("Error releasing BadgerDB sequence")
		}
	}
	err := r.db.Close()
	if err != nil {
		r.log.WithError(err).Error("Error closing BadgerDB")
		return err
	}
	r.log.Info("BadgerDB closed.")
	return nil
}

// --- Keys ---
//
//	website:url:{url}               -> website id
//	website:{id}                    -> Website JSON
//	websiteref:{websiteID}:{target} -> nil
//	target:{id}                     -> Target JSON
//	targetname:{owner}:{name}       -> target id
//	change:{id}                     -> Change JSON
//	targetchange:{target}:{change}  -> nil
//	latest:{target}                 -> newest change id
//	difference:{id}                 -> Difference JSON
//	targetdiff:{target}:{diff}      -> nil
//	diffpair:{change1}:{change2}    -> difference id
//
// Numeric ids are zero-padded so that key order is id order.

func pad(id int64) string { return fmt.Sprintf("%020d", id) }

func websiteURLKey(url string) []byte { return []byte("website:url:" + url) }
func websiteKey(id int64) []byte { return []byte("website:" + pad(id)) }
func websiteRefPrefix(id int64) []byte { return []byte("websiteref:" + pad(id) + ":") }
func websiteRefKey(websiteID, targetID int64) []byte {
	return append(websiteRefPrefix(websiteID), pad(targetID)...)
}
func targetKey(id int64) []byte { return []byte("target:" + pad(id)) }
func targetNameKey(owner int64, name string) []byte {
	return []byte("targetname:" + pad(owner) + ":" + name)
}
func changeKey(id int64) []byte { return []byte("change:" + pad(id)) }
func targetChangePrefix(id int64) []byte { return []byte("targetchange:" + pad(id) + ":") }
func latestKey(targetID int64) []byte { return []byte("latest:" + pad(targetID)) }
func differenceKey(id int64) []byte { return []byte("difference:" + pad(id)) }
func targetDiffPrefix(id int64) []byte { return []byte("targetdiff:" + pad(id) + ":") }
func diffPairKey(first, second int64) []byte {
	return []byte("diffpair:" + pad(first) + ":" + pad(second))
}
func withID(prefix []byte, id int64) []byte { return append(append([]byte{}, prefix...), pad(id)...) }

func nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	// Sequences start at zero; ids start at one.
	return int64(n) + 1, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return txn.SetEntry(badger.NewEntry(key, b))
}

func getID(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err != nil {
		return 0, err
	}
	var id int64
	err = item.Value(func(val []byte) error {
		n, perr := strconv.ParseInt(string(val), 10, 64)
		id = n
		return perr
	})
	return id, err
}

func setID(txn *badger.Txn, key []byte, id int64) error {
	return txn.Set(key, []byte(strconv.FormatInt(id, 10)))
}

// idsWithPrefix returns the trailing ids of all keys under prefix, ascending
// or, with reverse set, descending.
func idsWithPrefix(txn *badger.Txn, prefix []byte, reverse bool) ([]int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = reverse
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xff)
	}
	var ids []int64
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		id, err := strconv.ParseInt(string(bytes.TrimPrefix(key, prefix)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed key %q: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return err
}

// upsertWebsite returns the id of the website for url, creating it if needed.
func (r *BadgerLedger) upsertWebsite(txn *badger.Txn, url string, now time.Time) (int64, error) {
	id, err := getID(txn, websiteURLKey(url))
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}
	if id, err = nextID(r.websiteSeq); err != nil {
		return 0, err
	}
	if err := setID(txn, websiteURLKey(url), id); err != nil {
		return 0, err
	}
	return id, setJSON(txn, websiteKey(id), domain.Website{ID: id, URL: url, CreatedAt: now})
}

// dropWebsiteRef unlinks a target from its website and deletes the website
// when nothing references it any more.
func dropWebsiteRef(txn *badger.Txn, websiteID, targetID int64) error {
	if err := txn.Delete(websiteRefKey(websiteID, targetID)); err != nil {
		return err
	}
	refs, err := idsWithPrefix(txn, websiteRefPrefix(websiteID), false)
	if err != nil || len(refs) > 0 {
		return err
	}
	var w domain.Website
	if err := getJSON(txn, websiteKey(websiteID), &w); err != nil {
		return notFound(err, "website %d", websiteID)
	}
	if err := txn.Delete(websiteURLKey(w.URL)); err != nil {
		return err
	}
	return txn.Delete(websiteKey(websiteID))
}

// CreateTarget implements Ledger.
func (r *BadgerLedger) CreateTarget(ctx context.Context, t *domain.Target) error {
	const op = "create target"
	if err := t.Validate(); err != nil {
		return persistErr(op, err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	log := r.log.WithFields(logrus.Fields{"owner_id": t.OwnerID, "url": t.URL})

	id, err := nextID(r.targetSeq)
	if err != nil {
		return persistErr(op, err)
	}
	stored := *t
	stored.ID = id
	err = r.db.Update(func(txn *badger.Txn) error {
		nameKey := targetNameKey(t.OwnerID, t.Name)
		if _, err := txn.Get(nameKey); err == nil {
			return fmt.Errorf("%w: owner %d already has a target named %q", ErrDuplicate, t.OwnerID, t.Name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		websiteID, err := r.upsertWebsite(txn, t.URL, t.CreatedAt)
		if err != nil {
			return err
		}
		stored.WebsiteID = websiteID
		if err := setID(txn, nameKey, id); err != nil {
			return err
		}
		if err := txn.Set(websiteRefKey(websiteID, id), nil); err != nil {
			return err
		}
		return setJSON(txn, targetKey(id), stored)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = fmt.Errorf("%w: concurrent registration of %q", ErrDuplicate, t.Name)
	}
	if err != nil {
		log.WithError(err).Error("Failed to save target to BadgerDB")
		return persistErr(op, err)
	}
	*t = stored
	log.WithField("target_id", id).Info("Target created")
	return nil
}

// GetTarget implements Ledger.
func (r *BadgerLedger) GetTarget(ctx context.Context, id int64) (*domain.Target, error) {
	var t domain.Target
	err := r.db.View(func(txn *badger.Txn) error {
		return notFound(getJSON(txn, targetKey(id), &t), "target %d", id)
	})
	if err != nil {
		return nil, persistErr("get target", err)
	}
	return &t, nil
}

// ListTargets implements Ledger.
func (r *BadgerLedger) ListTargets(ctx context.Context) ([]domain.Target, error) {
	var targets []domain.Target

	// Start a read-only transaction
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("target:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var t domain.Target
				if err := json.Unmarshal(val, &t); err != nil {
					return fmt.Errorf("failed to unmarshal target data for key %s: %w", string(item.Key()), err)
				}
				targets = append(targets, t)
				return nil
			})
			if err != nil {
				return err // Stop iteration on error
			}
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to retrieve targets from BadgerDB")
		return nil, persistErr("list targets", err)
	}
	return targets, nil
}

// UpdateTarget implements Ledger.
func (r *BadgerLedger) UpdateTarget(ctx context.Context, t *domain.Target) error {
	const op = "update target"
	if err := t.Validate(); err != nil {
		return persistErr(op, err)
	}
	var updated domain.Target
	err := r.db.Update(func(txn *badger.Txn) error {
		var cur domain.Target
		if err := getJSON(txn, targetKey(t.ID), &cur); err != nil {
			return notFound(err, "target %d", t.ID)
		}
		if cur.Name != t.Name {
			newName := targetNameKey(cur.OwnerID, t.Name)
			if _, err := txn.Get(newName); err == nil {
				return fmt.Errorf("%w: owner already has a target named %q", ErrDuplicate, t.Name)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(targetNameKey(cur.OwnerID, cur.Name)); err != nil {
				return err
			}
			if err := setID(txn, newName, cur.ID); err != nil {
				return err
			}
		}
		if cur.URL != t.URL {
			websiteID, err := r.upsertWebsite(txn, t.URL, time.Now().UTC())
			if err != nil {
				return err
			}
			if err := txn.Set(websiteRefKey(websiteID, cur.ID), nil); err != nil {
				return err
			}
			if err := dropWebsiteRef(txn, cur.WebsiteID, cur.ID); err != nil {
				return err
			}
			cur.WebsiteID = websiteID
			cur.URL = t.URL
		}
		cur.Name = t.Name
		cur.Selector = t.Selector
		cur.IntervalMinutes = t.IntervalMinutes
		updated = cur
		return setJSON(txn, targetKey(cur.ID), cur)
	})
	if err != nil {
		return persistErr(op, err)
	}
	t.WebsiteID = updated.WebsiteID
	return nil
}

// DeleteTarget implements Ledger. Differences and changes are deleted
// before the target itself, in one transaction.
func (r *BadgerLedger) DeleteTarget(ctx context.Context, id int64) error {
	log := r.log.WithField("target_id", id)
	log.Info("Attempting to delete target")

	err := r.db.Update(func(txn *badger.Txn) error {
		var t domain.Target
		if err := getJSON(txn, targetKey(id), &t); err != nil {
			return notFound(err, "target %d", id)
		}
		diffIDs, err := idsWithPrefix(txn, targetDiffPrefix(id), false)
		if err != nil {
			return err
		}
		for _, did := range diffIDs {
			var d domain.Difference
			if err := getJSON(txn, differenceKey(did), &d); err != nil {
				return fmt.Errorf("difference %d: %w", did, err)
			}
			if err := txn.Delete(diffPairKey(d.ChangeID1, d.ChangeID2)); err != nil {
				return err
			}
			if err := txn.Delete(differenceKey(did)); err != nil {
				return err
			}
			if err := txn.Delete(withID(targetDiffPrefix(id), did)); err != nil {
				return err
			}
		}
		changeIDs, err := idsWithPrefix(txn, targetChangePrefix(id), false)
		if err != nil {
			return err
		}
		for _, cid := range changeIDs {
			if err := txn.Delete(changeKey(cid)); err != nil {
				return err
			}
			if err := txn.Delete(withID(targetChangePrefix(id), cid)); err != nil {
				return err
			}
		}
		if err := txn.Delete(latestKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(targetNameKey(t.OwnerID, t.Name)); err != nil {
			return err
		}
		if err := txn.Delete(targetKey(id)); err != nil {
			return err
		}
		return dropWebsiteRef(txn, t.WebsiteID, id)
	})
	if err != nil {
		log.WithError(err).Error("Failed to delete target from BadgerDB")
		return persistErr("delete target", err)
	}
	log.Info("Target deleted successfully")
	return nil
}

// TouchTarget implements Ledger.
func (r *BadgerLedger) TouchTarget(ctx context.Context, id int64, checkedAt time.Time) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var t domain.Target
		if err := getJSON(txn, targetKey(id), &t); err != nil {
			return notFound(err, "target %d", id)
		}
		ts := checkedAt.UTC()
		if t.LastChecked != nil && !t.LastChecked.Before(ts) {
			return nil
		}
		t.LastChecked = &ts
		return setJSON(txn, targetKey(id), t)
	})
	return persistErr("touch target", err)
}

// CreateChange implements Ledger.
func (r *BadgerLedger) CreateChange(ctx context.Context, c *domain.Change, baselineID int64) error {
	const op = "create change"
	log := r.log.WithFields(logrus.Fields{"target_id": c.TargetID, "baseline_id": baselineID})

	id, err := nextID(r.changeSeq)
	if err != nil {
		return persistErr(op, err)
	}
	stored := *c
	stored.ID = id
	stored.DetectedAt = c.DetectedAt.UTC()

	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(targetKey(c.TargetID)); err != nil {
			return notFound(err, "target %d", c.TargetID)
		}
		// Reading the pointer puts it in this transaction's read set, so a
		// concurrent append makes one of the two commits fail.
		latestID, err := getID(txn, latestKey(c.TargetID))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if latestID != baselineID {
			return fmt.Errorf("%w: target %d expected %d, found %d", ErrBaselineMoved, c.TargetID, baselineID, latestID)
		}
		if latestID != 0 {
			var latest domain.Change
			if err := getJSON(txn, changeKey(latestID), &latest); err != nil {
				return err
			}
			if stored.DetectedAt.Before(latest.DetectedAt) {
				return ErrOutOfOrder
			}
		}
		if err := setJSON(txn, changeKey(id), stored); err != nil {
			return err
		}
		if err := txn.Set(withID(targetChangePrefix(c.TargetID), id), nil); err != nil {
			return err
		}
		return setID(txn, latestKey(c.TargetID), id)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = fmt.Errorf("%w: concurrent append to target %d", ErrBaselineMoved, c.TargetID)
	}
	if err != nil {
		log.WithError(err).Debug("Change not saved")
		return persistErr(op, err)
	}
	*c = stored
	return nil
}

// GetChange implements Ledger.
func (r *BadgerLedger) GetChange(ctx context.Context, id int64) (*domain.Change, error) {
	var c domain.Change
	err := r.db.View(func(txn *badger.Txn) error {
		return notFound(getJSON(txn, changeKey(id), &c), "change %d", id)
	})
	if err != nil {
		return nil, persistErr("get change", err)
	}
	return &c, nil
}

// LatestChange implements Ledger.
func (r *BadgerLedger) LatestChange(ctx context.Context, targetID int64) (*domain.Change, error) {
	var c domain.Change
	err := r.db.View(func(txn *badger.Txn) error {
		id, err := getID(txn, latestKey(targetID))
		if err != nil {
			return notFound(err, "target %d has no changes", targetID)
		}
		return getJSON(txn, changeKey(id), &c)
	})
	if err != nil {
		return nil, persistErr("latest change", err)
	}
	return &c, nil
}

// ListChanges implements Ledger. Change ids grow with detection time because
// CreateChange only ever appends after the newest change.
func (r *BadgerLedger) ListChanges(ctx context.Context, targetID int64, limit int) ([]domain.Change, error) {
	var changes []domain.Change
	err := r.db.View(func(txn *badger.Txn) error {
		ids, err := idsWithPrefix(txn, targetChangePrefix(targetID), true)
		if err != nil {
			return err
		}
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		for _, id := range ids {
			var c domain.Change
			if err := getJSON(txn, changeKey(id), &c); err != nil {
				return fmt.Errorf("change %d: %w", id, err)
			}
			changes = append(changes, c)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list changes", err)
	}
	return changes, nil
}

// MarkReviewed implements Ledger.
func (r *BadgerLedger) MarkReviewed(ctx context.Context, changeID int64, reviewed bool) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var c domain.Change
		if err := getJSON(txn, changeKey(changeID), &c); err != nil {
			return notFound(err, "change %d", changeID)
		}
		c.Reviewed = reviewed
		return setJSON(txn, changeKey(changeID), c)
	})
	return persistErr("mark reviewed", err)
}

// CreateDifference implements Ledger.
func (r *BadgerLedger) CreateDifference(ctx context.Context, d *domain.Difference) error {
	const op = "create difference"
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	id, err := nextID(r.diffSeq)
	if err != nil {
		return persistErr(op, err)
	}
	stored := *d
	stored.ID = id

	err = r.db.Update(func(txn *badger.Txn) error {
		load := func(cid int64) (*domain.Change, error) {
			var c domain.Change
			if err := getJSON(txn, changeKey(cid), &c); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil, fmt.Errorf("%w: change %d does not exist", ErrInvalidDifference, cid)
				}
				return nil, err
			}
			return &c, nil
		}
		first, err := load(d.ChangeID1)
		if err != nil {
			return err
		}
		second, err := load(d.ChangeID2)
		if err != nil {
			return err
		}
		if err := checkDifference(first, second); err != nil {
			return err
		}
		pairKey := diffPairKey(d.ChangeID1, d.ChangeID2)
		if _, err := txn.Get(pairKey); err == nil {
			return fmt.Errorf("%w: difference %d->%d", ErrDuplicate, d.ChangeID1, d.ChangeID2)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setID(txn, pairKey, id); err != nil {
			return err
		}
		if err := setJSON(txn, differenceKey(id), stored); err != nil {
			return err
		}
		return txn.Set(withID(targetDiffPrefix(second.TargetID), id), nil)
	})
	if err != nil {
		return persistErr(op, err)
	}
	*d = stored
	return nil
}

// ListDifferences implements Ledger.
func (r *BadgerLedger) ListDifferences(ctx context.Context, targetID int64, limit int) ([]domain.Difference, error) {
	var diffs []domain.Difference
	err := r.db.View(func(txn *badger.Txn) error {
		ids, err := idsWithPrefix(txn, targetDiffPrefix(targetID), true)
		if err != nil {
			return err
		}
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		for _, id := range ids {
			var d domain.Difference
			if err := getJSON(txn, differenceKey(id), &d); err != nil {
				return fmt.Errorf("difference %d: %w", id, err)
			}
			diffs = append(diffs, d)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list differences", err)
	}
	return diffs, nil
}

// --- BadgerDB Internal Logger ---

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
