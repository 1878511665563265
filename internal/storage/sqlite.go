package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"pagewatch/internal/domain"
)

// timeLayout is fixed-width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS websites (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id         INTEGER NOT NULL,
	website_id       INTEGER NOT NULL REFERENCES websites(id),
	selector         TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL,
	interval_minutes INTEGER NOT NULL CHECK (interval_minutes >= 1),
	last_checked     TEXT,
	created_at       TEXT NOT NULL,
	UNIQUE (owner_id, name)
);
CREATE INDEX IF NOT EXISTS idx_targets_website ON targets (website_id);

CREATE TABLE IF NOT EXISTS changes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	target_id   INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	detected_at TEXT NOT NULL,
	screenshot  BLOB NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	reviewed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_changes_target_detected ON changes (target_id, detected_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS differences (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	change_id1       INTEGER NOT NULL REFERENCES changes(id) ON DELETE CASCADE,
	change_id2       INTEGER NOT NULL REFERENCES changes(id) ON DELETE CASCADE,
	score            REAL NOT NULL,
	changed_fraction REAL NOT NULL DEFAULT 0,
	region_min_x     INTEGER NOT NULL DEFAULT 0,
	region_min_y     INTEGER NOT NULL DEFAULT 0,
	region_max_x     INTEGER NOT NULL DEFAULT 0,
	region_max_y     INTEGER NOT NULL DEFAULT 0,
	before_image     BLOB,
	after_image      BLOB,
	mask_image       BLOB,
	created_at       TEXT NOT NULL,
	UNIQUE (change_id1, change_id2)
);
CREATE INDEX IF NOT EXISTS idx_differences_change1 ON differences (change_id1);
CREATE INDEX IF NOT EXISTS idx_differences_change2 ON differences (change_id2);
`

// SQLiteLedger implements Ledger on a SQLite database file.
type SQLiteLedger struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// NewSQLiteLedger opens (or creates) the database at path and applies the schema.
func NewSQLiteLedger(ctx context.Context, path string, logger logrus.FieldLogger) (*SQLiteLedger, error) {
	// Writers take the lock at BEGIN so the baseline check in CreateChange
	// holds across processes sharing the file.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// A single connection avoids "database is locked" between our own goroutines.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.WithField("path", path).Info("SQLite ledger opened")
	return &SQLiteLedger{db: db, log: logger.WithField("component", "ledger")}, nil
}

// Close closes the database connection.
func (s *SQLiteLedger) Close() error {
	s.log.Info("Closing SQLite ledger...")
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// upsertWebsite returns the id of the website for url, creating it if needed.
func upsertWebsite(ctx context.Context, tx *sql.Tx, url string, now time.Time) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO websites (url, created_at) VALUES (?, ?) ON CONFLICT(url) DO NOTHING`,
		url, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert website: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM websites WHERE url = ?`, url).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read website: %w", err)
	}
	return id, nil
}

// dropOrphanWebsite deletes a website that no target references any more.
func dropOrphanWebsite(ctx context.Context, tx *sql.Tx, websiteID int64) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM websites WHERE id = ? AND NOT EXISTS (SELECT 1 FROM targets WHERE website_id = ?)`,
		websiteID, websiteID)
	return err
}

// CreateTarget implements Ledger.
func (s *SQLiteLedger) CreateTarget(ctx context.Context, t *domain.Target) error {
	const op = "create target"
	if err := t.Validate(); err != nil {
		return persistErr(op, err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(op, fmt.Errorf("could not begin transaction: %w", err))
	}
	defer tx.Rollback()

	websiteID, err := upsertWebsite(ctx, tx, t.URL, t.CreatedAt)
	if err != nil {
		return persistErr(op, err)
	}

	var lastChecked sql.NullString
	if t.LastChecked != nil {
		lastChecked = sql.NullString{String: formatTime(*t.LastChecked), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO targets (owner_id, website_id, selector, name, interval_minutes, last_checked, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.OwnerID, websiteID, t.Selector, t.Name, t.IntervalMinutes, lastChecked, formatTime(t.CreatedAt))
	if isUniqueViolation(err) {
		return persistErr(op, fmt.Errorf("%w: owner %d already has a target named %q", ErrDuplicate, t.OwnerID, t.Name))
	}
	if err != nil {
		return persistErr(op, fmt.Errorf("failed to insert target: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, fmt.Errorf("failed to commit transaction: %w", err))
	}

	t.ID = id
	t.WebsiteID = websiteID
	s.log.WithFields(logrus.Fields{"target_id": id, "url": t.URL}).Info("Target created")
	return nil
}

const targetColumns = `t.id, t.owner_id, t.website_id, w.url, t.selector, t.name, t.interval_minutes, t.last_checked, t.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*domain.Target, error) {
	var t domain.Target
	var lastChecked sql.NullString
	var createdAt string
	err := row.Scan(&t.ID, &t.OwnerID, &t.WebsiteID, &t.URL, &t.Selector, &t.Name, &t.IntervalMinutes, &lastChecked, &createdAt)
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		ts, err := parseTime(lastChecked.String)
		if err != nil {
			return nil, err
		}
		t.LastChecked = &ts
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTarget implements Ledger.
func (s *SQLiteLedger) GetTarget(ctx context.Context, id int64) (*domain.Target, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets t JOIN websites w ON w.id = t.website_id WHERE t.id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistErr("get target", fmt.Errorf("%w: target %d", ErrNotFound, id))
	}
	if err != nil {
		return nil, persistErr("get target", err)
	}
	return t, nil
}

// ListTargets implements Ledger.
func (s *SQLiteLedger) ListTargets(ctx context.Context) ([]domain.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets t JOIN websites w ON w.id = t.website_id ORDER BY t.id`)
	if err != nil {
		return nil, persistErr("list targets", err)
	}
	defer rows.Close()
	var targets []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, persistErr("list targets", fmt.Errorf("failed to scan target row: %w", err))
		}
		targets = append(targets, *t)
	}
	return targets, persistErr("list targets", rows.Err())
}

// UpdateTarget implements Ledger.
func (s *SQLiteLedger) UpdateTarget(ctx context.Context, t *domain.Target) error {
	const op = "update target"
	if err := t.Validate(); err != nil {
		return persistErr(op, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(op, err)
	}
	defer tx.Rollback()

	var oldWebsiteID int64
	err = tx.QueryRowContext(ctx, `SELECT website_id FROM targets WHERE id = ?`, t.ID).Scan(&oldWebsiteID)
	if errors.Is(err, sql.ErrNoRows) {
		return persistErr(op, fmt.Errorf("%w: target %d", ErrNotFound, t.ID))
	}
	if err != nil {
		return persistErr(op, err)
	}

	websiteID, err := upsertWebsite(ctx, tx, t.URL, time.Now())
	if err != nil {
		return persistErr(op, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE targets SET website_id = ?, selector = ?, name = ?, interval_minutes = ? WHERE id = ?`,
		websiteID, t.Selector, t.Name, t.IntervalMinutes, t.ID)
	if isUniqueViolation(err) {
		return persistErr(op, fmt.Errorf("%w: owner already has a target named %q", ErrDuplicate, t.Name))
	}
	if err != nil {
		return persistErr(op, err)
	}
	if oldWebsiteID != websiteID {
		if err := dropOrphanWebsite(ctx, tx, oldWebsiteID); err != nil {
			return persistErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, err)
	}
	t.WebsiteID = websiteID
	return nil
}

// DeleteTarget implements Ledger. Dependents are removed explicitly, before
// the owner, inside one transaction.
func (s *SQLiteLedger) DeleteTarget(ctx context.Context, id int64) error {
	const op = "delete target"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(op, err)
	}
	defer tx.Rollback()

	var websiteID int64
	err = tx.QueryRowContext(ctx, `SELECT website_id FROM targets WHERE id = ?`, id).Scan(&websiteID)
	if errors.Is(err, sql.ErrNoRows) {
		return persistErr(op, fmt.Errorf("%w: target %d", ErrNotFound, id))
	}
	if err != nil {
		return persistErr(op, err)
	}

	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM differences WHERE change_id1 IN (SELECT id FROM changes WHERE target_id = ?)
			OR change_id2 IN (SELECT id FROM changes WHERE target_id = ?)`, []any{id, id}},
		{`DELETE FROM changes WHERE target_id = ?`, []any{id}},
		{`DELETE FROM targets WHERE id = ?`, []any{id}},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
			return persistErr(op, err)
		}
	}
	if err := dropOrphanWebsite(ctx, tx, websiteID); err != nil {
		return persistErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, err)
	}
	s.log.WithField("target_id", id).Info("Target deleted")
	return nil
}

// TouchTarget implements Ledger.
func (s *SQLiteLedger) TouchTarget(ctx context.Context, id int64, checkedAt time.Time) error {
	const op = "touch target"
	at := formatTime(checkedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET last_checked = ? WHERE id = ? AND (last_checked IS NULL OR last_checked < ?)`,
		at, id, at)
	if err != nil {
		return persistErr(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Nothing updated: either the target is gone or it was already
	// checked at or after checkedAt.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM targets WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return persistErr(op, fmt.Errorf("%w: target %d", ErrNotFound, id))
	}
	return persistErr(op, err)
}

// CreateChange implements Ledger.
func (s *SQLiteLedger) CreateChange(ctx context.Context, c *domain.Change, baselineID int64) error {
	const op = "create change"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(op, err)
	}
	defer tx.Rollback()

	var latestID int64
	var latestAt string
	err = tx.QueryRowContext(ctx,
		`SELECT id, detected_at FROM changes WHERE target_id = ? ORDER BY detected_at DESC, id DESC LIMIT 1`,
		c.TargetID).Scan(&latestID, &latestAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return persistErr(op, err)
	}
	if latestID != baselineID {
		return persistErr(op, fmt.Errorf("%w: target %d expected %d, found %d", ErrBaselineMoved, c.TargetID, baselineID, latestID))
	}
	if latestID != 0 {
		prev, err := parseTime(latestAt)
		if err != nil {
			return persistErr(op, err)
		}
		if c.DetectedAt.Before(prev) {
			return persistErr(op, ErrOutOfOrder)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO changes (target_id, detected_at, screenshot, summary, reviewed) VALUES (?, ?, ?, ?, ?)`,
		c.TargetID, formatTime(c.DetectedAt), c.Screenshot, c.Summary, c.Reviewed)
	if isForeignKeyViolation(err) {
		return persistErr(op, fmt.Errorf("%w: target %d", ErrNotFound, c.TargetID))
	}
	if err != nil {
		return persistErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, err)
	}
	c.ID = id
	c.DetectedAt = c.DetectedAt.UTC()
	return nil
}

const changeColumns = `id, target_id, detected_at, screenshot, summary, reviewed`

func scanChange(row rowScanner) (*domain.Change, error) {
	var c domain.Change
	var detectedAt string
	if err := row.Scan(&c.ID, &c.TargetID, &detectedAt, &c.Screenshot, &c.Summary, &c.Reviewed); err != nil {
		return nil, err
	}
	var err error
	if c.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChange implements Ledger.
func (s *SQLiteLedger) GetChange(ctx context.Context, id int64) (*domain.Change, error) {
	c, err := scanChange(s.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistErr("get change", fmt.Errorf("%w: change %d", ErrNotFound, id))
	}
	return c, persistErr("get change", err)
}

// LatestChange implements Ledger.
func (s *SQLiteLedger) LatestChange(ctx context.Context, targetID int64) (*domain.Change, error) {
	changes, err := s.ListChanges(ctx, targetID, 1)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, persistErr("latest change", fmt.Errorf("%w: target %d has no changes", ErrNotFound, targetID))
	}
	return &changes[0], nil
}

// ListChanges implements Ledger.
func (s *SQLiteLedger) ListChanges(ctx context.Context, targetID int64, limit int) ([]domain.Change, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM changes WHERE target_id = ? ORDER BY detected_at DESC, id DESC LIMIT ?`,
		targetID, limit)
	if err != nil {
		return nil, persistErr("list changes", err)
	}
	defer rows.Close()
	var changes []domain.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, persistErr("list changes", fmt.Errorf("failed to scan change row: %w", err))
		}
		changes = append(changes, *c)
	}
	return changes, persistErr("list changes", rows.Err())
}

// MarkReviewed implements Ledger.
func (s *SQLiteLedger) MarkReviewed(ctx context.Context, changeID int64, reviewed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE changes SET reviewed = ? WHERE id = ?`, reviewed, changeID)
	if err != nil {
		return persistErr("mark reviewed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistErr("mark reviewed", fmt.Errorf("%w: change %d", ErrNotFound, changeID))
	}
	return nil
}

// CreateDifference implements Ledger.
func (s *SQLiteLedger) CreateDifference(ctx context.Context, d *domain.Difference) error {
	const op = "create difference"
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(op, err)
	}
	defer tx.Rollback()

	load := func(id int64) (*domain.Change, error) {
		var c domain.Change
		var detectedAt string
		err := tx.QueryRowContext(ctx, `SELECT id, target_id, detected_at FROM changes WHERE id = ?`, id).
			Scan(&c.ID, &c.TargetID, &detectedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: change %d does not exist", ErrInvalidDifference, id)
		}
		if err != nil {
			return nil, err
		}
		if c.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, err
		}
		return &c, nil
	}
	first, err := load(d.ChangeID1)
	if err != nil {
		return persistErr(op, err)
	}
	second, err := load(d.ChangeID2)
	if err != nil {
		return persistErr(op, err)
	}
	if err := checkDifference(first, second); err != nil {
		return persistErr(op, err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO differences (change_id1, change_id2, score, changed_fraction,
	region_min_x, region_min_y, region_max_x, region_max_y,
	before_image, after_image, mask_image, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ChangeID1, d.ChangeID2, d.Score, d.ChangedFraction,
		d.Region.Min.X, d.Region.Min.Y, d.Region.Max.X, d.Region.Max.Y,
		d.Before, d.After, d.Mask, formatTime(d.CreatedAt))
	if isUniqueViolation(err) {
		return persistErr(op, fmt.Errorf("%w: difference %d->%d", ErrDuplicate, d.ChangeID1, d.ChangeID2))
	}
	if err != nil {
		return persistErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, err)
	}
	d.ID = id
	return nil
}

// ListDifferences implements Ledger.
func (s *SQLiteLedger) ListDifferences(ctx context.Context, targetID int64, limit int) ([]domain.Difference, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.change_id1, d.change_id2, d.score, d.changed_fraction,
	d.region_min_x, d.region_min_y, d.region_max_x, d.region_max_y,
	d.before_image, d.after_image, d.mask_image, d.created_at
FROM differences d JOIN changes c ON c.id = d.change_id2
WHERE c.target_id = ?
ORDER BY d.id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, persistErr("list differences", err)
	}
	defer rows.Close()
	var diffs []domain.Difference
	for rows.Next() {
		var d domain.Difference
		var createdAt string
		err := rows.Scan(&d.ID, &d.ChangeID1, &d.ChangeID2, &d.Score, &d.ChangedFraction,
			&d.Region.Min.X, &d.Region.Min.Y, &d.Region.Max.X, &d.Region.Max.Y,
			&d.Before, &d.After, &d.Mask, &createdAt)
		if err != nil {
			return nil, persistErr("list differences", fmt.Errorf("failed to scan difference row: %w", err))
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, persistErr("list differences", err)
		}
		diffs = append(diffs, d)
	}
	return diffs, persistErr("list differences", rows.Err())
}
