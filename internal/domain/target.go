package domain

import (
	"errors"
	"strings"
	"time"
)

// Target is one page (or one region of a page) being watched for visual changes.
type Target struct {
	ID int64 `json:"id"`

	// OwnerID identifies the user who registered the target. (OwnerID, Name) is unique.
	OwnerID int64 `json:"owner_id"`

	// WebsiteID references the shared Website row for URL. Several targets may share it.
	WebsiteID int64 `json:"website_id"`

	URL string `json:"url"`

	// Selector is an optional CSS locator. Empty means the full viewport.
	Selector string `json:"selector,omitempty"`

	Name string `json:"name"`

	// IntervalMinutes is the polling interval, at least 1.
	IntervalMinutes int `json:"interval_minutes"`

	// LastChecked is nil when the target has never been checked.
	LastChecked *time.Time `json:"last_checked,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Website is the URL-level resource shared by targets watching the same page.
type Website struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Interval returns the polling interval as a duration.
func (t Target) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// DueAt reports whether the target needs a check at now.
// A target that was never checked is always due.
func (t Target) DueAt(now time.Time) bool {
	if t.LastChecked == nil {
		return true
	}
	return now.Sub(*t.LastChecked) >= t.Interval()
}

// Validate checks the fields the registry is allowed to set.
func (t Target) Validate() error {
	if strings.TrimSpace(t.URL) == "" {
		return errors.New("target url is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("target name is required")
	}
	if t.IntervalMinutes < 1 {
		return errors.New("target interval must be at least 1 minute")
	}
	return nil
}
