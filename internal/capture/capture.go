package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Capturer renders a page (or one element of it) to a PNG image.
type Capturer interface {
	// Capture loads url in an isolated browser session and returns a PNG of
	// the viewport, or of the first element matching selector when selector
	// is non-empty. Failures are returned as *Error. Capture never retries.
	Capture(ctx context.Context, url, selector string) ([]byte, error)
}

// Reason classifies a capture failure.
type Reason string

const (
	ReasonTimeout          Reason = "timeout"
	ReasonConnection       Reason = "connection"
	ReasonDenied           Reason = "denied"
	ReasonSelectorNotFound Reason = "selector_not_found"
	// ReasonBrowser covers failures of the browser itself: launch, connect,
	// crash or a screenshot that could not be taken.
	ReasonBrowser Reason = "browser"
)

// Func adapts a plain function to the Capturer interface.
type Func func(ctx context.Context, url, selector string) ([]byte, error)

// Capture calls f.
func (f Func) Capture(ctx context.Context, url, selector string) ([]byte, error) {
	return f(ctx, url, selector)
}

// ErrBrowserUnavailable is wrapped by errors raised when no browser session
// could be started at all.
var ErrBrowserUnavailable = errors.New("browser unavailable")

// Error is the single error type returned by Capturer implementations.
type Error struct {
	Reason Reason
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture %s (%s): %v", e.URL, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from err, or "" if err is not a capture error.
func ReasonOf(err error) Reason {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// Chrome net error codes that mean the request was refused or blocked.
var deniedCodes = []string{
	"ERR_ACCESS_DENIED",
	"ERR_BLOCKED_BY_CLIENT",
	"ERR_BLOCKED_BY_ADMINISTRATOR",
	"ERR_BLOCKED_BY_RESPONSE",
	"ERR_NETWORK_ACCESS_DENIED",
	"ERR_UNSAFE_PORT",
	"ERR_INVALID_AUTH_CREDENTIALS",
}

// classifyNavigation maps a navigation failure onto a Reason.
func classifyNavigation(ctx context.Context, err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "ERR_TIMED_OUT") || strings.Contains(msg, "ERR_CONNECTION_TIMED_OUT") {
		return ReasonTimeout
	}
	for _, code := range deniedCodes {
		if strings.Contains(msg, code) {
			return ReasonDenied
		}
	}
	// DNS, refused, reset and TLS failures all land here.
	return ReasonConnection
}

// deniedStatus reports whether an HTTP status means the page refused us.
func deniedStatus(status int) bool {
	switch status {
	case 401, 403, 407, 429, 451:
		return true
	}
	return false
}
