package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RateLimitError marks a transient "try again later" signal from the backing
// store. It is the only error kind the resilience layer retries; everything
// else propagates on first occurrence.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("store rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RateLimited wraps err as a RateLimitError.
func RateLimited(err error) error {
	return &RateLimitError{Err: err}
}

// IsRateLimited reports whether err carries a rate-limit signal anywhere in
// its chain. Timeouts and cancellations are never rate limits.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// classify maps driver-level overload signals (SQLITE_BUSY, SQLITE_LOCKED)
// to RateLimitError so the resilience layer can tell them apart from genuine
// data errors. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return RateLimited(err)
		}
	}
	// The driver occasionally surfaces busy conditions as plain strings.
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return RateLimited(err)
	}
	return err
}
