package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRateLimited(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("constraint violation"), false},
		{"rate limit", RateLimited(errors.New("busy")), true},
		{"wrapped rate limit", fmt.Errorf("persisting: %w", RateLimited(errors.New("busy"))), true},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"canceled", context.Canceled, false},
		{"rate limit wrapping cancellation", RateLimited(context.Canceled), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRateLimited(tc.err); got != tc.want {
				t.Errorf("IsRateLimited(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyLockedMessage(t *testing.T) {
	err := classify(errors.New("database is locked (5) (SQLITE_BUSY)"))
	if !IsRateLimited(err) {
		t.Errorf("locked error not classified as rate limit: %v", err)
	}

	err = classify(errors.New("database table is locked"))
	if !IsRateLimited(err) {
		t.Errorf("table locked error not classified as rate limit: %v", err)
	}
}

func TestClassifyPassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("UNIQUE constraint failed: stories.id")
	if err := classify(boom); err != boom {
		t.Errorf("expected error passed through unchanged, got %v", err)
	}
	if err := classify(nil); err != nil {
		t.Errorf("expected nil passed through, got %v", err)
	}
}

func TestRateLimitErrorUnwraps(t *testing.T) {
	inner := errors.New("busy")
	err := RateLimited(inner)
	if !errors.Is(err, inner) {
		t.Errorf("RateLimitError should unwrap to the inner error")
	}
}
