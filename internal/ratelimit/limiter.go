package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLimitExceeded is returned once a subject exhausts its budget for an
// operation within the current window.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Operation names a rate-limited action. Generation and verification carry
// separate budgets so a brute-force attempt cannot hide behind the (larger)
// generation allowance.
type Operation string

const (
	OpPinGeneration   Operation = "pin_generation"
	OpPinVerification Operation = "pin_verification"
	OpRegistryLookup  Operation = "registry_lookup"
	OpStaffSignIn     Operation = "staff_sign_in"
)

// Policy is a fixed-window budget: at most Limit attempts per Window.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// Policies maps operations to budgets. Operations without a policy are
// unlimited.
type Policies map[Operation]Policy

// Limiter tracks attempt counts per (operation, subject). Allow counts the
// attempt and returns ErrLimitExceeded when the budget is spent.
// Increment-and-check must be atomic per key; on any internal failure
// implementations reject rather than silently admitting extra attempts.
type Limiter interface {
	Allow(ctx context.Context, op Operation, subject string) error
}

// BucketKey buckets attempts into fixed windows anchored to the epoch, so
// all backends agree on the bucket for a given instant.
func BucketKey(op Operation, subject string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%d", op, subject, now.UnixNano()/int64(window))
}
