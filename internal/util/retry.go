// Package util provides shared utility functions for agentfs.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// DefaultLockRetries is how many times a transaction refused by a locked
// database is attempted before the error is surfaced.
const DefaultLockRetries = 3

// DatabaseRetryOptions returns retry options for transactions that the
// database engine refused to start or upgrade because another connection
// held the write lock. Backoff starts at 100ms and is capped at 300ms.
func DatabaseRetryOptions(ctx context.Context, attempts uint) []retry.Option {
	if attempts == 0 {
		attempts = DefaultLockRetries
	}
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic and returns the last error if all
// attempts fail. Without options it retries locked-database errors with
// DatabaseRetryOptions.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx, 0)
	}
	return retry.Do(fn, opts...)
}

// IsDatabaseLocked returns true if the error indicates a database lock.
// Constraint violations are never treated as lock errors.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") {
		return false
	}
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
