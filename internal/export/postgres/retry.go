package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	maxElapsedTime  = 30 * time.Second
	initialInterval = 500 * time.Millisecond
	maxInterval     = 5 * time.Second
	maxRetries      = uint64(5)
)

// retryableCodes are SQLSTATE codes worth another attempt: connection
// failures, serialization conflicts and resource exhaustion.
var retryableCodes = map[string]struct{}{
	"08000": {}, "08001": {}, "08003": {}, "08004": {}, "08006": {}, "08007": {},
	"40001": {}, "40P01": {},
	"53000": {}, "53100": {}, "53200": {}, "53300": {},
	"57P01": {}, "57P02": {}, "57P03": {},
}

// IsRetryableError reports whether a failed statement can be retried.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		_, ok := retryableCodes[pgErr.Field('C')]
		return ok
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	message := err.Error()

	return strings.Contains(message, "connection reset by peer") ||
		strings.Contains(message, "broken pipe") ||
		strings.Contains(message, "connection refused") ||
		strings.Contains(message, "i/o timeout")
}

// transaction runs fn in a transaction, retrying the whole transaction on retryable errors.
func transaction(ctx context.Context, db *bun.DB, fn func(context.Context, bun.Tx) error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxElapsedTime),
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
	), maxRetries)

	err := backoff.Retry(func() error {
		err := db.RunInTx(ctx, nil, fn)
		if err != nil && !IsRetryableError(err) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}
