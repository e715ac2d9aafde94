package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultRetryDelays is the wait before each retry of a command whose
// transport failed.  Its length is the total number of attempts.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
	30 * time.Second,
	30 * time.Second,
	30 * time.Second,
	30 * time.Second,
}

// ExecWithRetry runs command, retrying transport failures on the delays
// table.  Guest exit codes are returned as-is and never retried.  After
// the last attempt the final transport error is returned.
func ExecWithRetry(ctx context.Context, e Executor, command string, delays []time.Duration, logger *slog.Logger) (Result, error) {
	return withRetry(ctx, delays, logger, func() (Result, error) {
		return e.Exec(ctx, command)
	})
}

// StartWithRetry starts command, retrying transport failures on the
// delays table the same way ExecWithRetry does.
func StartWithRetry(ctx context.Context, e Executor, command string, delays []time.Duration, logger *slog.Logger) (Handle, error) {
	return withRetry(ctx, delays, logger, func() (Handle, error) {
		return e.Start(ctx, command)
	})
}

func withRetry[T any](ctx context.Context, delays []time.Duration, logger *slog.Logger, fn func() (T, error)) (T, error) {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}

	var zero T
	var lastErr error
	for attempt := range len(delays) {
		v, err := fn()
		if err == nil || !errors.Is(err, ErrTransport) {
			return v, err
		}
		lastErr = err

		if attempt == len(delays)-1 {
			break
		}
		delay := delays[attempt]
		logger.Warn("ssh transport failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("maxAttempts", len(delays)),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	logger.Error("ssh transport retries exhausted",
		slog.Int("attempts", len(delays)),
		slog.String("error", lastErr.Error()),
	)
	return zero, lastErr
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
