package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// Starter is anything that can be started, usually a *FrameSource.
type Starter interface {
	Start(ctx context.Context) error
}

// StartWithRetry retries Start with exponential backoff while the device is
// busy, for up to maxElapsed. Only device failures are retried.
func StartWithRetry(ctx context.Context, s Starter, maxElapsed time.Duration, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	expBackoff.MaxElapsedTime = maxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		err := s.Start(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrReleased) || errors.Is(err, ErrNoProcessor) || errors.Is(err, ErrStartAborted) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		log.Warn("camera start failed, will retry", "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return fmt.Errorf("camera did not start after %d attempts: %w", attempt, err)
	}
	return nil
}
