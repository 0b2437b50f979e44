package websub

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRenewer launches a goroutine that periodically re-subscribes verified
// subscriptions whose lease ends within window, and pending ones whose
// verification never arrived. Tokens are kept, so armed handlers survive the
// renewal.
func StartRenewer(ctx context.Context, c *Client, interval, window time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			renewDue(ctx, c, time.Now(), window)

			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter only
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// renewDue renews every subscription due at now and returns how many hub
// requests were accepted.
func renewDue(ctx context.Context, c *Client, now time.Time, window time.Duration) int {
	renewed := 0
	for _, sub := range c.registry.DueForRenewal(now, window) {
		if ctx.Err() != nil {
			return renewed
		}
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := c.Renew(reqCtx, sub.Token)
		cancel()
		if err != nil {
			slog.Warn("lease renewal failed", slog.String("component", "websub"),
				slog.String("topic", sub.Topic), slog.Any("err", err))
			continue
		}
		renewed++
		slog.Info("lease renewal requested", slog.String("component", "websub"),
			slog.String("topic", sub.Topic), slog.String("state", sub.State.String()),
			slog.Time("expires", sub.LeaseExpiry()))
	}
	return renewed
}
