package pgwatch

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const backoffJitterPercent = 20

// newBackoff returns an unlimited exponential backoff with jitter, capped at maxInterval.
// Backoffs are stateful; build one per retry loop.
func newBackoff(minInterval, maxInterval time.Duration) retry.Backoff {
	b := retry.NewExponential(minInterval)
	b = retry.WithJitterPercent(backoffJitterPercent, b)

	return retry.WithCappedDuration(maxInterval, b)
}
