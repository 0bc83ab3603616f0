package proxy

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nullwire-labs/ratelimitproxy/internal/clock"
)

// maxTransientWait is the hard ceiling on a single TransientError retry
// wait. NextBackOff applies RandomizationFactor after clamping the interval
// to MaxInterval, so a saturated interval can come back up to 25% over it;
// callers must clamp the returned wait to this ceiling.
const maxTransientWait = 8 * time.Second

// newTransientBackoff builds the exponential backoff schedule used for
// TransientError retries: starts at 1s, doubles, caps at 8s, with jitter.
// MaxElapsedTime is left at zero (disabled) because the caller's own
// deadline check decides when to stop retrying, not the backoff itself.
func newTransientBackoff(clk clock.Clock) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = maxTransientWait
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	bo.Clock = clk
	bo.Reset()
	return bo
}
