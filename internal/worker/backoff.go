package worker

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// PollBackoff paces retries after consecutive receive failures with jittered
// exponential delays. It is not safe for concurrent use; each loop owns one.
type PollBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	streak    int
}

// NewPollBackoff builds a backoff with sane defaults.
func NewPollBackoff() *PollBackoff {
	return &PollBackoff{
		baseDelay: 500 * time.Millisecond,
		maxDelay:  30 * time.Second,
	}
}

// Failure records another consecutive failure and returns how long to wait
// before the next attempt.
func (b *PollBackoff) Failure() time.Duration {
	delay := float64(b.baseDelay) * math.Pow(2, float64(b.streak))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	b.streak++
	jitter := b.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Reset clears the failure streak after a successful attempt.
func (b *PollBackoff) Reset() {
	b.streak = 0
}

func (b *PollBackoff) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
