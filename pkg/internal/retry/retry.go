// Package retry holds the delay curves shared by elections, replication and
// client redirects.
package retry

import (
    "math/rand"
    "time"

    "google.golang.org/grpc/backoff"
)

// Delay returns the wait before retry number retries (1-based) under cfg:
// exponential growth from BaseDelay capped at MaxDelay, randomized by
// +/- Jitter. It is the curve grpc uses for reconnects. retries <= 0 means no
// wait.
func Delay(cfg backoff.Config, retries int) time.Duration {
    if retries <= 0 || cfg.BaseDelay <= 0 {
        return 0
    }
    d, max := float64(cfg.BaseDelay), float64(cfg.MaxDelay)
    for n := retries - 1; d < max && n > 0; n-- {
        d *= cfg.Multiplier
    }
    if d > max {
        d = max
    }
    d *= 1 + cfg.Jitter*(rand.Float64()*2-1)
    if d < 0 {
        return 0
    }
    return time.Duration(d)
}

// Jitter returns base plus a uniform draw from [0, jitter).
func Jitter(base, jitter time.Duration) time.Duration {
    if jitter <= 0 {
        return base
    }
    return base + time.Duration(rand.Int63n(int64(jitter)))
}
