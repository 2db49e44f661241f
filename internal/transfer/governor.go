package transfer

import (
	"time"

	"golang.org/x/time/rate"
)

// Governor is a pluggable pacing function invoked during transfer I/O
// between successive chunks: given the bytes moved so far, the elapsed
// time and an opaque per-transfer token, it returns how long to sleep
// before the next chunk. This is a function, not an interface, per §9's
// design note — it leaves room for token-bucket or fair-share
// implementations without coupling the orchestrator to any one of them.
type Governor func(bytesSoFar int64, elapsed time.Duration, token any) time.Duration

// NoGovernor yields cooperatively every chunk without ever sleeping: the
// default contract from §4.2.
func NoGovernor(bytesSoFar int64, elapsed time.Duration, token any) time.Duration {
	return 0
}

// TokenBucketGovernor builds a Governor backed by golang.org/x/time/rate,
// limiting aggregate throughput across every transfer sharing the same
// limiter to ratePerSecond bytes/sec with the given burst.
func TokenBucketGovernor(ratePerSecond int, burst int) Governor {
	if ratePerSecond <= 0 {
		return NoGovernor
	}
	limiter := rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	return func(bytesSoFar int64, elapsed time.Duration, token any) time.Duration {
		reservation := limiter.ReserveN(time.Now(), 1)
		if !reservation.OK() {
			return 0
		}
		return reservation.Delay()
	}
}
