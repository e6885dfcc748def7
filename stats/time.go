package stats

import "time"

// GetTimeValue converts the monotonic elapsed time since start into the
// aggregator's time unit (milliseconds). Every engine captures a single
// `start` instant at startup and derives all cross-thread timestamps from
// it, so that tx and rx timestamps across goroutines and sockets are
// comparable.
func GetTimeValue(start time.Time) uint64 {
	return uint64(time.Since(start).Milliseconds())
}
