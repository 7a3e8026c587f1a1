package goco

import (
	"math"
	"time"
)

// The runtime clock: monotonic nanoseconds since process start.
// Timer deadlines and the timerfd (CLOCK_MONOTONIC, relative) both use it,
// so wall clock steps never reorder the heap.
var clockEpoch = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(clockEpoch))
}

// deadlineAfter is now+delay, saturated at math.MaxInt64 so a huge delay
// means "never" instead of wrapping into the past.
func deadlineAfter(now int64, delay time.Duration) int64 {
	if int64(delay) > math.MaxInt64-now {
		return math.MaxInt64
	}
	return now + int64(delay)
}
