package poller

import "time"

// resolveTimerMS implements spec.md §4.3's timer-callback tie-break:
// negative means cancel the curl-timeout timer (arm=false), zero is
// bumped to 1ms so it is never fired reentrantly-immediate, and
// positive delays pass through unchanged.
func resolveTimerMS(timeoutMS int64) (delay time.Duration, arm bool) {
	if timeoutMS < 0 {
		return 0, false
	}
	if timeoutMS == 0 {
		return time.Millisecond, true
	}
	return time.Duration(timeoutMS) * time.Millisecond, true
}
