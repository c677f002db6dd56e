// Package clock supplies wall-clock time to the services.
//
// Cooldown windows and the daily schedule are wall-clock concepts, so every
// service takes a Clock instead of calling time.Now directly. Tests use
// testutil.FakeClock.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the real clock. Times are returned in UTC.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}
