package clock

import "time"

// Clock abstracts time lookups so cache expiry and TTL policy can be
// tested with a controlled clock.
type Clock interface {
	Now() time.Time
}

// RealClock returns the system time.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
