package supervisor

import "time"

// Clock supplies the current time so tests can drive the state machine.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
