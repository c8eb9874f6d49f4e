package engine

import "time"

// Timer is the stoppable handle of a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the scheduler so tests can drive cycles
// without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewRealClock returns a Clock backed by the system clock.
func NewRealClock() Clock { return realClock{} }
