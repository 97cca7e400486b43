package channel

import "time"

type Timer interface {
	Stop() bool
}

// Scheduler arms retry timers. Production code uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// WallClock is the scheduler backed by real timers.
func WallClock() Scheduler {
	return wallScheduler{}
}
