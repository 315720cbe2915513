package rktime

import (
	"sync"
	"sync/atomic"
	"time"
)

type (
	// SharedStopWatch accumulates the wall time spent in security rules for one
	// request. Several goroutines may run rules for the same request, so
	// overlapping time slices must be counted once: the shared stopwatch tracks
	// the oldest ongoing start time and only accumulates when the last local
	// stopwatch stops.
	SharedStopWatch struct {
		lock        sync.RWMutex
		ongoing     int32
		oldestStart time.Time
		duration    time.Duration
	}

	// LocalStopWatch is a single timed slice of its shared stopwatch.
	LocalStopWatch struct {
		s                   *SharedStopWatch
		durationWhenStarted time.Duration
	}
)

func (s *SharedStopWatch) Start() (ls LocalStopWatch) {
	ls = LocalStopWatch{s: s}

	if s.updateOngoingCount(1) > 1 {
		// Hot path: the stopwatch is already started.
		s.lock.RLock()
		ls.durationWhenStarted = time.Since(s.oldestStart)
		s.lock.RUnlock()
		return
	}

	// Slow path: the stopwatch is not started and we need to exclusively lock it
	// to save the current time.
	s.lock.Lock()
	defer s.lock.Unlock()

	// Exclusive lock acquired: check if we really are the first.
	if s.oldestStart.IsZero() {
		s.oldestStart = time.Now()
		return ls // durationWhenStarted is 0
	}

	// We are not the first one getting the lock
	ls.durationWhenStarted = time.Since(s.oldestStart)
	return ls
}

func (ls *LocalStopWatch) Stop() time.Duration {
	s := ls.s

	if s.updateOngoingCount(-1) >= 1 {
		// Hot path: the stopwatch is still ongoing in another goroutine.
		s.lock.RLock()
		dt := time.Since(s.oldestStart) - ls.durationWhenStarted
		s.lock.RUnlock()
		return dt
	}

	// The ongoing counter is back to 0 - every stopwatch was stopped so we can
	// reset the oldest start time to zero and update the overall stopwatch
	// duration.
	s.lock.Lock()
	oldestStart := s.oldestStart
	s.oldestStart = time.Time{}
	s.lock.Unlock()

	dt := time.Since(oldestStart)
	atomic.AddInt64((*int64)(&s.duration), int64(dt))

	return dt - ls.durationWhenStarted
}

func (s *SharedStopWatch) updateOngoingCount(delta int32) (ongoing int32) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return atomic.AddInt32(&s.ongoing, delta)
}

// Duration returns the total duration accumulated by fully stopped time
// slices so far.
func (s *SharedStopWatch) Duration() time.Duration {
	return (time.Duration)(atomic.LoadInt64((*int64)(&s.duration)))
}
