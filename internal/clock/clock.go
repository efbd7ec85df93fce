package clock

import "time"

// Clock allows injecting time into the engine and its tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests and replay.
type Manual struct {
	now time.Time
}

// NewManual returns a clock that reports t until moved with Set or Advance.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.now = t.UTC()
}

func (m *Manual) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}
