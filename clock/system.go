// A thin wrapper over the system clock which can be replaced in tests.
package clock

import "time"

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(sc.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// Fixed is a manually advanced clock.
type Fixed struct {
	ms uint64
}

func NewFixed(ms uint64) *Fixed {
	return &Fixed{ms: ms}
}

func (f *Fixed) CurrentTimeMs() uint64 {
	return f.ms
}

func (f *Fixed) Now() time.Time {
	return time.UnixMilli(int64(f.ms))
}

func (f *Fixed) AdvanceMs(ms uint64) {
	f.ms += ms
}
