package firmware

import "time"

// Timer is the performance counter.
type Timer interface {
	Ticks() uint64
	Frequency() uint64
}

type MonotonicTimer struct {
	start time.Time
}

func NewMonotonicTimer() *MonotonicTimer {
	return &MonotonicTimer{start: time.Now()}
}

func (t *MonotonicTimer) Ticks() uint64 {
	return uint64(time.Since(t.start))
}

func (t *MonotonicTimer) Frequency() uint64 {
	return uint64(time.Second)
}
