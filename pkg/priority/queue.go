// Package priority provides a two-class outbound queue: audio chunks
// (high) must never wait behind camera stills (low).
package priority

import (
	"sync/atomic"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

type PriorityQueue struct {
	high     chan any
	low      chan any
	highPush int64
	lowPush  int64
	highPop  int64
	lowPop   int64
}

func New(highCap, lowCap int) *PriorityQueue {
	if highCap <= 0 {
		highCap = 256
	}
	if lowCap <= 0 {
		lowCap = 16
	}
	return &PriorityQueue{
		high: make(chan any, highCap),
		low:  make(chan any, lowCap),
	}
}

func (q *PriorityQueue) TryPushHigh(v any) bool {
	select {
	case q.high <- v:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(v any) bool {
	select {
	case q.low <- v:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// TryPop returns the next queued value, preferring the high class. It
// never blocks; callers wait on their own wake signal.
func (q *PriorityQueue) TryPop() (any, bool) {
	select {
	case v := <-q.high:
		atomic.AddInt64(&q.highPop, 1)
		return v, true
	default:
	}
	select {
	case v := <-q.low:
		atomic.AddInt64(&q.lowPop, 1)
		return v, true
	default:
	}
	return nil, false
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
