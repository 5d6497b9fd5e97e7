// Package mock provides a deterministic playback sink with a manual clock
// for scheduler tests.
package mock

import (
	"sync"
	"time"

	"github.com/quellaria/voxline/pkg/playback"
)

type Sink struct {
	mu      sync.Mutex
	now     time.Duration
	sched   []Scheduled
	stopErr error
	closed  bool
}

// Scheduled records one Schedule call.
type Scheduled struct {
	Start    time.Duration
	Duration time.Duration
	Handle   *Handle
}

func NewSink() *Sink {
	return &Sink{}
}

// Advance moves the manual clock forward.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
}

// SetStopErr makes every subsequent Handle.Stop return err.
func (s *Sink) SetStopErr(err error) {
	s.mu.Lock()
	s.stopErr = err
	s.mu.Unlock()
}

func (s *Sink) Schedule(samples []float32, rate int, start time.Duration) (playback.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &Handle{done: make(chan struct{}), sink: s}
	s.sched = append(s.sched, Scheduled{
		Start:    start,
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(rate),
		Handle:   h,
	})
	return h, nil
}

func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Calls returns every Schedule call so far.
func (s *Sink) Calls() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scheduled, len(s.sched))
	copy(out, s.sched)
	return out
}

type Handle struct {
	mu      sync.Mutex
	stopped bool
	sink    *Sink
	done    chan struct{}
	once    sync.Once
}

func (h *Handle) Stop() error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
	h.sink.mu.Lock()
	err := h.sink.stopErr
	h.sink.mu.Unlock()
	return err
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Complete simulates natural end of playback.
func (h *Handle) Complete() {
	h.once.Do(func() { close(h.done) })
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
