package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quellaria/voxline/pkg/errorsx"
	"github.com/quellaria/voxline/pkg/logging"
	"github.com/quellaria/voxline/pkg/metrics"
	"github.com/quellaria/voxline/pkg/pcm"
)

// Scheduler owns the playback cursor and the set of live handles. The
// cursor only moves forward, except across Interrupt which voids every
// live handle and resets it in the same critical section: a chunk that
// arrives after the reset can never be scheduled against a pre-reset
// cursor value.
type Scheduler struct {
	mu        sync.Mutex
	sink      Sink
	cursor    time.Duration
	cursorSet bool
	live      map[uint64]Handle
	seq       uint64

	logger    *slog.Logger
	obs       metrics.Observer
	sessionID string
}

func NewScheduler(sink Sink) *Scheduler {
	return &Scheduler{
		sink:   sink,
		live:   make(map[uint64]Handle),
		logger: logging.NewComponentLogger(slog.Default(), "playback"),
		obs:    metrics.NoopObserver{},
	}
}

// SetObserver attaches a metrics sink; events carry the session id tag.
func (s *Scheduler) SetObserver(obs metrics.Observer, sessionID string) {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	s.mu.Lock()
	s.obs = obs
	s.sessionID = sessionID
	s.mu.Unlock()
}

// Enqueue schedules one decoded chunk at max(cursor, now), advances the
// cursor by the chunk's duration and registers the handle.
func (s *Scheduler) Enqueue(buf pcm.Buffer) error {
	if buf.FrameCount() == 0 {
		return nil
	}
	s.mu.Lock()
	now := s.sink.Now()
	start := now
	if s.cursorSet && s.cursor > now {
		start = s.cursor
	}
	h, err := s.sink.Schedule(buf.Channels[0], buf.Rate, start)
	if err != nil {
		s.mu.Unlock()
		return errorsx.Wrap(err, errorsx.ReasonPlaybackSchedule)
	}
	s.cursor = start + buf.Duration
	s.cursorSet = true
	id := s.seq
	s.seq++
	s.live[id] = h
	obs, sessionID := s.obs, s.sessionID
	s.mu.Unlock()

	obs.RecordEvent(metrics.MetricsEvent{
		Name:  "audio_in",
		Time:  time.Now(),
		Value: buf.Duration.Seconds(),
		Tags:  map[string]string{"session_id": sessionID},
		Fields: map[string]any{
			"start_ms": start.Milliseconds(),
			"rate":     buf.Rate,
		},
	})
	go s.watch(id, h)
	return nil
}

// Interrupt voids every live handle and resets the cursor so the next
// chunk starts fresh against "now". Individual stop failures are logged
// and ignored; the reset always completes.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := make([]Handle, 0, len(s.live))
	for _, h := range s.live {
		stopped = append(stopped, h)
	}
	s.live = make(map[uint64]Handle)
	s.cursor = 0
	s.cursorSet = false
	obs, sessionID := s.obs, s.sessionID
	s.mu.Unlock()

	for _, h := range stopped {
		if err := h.Stop(); err != nil {
			s.logger.Debug("handle_stop_failed", "error", err.Error())
		}
	}
	obs.RecordEvent(metrics.MetricsEvent{
		Name:  "playback_interrupt",
		Time:  time.Now(),
		Value: float64(len(stopped)),
		Tags:  map[string]string{"session_id": sessionID},
	})
}

// Live returns the number of handles currently scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Cursor returns the next free start time; ok is false after a reset,
// before any chunk has been scheduled.
func (s *Scheduler) Cursor() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.cursorSet
}

func (s *Scheduler) watch(id uint64, h Handle) {
	<-h.Done()
	s.mu.Lock()
	if current, ok := s.live[id]; ok && current == h {
		delete(s.live, id)
	}
	s.mu.Unlock()
}
