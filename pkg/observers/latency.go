package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quellaria/voxline/pkg/metrics"
)

// LatencyObserver tracks per-session timing: how long the connect took,
// how long until the first model audio arrived, and how quickly playback
// was cut after an interruption.
type LatencyObserver struct {
	mu       sync.Mutex
	sessions map[string]*sessionTrace
	log      *slog.Logger
}

type sessionTrace struct {
	connectStart time.Time
	opened       time.Time
	firstAudio   time.Time
	interruptAt  time.Time
	interrupts   int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		sessions: make(map[string]*sessionTrace),
		log:      log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ""
	if ev.Tags != nil {
		sessionID = ev.Tags["session_id"]
	}
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.sessions[sessionID]
	if t == nil {
		t = &sessionTrace{}
		o.sessions[sessionID] = t
	}
	switch ev.Name {
	case "connect_start":
		if t.connectStart.IsZero() {
			t.connectStart = ev.Time
		}
	case "session_open":
		if t.opened.IsZero() {
			t.opened = ev.Time
		}
	case "audio_in":
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
		}
	case "playback_interrupt":
		t.interruptAt = ev.Time
		t.interrupts++
	case "session_stop":
		o.flushLocked(sessionID, t)
		delete(o.sessions, sessionID)
	}
}

func (o *LatencyObserver) flushLocked(sessionID string, t *sessionTrace) {
	attrs := []any{slog.String("session_id", sessionID)}
	if !t.connectStart.IsZero() && !t.opened.IsZero() {
		attrs = append(attrs, slog.Int64("connect_ms", t.opened.Sub(t.connectStart).Milliseconds()))
	}
	if !t.opened.IsZero() && !t.firstAudio.IsZero() {
		attrs = append(attrs, slog.Int64("first_audio_ms", t.firstAudio.Sub(t.opened).Milliseconds()))
	}
	attrs = append(attrs, slog.Int("interrupts", t.interrupts))
	o.log.Info("session_latency", attrs...)
}
