// Package sender pushes captured microphone audio upstream. It converts
// float sample blocks to the 16-bit wire form and forwards them on the
// session transport in capture order, with a lossy mute switch in between.
package sender

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quellaria/voxline/pkg/capture"
	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/logging"
	"github.com/quellaria/voxline/pkg/metrics"
	"github.com/quellaria/voxline/pkg/pcm"
	"github.com/quellaria/voxline/pkg/transports"
)

// Sender serializes outgoing audio onto one transport. Submit calls are
// ordered under a single mutex so blocks reach the wire in capture order.
type Sender struct {
	mu        sync.Mutex
	transport transports.Transport
	streamID  string
	pts       *frames.PTSGen

	muted   atomic.Bool
	dropped atomic.Int64

	logger    *slog.Logger
	obs       metrics.Observer
	sessionID string
}

func New(t transports.Transport, streamID string) *Sender {
	return &Sender{
		transport: t,
		streamID:  streamID,
		pts:       frames.NewPTSGen(),
		logger:    logging.NewComponentLogger(slog.Default(), "sender"),
		obs:       metrics.NoopObserver{},
	}
}

// SetObserver attaches a metrics sink. Safe to call before the first Submit.
func (s *Sender) SetObserver(obs metrics.Observer, sessionID string) {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	s.obs = obs
	s.sessionID = sessionID
}

// SetMuted flips the mute switch. Takes effect on the next Submit; blocks
// captured while muted are discarded, not buffered.
func (s *Sender) SetMuted(muted bool) {
	s.muted.Store(muted)
}

func (s *Sender) Muted() bool { return s.muted.Load() }

// Dropped reports how many blocks the mute switch discarded.
func (s *Sender) Dropped() int64 { return s.dropped.Load() }

// Submit encodes one captured block and sends it. Muted blocks are dropped
// silently. Transport errors are non-fatal here: the transport surfaces its
// own terminal state on the receive channel.
func (s *Sender) Submit(block capture.Frame) {
	if len(block.Samples) == 0 {
		return
	}
	if s.muted.Load() {
		s.dropped.Add(1)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := pcm.EncodeFrame(block.Samples)
	af := frames.NewAudioFrame(s.streamID, s.pts.Next(s.streamID), data, block.Rate, 1, map[string]string{
		frames.MetaMIME:      fmt.Sprintf("audio/pcm;rate=%d", block.Rate),
		frames.MetaDirection: frames.DirectionUser,
	})
	if err := s.transport.Send(af); err != nil {
		s.logger.Debug("audio_send_failed", slog.String("error", err.Error()))
		return
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "audio_out",
		Time:  time.Now(),
		Value: float64(len(block.Samples)),
		Tags:  map[string]string{"session_id": s.sessionID},
		Fields: map[string]any{
			"rate":  block.Rate,
			"bytes": len(data),
		},
	})
}
