// Package session owns the duplex voice session lifecycle: device
// acquisition, transport connection, the receive dispatch loop and ordered
// teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quellaria/voxline/pkg/capture"
	"github.com/quellaria/voxline/pkg/errorsx"
	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/logging"
	"github.com/quellaria/voxline/pkg/metrics"
	"github.com/quellaria/voxline/pkg/pcm"
	"github.com/quellaria/voxline/pkg/playback"
	"github.com/quellaria/voxline/pkg/redact"
	"github.com/quellaria/voxline/pkg/sampler"
	"github.com/quellaria/voxline/pkg/sender"
	"github.com/quellaria/voxline/pkg/transports"
)

// State tracks where the controller is in the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configures one session. The snapshot is immutable for the
// session's lifetime.
type Options struct {
	Model               string
	Voice               string
	Language            string
	Instruction         string
	Camera              bool
	InputTranscription  bool
	OutputTranscription bool
	SampleInterval      time.Duration
}

// Notifications are the controller's outward callbacks. Any field may be
// nil. Callbacks fire from internal goroutines and must not block.
type Notifications struct {
	OnTranscript   func(direction, text string)
	OnTurnComplete func()
	OnError        func(error)
	OnStateChange  func(State)
}

// TranscriptEntry is one transcription fragment in arrival order.
type TranscriptEntry struct {
	Direction string
	Text      string
	At        time.Time
}

// Controller drives one session at a time. Start and ForceStop are safe to
// call concurrently; a ForceStop racing an in-flight connect wins and the
// stale connect result is discarded.
type Controller struct {
	provider     capture.Provider
	newTransport func() transports.Transport
	newSink      func() (playback.Sink, error)
	notify       Notifications
	logger       *slog.Logger
	obs          metrics.Observer

	mu     sync.Mutex
	state  State
	gen    uint64
	active *activeSession
	muted  bool

	tmu        sync.Mutex
	transcript []TranscriptEntry
}

type activeSession struct {
	id        string
	transport transports.Transport
	handle    capture.Handle
	sink      playback.Sink
	sched     *playback.Scheduler
	snd       *sender.Sender
	smp       *sampler.Sampler
	stopOnce  sync.Once
	errOnce   sync.Once
}

func NewController(provider capture.Provider, newTransport func() transports.Transport, newSink func() (playback.Sink, error), notify Notifications) *Controller {
	return &Controller{
		provider:     provider,
		newTransport: newTransport,
		newSink:      newSink,
		notify:       notify,
		logger:       logging.NewComponentLogger(slog.Default(), "session"),
		obs:          metrics.NoopObserver{},
	}
}

// SetObserver attaches a metrics sink. Call before Start.
func (c *Controller) SetObserver(obs metrics.Observer) {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	c.obs = obs
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the fragments accumulated so far, oldest first.
func (c *Controller) Transcript() []TranscriptEntry {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	out := make([]TranscriptEntry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// SetMuted flips the outgoing audio mute. Blocks captured while muted are
// dropped, not buffered. The setting carries over to the next session.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	act := c.active
	c.mu.Unlock()
	if act != nil {
		act.snd.SetMuted(muted)
	}
}

// Muted reports the current mute setting.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Start connects a new session: capture devices and the transport are
// acquired concurrently, then the audio loops are wired up. A session
// already running or connecting is force-stopped first, synchronously, so
// starting is always a replacement rather than an error. Start blocks until
// the new session is open or the attempt fails. A ForceStop issued while
// Start is in flight discards the connect result; Start then returns nil
// with no session running.
func (c *Controller) Start(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	for c.state != StateIdle {
		c.mu.Unlock()
		c.ForceStop()
		c.mu.Lock()
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	muted := c.muted
	c.mu.Unlock()
	c.stateChanged(StateConnecting)

	sid := uuid.NewString()
	c.event("connect_start", sid, nil)

	trans := c.newTransport()
	cfg := transports.SessionConfig{
		Model:               opts.Model,
		Voice:               opts.Voice,
		Language:            opts.Language,
		Instruction:         opts.Instruction,
		InputTranscription:  opts.InputTranscription,
		OutputTranscription: opts.OutputTranscription,
	}

	var (
		wg         sync.WaitGroup
		handle     capture.Handle
		acquireErr error
		openErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		h, err := c.provider.Acquire(ctx, true, opts.Camera)
		if err != nil {
			acquireErr = errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
			return
		}
		handle = h
	}()
	go func() {
		defer wg.Done()
		if err := trans.Open(ctx, cfg); err != nil {
			openErr = errorsx.Wrap(err, errorsx.ReasonTransportOpen)
		}
	}()
	wg.Wait()

	if acquireErr != nil || openErr != nil {
		err := acquireErr
		if err == nil {
			err = openErr
		}
		c.discard(trans, handle, nil, nil)
		if !c.settle(gen, StateIdle) {
			return nil
		}
		c.notifyErrorDirect(err)
		return err
	}

	sink, err := c.newSink()
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
		c.discard(trans, handle, nil, nil)
		if !c.settle(gen, StateIdle) {
			return nil
		}
		c.notifyErrorDirect(err)
		return err
	}

	act := &activeSession{
		id:        sid,
		transport: trans,
		handle:    handle,
		sink:      sink,
		sched:     playback.NewScheduler(sink),
		snd:       sender.New(trans, sid),
	}
	act.sched.SetObserver(c.obs, sid)
	act.snd.SetObserver(c.obs, sid)
	act.snd.SetMuted(muted)
	if stills := handle.Stills(); opts.Camera && stills != nil {
		act.smp = sampler.New(stills, trans, sid, opts.SampleInterval)
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Force-stopped while connecting. The stop won; throw this
		// session away.
		c.mu.Unlock()
		c.discard(trans, handle, act.smp, sink)
		return nil
	}
	c.state = StateOpen
	c.active = act
	c.mu.Unlock()
	c.stateChanged(StateOpen)
	c.event("session_open", sid, map[string]any{"model": opts.Model})
	c.logger.Info("session_open",
		slog.String("session_id", sid),
		slog.String("transport", trans.Name()),
		slog.Bool("camera", act.smp != nil),
	)

	if act.smp != nil {
		act.smp.Start()
	}
	go c.pumpLoop(act)
	go c.recvLoop(act)
	return nil
}

// ForceStop tears the current session down unconditionally, in order:
// transport, sampler, playback, capture, sink. Every step is best-effort.
// Safe to call at any time, any number of times; it never returns an error
// and never panics. Called during an in-flight connect it invalidates the
// attempt.
func (c *Controller) ForceStop() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateClosing
	act := c.active
	c.active = nil
	c.mu.Unlock()
	c.stateChanged(StateClosing)

	if act != nil {
		c.teardown(act, "force_stop")
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.stateChanged(StateIdle)
}

// recvLoop dispatches inbound frames until the transport channel closes.
func (c *Controller) recvLoop(act *activeSession) {
	for f := range act.transport.Recv() {
		switch fr := f.(type) {
		case frames.AudioFrame:
			c.handleAudio(act, fr)
		case frames.ControlFrame:
			if fr.Code() == frames.ControlInterruption {
				act.sched.Interrupt()
			}
		case frames.TextFrame:
			c.handleText(act, fr)
		case frames.SystemFrame:
			c.handleSystem(act, fr)
		}
	}
	// Channel closed: the remote side or a local Close ended the session.
	// If nobody has torn this session down yet, do it now.
	c.stopIfActive(act, "transport_closed")
}

// pumpLoop forwards captured audio blocks to the sender until the capture
// handle is released.
func (c *Controller) pumpLoop(act *activeSession) {
	for block := range act.handle.Frames() {
		act.snd.Submit(block)
	}
}

// handleAudio decodes one inbound chunk and hands it to playback. A chunk
// that fails to decode is dropped without ending the session.
func (c *Controller) handleAudio(act *activeSession, af frames.AudioFrame) {
	buf, err := pcm.DecodeChunk(af.RawPayload(), af.Rate(), af.Channels())
	// The decode copied into float samples; a pooled payload can go back.
	frames.ReleaseAudioFrame(af)
	if err != nil {
		var malformed pcm.MalformedAudioError
		if errors.As(err, &malformed) {
			c.logger.Warn("malformed_audio_dropped",
				slog.String("session_id", act.id),
				slog.Int("bytes", malformed.Length),
			)
		} else {
			c.logger.Warn("audio_decode_failed",
				slog.String("session_id", act.id),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if err := act.sched.Enqueue(buf); err != nil {
		c.logger.Debug("playback_enqueue_failed",
			slog.String("session_id", act.id),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) handleText(act *activeSession, tf frames.TextFrame) {
	direction := tf.Meta()[frames.MetaDirection]
	if direction == "" {
		direction = frames.DirectionModel
	}
	text := redact.Text(tf.Text())
	c.tmu.Lock()
	c.transcript = append(c.transcript, TranscriptEntry{
		Direction: direction,
		Text:      text,
		At:        time.Now(),
	})
	c.tmu.Unlock()
	c.event("transcript", act.id, map[string]any{"direction": direction})
	if c.notify.OnTranscript != nil {
		c.notify.OnTranscript(direction, text)
	}
}

func (c *Controller) handleSystem(act *activeSession, sf frames.SystemFrame) {
	switch sf.Name() {
	case frames.SystemSessionOpen:
		// Already surfaced by Start; nothing to do here.
	case frames.SystemTurnComplete:
		c.event("turn_complete", act.id, nil)
		if c.notify.OnTurnComplete != nil {
			c.notify.OnTurnComplete()
		}
	case frames.SystemSessionError:
		msg := sf.Meta()[frames.MetaError]
		if msg == "" {
			msg = "transport failed"
		}
		c.notifyError(act, errorsx.Wrap(errors.New(msg), errorsx.ReasonTransportRuntime))
	case frames.SystemSessionClosed:
		// The channel close that follows drives teardown.
	}
}

// stopIfActive tears down act only if it is still the controller's current
// session. A session replaced or already stopped is left alone.
func (c *Controller) stopIfActive(act *activeSession, cause string) {
	c.mu.Lock()
	if c.active != act {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateClosing
	c.active = nil
	c.mu.Unlock()
	c.stateChanged(StateClosing)

	c.teardown(act, cause)

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.stateChanged(StateIdle)
}

// teardown releases a session's resources in a fixed order. Failures are
// logged and swallowed.
func (c *Controller) teardown(act *activeSession, cause string) {
	act.stopOnce.Do(func() {
		if err := act.transport.Close(); err != nil {
			c.logger.Debug("transport_close_failed", slog.String("error", err.Error()))
		}
		if act.smp != nil {
			act.smp.Stop()
		}
		act.sched.Interrupt()
		if err := act.handle.Release(); err != nil {
			c.logger.Debug("capture_release_failed", slog.String("error", err.Error()))
		}
		if err := act.sink.Close(); err != nil {
			c.logger.Debug("sink_close_failed", slog.String("error", err.Error()))
		}
		c.event("session_stop", act.id, map[string]any{
			"cause":          cause,
			"capture_drops":  act.handle.Dropped(),
			"sender_drops":   act.snd.Dropped(),
			"transcript_len": len(c.Transcript()),
		})
		c.logger.Info("session_stop",
			slog.String("session_id", act.id),
			slog.String("cause", cause),
		)
	})
}

// discard releases resources from a connect attempt that lost to a
// force-stop or failed partway.
func (c *Controller) discard(trans transports.Transport, handle capture.Handle, smp *sampler.Sampler, sink playback.Sink) {
	if trans != nil {
		if err := trans.Close(); err != nil {
			c.logger.Debug("transport_close_failed", slog.String("error", err.Error()))
		}
	}
	if smp != nil {
		smp.Stop()
	}
	if handle != nil {
		if err := handle.Release(); err != nil {
			c.logger.Debug("capture_release_failed", slog.String("error", err.Error()))
		}
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			c.logger.Debug("sink_close_failed", slog.String("error", err.Error()))
		}
	}
}

// settle moves Connecting to the given end state, but only when the attempt
// identified by gen is still the current one. Returns false when a
// force-stop already took over.
func (c *Controller) settle(gen uint64, to State) bool {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()
	c.stateChanged(to)
	return true
}

// notifyError surfaces a terminal session failure exactly once and tears
// the session down.
func (c *Controller) notifyError(act *activeSession, err error) {
	act.errOnce.Do(func() {
		c.logger.Error("session_error",
			slog.String("session_id", act.id),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()),
		)
		if c.notify.OnError != nil {
			c.notify.OnError(err)
		}
	})
	c.stopIfActive(act, "session_error")
}

// notifyErrorDirect reports a connect failure that never produced a session.
func (c *Controller) notifyErrorDirect(err error) {
	c.logger.Error("connect_failed",
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()),
	)
	if c.notify.OnError != nil {
		c.notify.OnError(err)
	}
}

func (c *Controller) stateChanged(s State) {
	if c.notify.OnStateChange != nil {
		c.notify.OnStateChange(s)
	}
}

func (c *Controller) event(name, sid string, fields map[string]any) {
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"session_id": sid},
		Fields: fields,
	})
}
