package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quellaria/voxline/pkg/capture"
	capmock "github.com/quellaria/voxline/pkg/capture/mock"
	"github.com/quellaria/voxline/pkg/errorsx"
	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/metrics"
	"github.com/quellaria/voxline/pkg/playback"
	playmock "github.com/quellaria/voxline/pkg/playback/mock"
	"github.com/quellaria/voxline/pkg/session"
	"github.com/quellaria/voxline/pkg/transports"
	transmock "github.com/quellaria/voxline/pkg/transports/mock"
)

type fixture struct {
	provider *capmock.Provider
	trans    *transmock.Transport
	sink     *playmock.Sink
	ctrl     *session.Controller
}

func newFixture(notify session.Notifications) *fixture {
	f := &fixture{
		provider: capmock.New(),
		trans:    transmock.New(),
		sink:     playmock.NewSink(),
	}
	f.ctrl = session.NewController(
		f.provider,
		func() transports.Transport { return f.trans },
		func() (playback.Sink, error) { return f.sink, nil },
		notify,
	)
	return f
}

func start(t *testing.T, f *fixture, opts session.Options) {
	t.Helper()
	if err := f.ctrl.Start(context.Background(), opts); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.ctrl.State(); got != session.StateOpen {
		t.Fatalf("expected open after start, got %v", got)
	}
}

func waitState(t *testing.T, c *session.Controller, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %v never reached, stuck at %v", want, c.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartThenForceStopReleasesEverythingInOrder(t *testing.T) {
	f := newFixture(session.Notifications{})
	start(t, f, session.Options{Model: "test-model"})

	if cfg := f.trans.SessionSnapshot(); cfg.Model != "test-model" {
		t.Fatalf("transport opened with model %q", cfg.Model)
	}

	f.ctrl.ForceStop()
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("expected idle after force stop, got %v", got)
	}
	if !f.provider.Last().Released() {
		t.Fatalf("capture handle not released")
	}
	if !f.sink.Closed() {
		t.Fatalf("sink not closed")
	}
}

func TestForceStopIsIdempotent(t *testing.T) {
	f := newFixture(session.Notifications{})
	start(t, f, session.Options{})
	f.ctrl.ForceStop()
	f.ctrl.ForceStop()
	f.ctrl.ForceStop()
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("expected idle, got %v", got)
	}
}

func TestForceStopOnIdleControllerIsNoop(t *testing.T) {
	f := newFixture(session.Notifications{})
	f.ctrl.ForceStop()
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("expected idle, got %v", got)
	}
}

func TestForceStopDuringConnectDiscardsStaleCompletion(t *testing.T) {
	f := newFixture(session.Notifications{})
	f.trans.OpenDelay = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- f.ctrl.Start(context.Background(), session.Options{})
	}()
	waitState(t, f.ctrl, session.StateConnecting)

	f.ctrl.ForceStop()
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("expected idle after force stop, got %v", got)
	}

	close(f.trans.OpenDelay)
	if err := <-done; err != nil {
		t.Fatalf("discarded connect returned error: %v", err)
	}
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("stale connect resurrected the session: %v", got)
	}
	// The winning stop discards the late-arriving session's resources.
	deadline := time.Now().Add(2 * time.Second)
	for !f.provider.Last().Released() || !f.sink.Closed() {
		if time.Now().After(deadline) {
			t.Fatalf("stale session resources not released (handle=%v sink=%v)",
				f.provider.Last().Released(), f.sink.Closed())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDeviceFailureNotifiesExactlyOnce(t *testing.T) {
	var notified atomic.Int64
	var lastErr atomic.Value
	f := newFixture(session.Notifications{
		OnError: func(err error) {
			notified.Add(1)
			lastErr.Store(err)
		},
	})
	f.provider.AcquireErr = errors.New("microphone busy")

	err := f.ctrl.Start(context.Background(), session.Options{})
	if err == nil {
		t.Fatalf("expected start to fail")
	}
	if !errorsx.HasReason(err, errorsx.ReasonDeviceUnavailable) {
		t.Fatalf("reason %q", errorsx.Reason(err))
	}
	if got := notified.Load(); got != 1 {
		t.Fatalf("expected exactly one error notification, got %d", got)
	}
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("expected idle after failed connect, got %v", got)
	}
}

func TestRemoteErrorNotifiesOnceAndTearsDown(t *testing.T) {
	errCh := make(chan error, 4)
	f := newFixture(session.Notifications{
		OnError: func(err error) { errCh <- err },
	})
	start(t, f, session.Options{})

	f.trans.Fail(errors.New("upstream reset"))

	select {
	case err := <-errCh:
		if !errorsx.HasReason(err, errorsx.ReasonTransportRuntime) {
			t.Fatalf("reason %q", errorsx.Reason(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error never surfaced")
	}
	waitState(t, f.ctrl, session.StateIdle)
	if !f.provider.Last().Released() {
		t.Fatalf("capture handle not released after remote failure")
	}
	select {
	case err := <-errCh:
		t.Fatalf("second error notification: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedChunkIsDroppedNotFatal(t *testing.T) {
	f := newFixture(session.Notifications{})
	start(t, f, session.Options{})

	// 3 bytes cannot be 16-bit samples.
	f.trans.Push(frames.NewAudioFrame("mock-stream", 1, []byte{1, 2, 3}, 24000, 1, nil))
	f.trans.Push(frames.NewAudioFrame("mock-stream", 2, []byte{0, 64, 0, 64}, 24000, 1, nil))

	deadline := time.Now().Add(2 * time.Second)
	for len(f.sink.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("valid chunk after malformed one never played")
		}
		time.Sleep(time.Millisecond)
	}
	if got := f.ctrl.State(); got != session.StateOpen {
		t.Fatalf("malformed chunk ended the session: %v", got)
	}
	if got := len(f.sink.Calls()); got != 1 {
		t.Fatalf("expected 1 scheduled chunk, got %d", got)
	}
}

func TestInterruptionStopsScheduledPlayback(t *testing.T) {
	f := newFixture(session.Notifications{})
	start(t, f, session.Options{})

	f.trans.Push(frames.NewAudioFrame("mock-stream", 1, make([]byte, 4800), 24000, 1, nil))
	deadline := time.Now().Add(2 * time.Second)
	for len(f.sink.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("chunk never scheduled")
		}
		time.Sleep(time.Millisecond)
	}

	f.trans.Push(frames.NewControlFrame("mock-stream", 2, frames.ControlInterruption, nil))
	deadline = time.Now().Add(2 * time.Second)
	for !f.sink.Calls()[0].Handle.Stopped() {
		if time.Now().After(deadline) {
			t.Fatalf("interruption did not stop playback")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMuteWindowDropsCapturedAudio(t *testing.T) {
	f := newFixture(session.Notifications{})
	start(t, f, session.Options{})
	handle := f.provider.Last()

	f.ctrl.SetMuted(true)
	for i := 0; i < 4; i++ {
		handle.PushFrame(capture.Frame{Samples: make([]float32, 64), Rate: capture.SourceRate})
	}
	select {
	case fr := <-f.trans.Sent():
		t.Fatalf("muted block reached transport: %T", fr)
	case <-time.After(50 * time.Millisecond):
	}

	f.ctrl.SetMuted(false)
	handle.PushFrame(capture.Frame{Samples: make([]float32, 64), Rate: capture.SourceRate})
	select {
	case fr := <-f.trans.Sent():
		if _, ok := fr.(frames.AudioFrame); !ok {
			t.Fatalf("expected audio frame, got %T", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unmuted block never sent")
	}
}

func TestMuteSettingSurvivesSessions(t *testing.T) {
	f := newFixture(session.Notifications{})
	f.ctrl.SetMuted(true)
	if !f.ctrl.Muted() {
		t.Fatalf("mute not recorded while idle")
	}
	start(t, f, session.Options{})
	handle := f.provider.Last()
	handle.PushFrame(capture.Frame{Samples: make([]float32, 64), Rate: capture.SourceRate})
	select {
	case fr := <-f.trans.Sent():
		t.Fatalf("pre-set mute ignored, got %T", fr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTranscriptAggregationAndCallback(t *testing.T) {
	got := make(chan string, 4)
	f := newFixture(session.Notifications{
		OnTranscript: func(direction, text string) { got <- direction + ":" + text },
	})
	start(t, f, session.Options{OutputTranscription: true})

	f.trans.Push(frames.NewTextFrame("mock-stream", 1, "hello there", map[string]string{
		frames.MetaDirection: frames.DirectionModel,
	}))

	select {
	case s := <-got:
		if s != "model:hello there" {
			t.Fatalf("callback %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transcript callback never fired")
	}
	entries := f.ctrl.Transcript()
	if len(entries) != 1 || entries[0].Text != "hello there" || entries[0].Direction != "model" {
		t.Fatalf("transcript %+v", entries)
	}
}

func TestTurnCompleteCallback(t *testing.T) {
	done := make(chan struct{}, 1)
	f := newFixture(session.Notifications{
		OnTurnComplete: func() { done <- struct{}{} },
	})
	start(t, f, session.Options{})

	f.trans.Push(frames.NewSystemFrame("mock-stream", 1, frames.SystemTurnComplete, nil))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn complete callback never fired")
	}
}

func TestStartReplacesExistingSession(t *testing.T) {
	provider := capmock.New()
	var mu sync.Mutex
	var made []*transmock.Transport
	var sinks []*playmock.Sink
	ctrl := session.NewController(
		provider,
		func() transports.Transport {
			mu.Lock()
			defer mu.Unlock()
			tr := transmock.New()
			made = append(made, tr)
			return tr
		},
		func() (playback.Sink, error) {
			mu.Lock()
			defer mu.Unlock()
			sk := playmock.NewSink()
			sinks = append(sinks, sk)
			return sk, nil
		},
		session.Notifications{},
	)

	if err := ctrl.Start(context.Background(), session.Options{Model: "first"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	firstHandle := provider.Last()

	if err := ctrl.Start(context.Background(), session.Options{Model: "second"}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := ctrl.State(); got != session.StateOpen {
		t.Fatalf("expected open after replacement, got %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(made) != 2 || len(sinks) != 2 {
		t.Fatalf("expected fresh transport and sink per session, got %d/%d", len(made), len(sinks))
	}
	// The old session is fully stopped before the new connect proceeds.
	if !firstHandle.Released() {
		t.Fatalf("first capture handle still held")
	}
	if !sinks[0].Closed() {
		t.Fatalf("first sink still open")
	}
	if sinks[1].Closed() {
		t.Fatalf("replacement sink closed")
	}
	if cfg := made[1].SessionSnapshot(); cfg.Model != "second" {
		t.Fatalf("replacement opened with model %q", cfg.Model)
	}
}

func TestLifecycleEventsRecorded(t *testing.T) {
	f := newFixture(session.Notifications{})
	mem := metrics.NewMemoryObserver()
	f.ctrl.SetObserver(mem)
	start(t, f, session.Options{Model: "test-model"})
	f.ctrl.ForceStop()

	for _, name := range []string{"connect_start", "session_open", "session_stop"} {
		if got := len(mem.Named(name)); got != 1 {
			t.Fatalf("%s recorded %d times", name, got)
		}
	}
	if ev := mem.Named("session_open")[0]; ev.Tags["session_id"] == "" {
		t.Fatalf("session_open missing session id")
	}
}

func TestStateChangeSequence(t *testing.T) {
	states := make(chan session.State, 16)
	f := newFixture(session.Notifications{
		OnStateChange: func(s session.State) { states <- s },
	})
	start(t, f, session.Options{})
	f.ctrl.ForceStop()

	want := []session.State{
		session.StateConnecting,
		session.StateOpen,
		session.StateClosing,
		session.StateIdle,
	}
	for i, w := range want {
		select {
		case s := <-states:
			if s != w {
				t.Fatalf("transition %d: got %v, want %v", i, s, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("transition %d (%v) never observed", i, w)
		}
	}
}
