// Package mock provides an in-memory transport for local testing and
// integration. It implements the transports.Transport interface without
// any network dependency.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/transports"
)

type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	pts    *frames.PTSGen

	mu       sync.Mutex
	cfg      transports.SessionConfig
	streamID string

	opened atomic.Bool
	closed atomic.Bool
	once   sync.Once

	// OpenErr, when set, makes Open fail without emitting any frame.
	OpenErr error
	// OpenDelay, when set, blocks Open until the channel is closed. Tests
	// use it to exercise force-stop racing an in-flight connect.
	OpenDelay chan struct{}
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
		pts:    frames.NewPTSGen(),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Open(ctx context.Context, cfg transports.SessionConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.OpenDelay != nil {
		select {
		case <-t.OpenDelay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.OpenErr != nil {
		return t.OpenErr
	}
	if !t.opened.CompareAndSwap(false, true) {
		return errors.New("mock transport already opened")
	}
	t.mu.Lock()
	t.cfg = cfg
	t.streamID = "mock-stream"
	streamID := t.streamID
	t.mu.Unlock()
	t.push(frames.NewSystemFrame(streamID, t.pts.Next(streamID), frames.SystemSessionOpen, nil))
	return nil
}

func (t *Transport) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		streamID := t.streamID
		t.mu.Unlock()
		select {
		case t.recvCh <- frames.NewSystemFrame(streamID, t.pts.Next(streamID), frames.SystemSessionClosed, nil):
		default:
		}
		close(t.recvCh)
		close(t.sentCh)
	})
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if !t.opened.Load() || t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	t.push(f)
}

// Fail emits a terminal error frame and closes the transport, as a remote
// runtime failure would.
func (t *Transport) Fail(err error) {
	t.once.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		streamID := t.streamID
		t.mu.Unlock()
		meta := map[string]string{frames.MetaError: err.Error()}
		select {
		case t.recvCh <- frames.NewSystemFrame(streamID, t.pts.Next(streamID), frames.SystemSessionError, meta):
		default:
		}
		close(t.recvCh)
		close(t.sentCh)
	})
}

// SessionSnapshot returns the config the transport was opened with.
func (t *Transport) SessionSnapshot() transports.SessionConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

func (t *Transport) push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}
