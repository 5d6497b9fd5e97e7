// Package mock provides a scripted capture provider for tests and local
// integration without device hardware.
package mock

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/quellaria/voxline/pkg/capture"
)

type Provider struct {
	// AcquireErr, when set, fails every acquisition.
	AcquireErr error
	// WithStills attaches a camera still feed to acquired handles.
	WithStills bool
	// AcquireDelay, when set, blocks Acquire until closed.
	AcquireDelay chan struct{}

	mu   sync.Mutex
	last *Handle
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Acquire(ctx context.Context, audio, video bool) (capture.Handle, error) {
	if p.AcquireDelay != nil {
		select {
		case <-p.AcquireDelay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	h := &Handle{
		frames: make(chan capture.Frame, 64),
	}
	if video && p.WithStills {
		h.stills = make(chan image.Image, 4)
	}
	p.mu.Lock()
	p.last = h
	p.mu.Unlock()
	return h, nil
}

// Last returns the most recently acquired handle.
func (p *Provider) Last() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type Handle struct {
	frames   chan capture.Frame
	stills   chan image.Image
	dropped  int64
	released atomic.Bool
	once     sync.Once
}

func (h *Handle) Frames() <-chan capture.Frame { return h.frames }

func (h *Handle) Stills() <-chan image.Image {
	if h.stills == nil {
		return nil
	}
	return h.stills
}

func (h *Handle) Dropped() int64 { return atomic.LoadInt64(&h.dropped) }

func (h *Handle) Release() error {
	h.once.Do(func() {
		h.released.Store(true)
		close(h.frames)
		if h.stills != nil {
			close(h.stills)
		}
	})
	return nil
}

// Released reports whether the handle has been given back.
func (h *Handle) Released() bool { return h.released.Load() }

// PushFrame injects a captured audio block, dropping when the consumer lags.
func (h *Handle) PushFrame(f capture.Frame) {
	if h.released.Load() {
		return
	}
	select {
	case h.frames <- f:
	default:
		atomic.AddInt64(&h.dropped, 1)
	}
}

// PushStill injects a camera still; a no-op without a camera feed.
func (h *Handle) PushStill(img image.Image) {
	if h.stills == nil || h.released.Load() {
		return
	}
	select {
	case h.stills <- img:
	default:
	}
}
