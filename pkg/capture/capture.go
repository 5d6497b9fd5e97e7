// Package capture defines the local device boundary: one exclusive audio
// capture handle per session plus an optional camera still feed.
package capture

import (
	"context"
	"image"
)

// Source format produced by every provider.
const (
	SourceRate = 16000
	BlockSize  = 4096
	Channels   = 1
)

// Frame is one fixed-size block of raw captured samples. Ownership
// transfers to the receiver on channel delivery.
type Frame struct {
	Samples []float32
	Rate    int
}

// Handle is one acquired device. Frames delivers audio blocks in capture
// order; Stills is nil when no camera is attached. Release is idempotent.
type Handle interface {
	Frames() <-chan Frame
	Stills() <-chan image.Image
	Dropped() int64
	Release() error
}

// Provider acquires capture devices. Audio failure fails the acquisition;
// camera failure is best-effort and leaves Stills nil.
type Provider interface {
	Acquire(ctx context.Context, audio, video bool) (Handle, error)
}
