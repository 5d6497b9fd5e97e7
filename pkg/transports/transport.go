package transports

import (
	"context"

	"github.com/quellaria/voxline/pkg/frames"
)

// SessionConfig is the immutable configuration snapshot a transport session
// is opened with. Changing voice or language requires closing the session
// and opening a new one.
type SessionConfig struct {
	Model               string
	Voice               string
	Language            string
	Instruction         string
	InputTranscription  bool
	OutputTranscription bool
}

// Transport is one logical duplex channel to the remote model endpoint.
// Lifecycle events arrive on Recv in order: one session_open system frame,
// zero or more message frames in arrival order, then exactly one terminal
// system frame (session_error or session_closed) before the channel closes.
// After the terminal frame the transport is inert: Send is a no-op.
type Transport interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig) error
	Close() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}
