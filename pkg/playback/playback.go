// Package playback schedules decoded inbound audio for gapless sequential
// playback against a monotonic device clock, and cuts every in-flight
// chunk on a barge-in.
package playback

import "time"

// Handle is one scheduled, playing-or-pending unit of decoded audio.
type Handle interface {
	// Stop cuts the unit immediately. Stopping a finished unit is a no-op.
	Stop() error
	// Done is closed on natural completion or stop.
	Done() <-chan struct{}
}

// Sink is the playback device boundary.
type Sink interface {
	// Schedule queues samples to start at the given offset on the sink's
	// monotonic clock. A start time in the past plays immediately.
	Schedule(samples []float32, rate int, start time.Duration) (Handle, error)
	// Now returns the sink's monotonic clock position.
	Now() time.Duration
	// Close releases the device. Idempotent.
	Close() error
}
