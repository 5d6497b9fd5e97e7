// Package sampler periodically snapshots the camera still feed, scales the
// frame down and ships it on the session transport alongside the audio.
package sampler

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/logging"
	"github.com/quellaria/voxline/pkg/transports"
)

const (
	// DefaultInterval is the tick period between camera samples.
	DefaultInterval = 2 * time.Second
	// targetWidth is the downscaled width sent upstream. Height keeps the
	// source aspect ratio.
	targetWidth = 320

	jpegQuality = 70
)

// Sampler ticks on a fixed interval and sends at most one still per tick.
// A tick with no fresh frame is skipped rather than resending the last one.
type Sampler struct {
	stills   <-chan image.Image
	trans    transports.Transport
	streamID string
	interval time.Duration
	pts      *frames.PTSGen
	logger   *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool

	sent    atomic.Int64
	skipped atomic.Int64
}

func New(stills <-chan image.Image, t transports.Transport, streamID string, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		stills:   stills,
		trans:    t,
		streamID: streamID,
		interval: interval,
		pts:      frames.NewPTSGen(),
		logger:   logging.NewComponentLogger(slog.Default(), "sampler"),
	}
}

// Start launches the sampling loop. Calling Start on a running sampler, or
// with no still feed attached, is a no-op.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stills == nil {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop, done := s.stop, s.done
	s.mu.Unlock()
	close(stop)
	<-done
}

// Sent reports how many stills reached the transport.
func (s *Sampler) Sent() int64 { return s.sent.Load() }

// Skipped reports ticks that found no fresh frame.
func (s *Sampler) Skipped() int64 { return s.skipped.Load() }

func (s *Sampler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	img, ok := s.latest()
	if !ok {
		s.skipped.Add(1)
		return
	}
	data, err := encodeStill(img)
	if err != nil {
		s.logger.Debug("still_encode_failed", slog.String("error", err.Error()))
		return
	}
	f := frames.NewImageFrameFromPool(s.streamID, s.pts.Next(s.streamID), data, "image/jpeg", nil)
	if err := s.trans.Send(f); err != nil {
		s.logger.Debug("still_send_failed", slog.String("error", err.Error()))
		return
	}
	s.sent.Add(1)
}

// latest drains the feed and keeps only the newest frame, so a slow tick
// does not replay a stale backlog.
func (s *Sampler) latest() (image.Image, bool) {
	var img image.Image
	for {
		select {
		case next, open := <-s.stills:
			if !open {
				return img, img != nil
			}
			img = next
		default:
			return img, img != nil
		}
	}
}

func encodeStill(img image.Image) ([]byte, error) {
	scaled := downscale(img, targetWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode still: %w", err)
	}
	return buf.Bytes(), nil
}

// downscale shrinks img to the given width with nearest-neighbor sampling.
// Images already at or below the target pass through untouched.
func downscale(img image.Image, width int) image.Image {
	b := img.Bounds()
	if b.Dx() <= width || b.Dx() == 0 || b.Dy() == 0 {
		return img
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		sy := b.Min.Y + y*b.Dy()/height
		for x := 0; x < width; x++ {
			sx := b.Min.X + x*b.Dx()/width
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}
