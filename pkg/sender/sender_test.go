package sender_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/quellaria/voxline/pkg/capture"
	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/sender"
	"github.com/quellaria/voxline/pkg/transports"
	"github.com/quellaria/voxline/pkg/transports/mock"
)

func openedTransport(t *testing.T) *mock.Transport {
	t.Helper()
	mt := mock.New()
	if err := mt.Open(context.Background(), transports.SessionConfig{Model: "test"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	<-mt.Recv() // drain session_open
	return mt
}

func block(v float32, n int) capture.Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return capture.Frame{Samples: samples, Rate: capture.SourceRate}
}

func drainSent(mt *mock.Transport) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f := <-mt.Sent():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestSubmitEncodesAndSendsInOrder(t *testing.T) {
	mt := openedTransport(t)
	s := sender.New(mt, "stream-1")

	values := []float32{0.25, -0.5, 1.0}
	for _, v := range values {
		s.Submit(block(v, 4))
	}

	sent := drainSent(mt)
	if len(sent) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(sent))
	}
	want := []int16{8192, -16384, 32767}
	for i, f := range sent {
		af, ok := f.(frames.AudioFrame)
		if !ok {
			t.Fatalf("frame %d: expected AudioFrame, got %T", i, f)
		}
		raw := af.RawPayload()
		if len(raw) != 8 {
			t.Fatalf("frame %d: expected 8 bytes, got %d", i, len(raw))
		}
		got := int16(binary.LittleEndian.Uint16(raw[:2]))
		if got != want[i] {
			t.Fatalf("frame %d: sample 0 = %d, want %d", i, got, want[i])
		}
		if af.Rate() != capture.SourceRate {
			t.Fatalf("frame %d: rate %d, want %d", i, af.Rate(), capture.SourceRate)
		}
		if mime := af.Meta()[frames.MetaMIME]; mime != "audio/pcm;rate=16000" {
			t.Fatalf("frame %d: mime %q", i, mime)
		}
		if dir := af.Meta()[frames.MetaDirection]; dir != frames.DirectionUser {
			t.Fatalf("frame %d: direction %q", i, dir)
		}
	}
}

func TestMuteDropsBlocksWithoutReplay(t *testing.T) {
	mt := openedTransport(t)
	s := sender.New(mt, "stream-1")

	s.Submit(block(0.1, 4))
	s.SetMuted(true)
	for i := 0; i < 5; i++ {
		s.Submit(block(0.9, 4))
	}
	s.SetMuted(false)
	s.Submit(block(0.2, 4))

	sent := drainSent(mt)
	if len(sent) != 2 {
		t.Fatalf("expected 2 frames around the mute window, got %d", len(sent))
	}
	if s.Dropped() != 5 {
		t.Fatalf("expected 5 dropped blocks, got %d", s.Dropped())
	}
	// The loud blocks submitted while muted never reach the wire, before
	// or after unmute.
	for i, f := range sent {
		af := f.(frames.AudioFrame)
		got := int16(binary.LittleEndian.Uint16(af.RawPayload()[:2]))
		if got > 16384 {
			t.Fatalf("frame %d: muted block leaked (sample %d)", i, got)
		}
	}
}

func TestEmptyBlockIgnored(t *testing.T) {
	mt := openedTransport(t)
	s := sender.New(mt, "stream-1")
	s.Submit(capture.Frame{Rate: capture.SourceRate})
	if sent := drainSent(mt); len(sent) != 0 {
		t.Fatalf("empty block produced %d frames", len(sent))
	}
}

func TestMutedStateReadable(t *testing.T) {
	s := sender.New(mock.New(), "stream-1")
	if s.Muted() {
		t.Fatalf("sender starts muted")
	}
	s.SetMuted(true)
	if !s.Muted() {
		t.Fatalf("mute not observable")
	}
}
