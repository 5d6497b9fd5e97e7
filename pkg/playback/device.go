package playback

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/quellaria/voxline/pkg/errorsx"
)

// Inbound model audio arrives at 24 kHz mono.
const DefaultSinkRate = 24000

var errSinkClosed = errors.New("playback sink closed")

// DeviceSink renders scheduled segments through a miniaudio output device.
// The device callback mixes every active segment into the output buffer;
// the frame counter it advances is the sink's monotonic clock.
type DeviceSink struct {
	mu       sync.Mutex
	allocCtx *malgo.AllocatedContext
	device   *malgo.Device
	rate     int
	clock    int64
	segs     map[*segment]struct{}
	closed   bool
	once     sync.Once
}

func NewDeviceSink(rate int) (*DeviceSink, error) {
	if rate <= 0 {
		rate = DefaultSinkRate
	}
	s := &DeviceSink{
		rate: rate,
		segs: make(map[*segment]struct{}),
	}

	allocCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}
	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(rate)

	device, err := malgo.InitDevice(allocCtx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			s.render(output, int(frameCount))
		},
	})
	if err != nil {
		_ = allocCtx.Uninit()
		allocCtx.Free()
		return nil, errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = allocCtx.Uninit()
		allocCtx.Free()
		return nil, errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}
	s.allocCtx = allocCtx
	s.device = device
	return s, nil
}

func (s *DeviceSink) Schedule(samples []float32, rate int, start time.Duration) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSinkClosed
	}
	if rate != s.rate {
		samples = resampleLinear(samples, rate, s.rate)
	}
	startFrame := int64(start.Seconds() * float64(s.rate))
	if startFrame < s.clock {
		startFrame = s.clock
	}
	seg := &segment{
		samples: samples,
		start:   startFrame,
		done:    make(chan struct{}),
		sink:    s,
	}
	s.segs[seg] = struct{}{}
	return seg, nil
}

func (s *DeviceSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return framesToDuration(s.clock, s.rate)
}

func (s *DeviceSink) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		segs := s.segs
		s.segs = make(map[*segment]struct{})
		s.mu.Unlock()
		for seg := range segs {
			seg.complete()
		}
		if s.device != nil {
			s.device.Uninit()
		}
		if s.allocCtx != nil {
			_ = s.allocCtx.Uninit()
			s.allocCtx.Free()
		}
	})
	return nil
}

// render runs on the audio clock thread and must not block beyond the mix.
func (s *DeviceSink) render(output []byte, frameCount int) {
	s.mu.Lock()
	base := s.clock
	var finished []*segment
	for i := 0; i < frameCount; i++ {
		t := base + int64(i)
		var acc float32
		for seg := range s.segs {
			off := t - seg.start
			if off < 0 || off >= int64(len(seg.samples)) {
				continue
			}
			acc += seg.samples[off]
		}
		if acc > 1 {
			acc = 1
		} else if acc < -1 {
			acc = -1
		}
		binary.LittleEndian.PutUint16(output[2*i:], uint16(int16(acc*32767)))
	}
	s.clock = base + int64(frameCount)
	for seg := range s.segs {
		if seg.start+int64(len(seg.samples)) <= s.clock {
			delete(s.segs, seg)
			finished = append(finished, seg)
		}
	}
	s.mu.Unlock()
	for _, seg := range finished {
		seg.complete()
	}
}

type segment struct {
	samples []float32
	start   int64
	done    chan struct{}
	once    sync.Once
	sink    *DeviceSink
}

func (seg *segment) Stop() error {
	seg.sink.mu.Lock()
	delete(seg.sink.segs, seg)
	seg.sink.mu.Unlock()
	seg.complete()
	return nil
}

func (seg *segment) Done() <-chan struct{} { return seg.done }

func (seg *segment) complete() {
	seg.once.Do(func() { close(seg.done) })
}

func framesToDuration(frames int64, rate int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

// resampleLinear converts between nearby PCM rates; quality is adequate
// for speech and it keeps the mix path allocation-free afterwards.
func resampleLinear(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 {
		return in
	}
	outLen := int(int64(len(in)) * int64(to) / int64(from))
	if outLen == 0 {
		return nil
	}
	out := make([]float32, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}
