package capture

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/quellaria/voxline/pkg/errorsx"
	"github.com/quellaria/voxline/pkg/logging"
	"github.com/quellaria/voxline/pkg/pcm"
)

// DeviceConfig tunes the miniaudio capture device.
type DeviceConfig struct {
	Rate      int `mapstructure:"rate"`
	Block     int `mapstructure:"block"`
	QueueSize int `mapstructure:"queue_size"`
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.Rate <= 0 {
		c.Rate = SourceRate
	}
	if c.Block <= 0 {
		c.Block = BlockSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// DeviceProvider acquires the default system microphone through miniaudio.
// Video acquisition is not available on this provider; requesting it logs
// a camera_unavailable notice and continues audio-only.
type DeviceProvider struct {
	cfg    DeviceConfig
	logger *slog.Logger
}

func NewDeviceProvider(cfg DeviceConfig) *DeviceProvider {
	return &DeviceProvider{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "capture"),
	}
}

func (p *DeviceProvider) Acquire(ctx context.Context, audio, video bool) (Handle, error) {
	if !audio {
		return nil, errorsx.Wrap(errNoAudio, errorsx.ReasonDeviceUnavailable)
	}
	if video {
		// Best-effort per the session contract: audio capture proceeds.
		p.logger.Warn("camera_not_supported", "reason_code", string(errorsx.ReasonCameraUnavailable))
	}

	allocCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}

	h := &deviceHandle{
		frames: make(chan Frame, p.cfg.QueueSize),
		logger: p.logger,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = Channels
	devCfg.SampleRate = uint32(p.cfg.Rate)
	devCfg.PeriodSizeInFrames = uint32(p.cfg.Block)

	rate := p.cfg.Rate
	callbacks := malgo.DeviceCallbacks{
		// Runs on the platform audio clock; it must never block, so a
		// full queue drops the block and counts it.
		Data: func(_, input []byte, frameCount uint32) {
			buf, err := pcm.DecodeChunk(input, rate, Channels)
			if err != nil {
				return
			}
			select {
			case h.frames <- Frame{Samples: buf.Channels[0], Rate: rate}:
			default:
				atomic.AddInt64(&h.dropped, 1)
			}
		},
	}

	device, err := malgo.InitDevice(allocCtx.Context, devCfg, callbacks)
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

	h.device = device
	h.allocCtx = allocCtx
	return h, nil
}

type deviceHandle struct {
	frames   chan Frame
	device   *malgo.Device
	allocCtx *malgo.AllocatedContext
	dropped  int64
	once     sync.Once
	logger   *slog.Logger
}

func (h *deviceHandle) Frames() <-chan Frame       { return h.frames }
func (h *deviceHandle) Stills() <-chan image.Image { return nil }
func (h *deviceHandle) Dropped() int64             { return atomic.LoadInt64(&h.dropped) }

func (h *deviceHandle) Release() error {
	h.once.Do(func() {
		if h.device != nil {
			h.device.Uninit()
		}
		if h.allocCtx != nil {
			_ = h.allocCtx.Uninit()
			h.allocCtx.Free()
		}
		close(h.frames)
		if n := h.Dropped(); n > 0 {
			h.logger.Info("capture_blocks_dropped", "count", n)
		}
	})
	return nil
}

var errNoAudio = errString("audio capture not requested")

type errString string

func (e errString) Error() string { return string(e) }
