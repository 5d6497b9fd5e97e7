// Package voxline wires configuration, observability and the session
// controller into one embeddable engine.
package voxline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/quellaria/voxline/pkg/capture"
	"github.com/quellaria/voxline/pkg/configutil"
	"github.com/quellaria/voxline/pkg/errorsx"
	"github.com/quellaria/voxline/pkg/logging"
	"github.com/quellaria/voxline/pkg/metrics"
	"github.com/quellaria/voxline/pkg/observers"
	"github.com/quellaria/voxline/pkg/playback"
	"github.com/quellaria/voxline/pkg/redact"
	"github.com/quellaria/voxline/pkg/resilience"
	"github.com/quellaria/voxline/pkg/runner"
	"github.com/quellaria/voxline/pkg/session"
	"github.com/quellaria/voxline/pkg/transports"
	"github.com/quellaria/voxline/pkg/transports/live"
	"github.com/quellaria/voxline/pkg/transports/mock"
)

type Engine struct {
	cfg         Config
	ctrl        *session.Controller
	asyncObs    *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	metricsFile *os.File
	breaker     *resilience.CircuitBreaker
	runner      *runner.LifecycleRunner
}

// EngineOptions override the pieces the config file cannot express. Every
// field may be left zero for the default wiring.
type EngineOptions struct {
	Config Config
	// Provider replaces the miniaudio device provider (tests, headless).
	Provider capture.Provider
	// NewTransport replaces the provider selected by transport.provider.
	NewTransport func() transports.Transport
	// NewSink replaces the miniaudio playback device.
	NewSink func() (playback.Sink, error)
	Notify  session.Notifications
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("voxline_init",
		"environment", cfg.Environment,
		"transport", cfg.Transport.Provider,
		"model", cfg.Session.Model,
		"camera", cfg.Session.Camera,
	)

	latencyObs := observers.NewLatencyObserver(slog.Default())
	var logObs metrics.Observer = observers.NewLoggerObserver(slog.Default())
	if r := cfg.Observability.LogSampleRate; r > 0 && r < 1 {
		// Per-block audio events arrive many times a second; log a sample.
		logObs = metrics.NewSamplingObserver(logObs, r)
	}
	obsList := []metrics.Observer{latencyObs, logObs}
	var timelineObs *observers.TimelineObserver
	var metricsFile *os.File
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timelineObs)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("artifacts_dir_unavailable", "dir", dir, "error", err.Error())
		} else if f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			slog.Warn("metrics_file_open_failed", "error", err.Error())
		} else {
			metricsFile = f
			obsList = append(obsList, metrics.NewJSONLObserver(f))
		}
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	newTransport := opts.NewTransport
	if newTransport == nil {
		factory, err := transportFactory(cfg.Transport)
		if err != nil {
			return nil, err
		}
		newTransport = factory
	}

	provider := opts.Provider
	if provider == nil {
		provider = capture.NewDeviceProvider(capture.DeviceConfig{
			Rate:      cfg.Capture.Rate,
			Block:     cfg.Capture.Block,
			QueueSize: cfg.Capture.QueueSize,
		})
	}

	newSink := opts.NewSink
	if newSink == nil {
		rate := cfg.Playback.Rate
		newSink = func() (playback.Sink, error) {
			return playback.NewDeviceSink(rate)
		}
	}

	ctrl := session.NewController(provider, newTransport, newSink, opts.Notify)
	ctrl.SetObserver(asyncObs)

	e := &Engine{
		cfg:         cfg,
		ctrl:        ctrl,
		asyncObs:    asyncObs,
		timeline:    timelineObs,
		metricsFile: metricsFile,
		breaker: resilience.NewCircuitBreaker(
			cfg.Resilience.BreakerThreshold,
			configutil.DurationMS(cfg.Resilience.BreakerCooldownMS, 30*time.Second),
		),
	}

	hooks := runner.Hooks{
		OnStart: func() {
			slog.Info("engine_ready", "transport", cfg.Transport.Provider)
		},
		OnStop: func() {
			if e.asyncObs != nil {
				e.asyncObs.Close()
			}
			if e.timeline != nil {
				_ = e.timeline.Close()
			}
			if e.metricsFile != nil {
				_ = e.metricsFile.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine())
		},
	}
	e.runner = runner.NewLifecycleRunner(drainFunc(func() error {
		e.ctrl.ForceStop()
		return nil
	}), hooks, 10*time.Second)

	return e, nil
}

// transportFactory resolves the configured provider into a per-session
// constructor. Settings are validated once, up front.
func transportFactory(tc TransportConfig) (func() transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(tc.Provider)) {
	case "live":
		if err := configutil.ValidateSettings(tc.Settings, live.SettingsSchema()); err != nil {
			return nil, fmt.Errorf("live transport settings: %w", err)
		}
		var lcfg live.Config
		if err := configutil.DecodeSettings(tc.Settings, &lcfg); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(lcfg.URL, "transport.settings.url"); err != nil {
			return nil, err
		}
		return func() transports.Transport { return live.New(lcfg) }, nil
	case "mock":
		return func() transports.Transport { return mock.New() }, nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", tc.Provider)
	}
}

// StartSession opens a new session with the configured defaults. Repeated
// connect failures open the breaker and fast-fail further attempts until
// the cooldown elapses.
func (e *Engine) StartSession(ctx context.Context) error {
	if !e.breaker.Allow() {
		return errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonTransportOpen)
	}
	err := e.ctrl.Start(ctx, session.Options{
		Model:               e.cfg.Session.Model,
		Voice:               e.cfg.Session.Voice,
		Language:            e.cfg.Session.Language,
		Instruction:         e.cfg.Session.Instruction,
		Camera:              e.cfg.Session.Camera,
		InputTranscription:  e.cfg.Session.InputTranscription,
		OutputTranscription: e.cfg.Session.OutputTranscription,
		SampleInterval:      configutil.DurationMS(e.cfg.Session.SampleIntervalMS, 2*time.Second),
	})
	if err != nil {
		e.breaker.RecordFailure()
		return err
	}
	e.breaker.RecordSuccess()
	return nil
}

// StopSession force-stops the current session. Safe at any time.
func (e *Engine) StopSession() {
	e.ctrl.ForceStop()
}

func (e *Engine) SetMuted(muted bool) { e.ctrl.SetMuted(muted) }
func (e *Engine) Muted() bool         { return e.ctrl.Muted() }

func (e *Engine) Transcript() []session.TranscriptEntry { return e.ctrl.Transcript() }

func (e *Engine) SessionState() session.State { return e.ctrl.State() }

func (e *Engine) Controller() *session.Controller { return e.ctrl }

func (e *Engine) Config() Config { return e.cfg }

// Run blocks until ctx is cancelled, then drains: the active session is
// force-stopped and observers are flushed.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Shutdown stops the engine from outside Run.
func (e *Engine) Shutdown() error {
	return e.runner.Stop()
}

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }
