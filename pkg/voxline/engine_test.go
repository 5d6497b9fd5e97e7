package voxline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	capmock "github.com/quellaria/voxline/pkg/capture/mock"
	"github.com/quellaria/voxline/pkg/playback"
	playmock "github.com/quellaria/voxline/pkg/playback/mock"
	"github.com/quellaria/voxline/pkg/resilience"
	"github.com/quellaria/voxline/pkg/session"
	"github.com/quellaria/voxline/pkg/transports"
	transmock "github.com/quellaria/voxline/pkg/transports/mock"
)

func testEngine(t *testing.T, cfg Config, provider *capmock.Provider) *Engine {
	t.Helper()
	if cfg.Transport.Provider == "" {
		cfg.Transport.Provider = "mock"
	}
	e, err := NewEngine(EngineOptions{
		Config:       cfg,
		Provider:     provider,
		NewTransport: func() transports.Transport { return transmock.New() },
		NewSink:      func() (playback.Sink, error) { return playmock.NewSink(), nil },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestStartAndStopSession(t *testing.T) {
	provider := capmock.New()
	e := testEngine(t, Config{Session: SessionConfig{Model: "test-model"}}, provider)

	if err := e.StartSession(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if got := e.SessionState(); got != session.StateOpen {
		t.Fatalf("state %v", got)
	}
	e.StopSession()
	if got := e.SessionState(); got != session.StateIdle {
		t.Fatalf("state %v after stop", got)
	}
	if !provider.Last().Released() {
		t.Fatalf("capture handle not released")
	}
}

func TestMetricsSinkWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	provider := capmock.New()
	e := testEngine(t, Config{
		Session:       SessionConfig{Model: "test-model"},
		Observability: ObservabilityConfig{ArtifactsDir: dir, LogSampleRate: 0.5},
	}, provider)

	if err := e.StartSession(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	e.StopSession()
	if err := e.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "metrics.jsonl"))
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	for _, name := range []string{"connect_start", "session_open", "session_stop"} {
		if !strings.Contains(string(data), name) {
			t.Fatalf("metrics file missing %q:\n%s", name, data)
		}
	}
}

func TestBreakerFastFailsAfterRepeatedConnectFailures(t *testing.T) {
	provider := capmock.New()
	provider.AcquireErr = errors.New("microphone busy")
	e := testEngine(t, Config{
		Resilience: ResilienceConfig{BreakerThreshold: 2, BreakerCooldownMS: 60000},
	}, provider)

	for i := 0; i < 2; i++ {
		if err := e.StartSession(context.Background()); err == nil {
			t.Fatalf("attempt %d should fail", i)
		}
	}
	err := e.StartSession(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}

func TestTransportFactoryRejectsUnknownProvider(t *testing.T) {
	_, err := NewEngine(EngineOptions{
		Config:   Config{Transport: TransportConfig{Provider: "carrier-pigeon"}},
		Provider: capmock.New(),
		NewSink:  func() (playback.Sink, error) { return playmock.NewSink(), nil },
	})
	if err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestTransportFactoryValidatesLiveSettings(t *testing.T) {
	_, err := NewEngine(EngineOptions{
		Config: Config{Transport: TransportConfig{
			Provider: "live",
			Settings: map[string]any{"bogus": true},
		}},
		Provider: capmock.New(),
		NewSink:  func() (playback.Sink, error) { return playmock.NewSink(), nil },
	})
	if err == nil {
		t.Fatalf("expected settings validation error")
	}
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxline.yaml")
	yaml := `
transport:
  provider: mock
session:
  model: test-model
  voice: Aoede
  camera: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Session.Voice != "Aoede" || !cfg.Session.Camera {
		t.Fatalf("session config %+v", cfg.Session)
	}
	if cfg.Capture.Rate != 16000 || cfg.Capture.Block != 4096 {
		t.Fatalf("capture defaults %+v", cfg.Capture)
	}
	if cfg.Playback.Rate != 24000 {
		t.Fatalf("playback default %+v", cfg.Playback)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("privacy default off")
	}
	if cfg.Session.SampleIntervalMS != 2000 {
		t.Fatalf("sample interval default %d", cfg.Session.SampleIntervalMS)
	}
	if cfg.Observability.LogSampleRate != 1.0 {
		t.Fatalf("log sample rate default %v", cfg.Observability.LogSampleRate)
	}
}

func TestLoadConfigRequiresModelForLive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxline.yaml")
	yaml := `
transport:
  provider: live
  settings:
    url: wss://example.invalid/v1/session
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation failure without session.model")
	}
}

func TestAPIKeyEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxline.yaml")
	yaml := `
transport:
  provider: mock
  settings:
    api_key: from-file
session:
  model: test-model
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VOXLINE_API_KEY", "from-env")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Transport.Settings["api_key"]; got != "from-env" {
		t.Fatalf("api_key %v", got)
	}
}
