// Package live implements the duplex websocket session to the remote
// multimodal model endpoint.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quellaria/voxline/pkg/configutil"
	"github.com/quellaria/voxline/pkg/errorsx"
	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/logging"
	"github.com/quellaria/voxline/pkg/pcm"
	"github.com/quellaria/voxline/pkg/priority"
	"github.com/quellaria/voxline/pkg/resilience"
	"github.com/quellaria/voxline/pkg/transports"
)

type Config struct {
	URL                string `mapstructure:"url"`
	APIKey             string `mapstructure:"api_key"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
	SetupTimeoutMS     int    `mapstructure:"setup_timeout_ms"`
	ConnectRetries     int    `mapstructure:"connect_retries"`
	ConnectBackoffMS   int    `mapstructure:"connect_backoff_ms"`
	AudioQueue         int    `mapstructure:"audio_queue"`
	ImageQueue         int    `mapstructure:"image_queue"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeoutMS <= 0 {
		c.HandshakeTimeoutMS = 10000
	}
	if c.SetupTimeoutMS <= 0 {
		c.SetupTimeoutMS = 10000
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.AudioQueue <= 0 {
		c.AudioQueue = 256
	}
	if c.ImageQueue <= 0 {
		c.ImageQueue = 8
	}
	return c
}

// SettingsSchema describes the free-form settings keys this transport accepts.
func SettingsSchema() configutil.Schema {
	return configutil.Schema{
		Required: []string{"url"},
		Optional: []string{
			"api_key", "handshake_timeout_ms", "setup_timeout_ms",
			"connect_retries", "connect_backoff_ms", "audio_queue", "image_queue",
		},
	}
}

// Client is one logical duplex session. A Client is single-use: after the
// terminal event it stays inert and a new session needs a new Client.
type Client struct {
	cfg    Config
	logger *slog.Logger
	pts    *frames.PTSGen

	mu       sync.Mutex
	conn     *websocket.Conn
	streamID string
	opened   atomic.Bool
	terminal atomic.Bool
	termOnce sync.Once

	recvCh           chan frames.Frame
	interruptPending atomic.Bool
	queue            *priority.PriorityQueue
	wake             chan struct{}
	cancel           context.CancelFunc
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "live_transport"),
		pts:    frames.NewPTSGen(),
		recvCh: make(chan frames.Frame, 512),
		queue:  priority.New(cfg.AudioQueue, cfg.ImageQueue),
		wake:   make(chan struct{}, 1),
	}
}

// NewFromSettings builds a Client from a free-form settings map.
func NewFromSettings(settings map[string]any) (*Client, error) {
	if err := configutil.ValidateSettings(settings, SettingsSchema()); err != nil {
		return nil, fmt.Errorf("live transport settings: %w", err)
	}
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(cfg.URL, "transports.settings.url"); err != nil {
		return nil, err
	}
	return New(cfg), nil
}

func (c *Client) Name() string { return "live" }

func (c *Client) Recv() <-chan frames.Frame { return c.recvCh }

// Open dials the endpoint, sends the configuration snapshot and waits for
// the setup acknowledgement before declaring the session open.
func (c *Client) Open(ctx context.Context, scfg transports.SessionConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.opened.CompareAndSwap(false, true) {
		return errorsx.Wrap(errors.New("transport session already opened"), errorsx.ReasonTransportOpen)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: configutil.DurationMS(c.cfg.HandshakeTimeoutMS, 10*time.Second),
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}
	target, err := c.dialURL()
	if err != nil {
		c.failOpen(err)
		return errorsx.Wrap(err, errorsx.ReasonTransportOpen)
	}

	retry := resilience.NewRetryPolicy(c.cfg.ConnectRetries, configutil.DurationMS(c.cfg.ConnectBackoffMS, 200*time.Millisecond))
	var conn *websocket.Conn
	var status int
	dial := func() error {
		var resp *http.Response
		var dErr error
		conn, resp, dErr = dialer.DialContext(ctx, target, nil)
		if resp != nil {
			status = resp.StatusCode
		}
		return dErr
	}
	if c.cfg.ConnectRetries == 0 {
		err = dial()
	} else {
		err = retry.Do(dial)
	}
	if err != nil {
		c.failOpen(err)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return errorsx.Wrap(fmt.Errorf("endpoint rejected credentials (%d): %w", status, err), errorsx.ReasonAuth)
		}
		return errorsx.Wrap(err, errorsx.ReasonTransportOpen)
	}

	c.mu.Lock()
	c.conn = conn
	c.streamID = uuid.NewString()
	streamID := c.streamID
	c.mu.Unlock()

	if err := conn.WriteJSON(buildSetup(scfg)); err != nil {
		c.failOpen(err)
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonTransportOpen)
	}
	if err := c.awaitSetupComplete(conn); err != nil {
		c.failOpen(err)
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonTransportOpen)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(conn, streamID)
	go c.writeLoop(loopCtx, conn)

	nonBlockingSend(c.recvCh, frames.NewSystemFrame(streamID, c.pts.Next(streamID), frames.SystemSessionOpen, map[string]string{
		frames.MetaSource: "transport",
	}))
	c.logger.Info("session_open", "stream_id", streamID, "url", redactedURL(target))
	return nil
}

// Send enqueues a frame for the single writer goroutine. Audio keeps
// capture order in the high class; images ride the low class. Sends on a
// session that is not open are dropped, not errors.
func (c *Client) Send(f frames.Frame) error {
	if !c.opened.Load() || c.terminal.Load() {
		return nil
	}
	switch f.Kind() {
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		mime := af.Meta()[frames.MetaMIME]
		if mime == "" {
			mime = outboundAudioMIME
		}
		msg := clientMessage{RealtimeInput: &realtimeInput{
			Audio: &blob{MIMEType: mime, Data: pcm.MarshalWire(af.RawPayload())},
		}}
		// The wire string owns a copy now; a pooled payload can go back.
		frames.ReleaseAudioFrame(af)
		if !c.queue.TryPushHigh(msg) {
			c.logger.Warn("send_queue_full", "kind", "audio")
			return nil
		}
	case frames.KindImage:
		imf := f.(frames.ImageFrame)
		msg := clientMessage{RealtimeInput: &realtimeInput{
			Video: &blob{MIMEType: imf.MIME(), Data: pcm.MarshalWire(imf.RawPayload())},
		}}
		frames.ReleaseImageFrame(imf)
		if !c.queue.TryPushLow(msg) {
			// A stale still is worthless; skip instead of queueing a backlog.
			return nil
		}
	default:
		return nil
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close ends the session cleanly. Safe to call multiple times and from any
// goroutine, including concurrently with an in-flight Open.
func (c *Client) Close() error {
	c.finish(frames.SystemSessionClosed, nil)
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	if c.cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) awaitSetupComplete(conn *websocket.Conn) error {
	deadline := time.Now().Add(configutil.DurationMS(c.cfg.SetupTimeoutMS, 10*time.Second))
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for setup ack: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, streamID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.terminal.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(frames.SystemSessionClosed, nil)
			} else {
				c.finish(frames.SystemSessionError, err)
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("unparseable_message", "error", err.Error())
			continue
		}
		c.dispatch(msg, streamID)
	}
}

// dispatch converts one server message into frames, preserving arrival
// order. An interruption marker is surfaced before any audio carried in
// the same message so stale playback is cut before new chunks queue. A
// marker that cannot be delivered because the receive channel is full
// stays pending; until it lands, no audio frame is surfaced at all.
func (c *Client) dispatch(msg serverMessage, streamID string) {
	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted {
		c.interruptPending.Store(true)
	}
	c.flushInterrupt(streamID)
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		nonBlockingSend(c.recvCh, frames.NewTextFrame(streamID, c.pts.Next(streamID), sc.InputTranscription.Text, map[string]string{
			frames.MetaDirection: frames.DirectionUser,
		}))
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		nonBlockingSend(c.recvCh, frames.NewTextFrame(streamID, c.pts.Next(streamID), sc.OutputTranscription.Text, map[string]string{
			frames.MetaDirection: frames.DirectionModel,
		}))
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !isAudioMIME(p.InlineData.MIMEType) {
				continue
			}
			payload, err := pcm.UnmarshalWire(p.InlineData.Data)
			if err != nil {
				c.logger.Warn("undecodable_audio_payload", "error", err.Error())
				continue
			}
			if !c.flushInterrupt(streamID) {
				// Audio scheduled past an undelivered interruption would
				// play against a stale cursor. Drop it instead.
				c.logger.Warn("audio_dropped_behind_interruption")
				break
			}
			rate := parseRate(p.InlineData.MIMEType)
			nonBlockingSend(c.recvCh, frames.NewAudioFrameFromPool(streamID, c.pts.Next(streamID), payload, rate, 1, map[string]string{
				frames.MetaMIME: p.InlineData.MIMEType,
			}))
		}
	}
	if sc.TurnComplete {
		nonBlockingSend(c.recvCh, frames.NewSystemFrame(streamID, c.pts.Next(streamID), frames.SystemTurnComplete, nil))
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msg, ok := c.queue.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		if err := conn.WriteJSON(msg); err != nil {
			c.finish(frames.SystemSessionError, errorsx.Wrap(err, errorsx.ReasonTransportSend))
			return
		}
	}
}

// finish emits the terminal frame exactly once and makes the client inert.
func (c *Client) finish(name string, cause error) {
	c.termOnce.Do(func() {
		c.terminal.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		conn := c.conn
		streamID := c.streamID
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		}
		meta := map[string]string{frames.MetaSource: "transport"}
		if cause != nil {
			meta[frames.MetaError] = cause.Error()
			c.logger.Error("session_terminal", "name", name, "error", cause.Error())
		} else {
			c.logger.Info("session_terminal", "name", name)
		}
		nonBlockingSend(c.recvCh, frames.NewSystemFrame(streamID, c.pts.Next(streamID), name, meta))
		close(c.recvCh)
	})
}

// failOpen marks the client terminal without emitting a session_open; the
// caller surfaces the open error directly.
func (c *Client) failOpen(err error) {
	c.termOnce.Do(func() {
		c.terminal.Store(true)
		c.logger.Error("open_failed", "error", err.Error())
		close(c.recvCh)
	})
}

func buildSetup(scfg transports.SessionConfig) setupMessage {
	payload := setupPayload{
		Model: scfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if scfg.Voice != "" || scfg.Language != "" {
		sp := &speechConfig{LanguageCode: scfg.Language}
		if scfg.Voice != "" {
			sp.VoiceConfig = &voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: scfg.Voice}}
		}
		payload.GenerationConfig.SpeechConfig = sp
	}
	if scfg.Instruction != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: scfg.Instruction}}}
	}
	if scfg.InputTranscription {
		payload.InputAudioTranscription = &struct{}{}
	}
	if scfg.OutputTranscription {
		payload.OutputAudioTranscription = &struct{}{}
	}
	return setupMessage{Setup: payload}
}

// flushInterrupt retries delivery of a pending interruption marker.
// Reports whether no marker is pending anymore.
func (c *Client) flushInterrupt(streamID string) bool {
	if !c.interruptPending.Load() {
		return true
	}
	select {
	case c.recvCh <- frames.NewControlFrame(streamID, c.pts.Next(streamID), frames.ControlInterruption, nil):
		c.interruptPending.Store(false)
		return true
	default:
		return false
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func redactedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
