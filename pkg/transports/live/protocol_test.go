package live

import (
	"net/url"
	"testing"

	"github.com/quellaria/voxline/pkg/frames"
	"github.com/quellaria/voxline/pkg/pcm"
	"github.com/quellaria/voxline/pkg/transports"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm;rate=16000", 16000},
		{"audio/pcm", defaultInboundRate},
		{"audio/pcm;rate=bogus", defaultInboundRate},
		{"", defaultInboundRate},
	}
	for _, c := range cases {
		if got := parseRate(c.mime); got != c.want {
			t.Fatalf("parseRate(%q) = %d, want %d", c.mime, got, c.want)
		}
	}
}

func TestBuildSetup(t *testing.T) {
	msg := buildSetup(transports.SessionConfig{
		Model:               "models/test",
		Voice:               "Aoede",
		Language:            "en-US",
		Instruction:         "be brief",
		OutputTranscription: true,
	})
	p := msg.Setup
	if p.Model != "models/test" {
		t.Fatalf("model %q", p.Model)
	}
	if len(p.GenerationConfig.ResponseModalities) != 1 || p.GenerationConfig.ResponseModalities[0] != "AUDIO" {
		t.Fatalf("modalities %v", p.GenerationConfig.ResponseModalities)
	}
	sp := p.GenerationConfig.SpeechConfig
	if sp == nil || sp.LanguageCode != "en-US" {
		t.Fatalf("speech config %+v", sp)
	}
	if sp.VoiceConfig == nil || sp.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
		t.Fatalf("voice config %+v", sp.VoiceConfig)
	}
	if p.SystemInstruction == nil || p.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("instruction %+v", p.SystemInstruction)
	}
	if p.OutputAudioTranscription == nil || p.InputAudioTranscription != nil {
		t.Fatalf("transcription flags in=%v out=%v", p.InputAudioTranscription, p.OutputAudioTranscription)
	}
}

func TestBuildSetupMinimal(t *testing.T) {
	p := buildSetup(transports.SessionConfig{Model: "m"}).Setup
	if p.GenerationConfig.SpeechConfig != nil {
		t.Fatalf("unexpected speech config")
	}
	if p.SystemInstruction != nil {
		t.Fatalf("unexpected instruction")
	}
}

func TestDispatchEmitsInterruptionBeforeAudio(t *testing.T) {
	c := New(Config{URL: "wss://example.invalid"})
	msg := serverMessage{ServerContent: &serverContent{
		Interrupted: true,
		ModelTurn: &content{Parts: []part{
			{InlineData: &blob{MIMEType: "audio/pcm;rate=24000", Data: pcm.MarshalWire([]byte{0, 1, 0, 1})}},
		}},
		TurnComplete: true,
	}}
	c.dispatch(msg, "stream-1")

	first := <-c.recvCh
	if cf, ok := first.(frames.ControlFrame); !ok || cf.Code() != frames.ControlInterruption {
		t.Fatalf("first frame %T, want interruption control", first)
	}
	second := <-c.recvCh
	af, ok := second.(frames.AudioFrame)
	if !ok {
		t.Fatalf("second frame %T, want audio", second)
	}
	if af.Rate() != 24000 || len(af.RawPayload()) != 4 {
		t.Fatalf("audio rate=%d len=%d", af.Rate(), len(af.RawPayload()))
	}
	third := <-c.recvCh
	if sf, ok := third.(frames.SystemFrame); !ok || sf.Name() != frames.SystemTurnComplete {
		t.Fatalf("third frame %T, want turn_complete", third)
	}
}

func TestInterruptionSurvivesFullReceiveChannel(t *testing.T) {
	c := New(Config{URL: "wss://example.invalid"})
	for i := 0; i < cap(c.recvCh); i++ {
		c.recvCh <- frames.NewSystemFrame("stream-1", int64(i), frames.SystemTurnComplete, nil)
	}

	// The marker cannot land yet; it must stay pending, not vanish.
	c.dispatch(serverMessage{ServerContent: &serverContent{Interrupted: true}}, "stream-1")

	// Audio dispatched while the marker is still pending is dropped, never
	// surfaced ahead of it.
	audio := serverMessage{ServerContent: &serverContent{
		ModelTurn: &content{Parts: []part{
			{InlineData: &blob{MIMEType: "audio/pcm;rate=24000", Data: pcm.MarshalWire([]byte{0, 1, 0, 1})}},
		}},
	}}
	c.dispatch(audio, "stream-1")

	for i := 0; i < cap(c.recvCh); i++ {
		f := <-c.recvCh
		if _, ok := f.(frames.AudioFrame); ok {
			t.Fatalf("audio surfaced before the interruption marker")
		}
	}
	select {
	case f := <-c.recvCh:
		t.Fatalf("unexpected frame %T behind the backlog", f)
	default:
	}

	// With room again, the next audio dispatch flushes the marker first.
	c.dispatch(audio, "stream-1")
	first := <-c.recvCh
	if cf, ok := first.(frames.ControlFrame); !ok || cf.Code() != frames.ControlInterruption {
		t.Fatalf("first frame after drain %T, want interruption control", first)
	}
	second := <-c.recvCh
	if _, ok := second.(frames.AudioFrame); !ok {
		t.Fatalf("second frame after drain %T, want audio", second)
	}
}

func TestDispatchTranscriptions(t *testing.T) {
	c := New(Config{URL: "wss://example.invalid"})
	msg := serverMessage{ServerContent: &serverContent{
		InputTranscription:  &transcription{Text: "hi"},
		OutputTranscription: &transcription{Text: "hello"},
	}}
	c.dispatch(msg, "stream-1")

	in := (<-c.recvCh).(frames.TextFrame)
	if in.Text() != "hi" || in.Meta()[frames.MetaDirection] != frames.DirectionUser {
		t.Fatalf("input transcription %q dir %q", in.Text(), in.Meta()[frames.MetaDirection])
	}
	out := (<-c.recvCh).(frames.TextFrame)
	if out.Text() != "hello" || out.Meta()[frames.MetaDirection] != frames.DirectionModel {
		t.Fatalf("output transcription %q dir %q", out.Text(), out.Meta()[frames.MetaDirection])
	}
}

func TestSendBeforeOpenIsNoop(t *testing.T) {
	c := New(Config{URL: "wss://example.invalid"})
	if err := c.Send(frames.NewAudioFrame("s", 1, []byte{0, 0}, 16000, 1, nil)); err != nil {
		t.Fatalf("send before open: %v", err)
	}
	if _, ok := c.queue.TryPop(); ok {
		t.Fatalf("frame queued before open")
	}
}

func TestRedactedURLMasksKey(t *testing.T) {
	got := redactedURL("wss://host/path?key=secret&x=1")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse %q: %v", got, err)
	}
	if u.Query().Get("key") != "***" {
		t.Fatalf("key not masked in %q", got)
	}
	if u.Query().Get("x") != "1" {
		t.Fatalf("other params mangled in %q", got)
	}
}
