package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/lliWcWill/maVoice-Linux/pkg/audio"
	"github.com/lliWcWill/maVoice-Linux/pkg/live"
	"github.com/lliWcWill/maVoice-Linux/pkg/tools"
)

// Mode selects which pipeline a hotkey session starts in.
type Mode string

const (
	ModeDictation    Mode = "Dictation"
	ModeConversation Mode = "Conversation"
)

// Config is the router's immutable configuration, fully populated by the
// config layer before the router starts.
type Config struct {
	SttAPIKey  string
	LiveAPIKey string

	SttModel string
	Language string

	InitialMode Mode

	VoiceName         string
	SystemInstruction string
	Temperature       float64

	// Dictionary is free-form priming text forwarded to the recogniser.
	Dictionary string
}

// DictationEnabled reports whether the dictation path is usable.
func (c Config) DictationEnabled() bool { return c.SttAPIKey != "" }

// ConversationEnabled reports whether the live path is usable.
func (c Config) ConversationEnabled() bool { return c.LiveAPIKey != "" }

// Transcriber turns a finished take into text. The concrete client carries
// the model/language/dictionary options.
type Transcriber interface {
	Transcribe(ctx context.Context, wav *audio.WavBuffer) (string, error)
}

// LiveSession is the router's handle on an open duplex conversation. The
// router owns its lifetime; everything else sees only events.
type LiveSession interface {
	SendPCM(chunk []int16, sampleRate int) error
	SendToolResult(callID, name string, payload json.RawMessage) error
	Close()
	Events() <-chan live.Event
	UplinkDrops() uint64
}

// LiveDialer opens live sessions.
type LiveDialer interface {
	Connect(ctx context.Context) (LiveSession, error)
}

// ToolRunner executes model-requested tool calls and reports completions.
type ToolRunner interface {
	Dispatch(ctx context.Context, call live.ToolCall)
	Results() <-chan tools.Result
}

// Injector places transcribed text at the focused cursor. Failures are
// non-fatal; the dictation result is still published.
type Injector interface {
	Inject(text string) error
}

// AudioEngine abstracts the device layer so the router can be exercised
// without real hardware.
type AudioEngine interface {
	StartCapture(ring *audio.Ring) error
	StopCapture()
	StartPlayback(ring *audio.Ring) error
	StopPlayback()
	Errors() <-chan error
}

// EventSink receives the typed event stream for broadcast. Delivery is
// best-effort; implementations must never block the router.
type EventSink interface {
	Publish(typ string, payload any)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(string, any) {}

// Event type names on the dashboard wire.
const (
	EvStateChanged       = "StateChanged"
	EvDictationCompleted = "DictationCompleted"
	EvDictationFailed    = "DictationFailed"
	EvLiveTurnStarted    = "LiveTurnStarted"
	EvLiveTextDelta      = "LiveTextDelta"
	EvLiveTurnCompleted  = "LiveTurnCompleted"
	EvLiveInterrupted    = "LiveInterrupted"
	EvToolCallStarted    = "ToolCallStarted"
	EvToolCallCompleted  = "ToolCallCompleted"
	EvError              = "Error"
)
