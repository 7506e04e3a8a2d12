package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lliWcWill/maVoice-Linux/pkg/audio"
	"github.com/lliWcWill/maVoice-Linux/pkg/hotkeys"
	"github.com/lliWcWill/maVoice-Linux/pkg/live"
	"github.com/lliWcWill/maVoice-Linux/pkg/tools"
	"github.com/lliWcWill/maVoice-Linux/pkg/viz"
)

const (
	tickInterval = 20 * time.Millisecond

	// ModelThinking kicks in when audio has been quiet this long mid-turn.
	thinkingAfter = 150 * time.Millisecond

	// UserPaused: capture intensity below this for longer than this.
	pausedLevel = 0.05
	pausedAfter = 400 * time.Millisecond

	// Hard ceiling on the closing drain; the session's own drain timer is
	// shorter, this is the router's backstop.
	closingGuard = 4 * time.Second

	uplinkInterval = 50 * time.Millisecond
)

// Deps are the router's collaborators. Engine, rings and dialer are
// mandatory; Meter, Injector and Sink may be nil.
type Deps struct {
	Engine       AudioEngine
	CaptureRing  *audio.Ring
	PlaybackRing *audio.Ring
	Meter        *audio.Meter
	Dialer       LiveDialer
	Stt          Transcriber
	Tools        ToolRunner
	Injector     Injector
	Sink         EventSink
	Hotkeys      <-chan hotkeys.Event
	Log          *log.Logger
}

type connResult struct {
	session LiveSession
	err     error
}

type sttResult struct {
	text    string
	err     error
	elapsed time.Duration
}

// Router owns the AppState and is its only mutator. All inputs (hotkeys,
// live events, tool results, device errors, timers) are consumed by a
// single goroutine in Run; everything a conversation starts (dial, uplink
// pump, tool calls) is parented to the session's cancellable context so
// closing a conversation reliably reaps its children.
type Router struct {
	cfg Config
	d   Deps
	log *log.Logger

	state StateKind
	turn  TurnPhase

	// observer-facing mirrors, written by the router goroutine only
	vizMode       atomic.Int32 // viz.Mode
	stateLabel    atomic.Value // string, for health snapshots
	turnLabel     atomic.Value // string
	aiPlayingFlag atomic.Bool

	recorder *Recorder

	session       LiveSession
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	liveEvents    <-chan live.Event

	aiPlaying       bool
	modelTurnActive bool
	modelTurnDone   bool
	hadTextDelta    bool
	lastAudioAt     time.Time
	turnText        strings.Builder
	userLowSince    time.Time

	closingSince time.Time

	connCh chan connResult
	sttCh  chan sttResult
}

// NewRouter wires a router in Idle.
func NewRouter(cfg Config, d Deps) *Router {
	if d.Sink == nil {
		d.Sink = NopSink{}
	}
	if d.Log == nil {
		d.Log = log.Default()
	}
	r := &Router{
		cfg:    cfg,
		d:      d,
		log:    d.Log,
		state:  StateIdle,
		turn:   TurnUserSpeaking,
		connCh: make(chan connResult, 1),
		sttCh:  make(chan sttResult, 1),
	}
	r.vizMode.Store(int32(viz.ModeProcessing))
	r.stateLabel.Store(StateIdle.String())
	r.turnLabel.Store(TurnUserSpeaking.String())
	return r
}

// State returns the current state. Safe only from the router goroutine and
// from tests that know the loop is parked.
func (r *Router) State() StateKind { return r.state }

// Turn returns the current turn phase (same caveat as State).
func (r *Router) Turn() TurnPhase { return r.turn }

// AIPlaying reports whether model audio is still audible. Concurrency-safe.
func (r *Router) AIPlaying() bool { return r.aiPlayingFlag.Load() }

// StateLabel is a concurrency-safe state name for health snapshots.
func (r *Router) StateLabel() string { return r.stateLabel.Load().(string) }

// TurnLabel is the concurrency-safe turn phase name.
func (r *Router) TurnLabel() string { return r.turnLabel.Load().(string) }

func (r *Router) setTurn(p TurnPhase) {
	r.turn = p
	r.turnLabel.Store(p.String())
}

func (r *Router) setAIPlaying(playing bool) {
	r.aiPlaying = playing
	r.aiPlayingFlag.Store(playing)
}

// VisualizerFrame builds the per-vsync frame from the newest analyser
// snapshot. Called from the publisher goroutine; reads only atomics and the
// meter's own atomic snapshot.
func (r *Router) VisualizerFrame(elapsed time.Duration) viz.Frame {
	f := viz.Frame{
		Mode:     viz.Mode(r.vizMode.Load()),
		TSeconds: float32(elapsed.Seconds()),
	}
	if r.d.Meter != nil {
		snap := r.d.Meter.Latest()
		f.UserLevels = snap.UserLevels
		f.UserIntensity = snap.UserIntensity
		f.AILevels = snap.AILevels
		f.AIIntensity = snap.AIIntensity
	}
	return f
}

// Run consumes the merged input stream until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var engineErrs <-chan error
	if r.d.Engine != nil {
		engineErrs = r.d.Engine.Errors()
	}
	var toolResults <-chan tools.Result
	if r.d.Tools != nil {
		toolResults = r.d.Tools.Results()
	}

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return

		case ev, ok := <-r.d.Hotkeys:
			if !ok {
				r.d.Hotkeys = nil
				continue
			}
			r.handleHotkey(ev)

		case res := <-r.connCh:
			r.handleConnected(res)

		case ev, ok := <-r.liveEvents:
			if !ok {
				r.handleLiveEOS()
				continue
			}
			r.handleLive(ev)

		case res := <-toolResults:
			r.handleToolResult(res)

		case res := <-r.sttCh:
			r.handleTranscribed(res)

		case err := <-engineErrs:
			r.handleAudioError(err)

		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// ── state transitions ──

func (r *Router) setState(to StateKind) {
	if to == r.state {
		return
	}
	from := r.state
	r.state = to
	r.stateLabel.Store(to.String())

	userActive := to == StateDictating || to == StateConversationActive
	if r.d.Meter != nil {
		r.d.Meter.SetUserActive(userActive)
		if to == StateIdle {
			r.d.Meter.Reset()
		}
	}
	if userActive {
		r.vizMode.Store(int32(viz.ModeWaveform))
	} else {
		r.vizMode.Store(int32(viz.ModeProcessing))
	}

	r.log.Info("state changed", "from", from.String(), "to", to.String())
	r.d.Sink.Publish(EvStateChanged, map[string]any{"from": from.String(), "to": to.String()})
}

func (r *Router) handleHotkey(ev hotkeys.Event) {
	switch ev.Action {
	case hotkeys.ToggleDictation:
		switch r.state {
		case StateIdle:
			r.startDictation()
		case StateDictating:
			r.finishDictation()
		default:
			// Mutually exclusive with conversation; ignored elsewhere.
			r.log.Debug("dictation toggle ignored", "state", r.state.String())
		}
	case hotkeys.ToggleConversation:
		switch r.state {
		case StateIdle:
			r.openConversation()
		case StateConversationActive:
			r.closeConversation()
		default:
			r.log.Debug("conversation toggle ignored", "state", r.state.String())
		}
	}
}

func (r *Router) startDictation() {
	if !r.cfg.DictationEnabled() {
		r.emitError("config", ErrConfigMissingKey)
		return
	}
	r.d.CaptureRing.Clear()
	if err := r.d.Engine.StartCapture(r.d.CaptureRing); err != nil {
		r.emitError("audio", err)
		return
	}
	r.recorder = NewRecorder(r.d.CaptureRing, audio.CaptureRate)
	r.setState(StateDictating)
}

func (r *Router) finishDictation() {
	r.d.Engine.StopCapture()
	wav := r.recorder.Freeze()
	r.recorder = nil
	r.setState(StateTranscribing)

	go func() {
		start := time.Now()
		var (
			text string
			err  error
		)
		if len(wav.Samples) == 0 {
			err = ErrEmptyTake
		} else {
			text, err = r.d.Stt.Transcribe(context.Background(), wav)
		}
		r.sttCh <- sttResult{text: text, err: err, elapsed: time.Since(start)}
	}()
}

func (r *Router) handleTranscribed(res sttResult) {
	if r.state != StateTranscribing {
		return // stale result; the pipeline was torn down meanwhile
	}
	if res.err != nil {
		r.log.Warn("dictation failed", "err", res.err)
		reason := string(KindOf(res.err)) + ": " + res.err.Error()
		if errors.Is(res.err, ErrEmptyTake) {
			reason = "EmptyTake"
		}
		r.d.Sink.Publish(EvDictationFailed, map[string]any{"reason": reason})
		r.setState(StateIdle)
		return
	}

	r.d.Sink.Publish(EvDictationCompleted, map[string]any{
		"text": res.text,
		"ms":   res.elapsed.Milliseconds(),
	})
	if r.d.Injector != nil {
		if err := r.d.Injector.Inject(res.text); err != nil {
			// Non-fatal: the text is published either way.
			r.log.Warn("inject failed", "err", err)
			r.emitErrorEvent("inject", KindInject, err)
		}
	}
	r.setState(StateIdle)
}

func (r *Router) openConversation() {
	if !r.cfg.ConversationEnabled() {
		r.emitError("config", ErrConfigMissingKey)
		return
	}
	r.setState(StateConversationOpening)

	ctx, cancel := context.WithCancel(context.Background())
	r.sessionCtx = ctx
	r.sessionCancel = cancel

	go func() {
		session, err := r.d.Dialer.Connect(ctx)
		select {
		case r.connCh <- connResult{session: session, err: err}:
		case <-ctx.Done():
			if session != nil {
				session.Close()
			}
		}
	}()
}

// handleConnected is the SetupAcknowledged transition.
func (r *Router) handleConnected(res connResult) {
	if r.state != StateConversationOpening {
		// The user bailed while the handshake was in flight.
		if res.session != nil {
			res.session.Close()
		}
		return
	}
	if res.err != nil {
		r.sessionCancel()
		r.sessionCtx, r.sessionCancel = nil, nil
		r.emitError("live", res.err)
		r.setState(StateIdle)
		return
	}

	r.d.CaptureRing.Clear()
	r.d.PlaybackRing.Clear()
	if err := r.d.Engine.StartCapture(r.d.CaptureRing); err != nil {
		res.session.Close()
		r.sessionCancel()
		r.sessionCtx, r.sessionCancel = nil, nil
		r.emitError("audio", err)
		r.setState(StateIdle)
		return
	}
	if err := r.d.Engine.StartPlayback(r.d.PlaybackRing); err != nil {
		r.d.Engine.StopCapture()
		res.session.Close()
		r.sessionCancel()
		r.sessionCtx, r.sessionCancel = nil, nil
		r.emitError("audio", err)
		r.setState(StateIdle)
		return
	}

	r.session = res.session
	r.liveEvents = res.session.Events()
	r.resetTurnTracking()
	go r.uplinkLoop(r.sessionCtx, res.session)

	r.setState(StateConversationActive)
}

func (r *Router) closeConversation() {
	r.setState(StateConversationClosing)
	r.closingSince = time.Now()
	// Half-close: uplink stops, downlink drains until TurnComplete or EOS.
	r.d.Engine.StopCapture()
	r.session.Close()
}

// handleLiveEOS fires when the session's event channel closes: either the
// drain finished or the transport died after its error was already emitted.
func (r *Router) handleLiveEOS() {
	r.liveEvents = nil
	switch r.state {
	case StateConversationClosing, StateConversationActive, StateConversationOpening:
		r.teardownConversation()
		r.setState(StateIdle)
	}
}

func (r *Router) teardownConversation() {
	if r.sessionCancel != nil {
		r.sessionCancel()
	}
	r.sessionCtx, r.sessionCancel = nil, nil
	r.session = nil
	r.liveEvents = nil
	r.d.Engine.StopCapture()
	r.d.Engine.StopPlayback()
	r.d.PlaybackRing.Clear()
	r.setAIPlaying(false)
	r.setTurn(TurnUserSpeaking)
}

func (r *Router) resetTurnTracking() {
	r.setTurn(TurnUserSpeaking)
	r.setAIPlaying(false)
	r.modelTurnActive = false
	r.modelTurnDone = false
	r.hadTextDelta = false
	r.turnText.Reset()
	r.userLowSince = time.Time{}
}

// ── live downlink ──

func (r *Router) handleLive(ev live.Event) {
	if r.state != StateConversationActive && r.state != StateConversationClosing {
		return
	}

	switch ev.Kind {
	case live.KindAudioChunk:
		r.onModelTurnStarted()
		samples := make([]float32, len(ev.PCM))
		for i, v := range ev.PCM {
			samples[i] = float32(v) / 32767.0
		}
		r.d.PlaybackRing.Push(samples)
		if r.d.Meter != nil {
			r.d.Meter.MarkAIAudio()
		}
		r.setAIPlaying(true)
		r.setTurn(TurnModelSpeaking)
		r.lastAudioAt = time.Now()

	case live.KindTextDelta:
		r.onModelTurnStarted()
		r.hadTextDelta = true
		r.turnText.WriteString(ev.Text)
		r.d.Sink.Publish(EvLiveTextDelta, map[string]any{"s": ev.Text})

	case live.KindToolCall:
		call := *ev.Call
		r.d.Sink.Publish(EvToolCallStarted, map[string]any{
			"call_id": call.ID,
			"name":    call.Name,
			"args":    call.Args,
		})
		r.d.Tools.Dispatch(r.sessionCtx, call)

	case live.KindTurnComplete:
		r.d.Sink.Publish(EvLiveTurnCompleted, map[string]any{"full_text": r.turnText.String()})
		r.turnText.Reset()
		r.modelTurnActive = false
		r.modelTurnDone = true
		r.hadTextDelta = false
		// Mic stays live in conversation; the user may speak immediately.
		r.setTurn(TurnUserSpeaking)
		// aiPlaying clears once the playback ring drains (see tick).

	case live.KindInterrupted:
		// Barge-in: the ring must be empty within 50ms; clearing it here is
		// immediate and the playback callback reads silence from now on.
		r.d.PlaybackRing.Clear()
		r.setAIPlaying(false)
		r.modelTurnActive = false
		r.hadTextDelta = false
		r.turnText.Reset()
		r.setTurn(TurnUserSpeaking)
		r.d.Sink.Publish(EvLiveInterrupted, nil)

	case live.KindError:
		r.emitError("live", ev.Err)
		r.teardownConversation()
		r.setState(StateIdle)
	}
}

func (r *Router) onModelTurnStarted() {
	if !r.modelTurnActive {
		r.modelTurnActive = true
		r.modelTurnDone = false
		r.d.Sink.Publish(EvLiveTurnStarted, nil)
	}
}

func (r *Router) handleToolResult(res tools.Result) {
	if r.session == nil {
		// Conversation closed while the call was in flight; result dropped.
		return
	}
	if err := r.session.SendToolResult(res.CallID, res.Name, res.Payload); err != nil {
		r.log.Warn("tool result not delivered", "call", res.CallID, "err", err)
	}
	r.d.Sink.Publish(EvToolCallCompleted, map[string]any{
		"call_id":    res.CallID,
		"ok":         res.OK,
		"elapsed_ms": res.Elapsed.Milliseconds(),
		"summary":    res.Summary,
	})
}

// uplinkLoop pumps capture audio to the session until the session context
// ends. Frames are at most 100ms; the session handles saturation.
func (r *Router) uplinkLoop(ctx context.Context, session LiveSession) {
	ticker := time.NewTicker(uplinkInterval)
	defer ticker.Stop()
	scratch := make([]float32, audio.CaptureRate/5)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := r.d.CaptureRing.Read(scratch)
			if n == 0 {
				continue
			}
			pcm := audio.FloatsToPCM16(scratch[:n])
			if err := session.SendPCM(pcm, audio.CaptureRate); err != nil {
				return
			}
		}
	}
}

// ── errors ──

func (r *Router) emitError(component string, err error) {
	r.emitErrorEvent(component, KindOf(err), err)
}

func (r *Router) emitErrorEvent(component string, kind ErrorKind, err error) {
	r.log.Error("component error", "component", component, "kind", string(kind), "err", err)
	r.d.Sink.Publish(EvError, map[string]any{
		"component": component,
		"kind":      string(kind),
		"message":   err.Error(),
	})
}

func (r *Router) handleAudioError(err error) {
	r.emitErrorEvent("audio", KindAudioDevice, err)
	switch {
	case r.state == StateDictating:
		r.d.Engine.StopCapture()
		r.recorder = nil // take discarded, never leaked
		r.setState(StateIdle)
	case r.state.InConversation():
		if r.session != nil {
			r.session.Close()
		}
		r.teardownConversation()
		r.setState(StateIdle)
	}
}

// ── periodic work ──

func (r *Router) tick(now time.Time) {
	switch r.state {
	case StateDictating:
		if r.recorder.Drain() {
			r.log.Info("take reached maximum length, forcing stop")
			r.finishDictation()
		}

	case StateConversationActive:
		r.deriveTurnPhase(now)
		if r.modelTurnDone && r.d.PlaybackRing.Len() == 0 {
			r.setAIPlaying(false)
		}

	case StateConversationClosing:
		if now.Sub(r.closingSince) > closingGuard {
			r.log.Warn("conversation drain overdue, forcing teardown")
			r.teardownConversation()
			r.setState(StateIdle)
		}
	}
}

func (r *Router) deriveTurnPhase(now time.Time) {
	// ModelThinking: the model went quiet mid-turn after having said
	// something, but has not completed the turn.
	if r.modelTurnActive && r.hadTextDelta &&
		!r.lastAudioAt.IsZero() && now.Sub(r.lastAudioAt) > thinkingAfter &&
		r.d.PlaybackRing.Len() == 0 {
		r.setTurn(TurnModelThinking)
	}

	if r.turn == TurnModelSpeaking || r.turn == TurnModelThinking {
		r.userLowSince = time.Time{}
		return
	}

	// UserPaused: sustained low capture level while the model is silent.
	if r.d.Meter == nil {
		return
	}
	snap := r.d.Meter.Latest()
	if snap.UserIntensity < pausedLevel {
		if r.userLowSince.IsZero() {
			r.userLowSince = now
		} else if now.Sub(r.userLowSince) > pausedAfter {
			r.setTurn(TurnUserPaused)
		}
	} else {
		r.userLowSince = time.Time{}
		r.setTurn(TurnUserSpeaking)
	}
}

// shutdown runs on context cancellation: everything stops, nothing leaks.
func (r *Router) shutdown() {
	switch {
	case r.state == StateDictating:
		r.d.Engine.StopCapture()
		r.recorder = nil
	case r.state.InConversation():
		if r.session != nil {
			r.session.Close()
		}
		r.teardownConversation()
	}
	r.setState(StateIdle)
}
