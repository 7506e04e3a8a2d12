package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lliWcWill/maVoice-Linux/pkg/audio"
	"github.com/lliWcWill/maVoice-Linux/pkg/hotkeys"
	"github.com/lliWcWill/maVoice-Linux/pkg/live"
	"github.com/lliWcWill/maVoice-Linux/pkg/tools"
)

// ── fakes ──

type fakeEngine struct {
	mu             sync.Mutex
	captureStarts  int
	captureStops   int
	playbackStarts int
	playbackStops  int
	errs           chan error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{errs: make(chan error, 4)}
}

func (e *fakeEngine) StartCapture(*audio.Ring) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captureStarts++
	return nil
}

func (e *fakeEngine) StopCapture() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captureStops++
}

func (e *fakeEngine) StartPlayback(*audio.Ring) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playbackStarts++
	return nil
}

func (e *fakeEngine) StopPlayback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playbackStops++
}

func (e *fakeEngine) Errors() <-chan error { return e.errs }

func (e *fakeEngine) counts() (int, int, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.captureStarts, e.captureStops, e.playbackStarts, e.playbackStops
}

type sentToolResult struct {
	callID  string
	name    string
	payload json.RawMessage
}

type fakeSession struct {
	events chan live.Event

	mu          sync.Mutex
	toolResults []sentToolResult
	pcm         [][]int16
	closed      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan live.Event, 512)}
}

func (s *fakeSession) SendPCM(chunk []int16, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int16, len(chunk))
	copy(cp, chunk)
	s.pcm = append(s.pcm, cp)
	return nil
}

func (s *fakeSession) SendToolResult(callID, name string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults = append(s.toolResults, sentToolResult{callID, name, payload})
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *fakeSession) Events() <-chan live.Event { return s.events }
func (s *fakeSession) UplinkDrops() uint64       { return 0 }

func (s *fakeSession) sentResults() []sentToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentToolResult, len(s.toolResults))
	copy(out, s.toolResults)
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (d *fakeDialer) Connect(ctx context.Context) (LiveSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) latest() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type sinkEvent struct {
	typ     string
	payload any
}

type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordSink) Publish(typ string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{typ, payload})
}

func (s *recordSink) all() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordSink) count(typ string) int {
	n := 0
	for _, ev := range s.all() {
		if ev.typ == typ {
			n++
		}
	}
	return n
}

func (s *recordSink) last(typ string) (any, bool) {
	evs := s.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].typ == typ {
			return evs[i].payload, true
		}
	}
	return nil, false
}

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
	wavs []*audio.WavBuffer
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wav *audio.WavBuffer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wavs = append(f.wavs, wav)
	return f.text, f.err
}

type fakeInjector struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeInjector) Inject(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

func (f *fakeInjector) injected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeTools struct {
	mu      sync.Mutex
	calls   []live.ToolCall
	ctxs    []context.Context
	results chan tools.Result
}

func newFakeTools() *fakeTools {
	return &fakeTools{results: make(chan tools.Result, 16)}
}

func (f *fakeTools) Dispatch(ctx context.Context, call live.ToolCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.ctxs = append(f.ctxs, ctx)
}

func (f *fakeTools) Results() <-chan tools.Result { return f.results }

func (f *fakeTools) dispatched() []live.ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]live.ToolCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// ── harness ──

type harness struct {
	router       *Router
	hotkeyCh     chan hotkeys.Event
	engine       *fakeEngine
	dialer       *fakeDialer
	sink         *recordSink
	injector     *fakeInjector
	stt          *fakeTranscriber
	toolRunner   *fakeTools
	captureRing  *audio.Ring
	playbackRing *audio.Ring
	cancel       context.CancelFunc
}

func testRouterConfig() Config {
	return Config{
		SttAPIKey:  "stt-key",
		LiveAPIKey: "live-key",
		SttModel:   "whisper-large-v3-turbo",
		Language:   "en",
		VoiceName:  "Puck",
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		hotkeyCh:     make(chan hotkeys.Event, 16),
		engine:       newFakeEngine(),
		dialer:       &fakeDialer{},
		sink:         &recordSink{},
		injector:     &fakeInjector{},
		stt:          &fakeTranscriber{text: "hello world"},
		toolRunner:   newFakeTools(),
		captureRing:  audio.NewRing(audio.CaptureRate * 2),
		playbackRing: audio.NewRing(audio.PlaybackRate * 2),
	}
	h.router = NewRouter(cfg, Deps{
		Engine:       h.engine,
		CaptureRing:  h.captureRing,
		PlaybackRing: h.playbackRing,
		Dialer:       h.dialer,
		Stt:          h.stt,
		Tools:        h.toolRunner,
		Injector:     h.injector,
		Sink:         h.sink,
		Hotkeys:      h.hotkeyCh,
		Log:          log.New(io.Discard),
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.router.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func (h *harness) press(a hotkeys.Action) {
	h.hotkeyCh <- hotkeys.Event{Action: a, At: time.Now()}
}

func (h *harness) waitState(t *testing.T, label string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.router.StateLabel() == label
	}, 2*time.Second, 2*time.Millisecond, "waiting for state %s (now %s)", label, h.router.StateLabel())
}

func (h *harness) openConversation(t *testing.T) *fakeSession {
	t.Helper()
	h.press(hotkeys.ToggleConversation)
	h.waitState(t, "ConversationActive")
	return h.dialer.latest()
}

// ── dictation scenarios ──

func TestDictationHappyPath(t *testing.T) {
	h := newHarness(t, testRouterConfig())

	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Dictating")

	h.captureRing.Push(make([]float32, audio.CaptureRate/2))

	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Idle")

	require.Equal(t, []string{"hello world"}, h.injector.injected())

	payload, ok := h.sink.last(EvDictationCompleted)
	require.True(t, ok)
	require.Equal(t, "hello world", payload.(map[string]any)["text"])

	// The full expected transition trail.
	var trail []string
	for _, ev := range h.sink.all() {
		if ev.typ == EvStateChanged {
			p := ev.payload.(map[string]any)
			trail = append(trail, p["from"].(string)+"->"+p["to"].(string))
		}
	}
	require.Equal(t, []string{"Idle->Dictating", "Dictating->Transcribing", "Transcribing->Idle"}, trail)
}

func TestDictationEmptyTakeFails(t *testing.T) {
	h := newHarness(t, testRouterConfig())

	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Dictating")
	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Idle")

	require.Equal(t, 1, h.sink.count(EvDictationFailed))
	require.Empty(t, h.injector.injected())

	payload, _ := h.sink.last(EvDictationFailed)
	require.Equal(t, "EmptyTake", payload.(map[string]any)["reason"])
}

func TestDictationTranscriberReceivesTake(t *testing.T) {
	h := newHarness(t, testRouterConfig())

	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Dictating")
	h.captureRing.Push([]float32{0.1, 0.2, 0.3, 0.4})
	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Idle")

	h.stt.mu.Lock()
	defer h.stt.mu.Unlock()
	require.Len(t, h.stt.wavs, 1)
	require.Equal(t, audio.CaptureRate, h.stt.wavs[0].SampleRate)
	require.Equal(t, 4, len(h.stt.wavs[0].Samples))
}

func TestDictationInjectErrorNonFatal(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	h.injector.err = fmt.Errorf("no paste primitive")

	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Dictating")
	h.captureRing.Push(make([]float32, 100))
	h.press(hotkeys.ToggleDictation)
	h.waitState(t, "Idle")

	// The completion event is published even though injection failed.
	require.Equal(t, 1, h.sink.count(EvDictationCompleted))
	require.Equal(t, 1, h.sink.count(EvError))
	payload, _ := h.sink.last(EvError)
	require.Equal(t, string(KindInject), payload.(map[string]any)["kind"])
}

func TestDictationDisabledWithoutKey(t *testing.T) {
	cfg := testRouterConfig()
	cfg.SttAPIKey = ""
	h := newHarness(t, cfg)

	h.press(hotkeys.ToggleDictation)

	require.Eventually(t, func() bool { return h.sink.count(EvError) == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, "Idle", h.router.StateLabel())
	payload, _ := h.sink.last(EvError)
	require.Equal(t, string(KindConfig), payload.(map[string]any)["kind"])
}

// ── conversation scenarios ──

func TestConversationOpenAndClose(t *testing.T) {
	h := newHarness(t, testRouterConfig())

	session := h.openConversation(t)
	require.NotNil(t, session)

	starts, _, playStarts, _ := h.engine.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, playStarts)

	h.press(hotkeys.ToggleConversation)
	// The fake session closes its event channel immediately on Close, which
	// is the drain-complete signal.
	h.waitState(t, "Idle")

	_, stops, _, playStops := h.engine.counts()
	require.GreaterOrEqual(t, stops, 1)
	require.Equal(t, 1, playStops)
}

func TestConversationToolCallRoundTrip(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	session := h.openConversation(t)

	session.events <- live.Event{Kind: live.KindToolCall, Call: &live.ToolCall{
		ID:   "t1",
		Name: "run_command",
		Args: json.RawMessage(`{"command":"echo hi"}`),
	}}

	require.Eventually(t, func() bool { return len(h.toolRunner.dispatched()) == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, 1, h.sink.count(EvToolCallStarted))

	// Tool finishes; the router forwards the payload to the session.
	h.toolRunner.results <- tools.Result{
		CallID:  "t1",
		Name:    "run_command",
		OK:      true,
		Payload: json.RawMessage(`{"ok":true,"data":{"stdout":"hi\n","exit_code":0}}`),
		Elapsed: 40 * time.Millisecond,
	}

	require.Eventually(t, func() bool { return len(session.sentResults()) == 1 }, time.Second, 2*time.Millisecond)
	sent := session.sentResults()[0]
	require.Equal(t, "t1", sent.callID)
	require.Equal(t, "run_command", sent.name)
	require.Contains(t, string(sent.payload), `"stdout":"hi\n"`)
	require.Equal(t, 1, h.sink.count(EvToolCallCompleted))
}

func TestConversationBargeIn(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	session := h.openConversation(t)

	chunk := make([]int16, 2400) // 100ms @24k
	for i := 0; i < 200; i++ {
		session.events <- live.Event{Kind: live.KindAudioChunk, PCM: chunk, SampleRate: 24000}
	}
	require.Eventually(t, func() bool { return h.router.AIPlaying() }, time.Second, time.Millisecond)
	require.Greater(t, h.playbackRing.Len(), 0)

	session.events <- live.Event{Kind: live.KindInterrupted}

	require.Eventually(t, func() bool {
		return h.playbackRing.Len() == 0 && !h.router.AIPlaying()
	}, 50*time.Millisecond, time.Millisecond, "playback ring must be empty within 50ms of the interrupt")
	require.Equal(t, "UserSpeaking", h.router.TurnLabel())
	require.Equal(t, 1, h.sink.count(EvLiveInterrupted))
}

func TestConversationTurnLifecycle(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	session := h.openConversation(t)

	session.events <- live.Event{Kind: live.KindAudioChunk, PCM: make([]int16, 240), SampleRate: 24000}
	session.events <- live.Event{Kind: live.KindTextDelta, Text: "hello "}
	session.events <- live.Event{Kind: live.KindTextDelta, Text: "there"}

	require.Eventually(t, func() bool { return h.router.TurnLabel() == "ModelSpeaking" }, time.Second, time.Millisecond)
	require.True(t, h.router.AIPlaying())

	session.events <- live.Event{Kind: live.KindTurnComplete}

	require.Eventually(t, func() bool { return h.sink.count(EvLiveTurnCompleted) == 1 }, time.Second, 2*time.Millisecond)
	payload, _ := h.sink.last(EvLiveTurnCompleted)
	require.Equal(t, "hello there", payload.(map[string]any)["full_text"])

	// Once the playback ring drains, aiPlaying clears.
	dst := make([]float32, 512)
	for h.playbackRing.Len() > 0 {
		h.playbackRing.Read(dst)
	}
	require.Eventually(t, func() bool { return !h.router.AIPlaying() }, time.Second, 2*time.Millisecond)
	require.Equal(t, "UserSpeaking", h.router.TurnLabel())

	require.Equal(t, 1, h.sink.count(EvLiveTurnStarted))
	require.Equal(t, 2, h.sink.count(EvLiveTextDelta))
}

func TestConversationTransportErrorRecovers(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	session := h.openConversation(t)

	session.events <- live.Event{Kind: live.KindError, Err: fmt.Errorf("live: transport: connection reset")}
	h.waitState(t, "Idle")

	payload, ok := h.sink.last(EvError)
	require.True(t, ok)
	require.Equal(t, "live", payload.(map[string]any)["component"])
	require.Equal(t, string(KindNetwork), payload.(map[string]any)["kind"])

	_, stops, _, playStops := h.engine.counts()
	require.GreaterOrEqual(t, stops, 1)
	require.GreaterOrEqual(t, playStops, 1)

	// A fresh press starts a brand-new session.
	h.openConversation(t)
	require.Equal(t, 2, h.dialer.calls())
}

func TestModeExclusivity(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	h.openConversation(t)

	starts, _, _, _ := h.engine.counts()
	h.press(hotkeys.ToggleDictation) // must be ignored

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, "ConversationActive", h.router.StateLabel())
	nowStarts, _, _, _ := h.engine.counts()
	require.Equal(t, starts, nowStarts)
}

func TestConversationDisabledWithoutKey(t *testing.T) {
	cfg := testRouterConfig()
	cfg.LiveAPIKey = ""
	h := newHarness(t, cfg)

	h.press(hotkeys.ToggleConversation)
	require.Eventually(t, func() bool { return h.sink.count(EvError) == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, "Idle", h.router.StateLabel())
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	h.dialer.err = fmt.Errorf("live: dial: connection refused")

	h.press(hotkeys.ToggleConversation)
	h.waitState(t, "Idle")

	payload, _ := h.sink.last(EvError)
	require.Equal(t, string(KindNetwork), payload.(map[string]any)["kind"])
}

func TestAudioErrorMidConversation(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	h.openConversation(t)

	h.engine.errs <- fmt.Errorf("audio: capture device stopped unexpectedly")
	h.waitState(t, "Idle")

	payload, _ := h.sink.last(EvError)
	require.Equal(t, string(KindAudioDevice), payload.(map[string]any)["kind"])
}

func TestUplinkPumpsCaptureToSession(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	session := h.openConversation(t)

	h.captureRing.Push([]float32{0.5, -0.5, 0.25})

	require.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.pcm) > 0
	}, time.Second, 5*time.Millisecond)

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Equal(t, int16(16384), session.pcm[0][0]) // 0.5 on the s16 grid
}

// ── the state machine never leaves the legal variant set ──

func TestStateMachineProperty(t *testing.T) {
	legal := map[string]bool{
		"Idle->Dictating":                          true,
		"Dictating->Transcribing":                  true,
		"Transcribing->Idle":                       true,
		"Idle->ConversationOpening":                true,
		"ConversationOpening->ConversationActive":  true,
		"ConversationOpening->Idle":                true,
		"ConversationActive->ConversationClosing":  true,
		"ConversationActive->Idle":                 true,
		"ConversationClosing->Idle":                true,
	}
	states := map[string]bool{
		"Idle": true, "Dictating": true, "Transcribing": true,
		"ConversationOpening": true, "ConversationActive": true, "ConversationClosing": true,
	}

	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, testRouterConfig())
		defer h.cancel()

		n := rapid.IntRange(1, 12).Draw(rt, "presses")
		for i := 0; i < n; i++ {
			action := rapid.SampledFrom([]hotkeys.Action{
				hotkeys.ToggleDictation, hotkeys.ToggleConversation,
			}).Draw(rt, "action")
			h.press(action)

			// Let transient states settle; every stable observation must be a
			// legal variant.
			require.Eventually(t, func() bool {
				s := h.router.StateLabel()
				return s == "Idle" || s == "Dictating" || s == "ConversationActive"
			}, 2*time.Second, time.Millisecond)
			if !states[h.router.StateLabel()] {
				rt.Fatalf("illegal state %q", h.router.StateLabel())
			}
		}

		for _, ev := range h.sink.all() {
			if ev.typ != EvStateChanged {
				continue
			}
			p := ev.payload.(map[string]any)
			edge := p["from"].(string) + "->" + p["to"].(string)
			if !legal[edge] {
				rt.Fatalf("illegal transition %s", edge)
			}
		}
	})
}

// ── closing the conversation abandons in-flight tool calls ──

func TestCloseCancelsToolContexts(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	session := h.openConversation(t)

	session.events <- live.Event{Kind: live.KindToolCall, Call: &live.ToolCall{
		ID: "t9", Name: "run_command", Args: json.RawMessage(`{"command":"sleep 60"}`),
	}}
	require.Eventually(t, func() bool { return len(h.toolRunner.dispatched()) == 1 }, time.Second, 2*time.Millisecond)

	h.press(hotkeys.ToggleConversation)
	h.waitState(t, "Idle")

	h.toolRunner.mu.Lock()
	toolCtx := h.toolRunner.ctxs[0]
	h.toolRunner.mu.Unlock()
	require.Eventually(t, func() bool { return toolCtx.Err() != nil }, time.Second, 2*time.Millisecond,
		"tool context must be cancelled when the conversation closes")
}

func TestTurnPhaseModelThinking(t *testing.T) {
	h := newHarness(t, testRouterConfig())
	session := h.openConversation(t)

	session.events <- live.Event{Kind: live.KindAudioChunk, PCM: make([]int16, 240), SampleRate: 24000}
	session.events <- live.Event{Kind: live.KindTextDelta, Text: "let me think"}
	require.Eventually(t, func() bool { return h.router.TurnLabel() == "ModelSpeaking" }, time.Second, time.Millisecond)

	// Drain playback and let the 150ms audio-quiet threshold pass with the
	// turn still open.
	dst := make([]float32, 512)
	for h.playbackRing.Len() > 0 {
		h.playbackRing.Read(dst)
	}
	require.Eventually(t, func() bool {
		return h.router.TurnLabel() == "ModelThinking"
	}, time.Second, 5*time.Millisecond)
}
