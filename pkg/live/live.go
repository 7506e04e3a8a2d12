// Package live implements the persistent duplex client for the realtime
// voice model: one WebSocket carrying microphone audio up and model audio,
// text and tool calls down, with barge-in signalled by the server.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
)

const (
	DefaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	setupTimeout = 10 * time.Second
	drainTimeout = 3 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Uplink frames carry at most 100ms of audio each.
	maxFrameMillis = 100

	audioQueueDepth = 32
	ctrlQueueDepth  = 16
	eventQueueDepth = 256
)

var ErrSessionClosed = errors.New("live: session closed")

// EventKind discriminates Event.
type EventKind int

const (
	KindAudioChunk EventKind = iota
	KindTextDelta
	KindToolCall
	KindTurnComplete
	KindInterrupted
	KindError
)

// ToolCall is a model-requested function invocation.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Event is one ordered downlink message from the model.
type Event struct {
	Kind       EventKind
	PCM        []int16 // KindAudioChunk
	SampleRate int     // KindAudioChunk
	Text       string  // KindTextDelta
	Call       *ToolCall
	Err        error // KindError
}

// ToolDecl declares one callable tool in the setup frame.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Config is everything a session needs at connect time.
type Config struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	Temperature       float64
	Tools             []ToolDecl

	// BaseURL overrides the websocket endpoint; used by tests.
	BaseURL string
}

// Client dials live sessions.
type Client struct {
	cfg Config
	log *log.Logger
}

// NewClient returns a client for the given configuration.
func NewClient(cfg Config, logger *log.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{cfg: cfg, log: logger}
}

// Connect dials the endpoint, performs the setup handshake and starts the
// uplink/downlink loops. It returns only after the server acknowledged the
// setup frame (or the handshake timed out).
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.cfg.BaseURL, c.cfg.APIKey,
	)

	dialCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}
	// Audio frames can be large-ish once base64 encoded.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		log:    c.log,
		events: make(chan Event, eventQueueDepth),
		audioQ: make(chan []byte, audioQueueDepth),
		ctrlQ:  make(chan []byte, ctrlQueueDepth),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := s.writeJSON(dialCtx, buildSetup(c.cfg)); err != nil {
		s.teardown(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("live: send setup: %w", err)
	}

	// The handshake is synchronous: nothing else is on the wire until the
	// server acknowledges.
	var ack serverMessage
	if err := s.readJSON(dialCtx, &ack); err != nil {
		s.teardown(websocket.StatusInternalError, "no setup ack")
		return nil, fmt.Errorf("live: setup ack: %w", err)
	}
	if ack.SetupComplete == nil {
		s.teardown(websocket.StatusProtocolError, "unexpected first frame")
		return nil, errors.New("live: server did not acknowledge setup")
	}

	go s.downlink()
	go s.uplink()
	go s.keepalive()

	return s, nil
}

func buildSetup(cfg Config) setupMessage {
	temp := cfg.Temperature
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				Temperature:        &temp,
			},
			// The system instruction is always present; an empty string is a
			// legal (empty) part.
			SystemInstruction:        systemInstruction{Parts: []part{{Text: cfg.SystemInstruction}}},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolBundle{{FunctionDeclarations: decls}}
	}
	return msg
}

// Session is an open duplex conversation.
type Session struct {
	conn *websocket.Conn
	log  *log.Logger

	events chan Event
	audioQ chan []byte // encoded realtimeInput frames, drop-oldest
	ctrlQ  chan []byte // tool results; never dropped

	uplinkDrops atomic.Uint64

	mu      sync.Mutex
	closing bool

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// Events returns the ordered downlink stream. The channel is closed when the
// session has fully drained (the DrainComplete signal for the router).
func (s *Session) Events() <-chan Event { return s.events }

// UplinkDrops reports how many audio frames were discarded because the send
// side was saturated.
func (s *Session) UplinkDrops() uint64 { return s.uplinkDrops.Load() }

// SendPCM enqueues microphone audio for the uplink. The chunk is split into
// frames of at most 100ms; when the queue is saturated the oldest unsent
// frame is discarded (stale audio is worse than a gap for the server VAD).
// Never blocks.
func (s *Session) SendPCM(chunk []int16, sampleRate int) error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return ErrSessionClosed
	}
	if len(chunk) == 0 {
		return nil
	}

	frameSamples := sampleRate * maxFrameMillis / 1000
	if frameSamples <= 0 {
		return fmt.Errorf("live: bad sample rate %d", sampleRate)
	}

	for off := 0; off < len(chunk); off += frameSamples {
		end := off + frameSamples
		if end > len(chunk) {
			end = len(chunk)
		}
		frame := encodeAudioFrame(chunk[off:end], sampleRate)
		for {
			select {
			case s.audioQ <- frame:
			default:
				// Saturated: drop the oldest frame and retry.
				select {
				case <-s.audioQ:
					s.uplinkDrops.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

func encodeAudioFrame(samples []int16, sampleRate int) []byte {
	raw := make([]byte, len(samples)*2)
	for i, v := range samples {
		raw[i*2] = byte(v)
		raw[i*2+1] = byte(uint16(v) >> 8)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: "audio/pcm;rate=" + strconv.Itoa(sampleRate),
				Data:     base64.StdEncoding.EncodeToString(raw),
			}},
		},
	}
	data, _ := json.Marshal(msg)
	return data
}

// SendToolResult returns a completed tool call to the model. Results are
// never dropped; the call blocks briefly if the control queue is full.
func (s *Session) SendToolResult(callID, name string, payload json.RawMessage) error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return ErrSessionClosed
	}

	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{
				ID:       callID,
				Name:     name,
				Response: payload,
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("live: marshal tool result: %w", err)
	}
	select {
	case s.ctrlQ <- data:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Close half-closes the session: the uplink stops, but downlink events keep
// flowing until the server completes the turn or the drain timeout expires.
// The Events channel closing marks the end of the drain.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		go func() {
			t := time.NewTimer(drainTimeout)
			defer t.Stop()
			select {
			case <-t.C:
				s.log.Debug("live: drain timeout, hard close")
			case <-s.ctx.Done():
			}
			s.teardown(websocket.StatusNormalClosure, "session closed")
		}()
	})
}

func (s *Session) teardown(code websocket.StatusCode, reason string) {
	s.cancel()
	_ = s.conn.Close(code, reason)
}

// uplink is the single websocket writer: it serialises audio frames and tool
// results. Tool results take priority over queued audio.
func (s *Session) uplink() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.ctrlQ:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				return
			}
		case data := <-s.audioQ:
			// Favour a pending tool result over audio.
			select {
			case ctrl := <-s.ctrlQ:
				if err := s.conn.Write(s.ctx, websocket.MessageText, ctrl); err != nil {
					return
				}
			default:
			}
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// downlink reads server frames in order and emits Events. It owns the events
// channel and closes it on exit.
func (s *Session) downlink() {
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || s.ctx.Err() != nil {
				return // expected EOS during drain or teardown
			}
			s.emit(Event{Kind: KindError, Err: fmt.Errorf("live: transport: %w", err)})
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		s.route(&msg)
	}
}

func (s *Session) route(msg *serverMessage) {
	if msg.Error != nil {
		s.emit(Event{Kind: KindError, Err: fmt.Errorf("live: server: %s", msg.Error.Message)})
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			s.emit(Event{Kind: KindToolCall, Call: &ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}})
		}
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			s.emit(Event{Kind: KindInterrupted})
			return
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil || len(raw) == 0 {
						continue
					}
					s.emit(Event{
						Kind:       KindAudioChunk,
						PCM:        bytesToPCM16(raw),
						SampleRate: rateFromMIME(p.InlineData.MIMEType),
					})
				}
				if p.Text != "" {
					s.emit(Event{Kind: KindTextDelta, Text: p.Text})
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.emit(Event{Kind: KindTextDelta, Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			s.emit(Event{Kind: KindTurnComplete})
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				// Drain finished; tear the transport down now.
				s.teardown(websocket.StatusNormalClosure, "drained")
			}
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *Session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) readJSON(ctx context.Context, v any) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func bytesToPCM16(raw []byte) []int16 {
	n := len(raw) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
	}
	return out
}

func rateFromMIME(mime string) int {
	const marker = "rate="
	if i := strings.Index(mime, marker); i >= 0 {
		if rate, err := strconv.Atoi(strings.TrimSpace(mime[i+len(marker):])); err == nil && rate > 0 {
			return rate
		}
	}
	return 24000
}
