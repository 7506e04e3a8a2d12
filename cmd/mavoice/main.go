package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lliWcWill/maVoice-Linux/pkg/audio"
	"github.com/lliWcWill/maVoice-Linux/pkg/config"
	"github.com/lliWcWill/maVoice-Linux/pkg/dashboard"
	"github.com/lliWcWill/maVoice-Linux/pkg/hotkeys"
	"github.com/lliWcWill/maVoice-Linux/pkg/inject"
	"github.com/lliWcWill/maVoice-Linux/pkg/live"
	"github.com/lliWcWill/maVoice-Linux/pkg/memory"
	"github.com/lliWcWill/maVoice-Linux/pkg/orchestrator"
	"github.com/lliWcWill/maVoice-Linux/pkg/stt"
	"github.com/lliWcWill/maVoice-Linux/pkg/tools"
	"github.com/lliWcWill/maVoice-Linux/pkg/viz"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	})

	if err := run(logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger) error {
	cfgPath := os.Getenv("MAVOICE_CONFIG")
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	cfg, extras, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if !cfg.DictationEnabled() && !cfg.ConversationEnabled() {
		return errors.New("config: no usable api key; both modes disabled")
	}
	if !cfg.DictationEnabled() {
		logger.Warn("stt_api_key missing, dictation disabled")
	}
	if !cfg.ConversationEnabled() {
		logger.Warn("live_api_key missing, conversation disabled")
	}

	// Audio device failure at startup is fatal by policy.
	engine, err := audio.NewEngine(logger.WithPrefix("audio"))
	if err != nil {
		return err
	}
	defer engine.Close()

	captureRing := audio.NewRing(audio.CaptureRate)       // ≥1s of mic audio
	playbackRing := audio.NewRing(audio.PlaybackRate * 2) // ≈2s of model audio
	meter := audio.NewMeter(captureRing, playbackRing, audio.CaptureRate, audio.PlaybackRate)

	var store tools.MemoryStore
	if s, err := memory.Open(extras.MemoryPath); err != nil {
		logger.Error("memory store unavailable, memory tools will fail", "err", err)
		store = unavailableMemory{}
	} else {
		store = s
		defer s.Close()
	}

	dispatcher := tools.NewDispatcher(store, tools.Options{
		SubagentCommand: extras.SubagentCommand,
		AnthropicAPIKey: extras.AnthropicAPIKey,
	}, logger.WithPrefix("tools"))

	liveClient := live.NewClient(live.Config{
		APIKey:            cfg.LiveAPIKey,
		Voice:             cfg.VoiceName,
		SystemInstruction: cfg.SystemInstruction,
		Temperature:       cfg.Temperature,
		Tools:             tools.Declarations(),
	}, logger.WithPrefix("live"))

	sttClient := stt.New(cfg.SttAPIKey, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The dashboard doubles as the health surface; it sees the router
	// through an atomic pointer because each needs the other at startup.
	var routerRef atomic.Pointer[orchestrator.Router]
	dash := dashboard.NewServer(extras.DashboardAddr, logger.WithPrefix("dashboard"), func() any {
		snap := map[string]any{
			"playback_underruns": playbackRing.Underruns(),
			"playback_drops":     playbackRing.Drops(),
			"capture_drops":      captureRing.Drops(),
		}
		if r := routerRef.Load(); r != nil {
			snap["state"] = r.StateLabel()
			snap["turn"] = r.TurnLabel()
			snap["ai_playing"] = r.AIPlaying()
		}
		return snap
	})
	var sink orchestrator.EventSink = dash
	if err := dash.Start(); err != nil {
		// The overlay works without a dashboard; log and move on.
		logger.Warn("dashboard disabled", "err", err)
		sink = orchestrator.NopSink{}
	} else {
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			dash.Shutdown(shutdownCtx)
			done()
		}()
	}

	// Hotkey events and synthetic startup events share one channel.
	hotkeyCh := make(chan hotkeys.Event, 16)
	registrar := hotkeys.NewRegistrar(logger.WithPrefix("hotkeys"))
	registrar.RegisterAll(hotkeys.DefaultBindings())
	defer registrar.Close()
	go func() {
		for {
			select {
			case ev := <-registrar.Events():
				select {
				case hotkeyCh <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	router := orchestrator.NewRouter(cfg, orchestrator.Deps{
		Engine:       engine,
		CaptureRing:  captureRing,
		PlaybackRing: playbackRing,
		Meter:        meter,
		Dialer:       liveDialer{client: liveClient},
		Stt: sttTranscriber{client: sttClient, opts: stt.Options{
			Model:       cfg.SttModel,
			Language:    cfg.Language,
			Temperature: cfg.Temperature,
			Prompt:      cfg.Dictionary,
		}},
		Tools:    dispatcher,
		Injector: inject.New(logger.WithPrefix("inject")),
		Sink:     sink,
		Hotkeys:  hotkeyCh,
		Log:      logger.WithPrefix("router"),
	})
	routerRef.Store(router)

	go meter.Run(ctx)
	go router.Run(ctx)

	// Shader frame publishing at display cadence; the external surfaces read
	// through the triple buffer.
	frames := viz.NewTripleBuffer()
	publisher := viz.NewPublisher(frames, 0, router.VisualizerFrame)
	go publisher.Run(ctx)

	if cfg.InitialMode == orchestrator.ModeConversation && cfg.ConversationEnabled() {
		hotkeyCh <- hotkeys.Event{Action: hotkeys.ToggleConversation, At: time.Now()}
	}

	logger.Info("maVoice ready", "dictation", cfg.DictationEnabled(), "conversation", cfg.ConversationEnabled())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond) // let the router finish teardown
	return nil
}

// sttTranscriber binds the configured transcription options to the client.
type sttTranscriber struct {
	client *stt.Client
	opts   stt.Options
}

func (t sttTranscriber) Transcribe(ctx context.Context, wav *audio.WavBuffer) (string, error) {
	return t.client.Transcribe(ctx, wav, t.opts)
}

// liveDialer adapts the concrete live client to the router's interface.
type liveDialer struct {
	client *live.Client
}

func (d liveDialer) Connect(ctx context.Context) (orchestrator.LiveSession, error) {
	session, err := d.client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// unavailableMemory keeps the tool layer functional when the store failed to
// open: every call reports the failure to the model.
type unavailableMemory struct{}

func (unavailableMemory) Search(context.Context, string, int) ([]memory.Match, error) {
	return nil, errors.New("memory store unavailable")
}

func (unavailableMemory) Remember(context.Context, string, []string) (memory.Record, error) {
	return memory.Record{}, errors.New("memory store unavailable")
}
