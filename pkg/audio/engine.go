package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"
)

const (
	// CaptureRate is the microphone rate: what the transcription service and
	// the live uplink both expect.
	CaptureRate = 16000
	// PlaybackRate is the model's output rate.
	PlaybackRate = 24000

	Channels = 1

	// Largest callback burst we convert without allocating.
	maxCallbackFrames = 1 << 14
)

// Engine owns the miniaudio context and the capture/playback devices. The
// device callbacks only move samples between the OS buffers and the rings;
// everything else happens on ordinary goroutines.
type Engine struct {
	mctx *malgo.AllocatedContext
	log  *log.Logger

	mu       sync.Mutex
	capture  *malgo.Device
	playback *malgo.Device

	captureStopping  atomic.Bool
	playbackStopping atomic.Bool

	errs chan error
}

// NewEngine initialises the audio backend. Failure here is fatal at startup
// per the error policy: no devices, no overlay.
func NewEngine(logger *log.Logger) (*Engine, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Engine{
		mctx: mctx,
		log:  logger,
		errs: make(chan error, 4),
	}, nil
}

// Errors delivers mid-session device failures (never startup ones).
func (e *Engine) Errors() <-chan error { return e.errs }

// StartCapture opens the default input device at 16kHz mono float and feeds
// the given ring from the realtime callback.
func (e *Engine) StartCapture(ring *Ring) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capture != nil {
		return nil
	}

	scratch := make([]float32, maxCallbackFrames)
	onData := func(_, pInput []byte, frameCount uint32) {
		if pInput == nil {
			return
		}
		n := int(frameCount)
		if n > len(scratch) {
			n = len(scratch)
		}
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(pInput[i*4:])
			scratch[i] = math.Float32frombits(bits)
		}
		ring.Push(scratch[:n])
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = Channels
	cfg.SampleRate = CaptureRate
	cfg.Alsa.NoMMap = 1

	e.captureStopping.Store(false)
	dev, err := malgo.InitDevice(e.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: onData,
		Stop: func() {
			if !e.captureStopping.Load() {
				e.pushErr(fmt.Errorf("audio: capture device stopped unexpectedly"))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("audio: open capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("audio: start capture device: %w", err)
	}
	e.capture = dev
	e.log.Debug("capture started", "rate", CaptureRate)
	return nil
}

// StopCapture tears the input device down. Idempotent.
func (e *Engine) StopCapture() {
	e.mu.Lock()
	dev := e.capture
	e.capture = nil
	e.mu.Unlock()
	if dev == nil {
		return
	}
	e.captureStopping.Store(true)
	dev.Uninit()
	e.log.Debug("capture stopped")
}

// StartPlayback opens the default output device at 24kHz mono float, pulling
// from the given ring. Underruns render silence; the ring counts them.
func (e *Engine) StartPlayback(ring *Ring) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playback != nil {
		return nil
	}

	scratch := make([]float32, maxCallbackFrames)
	onData := func(pOutput, _ []byte, frameCount uint32) {
		if pOutput == nil {
			return
		}
		n := int(frameCount)
		if n > len(scratch) {
			n = len(scratch)
		}
		got := ring.Read(scratch[:n])
		for i := 0; i < got; i++ {
			binary.LittleEndian.PutUint32(pOutput[i*4:], math.Float32bits(scratch[i]))
		}
		for i := got; i < n; i++ {
			binary.LittleEndian.PutUint32(pOutput[i*4:], 0)
		}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = Channels
	cfg.SampleRate = PlaybackRate
	cfg.Alsa.NoMMap = 1

	e.playbackStopping.Store(false)
	dev, err := malgo.InitDevice(e.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: onData,
		Stop: func() {
			if !e.playbackStopping.Load() {
				e.pushErr(fmt.Errorf("audio: playback device stopped unexpectedly"))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("audio: open playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("audio: start playback device: %w", err)
	}
	e.playback = dev
	e.log.Debug("playback started", "rate", PlaybackRate)
	return nil
}

// StopPlayback tears the output device down. Idempotent.
func (e *Engine) StopPlayback() {
	e.mu.Lock()
	dev := e.playback
	e.playback = nil
	e.mu.Unlock()
	if dev == nil {
		return
	}
	e.playbackStopping.Store(true)
	dev.Uninit()
	e.log.Debug("playback stopped")
}

// Close stops both devices and frees the context.
func (e *Engine) Close() {
	e.StopCapture()
	e.StopPlayback()
	_ = e.mctx.Uninit()
	e.mctx.Free()
}

func (e *Engine) pushErr(err error) {
	select {
	case e.errs <- err:
	default:
	}
}
