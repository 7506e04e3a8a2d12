package orchestrator

import (
	"time"

	"github.com/lliWcWill/maVoice-Linux/pkg/audio"
)

// MaxTakeSeconds caps a dictation take; hitting it forces an immediate stop
// and proceeds to transcription.
const MaxTakeSeconds = 30

// Recorder accumulates the push-to-talk take from the capture ring. No
// trimming is applied; the recogniser tolerates leading/trailing silence.
type Recorder struct {
	ring       *audio.Ring
	sampleRate int
	startedAt  time.Time

	take    []float32
	scratch []float32
	maxLen  int
}

// NewRecorder starts an empty take fed from ring.
func NewRecorder(ring *audio.Ring, sampleRate int) *Recorder {
	maxLen := sampleRate * MaxTakeSeconds
	return &Recorder{
		ring:       ring,
		sampleRate: sampleRate,
		startedAt:  time.Now(),
		take:       make([]float32, 0, sampleRate*4),
		scratch:    make([]float32, sampleRate/4),
		maxLen:     maxLen,
	}
}

// StartedAt is when the take began.
func (r *Recorder) StartedAt() time.Time { return r.startedAt }

// Len returns the number of captured samples so far.
func (r *Recorder) Len() int { return len(r.take) }

// Drain moves whatever the capture callback has produced into the take and
// reports whether the maximum length was reached.
func (r *Recorder) Drain() (full bool) {
	for {
		n := r.ring.Read(r.scratch)
		if n == 0 {
			break
		}
		room := r.maxLen - len(r.take)
		if n > room {
			n = room
		}
		r.take = append(r.take, r.scratch[:n]...)
		if len(r.take) >= r.maxLen {
			return true
		}
	}
	return false
}

// Freeze finishes the take and hands it over as a WAV buffer. The recorder
// must not be used afterwards.
func (r *Recorder) Freeze() *audio.WavBuffer {
	r.Drain()
	wav := &audio.WavBuffer{
		SampleRate: r.sampleRate,
		Channels:   audio.Channels,
		Samples:    r.take,
	}
	r.take = nil
	return wav
}
