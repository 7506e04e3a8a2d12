package audio

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

// Band layout shared with the shader uniforms: four logarithmic bands
// spanning speech-relevant frequencies.
var bandEdges = [5]float64{80, 250, 800, 2500, 6000}

const (
	meterInterval = 50 * time.Millisecond
	windowSeconds = 0.023

	intensityAttack  = 40 * time.Millisecond
	intensityRelease = 300 * time.Millisecond

	// A side with no fresh audio for this long reads as silent.
	activityWindow = 300 * time.Millisecond

	compressExp = 0.55
)

// FFTSize returns the power-of-two window length closest to ~23ms at the
// given sample rate.
func FFTSize(sampleRate int) int {
	target := windowSeconds * float64(sampleRate)
	size := 2
	for float64(size) < target {
		size <<= 1
	}
	// size is the first power of two >= target; check whether the one below
	// is closer.
	if size > 2 && target-float64(size/2) < float64(size)-target {
		size /= 2
	}
	return size
}

// Bands computes the four compressed band levels for one analysis window.
// Values are in [0,1]: magnitudes are summed per band, normalised by window
// length, then raised to the 0.55 power to lift quiet signals.
func Bands(window []float32, sampleRate int) [4]float32 {
	var out [4]float32
	if len(window) == 0 || sampleRate <= 0 {
		return out
	}

	x := make([]float64, len(window))
	for i, s := range window {
		x[i] = float64(s)
	}
	spectrum := fft.FFTReal(x)

	binHz := float64(sampleRate) / float64(len(window))
	var sums [4]float64
	for bin := 1; bin < len(spectrum)/2; bin++ {
		freq := float64(bin) * binHz
		if freq < bandEdges[0] || freq >= bandEdges[4] {
			continue
		}
		band := 0
		for band < 3 && freq >= bandEdges[band+1] {
			band++
		}
		sums[band] += cmplxAbs(spectrum[bin])
	}

	for i, sum := range sums {
		v := sum / float64(len(window))
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[i] = float32(math.Pow(v, compressExp))
	}
	return out
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// RMS returns the root-mean-square level of the window in [0,1].
func RMS(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(window)))
}

// IntensityTracker smooths a raw level with asymmetric attack/release so the
// visualiser breathes rather than flickers.
type IntensityTracker struct {
	value float64
	last  time.Time
}

// Update folds a new raw level in and returns the smoothed intensity.
func (t *IntensityTracker) Update(level float64, now time.Time) float32 {
	if t.last.IsZero() {
		t.last = now
		t.value = level
		return float32(t.value)
	}
	dt := now.Sub(t.last)
	t.last = now

	tau := intensityRelease
	if level > t.value {
		tau = intensityAttack
	}
	alpha := 1 - math.Exp(-float64(dt)/float64(tau))
	t.value += alpha * (level - t.value)
	if t.value < 0 {
		t.value = 0
	} else if t.value > 1 {
		t.value = 1
	}
	return float32(t.value)
}

// Zero snaps the tracker to silence immediately.
func (t *IntensityTracker) Zero() {
	t.value = 0
}

// Snapshot is one analyser output: band levels and smoothed intensity for
// both the user (capture) and AI (playback) sides.
type Snapshot struct {
	UserLevels    [4]float32
	UserIntensity float32
	AILevels      [4]float32
	AIIntensity   float32
	At            time.Time
}

// Meter periodically analyses the capture and playback rings and publishes
// the latest Snapshot. It owns its FFT scratch buffers; readers only ever
// see immutable snapshots.
type Meter struct {
	userRing *Ring
	aiRing   *Ring
	userRate int
	aiRate   int

	userWin []float32
	aiWin   []float32

	userIntensity IntensityTracker
	aiIntensity   IntensityTracker

	userActive atomic.Bool
	lastAIData atomic.Int64 // unix nanos of the newest playback audio

	latest atomic.Value // Snapshot
}

// NewMeter wires a meter over the two audio rings.
func NewMeter(userRing, aiRing *Ring, userRate, aiRate int) *Meter {
	m := &Meter{
		userRing: userRing,
		aiRing:   aiRing,
		userRate: userRate,
		aiRate:   aiRate,
		userWin:  make([]float32, FFTSize(userRate)),
		aiWin:    make([]float32, FFTSize(aiRate)),
	}
	m.latest.Store(Snapshot{})
	return m
}

// SetUserActive marks whether the capture side is live. While inactive the
// user intensity is pinned to zero regardless of ring contents.
func (m *Meter) SetUserActive(active bool) {
	m.userActive.Store(active)
}

// MarkAIAudio records that playback audio just arrived; the AI side decays
// to silence when no audio has been seen for activityWindow.
func (m *Meter) MarkAIAudio() {
	m.lastAIData.Store(time.Now().UnixNano())
}

// Latest returns the most recent snapshot.
func (m *Meter) Latest() Snapshot {
	return m.latest.Load().(Snapshot)
}

// Reset zeroes both sides immediately. Called on transitions to Idle so the
// overlay never holds stale intensities.
func (m *Meter) Reset() {
	m.userIntensity.Zero()
	m.aiIntensity.Zero()
	m.latest.Store(Snapshot{At: time.Now()})
}

// Run ticks the analyser until the context is cancelled.
func (m *Meter) Run(ctx context.Context) {
	ticker := time.NewTicker(meterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.latest.Store(m.analyse(now))
		}
	}
}

func (m *Meter) analyse(now time.Time) Snapshot {
	var snap Snapshot
	snap.At = now

	if m.userActive.Load() {
		n := m.userRing.Tail(m.userWin)
		win := m.userWin[:n]
		snap.UserLevels = Bands(win, m.userRate)
		snap.UserIntensity = m.userIntensity.Update(RMS(win), now)
	} else {
		m.userIntensity.Zero()
	}

	aiFresh := time.Duration(now.UnixNano()-m.lastAIData.Load()) < activityWindow
	if aiFresh {
		n := m.aiRing.Tail(m.aiWin)
		win := m.aiWin[:n]
		snap.AILevels = Bands(win, m.aiRate)
		snap.AIIntensity = m.aiIntensity.Update(RMS(win), now)
	} else {
		m.aiIntensity.Zero()
	}

	return snap
}
