// Package audio abstracts the playable output the engine attaches to.
// The engine drives a Sink; it never creates or owns the underlying
// audio device semantics beyond attach/detach.
package audio

import (
	"math"

	"github.com/gopxl/beep/v2"
)

const (
	// volumeCurveExponent shapes the perceptual loudness curve.
	volumeCurveExponent = 0.5
	// minVolumeDB is the attenuation applied at the bottom of the curve.
	minVolumeDB = -10.0
)

// Sink is a playable audio output. Level is the store's linear 0..1
// value; implementations map it to whatever their device wants.
type Sink interface {
	// Play attaches a decoded stream to the output and starts it.
	Play(format beep.Format, s beep.Streamer) error
	// SetPaused pauses or resumes without ending the stream.
	SetPaused(paused bool)
	// SetLevel applies a normalized volume in [0, 1].
	SetLevel(level float64)
	// Clear stops playback and releases the attached stream.
	Clear()
}

// LevelToVolume maps a linear 0..1 level onto the exponential dB scale
// the volume effect expects. Zero maps to the floor; one to unity gain.
func LevelToVolume(level float64) float64 {
	if level <= 0 {
		return minVolumeDB
	}
	if level >= 1 {
		return 0
	}
	adjusted := math.Pow(level, volumeCurveExponent)
	return (1.0 - adjusted) * minVolumeDB
}
