package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

const speakerBufferSize = 250 * time.Millisecond

// Speaker plays through the system audio device via beep's speaker.
type Speaker struct {
	mu          sync.Mutex
	sampleRate  beep.SampleRate
	initialized bool
	volume      *effects.Volume
	ctrl        *beep.Ctrl
	level       float64
}

// NewSpeaker creates an unattached speaker sink at the given initial
// level.
func NewSpeaker(level float64) *Speaker {
	return &Speaker{level: level}
}

// Play initializes the device for the stream's sample rate and starts
// the streamer wrapped in volume and pause controls.
func (s *Speaker) Play(format beep.Format, src beep.Streamer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized || format.SampleRate != s.sampleRate {
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(speakerBufferSize)); err != nil {
			return fmt.Errorf("failed to initialize audio output: %w", err)
		}
		s.sampleRate = format.SampleRate
		s.initialized = true
		log.Debug().Msgf("Speaker initialized with sample rate: %d Hz, buffer: %v",
			format.SampleRate, speakerBufferSize)
	}

	s.volume = &effects.Volume{
		Streamer: src,
		Base:     2,
		Volume:   LevelToVolume(s.level),
		Silent:   s.level <= 0,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}

	speaker.Play(s.ctrl)
	return nil
}

// SetPaused pauses or resumes the attached stream. No-op when nothing
// is attached.
func (s *Speaker) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl == nil {
		return
	}
	speaker.Lock()
	s.ctrl.Paused = paused
	speaker.Unlock()
}

// SetLevel applies a normalized 0..1 volume. The level survives across
// re-attaches so a reconnect resumes at the listener's setting.
func (s *Speaker) SetLevel(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level
	if s.volume == nil {
		log.Debug().Msgf("Volume stored as %.2f (will be applied when playback starts)", level)
		return
	}

	speaker.Lock()
	s.volume.Volume = LevelToVolume(level)
	s.volume.Silent = level <= 0
	speaker.Unlock()

	log.Debug().Msgf("Volume set to %.2f (%.2f dB)", level, LevelToVolume(level))
}

// Clear detaches the current stream from the device.
func (s *Speaker) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return
	}
	speaker.Clear()
	s.volume = nil
	s.ctrl = nil
}
