package audio

import (
	"fmt"
	"testing"
)

func TestLevelToVolume(t *testing.T) {
	tests := []struct {
		level    float64
		expected float64
	}{
		{0, minVolumeDB},
		{1, 0},
		{-0.1, minVolumeDB},
		{1.5, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("level_%v", tt.level), func(t *testing.T) {
			if got := LevelToVolume(tt.level); got != tt.expected {
				t.Errorf("LevelToVolume(%v) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestLevelToVolumeCurve(t *testing.T) {
	p25 := LevelToVolume(0.25)
	p50 := LevelToVolume(0.5)
	p75 := LevelToVolume(0.75)

	if p25 >= p50 || p50 >= p75 {
		t.Error("volume curve should be monotonically increasing")
	}
	if p25 <= minVolumeDB || p75 >= 0 {
		t.Error("mid-range levels should sit between the floor and unity")
	}
}

func TestSpeakerSetLevelBeforePlay(t *testing.T) {
	s := NewSpeaker(0.7)

	// No device attached yet; the level must be stored, not applied.
	s.SetLevel(0.3)
	if s.level != 0.3 {
		t.Errorf("level = %v, want 0.3", s.level)
	}

	s.SetLevel(2.0)
	if s.level != 1.0 {
		t.Errorf("level = %v, want clamped 1.0", s.level)
	}

	s.SetLevel(-1)
	if s.level != 0 {
		t.Errorf("level = %v, want clamped 0", s.level)
	}
}

func TestSpeakerPauseAndClearBeforePlay(t *testing.T) {
	s := NewSpeaker(0.5)

	// Both must be safe no-ops with nothing attached.
	s.SetPaused(true)
	s.SetPaused(false)
	s.Clear()
}
