// Package state holds the single reactive source of truth that every
// playback consumer reads. Only the stream controller and the metadata
// synchronizer write to it.
package state

import (
	"fmt"
	"sync"

	"github.com/aurorafm/aurora/internal/history"
	"github.com/aurorafm/aurora/internal/track"
	"github.com/rs/zerolog/log"
)

type StatusCode int

const (
	StatusIdle StatusCode = iota
	StatusConnecting
	StatusBuffering
	StatusPlaying
	StatusPaused
	StatusReconnecting
	StatusFailed
)

func (c StatusCode) String() string {
	switch c {
	case StatusIdle:
		return "IDLE"
	case StatusConnecting:
		return "CONNECTING"
	case StatusBuffering:
		return "BUFFERING"
	case StatusPlaying:
		return "LIVE"
	case StatusPaused:
		return "PAUSED"
	case StatusReconnecting:
		return "RECONNECTING"
	case StatusFailed:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is the playback state machine value. Attempt is meaningful for
// StatusReconnecting, Reason for StatusFailed.
type Status struct {
	Code    StatusCode
	Attempt int
	Reason  string
}

func (s Status) String() string {
	switch s.Code {
	case StatusReconnecting:
		return fmt.Sprintf("%s(%d)", s.Code, s.Attempt)
	case StatusFailed:
		if s.Reason != "" {
			return fmt.Sprintf("%s(%s)", s.Code, s.Reason)
		}
		return s.Code.String()
	default:
		return s.Code.String()
	}
}

// Snapshot is one atomically observed view of the whole store.
// Consumers must treat it as momentary: a reconnect may land between
// two metadata polls.
type Snapshot struct {
	Status         Status
	Track          track.Track
	HasTrackInfo   bool
	Volume         float64 // normalized 0..1
	RecentlyPlayed []history.Entry
	StatusMessage  string
}

// Subscriber receives one full snapshot per store mutation, on the
// mutating goroutine.
type Subscriber func(Snapshot)

// Store is the shared playback state holder. Writers mutate it through
// the Set methods; readers either poll Snapshot or Subscribe. After
// Close every mutation is a silent no-op, so late timers and callbacks
// from a superseded session cannot resurface.
type Store struct {
	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]Subscriber
	nextSub int
	closed  bool
}

func NewStore() *Store {
	return &Store{
		snap: Snapshot{Status: Status{Code: StatusIdle}},
		subs: make(map[int]Subscriber),
	}
}

// Snapshot returns a copy of the current state. The RecentlyPlayed
// slice is detached from internal storage.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

func (snap Snapshot) clone() Snapshot {
	out := snap
	out.RecentlyPlayed = make([]history.Entry, len(snap.RecentlyPlayed))
	copy(out.RecentlyPlayed, snap.RecentlyPlayed)
	return out
}

// Subscribe registers fn for every subsequent mutation and returns its
// unsubscribe function. fn runs outside the store lock.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops all further mutation and drops every subscriber.
// Idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.subs = make(map[int]Subscriber)
	s.mu.Unlock()
}

// mutate applies fn under the write lock and notifies subscribers with
// the resulting snapshot. Mutation after Close is dropped.
func (s *Store) mutate(fn func(*Snapshot)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn(&s.snap)
	snap := s.snap.clone()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
}

// SetStatus updates the playback status and its display message.
func (s *Store) SetStatus(status Status, message string) {
	s.mutate(func(snap *Snapshot) {
		if snap.Status != status {
			log.Debug().Msgf("Playback status: %s -> %s", snap.Status, status)
		}
		snap.Status = status
		snap.StatusMessage = message
	})
}

// SetStatusMessage updates only the human-readable status line.
func (s *Store) SetStatusMessage(message string) {
	s.mutate(func(snap *Snapshot) {
		snap.StatusMessage = message
	})
}

// SetVolume stores the normalized volume, clamped to [0, 1].
func (s *Store) SetVolume(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	s.mutate(func(snap *Snapshot) {
		snap.Volume = level
	})
}

// SetNowPlaying atomically installs the new current track together with
// the refreshed history mirror and marks track info as known. One
// notification covers the whole transition.
func (s *Store) SetNowPlaying(t track.Track, recent []history.Entry) {
	s.mutate(func(snap *Snapshot) {
		snap.Track = t
		snap.HasTrackInfo = true
		snap.RecentlyPlayed = recent
	})
}

// SetTrackInfoKnown flags whether the metadata feed currently describes
// the displayed track. A failed poll clears the flag but leaves the
// stale track in place.
func (s *Store) SetTrackInfoKnown(known bool) {
	s.mutate(func(snap *Snapshot) {
		snap.HasTrackInfo = known
	})
}
