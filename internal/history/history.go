// Package history keeps the bounded, most-recent-first list of tracks
// the listener has already heard.
package history

import (
	"sync"
	"time"

	"github.com/aurorafm/aurora/internal/track"
)

// DefaultCapacity is used when the configured capacity is not positive.
const DefaultCapacity = 10

// Entry is one played track with the moment it went on air for the
// listener.
type Entry struct {
	Track    track.Track
	PlayedAt time.Time
}

// Buffer is a fixed-capacity history of played tracks, newest first.
// A track repeating immediately (stream dropout returning to the same
// live position) is not recorded twice.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// New creates a buffer holding at most capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts a track at the head. It is a no-op when the head entry
// already has the same identity, and evicts the oldest entry beyond
// capacity.
func (b *Buffer) Push(t track.Track, playedAt time.Time) {
	if t.IsZero() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) > 0 && b.entries[0].Track.Same(t) {
		return
	}

	b.entries = append([]Entry{{Track: t, PlayedAt: playedAt}}, b.entries...)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[:b.capacity]
	}
}

// List returns a most-recent-first snapshot. The returned slice never
// aliases internal state.
func (b *Buffer) List() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the current number of entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
