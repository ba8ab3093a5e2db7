// Package decoder defines the streaming-decoder collaborator contract
// the engine orchestrates around, plus the production HTTP MP3
// implementation. The engine never looks inside the wire protocol; it
// consumes a session and its event feed.
package decoder

import (
	"context"
	"time"

	"github.com/gopxl/beep/v2"
)

type EventType int

const (
	// EventReady means the manifest loaded and decoding can begin.
	EventReady EventType = iota
	// EventBufferUpdate carries the current buffering delay between the
	// live edge and what the listener hears.
	EventBufferUpdate
	// EventError reports a decoder failure. Fatal errors end the
	// session; the controller decides whether to reconnect.
	EventError
)

// Event is one decoder-session notification.
type Event struct {
	Type   EventType
	Delay  time.Duration // EventBufferUpdate
	Fatal  bool          // EventError
	Reason string        // EventError
}

// Session is one live decoding session against one stream URL. The
// events channel closes when the session ends.
type Session interface {
	// Format describes the decoded audio.
	Format() beep.Format
	// Streamer yields decoded samples. It never blocks the audio
	// pipeline: an underrun produces silence, not a stall.
	Streamer() beep.Streamer
	// Events delivers ready, buffer-delay and error notifications.
	Events() <-chan Event
	// Close releases the session. Idempotent.
	Close() error
}

// Decoder opens sessions. Load blocks until the stream is connected
// and decodable, or fails.
type Decoder interface {
	Load(ctx context.Context, streamURL string) (Session, error)
}
