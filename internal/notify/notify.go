// Package notify sends desktop notifications on track changes.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog/log"

	"github.com/aurorafm/aurora/internal/cache"
	"github.com/aurorafm/aurora/internal/config"
	"github.com/aurorafm/aurora/internal/state"
	"github.com/aurorafm/aurora/internal/track"
)

const coverFetchTimeout = 5 * time.Second

// sendFunc matches beeep.Notify, swappable in tests.
type sendFunc func(title, message string, icon any) error

// Notifier watches the playback store and raises one desktop
// notification per track change. Cover art is resolved through the
// disk cache so the notification can show an icon without a network
// round trip on repeats.
type Notifier struct {
	covers *cache.Cache
	send   sendFunc

	mu      sync.Mutex
	last    track.Track
	unsub   func()
	started bool
}

// New creates a Notifier. covers may be nil, in which case
// notifications go out without an icon.
func New(covers *cache.Cache) *Notifier {
	return &Notifier{
		covers: covers,
		send:   beeep.Notify,
	}
}

// Start subscribes to the store. No-op when already started.
func (n *Notifier) Start(store *state.Store) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true
	n.unsub = store.Subscribe(n.onSnapshot)
}

// Stop detaches from the store. Idempotent.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}
	n.started = false
	if n.unsub != nil {
		n.unsub()
		n.unsub = nil
	}
}

func (n *Notifier) onSnapshot(snap state.Snapshot) {
	n.mu.Lock()
	if snap.Track.IsZero() || snap.Track.Same(n.last) {
		n.mu.Unlock()
		return
	}
	n.last = snap.Track
	n.mu.Unlock()

	// Icon lookup can hit the network; keep it off the store's
	// callback path.
	go n.deliver(snap.Track)
}

func (n *Notifier) deliver(t track.Track) {
	icon := ""
	if n.covers != nil && t.CoverURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), coverFetchTimeout)
		path, err := n.covers.FetchCover(ctx, t.CoverURL)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("Failed to fetch cover for notification")
		} else {
			icon = path
		}
	}

	if err := n.send(config.AppName, t.Display(), icon); err != nil {
		log.Debug().Err(err).Msg("Failed to send notification")
	}
}
