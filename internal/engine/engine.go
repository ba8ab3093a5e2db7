// Package engine assembles the playback components behind one facade.
package engine

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aurorafm/aurora/internal/audio"
	"github.com/aurorafm/aurora/internal/config"
	"github.com/aurorafm/aurora/internal/decoder"
	"github.com/aurorafm/aurora/internal/history"
	"github.com/aurorafm/aurora/internal/metadata"
	"github.com/aurorafm/aurora/internal/state"
	"github.com/aurorafm/aurora/internal/stream"
)

// ErrAlreadyInitialized is returned by Initialize when the engine is
// already running.
var ErrAlreadyInitialized = errors.New("engine already initialized")

// Engine wires the stream controller, metadata synchronizer and state
// store into one unit with a small command surface. Consumers observe
// everything through the store; commands never block on I/O.
type Engine struct {
	cfg *config.Config
	dec decoder.Decoder

	mu          sync.Mutex
	initialized bool
	destroyed   bool
	store       *state.Store
	ctrl        *stream.Controller
	sync        *metadata.Synchronizer
}

func New(cfg *config.Config, dec decoder.Decoder) *Engine {
	return &Engine{
		cfg:   cfg,
		dec:   dec,
		store: state.NewStore(),
	}
}

// Store exposes the snapshot and subscription surface. Valid before
// Initialize so consumers can subscribe first and miss nothing. Every
// Initialize after a Destroy installs a fresh store, so recovering
// consumers fetch it again and re-subscribe.
func (e *Engine) Store() *state.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// Initialize builds the pipeline and starts it: attaches the stream to
// the sink, applies the configured volume and begins metadata polling.
func (e *Engine) Initialize(sink audio.Sink, streamURL string) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.initialized = true

	// A closed store is permanently silent; recovery gets a new one.
	if e.destroyed {
		e.store = state.NewStore()
		e.destroyed = false
	}
	store := e.store

	e.ctrl = stream.NewController(store, e.dec, stream.Options{
		MaxAttempts: e.cfg.MaxReconnectAttempts,
		BackoffBase: e.cfg.BackoffBase(),
		BackoffCap:  e.cfg.BackoffCap(),
	})

	feed := metadata.NewClient(e.cfg.MetadataURL, e.cfg.RequestTimeout())
	e.sync = metadata.NewSynchronizer(
		store,
		feed,
		history.New(e.cfg.HistorySize),
		e.ctrl.CurrentBufferDelay,
		metadata.SyncOptions{
			Interval:       e.cfg.PollInterval(),
			Debounce:       e.cfg.Debounce(),
			RequestTimeout: e.cfg.RequestTimeout(),
		},
	)

	ctrl := e.ctrl
	sync := e.sync
	e.mu.Unlock()

	// Once the controller gives up there is nothing to align metadata
	// with; polling stays suspended until the next Initialize.
	store.Subscribe(func(snap state.Snapshot) {
		if snap.Status.Code == state.StatusFailed {
			log.Debug().Msg("Stream failed, suspending metadata polling")
			sync.Stop()
		}
	})

	ctrl.SetVolume(e.cfg.Volume)

	if err := ctrl.Attach(sink, streamURL); err != nil {
		return err
	}
	sync.Start()
	if store.Snapshot().Status.Code == state.StatusFailed {
		sync.Stop()
	}

	log.Debug().Str("stream", streamURL).Msg("Engine initialized")
	return nil
}

// Destroy stops polling, tears the session down and silences the
// store. Idempotent, and safe when Initialize never ran or failed.
func (e *Engine) Destroy() {
	e.mu.Lock()
	ctrl := e.ctrl
	sync := e.sync
	store := e.store
	e.ctrl = nil
	e.sync = nil
	e.initialized = false
	e.destroyed = true
	e.mu.Unlock()

	if sync != nil {
		sync.Stop()
	}
	if ctrl != nil {
		ctrl.Detach()
	}
	store.Close()

	log.Debug().Msg("Engine destroyed")
}

// TogglePlayPause forwards to the controller. Silent no-op when not
// initialized.
func (e *Engine) TogglePlayPause() {
	e.mu.Lock()
	ctrl := e.ctrl
	e.mu.Unlock()

	if ctrl != nil {
		ctrl.TogglePlayPause()
	}
}

// SetVolume forwards to the controller, clamped to [0, 100]. Silent
// no-op when not initialized.
func (e *Engine) SetVolume(percent int) {
	e.mu.Lock()
	ctrl := e.ctrl
	e.mu.Unlock()

	if ctrl != nil {
		ctrl.SetVolume(percent)
	}
}
