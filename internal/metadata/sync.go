package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/aurorafm/aurora/internal/history"
	"github.com/aurorafm/aurora/internal/state"
	"github.com/aurorafm/aurora/internal/track"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultDebounce     = 2 * time.Second
)

// Feed is the polling surface the synchronizer depends on.
type Feed interface {
	Fetch(ctx context.Context) (track.Track, error)
}

// DelayFunc reports the current gap between the live edge and the
// listener's ear. Pluggable so the estimation source can change
// without touching the synchronizer.
type DelayFunc func() time.Duration

// SyncOptions tune polling cadence.
type SyncOptions struct {
	Interval       time.Duration
	Debounce       time.Duration
	RequestTimeout time.Duration
}

func (o SyncOptions) withDefaults() SyncOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	return o
}

// Synchronizer polls the feed and writes the audible track into the
// store. A reported track only becomes current once the buffering
// delay says the listener can hear it; the outgoing track moves into
// the history buffer in the same transition.
type Synchronizer struct {
	store   *state.Store
	feed    Feed
	hist    *history.Buffer
	delayFn DelayFunc
	opts    SyncOptions

	mu         sync.Mutex
	gen        uint64
	running    bool
	cancel     context.CancelFunc
	pending    *time.Timer
	lastSample track.Track
	haveSample bool
	lastPollAt time.Time
}

func NewSynchronizer(store *state.Store, feed Feed, hist *history.Buffer, delayFn DelayFunc, opts SyncOptions) *Synchronizer {
	if delayFn == nil {
		delayFn = func() time.Duration { return 0 }
	}
	return &Synchronizer{
		store:   store,
		feed:    feed,
		hist:    hist,
		delayFn: delayFn,
		opts:    opts.withDefaults(),
	}
}

// Start begins polling. Safe to call once per Stop.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
	log.Debug().Dur("interval", s.opts.Interval).Msg("Metadata polling started")
}

// Stop halts polling and cancels any pending track commit. Idempotent;
// a commit timer firing after Stop is discarded by the generation
// check.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.haveSample = false
	s.mu.Unlock()

	log.Debug().Msg("Metadata polling stopped")
}

func (s *Synchronizer) run(ctx context.Context) {
	// First sample right away so the display fills without waiting a
	// full interval.
	s.poll(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll takes one sample and classifies it: missed, unchanged, flicker,
// or a genuine transition to schedule.
func (s *Synchronizer) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	sampled, err := s.feed.Fetch(reqCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}

	observedAt := time.Now()

	if err != nil {
		// One missed sample: keep the stale track, flag it unknown,
		// retry on the next tick.
		log.Debug().Err(err).Msg("Metadata poll failed")
		s.store.SetTrackInfoKnown(false)
		return
	}

	s.mu.Lock()
	gen := s.gen
	prev, havePrev := s.lastSample, s.haveSample
	elapsed := observedAt.Sub(s.lastPollAt)

	switch {
	case !havePrev:
		s.lastSample = sampled
		s.haveSample = true
		s.lastPollAt = observedAt
		s.mu.Unlock()
		// Nothing is displayed yet; show the first sample immediately.
		s.commit(sampled)

	case prev.Same(sampled):
		s.lastPollAt = observedAt
		s.mu.Unlock()
		s.store.SetTrackInfoKnown(true)

	case elapsed < s.opts.Debounce:
		// The feed flickered to a different value within the debounce
		// window; discard the sample so A->B->A cannot double-fire.
		s.mu.Unlock()
		log.Debug().Msgf("Ignoring flickering metadata sample: %s", sampled.Display())
		s.store.SetTrackInfoKnown(true)

	default:
		s.lastSample = sampled
		s.lastPollAt = observedAt
		s.mu.Unlock()
		s.store.SetTrackInfoKnown(true)
		s.scheduleCommit(sampled, observedAt.Add(s.delayFn()), gen)
	}
}

// scheduleCommit installs the track once it is estimated to be audible.
// A newer transition replaces a pending one.
func (s *Synchronizer) scheduleCommit(t track.Track, audibleAt time.Time, gen uint64) {
	wait := time.Until(audibleAt)
	if wait <= 0 {
		s.commit(t)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(wait, func() {
		s.mu.Lock()
		ok := gen == s.gen
		s.pending = nil
		s.mu.Unlock()
		if ok {
			s.commit(t)
		}
	})
	s.mu.Unlock()

	log.Debug().Msgf("Track change to %q audible in %v", t.Display(), wait)
}

// commit performs the transition: outgoing track into history, incoming
// track plus refreshed history mirror into the store in one mutation.
func (s *Synchronizer) commit(t track.Track) {
	outgoing := s.store.Snapshot().Track
	if !outgoing.IsZero() && !outgoing.Same(t) {
		s.hist.Push(outgoing, time.Now())
	}
	s.store.SetNowPlaying(t, s.hist.List())
	log.Debug().Msgf("Now playing: %s", t.Display())
}
