// Package stream owns the lifecycle of one live decoder session against
// one audio sink: the connection state machine, reconnect backoff, and
// playback command forwarding.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aurorafm/aurora/internal/audio"
	"github.com/aurorafm/aurora/internal/decoder"
	"github.com/aurorafm/aurora/internal/state"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyAttached is returned by Attach when a live session already
// exists and is not in a recoverable state.
var ErrAlreadyAttached = errors.New("stream controller already attached")

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Options tune the reconnection policy.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	return o
}

// Controller drives one adaptive stream session. All asynchronous
// continuations (load completion, decoder events, retry timers) capture
// the session token at issue time and are discarded on mismatch, so a
// late callback can never mutate state owned by a superseded session.
type Controller struct {
	store *state.Store
	dec   decoder.Decoder
	opts  Options

	mu           sync.Mutex
	token        uint64
	attached     bool
	retryPending bool
	sink         audio.Sink
	streamURL    string
	session      decoder.Session
	loadCancel   context.CancelFunc
	retryTimer   *time.Timer
	attempt      int
	paused       bool
	playing      bool

	bufferDelay time.Duration
	pausedAt    time.Time
	totalPaused time.Duration
}

func NewController(store *state.Store, dec decoder.Decoder, opts Options) *Controller {
	return &Controller{
		store: store,
		dec:   dec,
		opts:  opts.withDefaults(),
	}
}

// Attach starts a session for streamURL on the given sink. Attaching
// while a healthy session exists fails with ErrAlreadyAttached;
// attaching during a reconnect cancels the pending retry and starts
// fresh, and attaching after Failed is the explicit recovery path.
func (c *Controller) Attach(sink audio.Sink, streamURL string) error {
	c.mu.Lock()

	if c.attached && !c.retryPending {
		c.mu.Unlock()
		return ErrAlreadyAttached
	}

	c.cancelRetryLocked()
	c.token++
	tok := c.token
	c.attached = true
	c.sink = sink
	c.streamURL = streamURL
	c.attempt = 0
	c.paused = false
	c.playing = false
	c.pausedAt = time.Time{}
	c.totalPaused = 0
	c.mu.Unlock()

	c.store.SetStatus(state.Status{Code: state.StatusConnecting}, "Connecting to stream...")

	go c.connect(tok)
	return nil
}

// Detach tears down the session, cancels any pending reconnect and
// returns to Idle. Safe to call repeatedly and from any state.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.token++
	c.attached = false
	c.playing = false
	c.paused = false
	c.pausedAt = time.Time{}
	c.totalPaused = 0
	c.bufferDelay = 0
	c.cancelRetryLocked()
	if c.loadCancel != nil {
		c.loadCancel()
		c.loadCancel = nil
	}
	session := c.session
	c.session = nil
	sink := c.sink
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if sink != nil {
		sink.Clear()
	}

	c.store.SetStatus(state.Status{Code: state.StatusIdle}, "")
	log.Debug().Msg("Stream controller detached")
}

// TogglePlayPause pauses or resumes the sink without ending the live
// session. No observable effect when not attached.
func (c *Controller) TogglePlayPause() {
	c.mu.Lock()
	if !c.attached || c.session == nil {
		c.mu.Unlock()
		return
	}

	c.paused = !c.paused
	paused := c.paused
	sink := c.sink
	playing := c.playing

	if paused {
		c.pausedAt = time.Now()
	} else if !c.pausedAt.IsZero() {
		// Paused time widens the gap between broadcast and ear.
		c.totalPaused += time.Since(c.pausedAt)
		c.pausedAt = time.Time{}
	}
	c.mu.Unlock()

	sink.SetPaused(paused)

	if playing {
		if paused {
			c.store.SetStatus(state.Status{Code: state.StatusPaused}, "Paused")
		} else {
			c.store.SetStatus(state.Status{Code: state.StatusPlaying}, c.liveMessage())
		}
	}
}

// SetVolume clamps percent to [0, 100], stores the normalized value and
// applies it to the sink. Out-of-range input is clamped, never
// rejected.
func (c *Controller) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	level := float64(percent) / 100

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.SetLevel(level)
	}
	c.store.SetVolume(level)
}

// CurrentBufferDelay reports how far the listener's ear lags the live
// edge: the decoder's buffered delay plus any accumulated pause time.
func (c *Controller) CurrentBufferDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := c.bufferDelay + c.totalPaused
	if !c.pausedAt.IsZero() {
		delay += time.Since(c.pausedAt)
	}
	return delay
}

func (c *Controller) liveMessage() string {
	c.mu.Lock()
	delay := c.bufferDelay
	c.mu.Unlock()
	return fmt.Sprintf("Live - %.1fs behind broadcast", delay.Seconds())
}

// cancelRetryLocked stops a pending reconnect timer. Caller holds mu.
func (c *Controller) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryPending = false
}

// connect loads a session for the captured token and hands it to the
// event consumer. Runs on its own goroutine.
func (c *Controller) connect(tok uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if tok != c.token {
		c.mu.Unlock()
		cancel()
		return
	}
	c.loadCancel = cancel
	url := c.streamURL
	c.mu.Unlock()

	log.Debug().Msgf("Connecting to stream: %s", url)
	session, err := c.dec.Load(ctx, url)

	c.mu.Lock()
	if tok != c.token {
		c.mu.Unlock()
		if session != nil {
			session.Close()
		}
		return
	}
	c.loadCancel = nil

	if err != nil {
		c.mu.Unlock()
		log.Warn().Err(err).Msg("Stream load failed")
		c.handleFailure(tok, err.Error())
		return
	}

	c.session = session
	sink := c.sink
	c.mu.Unlock()

	if err := sink.Play(session.Format(), session.Streamer()); err != nil {
		log.Error().Err(err).Msg("Failed to start audio output")
		c.handleFailure(tok, err.Error())
		return
	}

	go c.consumeEvents(tok, session)
}

// consumeEvents translates decoder events into status transitions for
// as long as the token stays current.
func (c *Controller) consumeEvents(tok uint64, session decoder.Session) {
	for ev := range session.Events() {
		c.mu.Lock()
		if tok != c.token {
			c.mu.Unlock()
			return
		}

		switch ev.Type {
		case decoder.EventReady:
			c.mu.Unlock()
			c.store.SetStatus(state.Status{Code: state.StatusBuffering}, "Buffering stream...")

		case decoder.EventBufferUpdate:
			c.bufferDelay = ev.Delay
			first := !c.playing
			if first {
				c.playing = true
				c.attempt = 0
			}
			paused := c.paused
			c.mu.Unlock()

			if paused {
				break
			}
			msg := fmt.Sprintf("Live - %.1fs behind broadcast", ev.Delay.Seconds())
			if first {
				c.store.SetStatus(state.Status{Code: state.StatusPlaying}, msg)
			} else {
				c.store.SetStatusMessage(msg)
			}

		case decoder.EventError:
			c.mu.Unlock()
			if ev.Fatal {
				log.Warn().Msgf("Fatal decoder error: %s", ev.Reason)
				c.handleFailure(tok, ev.Reason)
				return
			}
			c.store.SetStatusMessage(ev.Reason)

		default:
			c.mu.Unlock()
		}
	}
}

// handleFailure counts one consecutive failure, then either schedules a
// backoff retry or gives up into Failed. Only an explicit Attach
// recovers from Failed.
func (c *Controller) handleFailure(tok uint64, reason string) {
	c.mu.Lock()
	if tok != c.token {
		c.mu.Unlock()
		return
	}

	session := c.session
	c.session = nil
	c.playing = false
	c.paused = false
	sink := c.sink
	c.attempt++
	attempt := c.attempt

	if attempt >= c.opts.MaxAttempts {
		c.attached = false
		c.retryPending = false
		c.token++
		c.mu.Unlock()

		if session != nil {
			session.Close()
		}
		if sink != nil {
			sink.Clear()
		}

		log.Error().Msgf("Giving up after %d attempts: %s", attempt, reason)
		c.store.SetStatus(state.Status{Code: state.StatusFailed, Reason: reason},
			fmt.Sprintf("Connection failed: %s", reason))
		return
	}

	delay := c.backoff(attempt)
	c.retryPending = true
	c.retryTimer = time.AfterFunc(delay, func() { c.retryFire(tok) })
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if sink != nil {
		sink.Clear()
	}

	log.Warn().Msgf("Stream failed, retrying in %v... (%d/%d)", delay, attempt, c.opts.MaxAttempts)
	c.store.SetStatus(state.Status{Code: state.StatusReconnecting, Attempt: attempt},
		fmt.Sprintf("Reconnecting in %v (attempt %d/%d)", delay, attempt, c.opts.MaxAttempts))
}

func (c *Controller) retryFire(tok uint64) {
	c.mu.Lock()
	if tok != c.token || !c.retryPending {
		c.mu.Unlock()
		return
	}
	c.retryPending = false
	c.retryTimer = nil
	c.mu.Unlock()

	c.store.SetStatus(state.Status{Code: state.StatusConnecting}, "Reconnecting to stream...")
	c.connect(tok)
}

func (c *Controller) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	d := c.opts.BackoffBase << shift
	if d > c.opts.BackoffCap {
		d = c.opts.BackoffCap
	}
	return d
}
