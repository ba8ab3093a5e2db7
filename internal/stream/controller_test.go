package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aurorafm/aurora/internal/decoder"
	"github.com/aurorafm/aurora/internal/state"
	"github.com/gopxl/beep/v2"
)

type fakeSession struct {
	events    chan decoder.Event
	keepOpen  bool
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newFakeSession(keepOpen bool) *fakeSession {
	return &fakeSession{
		events:   make(chan decoder.Event, 16),
		keepOpen: keepOpen,
	}
}

func (s *fakeSession) Format() beep.Format {
	return beep.Format{SampleRate: beep.SampleRate(44100), NumChannels: 2, Precision: 2}
}

func (s *fakeSession) Streamer() beep.Streamer { return beep.Silence(-1) }

func (s *fakeSession) Events() <-chan decoder.Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if !s.keepOpen {
		s.closeOnce.Do(func() { close(s.events) })
	}
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDecoder fails the first failures loads, then hands out sessions.
type fakeDecoder struct {
	mu       sync.Mutex
	failures int
	loads    int
	keepOpen bool
	sessions []*fakeSession
}

func (d *fakeDecoder) Load(ctx context.Context, streamURL string) (decoder.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.loads++
	if d.loads <= d.failures {
		return nil, errors.New("manifest fetch failed")
	}
	s := newFakeSession(d.keepOpen)
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDecoder) loadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads
}

func (d *fakeDecoder) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type fakeSink struct {
	mu      sync.Mutex
	playing bool
	paused  bool
	level   float64
	clears  int
}

func (s *fakeSink) Play(beep.Format, beep.Streamer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

func (s *fakeSink) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

func (s *fakeSink) SetLevel(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.clears++
}

func (s *fakeSink) getLevel() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *fakeSink) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// statusRecorder captures the status transition sequence.
type statusRecorder struct {
	mu    sync.Mutex
	codes []state.StatusCode
	full  []state.Status
}

func record(store *state.Store) *statusRecorder {
	r := &statusRecorder{}
	store.Subscribe(func(snap state.Snapshot) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.codes) == 0 || r.codes[len(r.codes)-1] != snap.Status.Code {
			r.codes = append(r.codes, snap.Status.Code)
			r.full = append(r.full, snap.Status)
		}
	})
	return r
}

func (r *statusRecorder) sequence() []state.StatusCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]state.StatusCode, len(r.codes))
	copy(out, r.codes)
	return out
}

func (r *statusRecorder) statuses() []state.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]state.Status, len(r.full))
	copy(out, r.full)
	return out
}

func waitForStatus(t *testing.T, store *state.Store, code state.StatusCode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Snapshot().Status.Code == code {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %v, have %v", code, store.Snapshot().Status)
}

func waitForCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasSubsequence(seq []state.StatusCode, want []state.StatusCode) bool {
	i := 0
	for _, code := range seq {
		if i < len(want) && code == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestAttachStatusLadder(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{}
	sink := &fakeSink{}
	c := NewController(store, dec, Options{})
	rec := record(store)

	if err := c.Attach(sink, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	waitForCondition(t, "session load", func() bool { return dec.lastSession() != nil })
	session := dec.lastSession()

	session.events <- decoder.Event{Type: decoder.EventReady}
	waitForStatus(t, store, state.StatusBuffering)

	session.events <- decoder.Event{Type: decoder.EventBufferUpdate, Delay: 3 * time.Second}
	waitForStatus(t, store, state.StatusPlaying)

	seq := rec.sequence()
	want := []state.StatusCode{state.StatusConnecting, state.StatusBuffering, state.StatusPlaying}
	if !hasSubsequence(seq, want) {
		t.Errorf("status sequence %v missing ladder %v", seq, want)
	}

	// Pause and resume return to Playing.
	c.TogglePlayPause()
	waitForStatus(t, store, state.StatusPaused)
	if !sink.isPaused() {
		t.Error("sink should be paused")
	}

	c.TogglePlayPause()
	waitForStatus(t, store, state.StatusPlaying)
	if sink.isPaused() {
		t.Error("sink should be resumed")
	}

	c.Detach()
}

func TestAttachWhileAttachedFails(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{}
	c := NewController(store, dec, Options{})

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := c.Attach(&fakeSink{}, "https://example.com/live"); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach = %v, want ErrAlreadyAttached", err)
	}

	c.Detach()
}

func TestDetachIdempotent(t *testing.T) {
	store := state.NewStore()
	c := NewController(store, &fakeDecoder{}, Options{})

	// Never attached: must be safe.
	c.Detach()
	c.Detach()

	if store.Snapshot().Status.Code != state.StatusIdle {
		t.Errorf("status = %v, want IDLE", store.Snapshot().Status)
	}
}

func TestFailsAfterMaxAttempts(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{failures: 100}
	c := NewController(store, dec, Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	rec := record(store)

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	waitForStatus(t, store, state.StatusFailed)

	loads := dec.loadCount()
	if loads != 3 {
		t.Errorf("loads = %d, want exactly 3", loads)
	}

	// No further auto-retry after Failed.
	time.Sleep(50 * time.Millisecond)
	if dec.loadCount() != loads {
		t.Errorf("loads grew to %d after Failed", dec.loadCount())
	}

	statuses := rec.statuses()
	last := statuses[len(statuses)-1]
	if last.Code != state.StatusFailed || last.Reason == "" {
		t.Errorf("final status = %+v, want Failed with reason", last)
	}

	// Explicit Attach recovers from Failed.
	dec.mu.Lock()
	dec.failures = 0
	dec.loads = 0
	dec.mu.Unlock()

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach after Failed: %v", err)
	}
	waitForCondition(t, "recovery load", func() bool { return dec.lastSession() != nil })
	c.Detach()
}

func TestAttemptCounterResetsAfterPlaying(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{failures: 1}
	c := NewController(store, dec, Options{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	})

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// First load fails (attempt 1 of 2), second succeeds.
	waitForCondition(t, "session after retry", func() bool { return dec.lastSession() != nil })
	session := dec.lastSession()
	session.events <- decoder.Event{Type: decoder.EventReady}
	session.events <- decoder.Event{Type: decoder.EventBufferUpdate, Delay: time.Second}
	waitForStatus(t, store, state.StatusPlaying)

	// A fatal error now must count as attempt 1 again, not attempt 2:
	// with max attempts 2, a non-reset counter would land in Failed.
	session.events <- decoder.Event{Type: decoder.EventError, Fatal: true, Reason: "fragment timeout"}

	waitForCondition(t, "reconnect session", func() bool {
		s := dec.lastSession()
		return s != nil && s != session
	})
	next := dec.lastSession()
	next.events <- decoder.Event{Type: decoder.EventReady}
	next.events <- decoder.Event{Type: decoder.EventBufferUpdate, Delay: time.Second}
	waitForStatus(t, store, state.StatusPlaying)

	if store.Snapshot().Status.Code == state.StatusFailed {
		t.Fatal("attempt counter did not reset after Playing")
	}

	c.Detach()
}

func TestDetachCancelsPendingReconnect(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{failures: 100}
	c := NewController(store, dec, Options{
		MaxAttempts: 10,
		BackoffBase: time.Hour, // never fires on its own
	})

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitForStatus(t, store, state.StatusReconnecting)

	loads := dec.loadCount()
	c.Detach()
	waitForStatus(t, store, state.StatusIdle)

	time.Sleep(20 * time.Millisecond)
	if dec.loadCount() != loads {
		t.Errorf("loads grew after Detach: %d -> %d", loads, dec.loadCount())
	}
}

func TestAttachDuringReconnectingStartsFresh(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{failures: 1}
	c := NewController(store, dec, Options{
		MaxAttempts: 10,
		BackoffBase: time.Hour,
	})

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitForStatus(t, store, state.StatusReconnecting)

	// The pending hour-long retry is replaced by a fresh attach.
	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach during Reconnecting: %v", err)
	}

	waitForCondition(t, "fresh session", func() bool { return dec.lastSession() != nil })
	session := dec.lastSession()
	session.events <- decoder.Event{Type: decoder.EventReady}
	session.events <- decoder.Event{Type: decoder.EventBufferUpdate, Delay: time.Second}
	waitForStatus(t, store, state.StatusPlaying)

	c.Detach()
}

func TestStaleSessionEventsIgnoredAfterDetach(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{keepOpen: true}
	c := NewController(store, dec, Options{})

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitForCondition(t, "session load", func() bool { return dec.lastSession() != nil })
	session := dec.lastSession()

	c.Detach()
	waitForStatus(t, store, state.StatusIdle)
	if !session.isClosed() {
		t.Error("Detach should close the session")
	}

	// Late events from the superseded session must not mutate state.
	session.events <- decoder.Event{Type: decoder.EventReady}
	session.events <- decoder.Event{Type: decoder.EventBufferUpdate, Delay: time.Second}

	time.Sleep(20 * time.Millisecond)
	if got := store.Snapshot().Status.Code; got != state.StatusIdle {
		t.Errorf("status = %v after stale events, want IDLE", got)
	}
}

func TestSetVolumeClamps(t *testing.T) {
	tests := []struct {
		percent  int
		expected float64
	}{
		{150, 1.0},
		{-10, 0.0},
		{0, 0.0},
		{100, 1.0},
		{50, 0.5},
	}

	for _, tt := range tests {
		store := state.NewStore()
		sink := &fakeSink{}
		c := NewController(store, &fakeDecoder{}, Options{})
		if err := c.Attach(sink, "https://example.com/live"); err != nil {
			t.Fatalf("Attach: %v", err)
		}

		c.SetVolume(tt.percent)

		if got := store.Snapshot().Volume; got != tt.expected {
			t.Errorf("SetVolume(%d): store volume = %v, want %v", tt.percent, got, tt.expected)
		}
		if got := sink.getLevel(); got != tt.expected {
			t.Errorf("SetVolume(%d): sink level = %v, want %v", tt.percent, got, tt.expected)
		}
		c.Detach()
	}
}

func TestSetVolumeWithoutSink(t *testing.T) {
	store := state.NewStore()
	c := NewController(store, &fakeDecoder{}, Options{})

	c.SetVolume(80)
	if got := store.Snapshot().Volume; got != 0.8 {
		t.Errorf("store volume = %v, want 0.8", got)
	}
}

func TestTogglePlayPauseWhenNotAttached(t *testing.T) {
	store := state.NewStore()
	c := NewController(store, &fakeDecoder{}, Options{})

	c.TogglePlayPause()

	if store.Snapshot().Status.Code != state.StatusIdle {
		t.Errorf("status = %v, toggle before attach must have no effect", store.Snapshot().Status)
	}
}

func TestCurrentBufferDelayIncludesPauses(t *testing.T) {
	store := state.NewStore()
	dec := &fakeDecoder{}
	c := NewController(store, dec, Options{})

	if err := c.Attach(&fakeSink{}, "https://example.com/live"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitForCondition(t, "session load", func() bool { return dec.lastSession() != nil })
	session := dec.lastSession()
	session.events <- decoder.Event{Type: decoder.EventBufferUpdate, Delay: 2 * time.Second}

	waitForCondition(t, "buffer delay", func() bool {
		return c.CurrentBufferDelay() >= 2*time.Second
	})

	c.TogglePlayPause()
	time.Sleep(20 * time.Millisecond)

	if got := c.CurrentBufferDelay(); got < 2*time.Second+15*time.Millisecond {
		t.Errorf("delay = %v, should grow while paused", got)
	}

	c.Detach()
	if got := c.CurrentBufferDelay(); got != 0 {
		t.Errorf("delay = %v after Detach, want 0", got)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	c := NewController(state.NewStore(), &fakeDecoder{}, Options{
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	})

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := c.backoff(tt.attempt); got != tt.expected {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}
