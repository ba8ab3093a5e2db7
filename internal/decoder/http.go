package decoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/rs/zerolog/log"
)

const (
	networkReadSize    = 4096
	sampleChannelSize  = 8192
	readTimeout        = 5 * time.Second
	bufferReportPeriod = 500 * time.Millisecond
)

// StatusError is returned by Load when the stream endpoint answers with
// a non-success HTTP status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream returned status %d: %s", e.StatusCode, e.Status)
}

// HTTP is the production decoder: a long-lived HTTP audio stream
// decoded through beep's MP3 decoder.
type HTTP struct {
	client    *http.Client
	userAgent string
}

// NewHTTP builds a decoder with a client tuned for long-lived streams:
// no overall timeout, but bounded dial, TLS and header phases.
func NewHTTP(userAgent string) *HTTP {
	return &HTTP{
		userAgent: userAgent,
		client: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
				DisableKeepAlives:     false,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				DisableCompression:    true,
			},
		},
	}
}

// Load connects to streamURL and returns a running session. The caller
// ctx only bounds connection establishment; the session outlives it and
// ends via Close.
func (d *HTTP) Load(ctx context.Context, streamURL string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(sessionCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	log.Debug().Msgf("Stream response status: %d, Content-Type: %s",
		resp.StatusCode, resp.Header.Get("Content-Type"))

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	s := &httpSession{
		ctx:      sessionCtx,
		cancel:   cancel,
		body:     resp.Body,
		sampleCh: make(chan [2]float64, sampleChannelSize),
		events:   make(chan Event, 16),
	}

	pipeReader, pipeWriter := io.Pipe()

	reader := newStreamReader(sessionCtx, resp.Body, readTimeout)

	s.wg.Add(1)
	go s.readNetworkStream(reader, pipeWriter)

	streamer, format, err := mp3.Decode(pipeReader)
	if err != nil {
		pipeReader.Close()
		pipeWriter.Close()
		s.Close()
		return nil, fmt.Errorf("failed to decode stream: %w", err)
	}
	s.format = format

	s.wg.Add(2)
	go s.decodeAndBuffer(streamer, pipeReader)
	go s.reportBuffer()

	s.emit(Event{Type: EventReady})

	return s, nil
}

type httpSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	format beep.Format

	sampleCh chan [2]float64
	events   chan Event
	wg       sync.WaitGroup

	emitMu     sync.Mutex
	eventsDone bool

	closeOnce sync.Once
}

func (s *httpSession) Format() beep.Format { return s.format }

func (s *httpSession) Streamer() beep.Streamer {
	return &drainStreamer{sampleCh: s.sampleCh}
}

func (s *httpSession) Events() <-chan Event { return s.events }

// Close cancels the session, waits for its goroutines and closes the
// events channel.
func (s *httpSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
		s.wg.Wait()

		s.emitMu.Lock()
		s.eventsDone = true
		close(s.events)
		s.emitMu.Unlock()

		log.Debug().Msg("Decoder session closed")
	})
	return nil
}

// emit delivers an event. Buffer updates are lossy: a consumer that
// stopped draining only loses intermediate delay readings. Ready and
// error events wait for queue space, since the controller acts on
// them; session cancellation unblocks a waiting emitter.
func (s *httpSession) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsDone {
		return
	}

	if ev.Type == EventBufferUpdate {
		select {
		case s.events <- ev:
		default:
		}
		return
	}

	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *httpSession) fail(reason string) {
	s.emit(Event{Type: EventError, Fatal: true, Reason: reason})
}

// readNetworkStream moves raw stream bytes into the decode pipe,
// reporting a fatal event on any read failure.
func (s *httpSession) readNetworkStream(r *streamReader, pipeWriter *io.PipeWriter) {
	var exitErr error

	defer func() {
		if exitErr != nil {
			pipeWriter.CloseWithError(exitErr)
		} else {
			pipeWriter.Close()
		}
		s.wg.Done()
		log.Debug().Msg("Network stream reader stopped")
	}()

	for {
		data, err := r.Next()

		if len(data) > 0 {
			if _, werr := pipeWriter.Write(data); werr != nil {
				// The decode side closed the pipe.
				return
			}
		}

		if err == nil {
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		if err == io.EOF {
			s.fail("stream ended unexpectedly")
			return
		}
		log.Error().Err(err).Msg("Error reading audio data from stream")
		exitErr = err
		s.fail(fmt.Sprintf("network read error: %v", err))
		return
	}
}

// decodeAndBuffer pulls decoded samples into the bounded channel the
// drain streamer feeds from.
func (s *httpSession) decodeAndBuffer(streamer beep.StreamSeekCloser, pipeReader *io.PipeReader) {
	defer func() {
		streamer.Close()
		pipeReader.Close()
		close(s.sampleCh)
		s.wg.Done()
		log.Debug().Msg("Decoder goroutine stopped")
	}()

	decoded := make([][2]float64, 4096)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, ok := streamer.Stream(decoded)
		if !ok {
			if err := streamer.Err(); err != nil && s.ctx.Err() == nil {
				log.Error().Err(err).Msg("Stream decoding error")
				s.fail(fmt.Sprintf("decode error: %v", err))
			}
			return
		}

		for i := 0; i < n; i++ {
			select {
			case <-s.ctx.Done():
				return
			case s.sampleCh <- decoded[i]:
			}
		}
	}
}

// reportBuffer periodically translates channel fill into the buffering
// delay consumers use to align metadata with audible playback.
func (s *httpSession) reportBuffer() {
	defer s.wg.Done()

	ticker := time.NewTicker(bufferReportPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.emit(Event{Type: EventBufferUpdate, Delay: s.bufferedDelay()})
		}
	}
}

func (s *httpSession) bufferedDelay() time.Duration {
	rate := int(s.format.SampleRate)
	if rate <= 0 {
		return 0
	}
	buffered := len(s.sampleCh)
	return time.Duration(buffered) * time.Second / time.Duration(rate)
}

// drainStreamer feeds the audio sink from the sample channel with
// non-blocking reads, so a network stall produces silence instead of
// holding the speaker mutex.
type drainStreamer struct {
	sampleCh <-chan [2]float64
	done     bool
}

func (d *drainStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	filled := 0

	if !d.done {
		for i := range samples {
			select {
			case sample, more := <-d.sampleCh:
				if !more {
					d.done = true
				} else {
					samples[i] = sample
					filled = i + 1
				}
			default:
			}
			if d.done || filled <= i {
				break
			}
		}
	}

	for i := filled; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}

	return len(samples), true
}

func (d *drainStreamer) Err() error { return nil }

// streamReader pumps the network body into a chunk channel on one
// long-lived goroutine, so each consumer read can be bounded by a
// timeout and the session context instead of hanging on a silent
// connection. The pump exits on context cancellation or the first read
// error.
type streamReader struct {
	ctx     context.Context
	timeout time.Duration
	chunks  chan readChunk
}

type readChunk struct {
	data []byte
	err  error
}

func newStreamReader(ctx context.Context, body io.Reader, timeout time.Duration) *streamReader {
	r := &streamReader{
		ctx:     ctx,
		timeout: timeout,
		chunks:  make(chan readChunk),
	}
	go r.pump(body)
	return r
}

func (r *streamReader) pump(body io.Reader) {
	buffered := bufio.NewReader(body)
	for {
		chunk := make([]byte, networkReadSize)
		n, err := buffered.Read(chunk)

		select {
		case r.chunks <- readChunk{data: chunk[:n], err: err}:
		case <-r.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next chunk of stream bytes. It errors when the
// stream fails, goes silent past the timeout, or the session ends.
func (r *streamReader) Next() ([]byte, error) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case chunk := <-r.chunks:
		return chunk.data, chunk.err
	case <-timer.C:
		return nil, fmt.Errorf("read timeout: no data received for %v", r.timeout)
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}
