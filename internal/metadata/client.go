// Package metadata keeps the displayed track aligned with what the
// listener actually hears, by polling the out-of-band now-playing feed
// and delaying transitions by the current buffering gap.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aurorafm/aurora/internal/track"
	"github.com/go-resty/resty/v2"
)

// ErrNoTrack means the feed answered but carried no usable track
// identity.
var ErrNoTrack = errors.New("metadata feed returned no usable track")

const defaultRequestTimeout = 10 * time.Second

// Client fetches the now-playing feed.
type Client struct {
	feedURL string
	client  *resty.Client
}

// NewClient creates a feed client with sensible defaults.
func NewClient(feedURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		feedURL: feedURL,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Cache-Control", "no-store"),
	}
}

type nowPlayingPayload struct {
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Duration float64 `json:"duration"`
	CoverURL string  `json:"coverUrl"`
}

// Fetch GETs the feed once. A malformed payload or a payload with no
// identity degrades to ErrNoTrack; callers treat any error as one
// missed sample, never as an engine failure.
func (c *Client) Fetch(ctx context.Context) (track.Track, error) {
	resp, err := c.client.R().SetContext(ctx).Get(c.feedURL)
	if err != nil {
		return track.Track{}, fmt.Errorf("failed to fetch now-playing feed: %w", err)
	}

	if !resp.IsSuccess() {
		return track.Track{}, fmt.Errorf("feed returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var payload nowPlayingPayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return track.Track{}, fmt.Errorf("failed to parse feed response: %w", err)
	}

	t := track.New(payload.Title, payload.Artist, int(payload.Duration), payload.CoverURL)
	if t.IsZero() {
		return track.Track{}, ErrNoTrack
	}
	return t, nil
}
