// Package track defines the immutable track value reported by the
// now-playing feed.
package track

import (
	"fmt"
	"strings"
)

// Track describes one broadcast song. Identity for deduplication is the
// trimmed (Title, Artist) pair, case-sensitive.
type Track struct {
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	DurationSeconds int    `json:"duration"`
	CoverURL        string `json:"coverUrl"`
}

// New trims identity fields and clamps a negative duration to zero.
func New(title, artist string, durationSeconds int, coverURL string) Track {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return Track{
		Title:           strings.TrimSpace(title),
		Artist:          strings.TrimSpace(artist),
		DurationSeconds: durationSeconds,
		CoverURL:        coverURL,
	}
}

// Same reports whether both tracks share the same identity pair.
func (t Track) Same(other Track) bool {
	return strings.TrimSpace(t.Title) == strings.TrimSpace(other.Title) &&
		strings.TrimSpace(t.Artist) == strings.TrimSpace(other.Artist)
}

// IsZero reports whether the track carries no usable identity.
func (t Track) IsZero() bool {
	return strings.TrimSpace(t.Title) == "" && strings.TrimSpace(t.Artist) == ""
}

// Display renders the track for humans: "Artist - Title", degrading to
// whichever part is present.
func (t Track) Display() string {
	title := strings.TrimSpace(t.Title)
	artist := strings.TrimSpace(t.Artist)

	switch {
	case artist != "" && title != "":
		return fmt.Sprintf("%s - %s", artist, title)
	case title != "":
		return title
	case artist != "":
		return artist
	default:
		return ""
	}
}
