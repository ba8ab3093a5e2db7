// Package cache provides disk caching for downloaded cover art.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultExpiry is how long cached covers are valid (7 days).
	DefaultExpiry = 7 * 24 * time.Hour
	// CoverSubdir is the subdirectory for cached cover art.
	CoverSubdir = "covers"
	// AppName is used for the cache directory name.
	AppName = "aurora"

	downloadTimeout = 10 * time.Second
)

// Cache manages disk-based caching of track cover art, keyed by URL.
// Cached covers are kept as files so their paths can be handed to the
// desktop notification layer directly.
type Cache struct {
	baseDir string
	expiry  time.Duration
	client  *resty.Client
}

// NewCache creates a new Cache instance with the default expiry.
func NewCache() (*Cache, error) {
	cacheDir, err := GetCacheDir()
	if err != nil {
		return nil, err
	}

	return &Cache{
		baseDir: cacheDir,
		expiry:  DefaultExpiry,
		client:  resty.New().SetTimeout(downloadTimeout),
	}, nil
}

// GetCacheDir returns the platform-specific cache directory for the application.
func GetCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}

	cacheDir := filepath.Join(userCacheDir, AppName)
	return cacheDir, nil
}

func (c *Cache) ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func hashURL(url string) string {
	hash := md5.Sum([]byte(url))
	return hex.EncodeToString(hash[:])
}

// coverExt extracts a sane file extension from the cover URL, falling
// back to .img for extensionless URLs.
func coverExt(coverURL string) string {
	u, err := url.Parse(coverURL)
	if err != nil {
		return ".img"
	}
	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 5 {
		return ".img"
	}
	return ext
}

func (c *Cache) coverPath(coverURL string) string {
	filename := hashURL(coverURL) + coverExt(coverURL)
	return filepath.Join(c.baseDir, CoverSubdir, filename)
}

// GetCover returns the cached file path for a cover URL, or "" if the
// cover is not cached or has expired.
func (c *Cache) GetCover(coverURL string) string {
	coverPath := c.coverPath(coverURL)

	info, err := os.Stat(coverPath)
	if err != nil {
		return ""
	}

	if time.Since(info.ModTime()) > c.expiry {
		if err := os.Remove(coverPath); err != nil {
			log.Debug().Err(err).Str("file", coverPath).Msg("Failed to remove expired cache file")
		}
		return ""
	}

	return coverPath
}

// SaveCover stores raw cover bytes in the cache and returns the file path.
func (c *Cache) SaveCover(coverURL string, data []byte) (string, error) {
	coverDir := filepath.Join(c.baseDir, CoverSubdir)

	if err := c.ensureDir(coverDir); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	coverPath := c.coverPath(coverURL)
	if err := os.WriteFile(coverPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}

	return coverPath, nil
}

// FetchCover returns a local file path for the cover art, downloading
// and caching it on a miss.
func (c *Cache) FetchCover(ctx context.Context, coverURL string) (string, error) {
	if coverURL == "" {
		return "", fmt.Errorf("empty cover URL")
	}

	if cached := c.GetCover(coverURL); cached != "" {
		return cached, nil
	}

	resp, err := c.client.R().SetContext(ctx).Get(coverURL)
	if err != nil {
		return "", fmt.Errorf("failed to download cover: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("cover download returned status %d", resp.StatusCode())
	}

	return c.SaveCover(coverURL, resp.Body())
}

// CleanExpired removes cache files older than the expiry duration.
func (c *Cache) CleanExpired() error {
	coverDir := filepath.Join(c.baseDir, CoverSubdir)

	entries, err := os.ReadDir(coverDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	now := time.Now()
	var removed, failed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Debug().Err(err).Str("file", entry.Name()).Msg("Failed to get file info")
			continue
		}

		if now.Sub(info.ModTime()) > c.expiry {
			filePath := filepath.Join(coverDir, entry.Name())
			if err := os.Remove(filePath); err != nil {
				log.Debug().Err(err).Str("file", filePath).Msg("Failed to remove expired cache file")
				failed++
			} else {
				removed++
			}
		}
	}

	if removed > 0 || failed > 0 {
		log.Debug().Int("removed", removed).Int("failed", failed).Msg("Cache cleanup completed")
	}

	return nil
}
