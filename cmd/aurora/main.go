package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/aurorafm/aurora/internal/audio"
	"github.com/aurorafm/aurora/internal/cache"
	"github.com/aurorafm/aurora/internal/config"
	"github.com/aurorafm/aurora/internal/decoder"
	"github.com/aurorafm/aurora/internal/engine"
	"github.com/aurorafm/aurora/internal/history"
	"github.com/aurorafm/aurora/internal/notify"
	"github.com/aurorafm/aurora/internal/state"
)

var (
	versionFlag = flag.Bool("version", false, "Show version information")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	volumeFlag  = flag.Int("volume", -1, "Playback volume 0-100 (overrides config)")
	sleepFlag   = flag.Duration("sleep", 0, "Stop playback after this duration (e.g. 45m)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		configPath, err := config.GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
	}
}

func setupLogging() {
	if *debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)

		cacheDir, err := cache.GetCacheDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
			cacheDir = os.TempDir()
		}
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
		}
		logPath := filepath.Join(cacheDir, "debug.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
			logFile = os.Stderr
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
		fmt.Printf("Debug log: %s\n", logPath)
		log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)
	} else {
		// Keep stdout clean for the now-playing lines.
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		logFile, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
		if err == nil {
			log.Logger = log.Output(logFile)
		}
	}
}

// printer writes one line per meaningful change: track transitions and
// status transitions, never buffer-delay churn.
type printer struct {
	mu         sync.Mutex
	lastTrack  string
	lastStatus string
}

func (p *printer) onSnapshot(snap state.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status := snap.Status.String(); status != p.lastStatus {
		p.lastStatus = status
		fmt.Printf("[%s] %s\n", status, snap.StatusMessage)
	}

	if snap.Track.IsZero() {
		return
	}
	display := snap.Track.Display()
	if display == p.lastTrack {
		return
	}
	p.lastTrack = display

	suffix := ""
	if !snap.HasTrackInfo {
		suffix = " (stale)"
	}
	fmt.Printf("  Now playing: %s%s\n", display, suffix)
}

func printRecentlyPlayed(entries []history.Entry) {
	if len(entries) == 0 {
		return
	}
	lines := lo.Map(entries, func(e history.Entry, _ int) string {
		return fmt.Sprintf("  %s  %s", e.PlayedAt.Format("15:04"), e.Track.Display())
	})
	fmt.Printf("Recently played:\n%s\n", strings.Join(lines, "\n"))
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	if *volumeFlag >= 0 {
		cfg.Volume = config.ClampVolume(*volumeFlag)
	}

	if *debugFlag {
		if configPath, err := config.GetConfigPath(); err == nil {
			log.Debug().Msgf("Config: %s", configPath)
		}
		if cacheDir, err := cache.GetCacheDir(); err == nil {
			log.Debug().Msgf("Cache: %s", cacheDir)
		}
	}

	var covers *cache.Cache
	if covers, err = cache.NewCache(); err != nil {
		log.Warn().Err(err).Msg("Cover cache unavailable")
		covers = nil
	} else {
		go func() {
			if err := covers.CleanExpired(); err != nil {
				log.Debug().Err(err).Msg("Cache cleanup failed")
			}
		}()
	}

	dec := decoder.NewHTTP(fmt.Sprintf("%s/%s", config.AppName, config.AppVersion))
	eng := engine.New(cfg, dec)

	p := &printer{}
	eng.Store().Subscribe(p.onSnapshot)

	var notifier *notify.Notifier
	if cfg.Notifications {
		notifier = notify.New(covers)
		notifier.Start(eng.Store())
	}

	fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
	fmt.Printf("Tuning in: %s\n", cfg.StreamURL)

	sink := audio.NewSpeaker(float64(cfg.Volume) / 100)
	if err := eng.Initialize(sink, cfg.StreamURL); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start playback: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var sleepChan <-chan time.Time
	if *sleepFlag > 0 {
		fmt.Printf("Sleep timer: stopping in %v\n", *sleepFlag)
		sleepChan = time.After(*sleepFlag)
	}

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal, cleaning up...")
	case <-sleepChan:
		fmt.Println("Sleep timer elapsed.")
		log.Info().Msg("Sleep timer elapsed, cleaning up...")
	}

	recent := eng.Store().Snapshot().RecentlyPlayed

	if notifier != nil {
		notifier.Stop()
	}
	eng.Destroy()

	printRecentlyPlayed(recent)
	fmt.Println("Goodbye.")
}
