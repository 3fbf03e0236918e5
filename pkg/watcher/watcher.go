package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/exprtools/pkg/loader"
)

// Reloader republishes the tool set. *loader.Loader implements it.
type Reloader interface {
	Reload(ctx context.Context) (*loader.Report, error)
	IsSource(name string) bool
}

// ScheduleParser accepts standard five field cron specs, an optional
// leading seconds field and descriptors such as "@every 30s"
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config holds watcher settings
type Config struct {
	// Dir is the descriptor directory
	Dir string
	// StabilityThreshold is how long events must settle before a reload
	StabilityThreshold time.Duration
	// PollSchedule enables a cron driven rescan, for file systems without
	// change notifications. Empty disables polling.
	PollSchedule string
	// DisableNotify turns off fsnotify and relies on polling alone
	DisableNotify bool
	// OnReload is called after every reload triggered by the watcher
	OnReload func(*loader.Report, error)
	Logger   *zerolog.Logger
}

// DescriptorWatcher reloads the tool set when descriptor files change
type DescriptorWatcher struct {
	cfg      Config
	reloader Reloader
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	cron    *cron.Cron

	done     chan struct{}
	stopOnce sync.Once

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	// reloadMu serializes reloads from fsnotify and polling
	reloadMu    sync.Mutex
	fingerprint string
}

// New creates a watcher for cfg.Dir. Start begins watching.
func New(cfg Config, reloader Reloader) (*DescriptorWatcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("descriptor directory is required")
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}
	if cfg.DisableNotify && cfg.PollSchedule == "" {
		return nil, fmt.Errorf("polling schedule is required when notifications are disabled")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	w := &DescriptorWatcher{
		cfg:      cfg,
		reloader: reloader,
		logger:   logger.With().Str("component", "watcher").Str("dir", cfg.Dir).Logger(),
		done:     make(chan struct{}),
	}

	if !cfg.DisableNotify {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		w.watcher = fw
	}

	if cfg.PollSchedule != "" {
		w.cron = cron.New(cron.WithParser(ScheduleParser))
		if _, err := w.cron.AddFunc(cfg.PollSchedule, w.poll); err != nil {
			if w.watcher != nil {
				_ = w.watcher.Close()
			}
			return nil, fmt.Errorf("invalid poll schedule %q: %w", cfg.PollSchedule, err)
		}
	}

	return w, nil
}

// Start begins watching. The current fingerprint is recorded so polling
// only reloads after a change.
func (w *DescriptorWatcher) Start() error {
	fp, err := w.scan()
	if err != nil {
		return fmt.Errorf("failed to scan descriptor directory: %w", err)
	}
	w.reloadMu.Lock()
	w.fingerprint = fp
	w.reloadMu.Unlock()

	if w.watcher != nil {
		if err := w.addDirectoryRecursive(w.cfg.Dir); err != nil {
			return fmt.Errorf("failed to watch descriptor directory: %w", err)
		}
		go w.eventLoop()
	}

	if w.cron != nil {
		w.cron.Start()
	}

	w.logger.Info().
		Bool("notify", w.watcher != nil).
		Str("poll", w.cfg.PollSchedule).
		Msg("Descriptor watcher started")

	return nil
}

// Stop stops watching and waits for a running poll to finish
func (w *DescriptorWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.cron != nil {
		<-w.cron.Stop().Done()
	}

	if w.watcher != nil {
		if err := w.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close watcher: %w", err)
		}
	}

	w.logger.Info().Msg("Descriptor watcher stopped")
	return nil
}

// eventLoop processes file system events
func (w *DescriptorWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *DescriptorWatcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) || event.Op == fsnotify.Chmod {
		return
	}

	isDir := false
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isDir = true
			_ = w.addDirectoryRecursive(event.Name)
		}
	}

	// Removed directories cannot be stat'ed, so any removal or rename is
	// treated as relevant.
	removed := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
	if !isDir && !removed && !w.reloader.IsSource(filepath.ToSlash(event.Name)) {
		return
	}

	w.logger.Debug().
		Str("path", event.Name).
		Str("op", event.Op.String()).
		Msg("Descriptor change detected")

	w.scheduleReload()
}

// scheduleReload debounces bursts of events into one reload
func (w *DescriptorWatcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.cfg.StabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload("notify")
		}
	})
}

// poll reloads when the directory fingerprint changed since the last reload
func (w *DescriptorWatcher) poll() {
	select {
	case <-w.done:
		return
	default:
	}

	fp, err := w.scan()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to scan descriptor directory")
		return
	}

	w.reloadMu.Lock()
	changed := fp != w.fingerprint
	w.reloadMu.Unlock()

	if changed {
		w.reload("poll")
	}
}

func (w *DescriptorWatcher) reload(trigger string) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if fp, err := w.scan(); err == nil {
		w.fingerprint = fp
	}

	report, err := w.reloader.Reload(context.Background())
	if err != nil {
		w.logger.Error().Err(err).Str("trigger", trigger).Msg("Reload failed")
	} else {
		w.logger.Info().
			Str("trigger", trigger).
			Str("generation", report.Generation).
			Int("registered", len(report.Registered)).
			Int("failures", len(report.Failures)).
			Msg("Descriptors reloaded")
	}

	if w.cfg.OnReload != nil {
		w.cfg.OnReload(report, err)
	}
}

// scan fingerprints the names, sizes and modification times of all
// descriptor sources
func (w *DescriptorWatcher) scan() (string, error) {
	h := sha256.New()

	err := filepath.WalkDir(w.cfg.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if w.ignored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !w.reloader.IsSource(filepath.ToSlash(p)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", p, info.Size(), info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// addDirectoryRecursive adds a directory and all its subdirectories to the watcher
func (w *DescriptorWatcher) addDirectoryRecursive(path string) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(walkPath) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(walkPath); err != nil {
			w.logger.Warn().
				Err(err).
				Str("path", walkPath).
				Msg("Failed to watch path")
		}
		return nil
	})
}

// ignored reports whether path, relative to the watched directory, has a
// hidden component
func (w *DescriptorWatcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}
