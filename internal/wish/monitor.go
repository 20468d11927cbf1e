// Package wish discovers the game client's wish authorization URL.
//
// The client writes the URL into a per-session web cache file whose location
// is only discoverable indirectly: the client log names the game data
// directory, the freshest webCaches subdirectory belongs to the current
// session, and the cache blob lives at a fixed relative path inside it. The
// monitor follows that chain with a cascading filesystem watch and publishes
// each newly validated URL.
package wish

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/gachacap/gachacap/internal/logger"
)

// DefaultOutputLogPath returns the per-OS location of the client log.
func DefaultOutputLogPath() (string, error) {
	var base string
	if runtime.GOOS == "windows" {
		base = os.Getenv("USERPROFILE")
		if base == "" {
			return "", errors.New("could not find USERPROFILE")
		}
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "could not find home directory")
		}
		base = home
	}
	return filepath.Join(base, "AppData", "LocalLow", "miHoYo", "Genshin Impact", "output_log.txt"), nil
}

// validator is satisfied by *Validator; tests substitute fakes.
type validator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Config configures a Monitor.
type Config struct {
	// OutputLogPath is the client log location. Empty selects the per-OS
	// default.
	OutputLogPath string
	// Debounce is the window for coalescing filesystem event bursts.
	// Zero selects one second.
	Debounce time.Duration
	// Validator checks extracted URLs. Nil selects a live HTTP validator
	// with a 10 second timeout.
	Validator validator
	// Log is the logger to use. Nil selects the process default.
	Log *logger.Logger
}

// Monitor watches the client log, derives the current session's cache file
// from it, and publishes each new validated wish URL found there.
//
// The log watch lives for the whole monitor lifetime: the log can be
// rewritten to point at a different install at any time. The cache watch is
// added once a session is discovered and replaced whenever the log points
// somewhere new; the previous registration is removed once the new one is in
// place so watch subscriptions don't pile up across session restarts.
type Monitor struct {
	logPath   string
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	validator validator
	log       *logger.Logger
	publisher *Publisher

	// cacheFilePath transitions from empty to discovered and may be
	// replaced, but never reverts to empty.
	cacheFilePath   string
	watchedCacheDir string
	lastPublished   string
}

// NewMonitor resolves the client log path and registers the log watch.
func NewMonitor(cfg Config) (*Monitor, error) {
	logPath := cfg.OutputLogPath
	if logPath == "" {
		var err error
		logPath, err = DefaultOutputLogPath()
		if err != nil {
			return nil, err
		}
	}

	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = time.Second
	}
	v := cfg.Validator
	if v == nil {
		v = NewValidator(10 * time.Second)
	}
	log := cfg.Log
	if log == nil {
		log = logger.GetLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating filesystem watcher")
	}

	m := &Monitor{
		logPath:   filepath.Clean(logPath),
		watcher:   watcher,
		debounce:  debounce,
		validator: v,
		log:       log,
		publisher: NewPublisher(),
	}

	// Watch the log's parent directory rather than the file: the client
	// truncates and replaces the log on launch, which breaks file-level
	// watches.
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watching %s", filepath.Dir(logPath))
	}

	return m, nil
}

// Publisher exposes the URL broadcast for subscribers.
func (m *Monitor) Publisher() *Publisher { return m.publisher }

// Updates returns a subscription to newly published URLs.
func (m *Monitor) Updates() <-chan string { return m.publisher.Subscribe() }

// Current returns the latest published URL, if any.
func (m *Monitor) Current() (string, bool) { return m.publisher.Current() }

// Close drops every watch registration.
func (m *Monitor) Close() error {
	return m.watcher.Close()
}

// Run executes the watch loop until ctx ends. Filesystem events are
// debounced per origin; every discovery step that isn't ready yet is logged
// and retried on the next event, never on a timer.
func (m *Monitor) Run(ctx context.Context) error {
	// The log may already point at a live session with a cached URL;
	// don't wait for the first event.
	m.handleLogChange(ctx)

	var (
		timer        *time.Timer
		timerC       <-chan time.Time
		logPending   bool
		cachePending bool
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			origin, relevant := m.classify(event)
			if !relevant {
				continue
			}
			if origin == originLog {
				logPending = true
			} else {
				cachePending = true
			}
			if timerC == nil {
				timer = time.NewTimer(m.debounce)
				timerC = timer.C
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("[wish] watcher error: %v", err)

		case <-timerC:
			timer.Stop()
			timerC = nil
			fireLog, fireCache := logPending, cachePending
			logPending, cachePending = false, false
			m.handleEvent(ctx, fireLog, fireCache)
		}
	}
}

type eventOrigin int

const (
	originLog eventOrigin = iota
	originCache
)

// classify maps a raw filesystem event to the watched path it concerns.
func (m *Monitor) classify(event fsnotify.Event) (eventOrigin, bool) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return 0, false
	}
	if filepath.Clean(event.Name) == m.logPath {
		return originLog, true
	}
	if m.cacheFilePath != "" && filepath.Clean(event.Name) == m.cacheFilePath {
		return originCache, true
	}
	return 0, false
}

// handleEvent is the single dispatch point for debounced events. A log
// change re-runs discovery, which re-extracts only when the cache path moved;
// a cache event coalesced into the same window must still be handled when the
// path stayed put, since the client appends to the log continuously while the
// cache file picks up new URLs.
func (m *Monitor) handleEvent(ctx context.Context, logChanged, cacheChanged bool) {
	extracted := false
	if logChanged {
		extracted = m.handleLogChange(ctx)
	}
	if cacheChanged && !extracted {
		m.handleCacheChange(ctx)
	}
}

// handleLogChange re-derives the current session's cache file from the log
// and moves the cache watch if it changed. It reports whether it already
// re-extracted from the (new) cache file.
func (m *Monitor) handleLogChange(ctx context.Context) bool {
	dataDir, err := findGameDataDir(m.logPath)
	if err != nil {
		m.log.Debug("[wish] %v", err)
		return false
	}

	cacheDir, err := latestWebCacheDir(dataDir)
	if err != nil {
		m.log.Debug("[wish] %v", err)
		return false
	}

	dataFile := cacheDataFile(cacheDir)
	if dataFile == m.cacheFilePath {
		return false
	}

	watchDir := filepath.Dir(dataFile)

	// Register the new session directory before dropping the old one so a
	// failed Add leaves the previous watch and bookkeeping intact.
	if err := m.watcher.Add(watchDir); err != nil {
		m.log.Debug("[wish] cannot watch %s yet: %v", watchDir, err)
		return false
	}
	if m.watchedCacheDir != "" {
		if err := m.watcher.Remove(m.watchedCacheDir); err != nil {
			m.log.Warn("[wish] failed to unwatch %s: %v", m.watchedCacheDir, err)
		}
	}
	m.watchedCacheDir = watchDir
	m.cacheFilePath = dataFile
	m.log.Info("[wish] watching cache file %s", dataFile)

	// The file may already contain a valid URL; extract immediately
	// instead of waiting for the next filesystem event.
	m.handleCacheChange(ctx)
	return true
}

// handleCacheChange re-reads the cache file and publishes a newly validated
// URL. An unchanged URL triggers neither validation nor publication.
func (m *Monitor) handleCacheChange(ctx context.Context) {
	if m.cacheFilePath == "" {
		return
	}

	url, err := extractWishURL(m.cacheFilePath)
	if err != nil {
		m.log.Debug("[wish] %v", err)
		return
	}

	if url == m.lastPublished {
		m.log.Debug("[wish] wish URL unchanged")
		return
	}

	if err := m.validator.Validate(ctx, url); err != nil {
		m.log.Warn("[wish] wish URL validation failed: %v", err)
		return
	}

	m.lastPublished = url
	m.publisher.Publish(url)
	m.log.Info("[wish] new validated wish URL published")
}
