package wish

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gachacap/gachacap/internal/logger"
)

type fakeValidator struct {
	mu    sync.Mutex
	calls int
	err   error
	urls  []string
}

func (v *fakeValidator) Validate(ctx context.Context, rawURL string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.urls = append(v.urls, rawURL)
	return v.err
}

func (v *fakeValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func (v *fakeValidator) setErr(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

func quietLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{LogLevel: logger.Error})
	require.NoError(t, err)
	return log
}

// fixture lays out a fake client install: a log file pointing at a data
// directory with one web cache session.
type fixture struct {
	root    string
	logPath string
	dataDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	return &fixture{
		root:    root,
		logPath: filepath.Join(root, "output_log.txt"),
		dataDir: filepath.Join(root, "GenshinImpact_Data"),
	}
}

func (f *fixture) writeLog(t *testing.T) {
	t.Helper()
	line := "Warmup file " + f.dataDir + "/persistent/AssetBundles\n"
	require.NoError(t, os.WriteFile(f.logPath, []byte(line), 0644))
}

// addSession creates a web cache session directory and returns its data_2
// path. mtime orders sessions: later times are fresher.
func (f *fixture) addSession(t *testing.T, version string, mtime time.Time, urls ...string) string {
	t.Helper()
	sessionDir := filepath.Join(f.dataDir, "webCaches", version)
	cacheData := filepath.Join(sessionDir, "Cache", "Cache_Data")
	require.NoError(t, os.MkdirAll(cacheData, 0755))

	dataFile := filepath.Join(cacheData, "data_2")
	var blob []byte
	for _, u := range urls {
		blob = append(blob, 0)
		blob = append(blob, []byte(u)...)
		blob = append(blob, 0)
	}
	require.NoError(t, os.WriteFile(dataFile, blob, 0644))
	require.NoError(t, os.Chtimes(sessionDir, mtime, mtime))
	return dataFile
}

func wishURL(tag string) string {
	return "https://hoyo.example/" + tag + "/webview_gacha?authkey=" + tag + "&game_biz="
}

func newTestMonitor(t *testing.T, f *fixture, v validator) *Monitor {
	t.Helper()
	m, err := NewMonitor(Config{
		OutputLogPath: f.logPath,
		Debounce:      50 * time.Millisecond,
		Validator:     v,
		Log:           quietLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMonitorDiscoversAndPublishes(t *testing.T) {
	f := newFixture(t)
	dataFile := f.addSession(t, "2.20.1.0", time.Now(), wishURL("one"))
	f.writeLog(t)

	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)

	m.handleLogChange(context.Background())

	assert.Equal(t, dataFile, m.cacheFilePath)
	assert.Equal(t, 1, v.callCount())

	current, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, wishURL("one"), current)
}

func TestMonitorSelectsFreshestSession(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "2.19.0.0", time.Now().Add(-2*time.Hour), wishURL("stale"))
	fresh := f.addSession(t, "2.20.1.0", time.Now(), wishURL("fresh"))
	f.writeLog(t)

	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)

	m.handleLogChange(context.Background())

	assert.Equal(t, fresh, m.cacheFilePath)
	current, _ := m.Current()
	assert.Equal(t, wishURL("fresh"), current)
}

func TestMonitorPublishesLastURLOccurrence(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "2.20.1.0", time.Now(), wishURL("older"), wishURL("newer"))
	f.writeLog(t)

	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)

	m.handleLogChange(context.Background())

	current, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, wishURL("newer"), current)
}

func TestMonitorSuppressesDuplicateURL(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "2.20.1.0", time.Now(), wishURL("one"))
	f.writeLog(t)

	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)
	ctx := context.Background()

	m.handleLogChange(ctx)
	require.Equal(t, 1, v.callCount())

	// Re-reading an unchanged cache file must trigger neither a validation
	// round-trip nor a publication.
	m.handleCacheChange(ctx)
	m.handleCacheChange(ctx)
	assert.Equal(t, 1, v.callCount())
}

func TestMonitorValidationFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	dataFile := f.addSession(t, "2.20.1.0", time.Now(), wishURL("one"))
	f.writeLog(t)

	v := &fakeValidator{err: assert.AnError}
	m := newTestMonitor(t, f, v)
	ctx := context.Background()

	m.handleLogChange(ctx)
	assert.Equal(t, 1, v.callCount())
	assert.Empty(t, m.lastPublished)
	_, ok := m.Current()
	assert.False(t, ok)

	// The next event re-attempts; once validation succeeds, it publishes.
	v.setErr(nil)
	require.NoError(t, os.Chtimes(dataFile, time.Now(), time.Now()))
	m.handleCacheChange(ctx)

	current, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, wishURL("one"), current)
}

func TestMonitorReplacesCacheWatchOnNewSession(t *testing.T) {
	f := newFixture(t)
	oldFile := f.addSession(t, "2.20.1.0", time.Now().Add(-time.Hour), wishURL("one"))
	f.writeLog(t)

	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)
	ctx := context.Background()

	m.handleLogChange(ctx)
	require.Equal(t, oldFile, m.cacheFilePath)
	oldWatch := filepath.Dir(oldFile)
	require.Contains(t, m.watcher.WatchList(), oldWatch)

	// The game restarts: a fresher session directory appears and the log
	// is rewritten.
	newFile := f.addSession(t, "2.21.0.0", time.Now(), wishURL("two"))
	f.writeLog(t)

	m.handleLogChange(ctx)

	assert.Equal(t, newFile, m.cacheFilePath)
	watched := m.watcher.WatchList()
	assert.Contains(t, watched, filepath.Dir(newFile))
	// The old session watch is dropped once the new one is in place.
	assert.NotContains(t, watched, oldWatch)

	current, _ := m.Current()
	assert.Equal(t, wishURL("two"), current)
}

func TestMonitorHandlesCacheEventCoalescedWithLogEvent(t *testing.T) {
	f := newFixture(t)
	dataFile := f.addSession(t, "2.20.1.0", time.Now(), wishURL("one"))
	f.writeLog(t)

	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)
	ctx := context.Background()

	m.handleLogChange(ctx)
	require.Equal(t, 1, v.callCount())

	// Mid-session the client appends to the log while the cache file gains
	// a new URL, so both land in one debounce window. The log re-scan
	// resolves the same cache path; the cache change must still be handled.
	blob := []byte("\x00" + wishURL("one") + "\x00" + wishURL("two") + "\x00")
	require.NoError(t, os.WriteFile(dataFile, blob, 0644))

	m.handleEvent(ctx, true, true)

	assert.Equal(t, 2, v.callCount())
	current, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, wishURL("two"), current)
}

func TestMonitorKeepsOldWatchWhenNewSessionUnwatchable(t *testing.T) {
	f := newFixture(t)
	oldFile := f.addSession(t, "2.20.1.0", time.Now().Add(-time.Hour), wishURL("one"))
	f.writeLog(t)

	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)
	ctx := context.Background()

	m.handleLogChange(ctx)
	require.Equal(t, oldFile, m.cacheFilePath)
	oldWatch := filepath.Dir(oldFile)

	// A fresher session directory appears, but its cache subtree doesn't
	// exist yet so the watch cannot move there.
	sessionDir := filepath.Join(f.dataDir, "webCaches", "2.21.0.0")
	require.NoError(t, os.MkdirAll(sessionDir, 0755))

	m.handleLogChange(ctx)

	assert.Equal(t, oldFile, m.cacheFilePath)
	assert.Contains(t, m.watcher.WatchList(), oldWatch)
}

func TestMonitorNotReadyConditionsAreQuiet(t *testing.T) {
	f := newFixture(t)
	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)
	ctx := context.Background()

	// No log yet.
	m.handleLogChange(ctx)
	assert.Empty(t, m.cacheFilePath)

	// Log exists but no web cache session yet.
	f.writeLog(t)
	m.handleLogChange(ctx)
	assert.Empty(t, m.cacheFilePath)

	// Cache event with nothing discovered is a no-op.
	m.handleCacheChange(ctx)
	assert.Equal(t, 0, v.callCount())
}

func TestMonitorRunWatchesCascade(t *testing.T) {
	f := newFixture(t)
	v := &fakeValidator{}
	m := newTestMonitor(t, f, v)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := m.Updates()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Give the loop a moment to start before producing events.
	time.Sleep(100 * time.Millisecond)

	// The game launches: session cache appears, then the log names it.
	dataFile := f.addSession(t, "2.20.1.0", time.Now(), wishURL("one"))
	f.writeLog(t)

	select {
	case url := <-updates:
		assert.Equal(t, wishURL("one"), url)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for first wish URL")
	}

	// The player opens a new gacha screen: the cache file gains a URL.
	blob := []byte("\x00" + wishURL("one") + "\x00" + wishURL("two") + "\x00")
	require.NoError(t, os.WriteFile(dataFile, blob, 0644))

	select {
	case url := <-updates:
		assert.Equal(t, wishURL("two"), url)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for second wish URL")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
