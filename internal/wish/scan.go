package wish

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

var (
	// gameDataRe matches the game data directory path the client writes
	// into its log. The optional drive prefix covers both native Windows
	// installs and Wine/Proton prefixes exposed at a plain unix path.
	gameDataRe = regexp.MustCompile(`(?:[A-Za-z]:)?/.+(?:GenshinImpact_Data|YuanShen_Data)`)

	// wishURLRe matches an authorization URL in the web cache blob.
	wishURLRe = regexp.MustCompile(`https.+?webview_gacha.+?game_biz=`)
)

// findGameDataDir scans the client log for the game data directory. The log
// is append-only, so the match from the most recent line wins: the client
// may have been reinstalled or moved between sessions.
func findGameDataDir(logPath string) (string, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return "", errors.Wrapf(err, "could not open %s", logPath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var last string
	for scanner.Scan() {
		if m := gameDataRe.FindString(scanner.Text()); m != "" {
			last = m
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrapf(err, "reading %s", logPath)
	}
	if last == "" {
		return "", errors.Errorf("can't find game data path in %s", logPath)
	}
	return last, nil
}

// latestWebCacheDir returns the most recently modified subdirectory of the
// data directory's webCaches folder. The client creates a fresh
// version-named directory per session, so freshness, not name, decides
// which one is current.
func latestWebCacheDir(dataDir string) (string, error) {
	webCaches := filepath.Join(dataDir, "webCaches")
	entries, err := os.ReadDir(webCaches)
	if err != nil {
		return "", errors.Wrapf(err, "could not open directory %s", webCaches)
	}

	var latestPath string
	var latestMod time.Time
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestMod) {
			latestMod = info.ModTime()
			latestPath = filepath.Join(webCaches, entry.Name())
		}
	}

	if latestPath == "" {
		return "", errors.Errorf("unable to find directory in %s", webCaches)
	}
	return latestPath, nil
}

// cacheDataFile returns the cache blob path inside a session cache directory.
func cacheDataFile(cacheDir string) string {
	return filepath.Join(cacheDir, "Cache", "Cache_Data", "data_2")
}

// extractWishURL pulls the newest wish URL candidate out of the cache blob.
// The cache is appended in visit order, so the last occurrence is the one
// the client used most recently.
func extractWishURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not open file %s", path)
	}

	matches := wishURLRe.FindAll(data, -1)
	if len(matches) == 0 {
		return "", errors.Errorf("can't find URL in %s", path)
	}
	return string(matches[len(matches)-1]), nil
}
