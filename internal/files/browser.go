package files

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// BrowserEnvVar overrides browser discovery.
const BrowserEnvVar = "CHROME_PATH"

var ErrBrowserNotFound = errors.New("no Chrome or Chromium executable found")

var browserNames = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
}

var browserPaths = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

// FindBrowser returns the path of a Chrome or Chromium executable.
// $CHROME_PATH wins if set, then well-known names on $PATH, then well-known install locations.
func FindBrowser() (string, error) {
	if p := os.Getenv(BrowserEnvVar); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s=%q: %w", BrowserEnvVar, p, err)
		}
		return p, nil
	}
	for _, name := range browserNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	for _, p := range browserPaths[runtime.GOOS] {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrBrowserNotFound
}
