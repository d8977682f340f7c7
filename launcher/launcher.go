// Package launcher defines how a browser is started for a run.
//
// A Launcher turns Params into a running browser exposing a remote debugging endpoint, or into
// a *LaunchError saying why it could not. Implementations live in the local and docker
// subpackages.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/guseggert/devtrace/session"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeHeadless Mode = "headless"
	ModeHeaded   Mode = "headed"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHeadless, ModeHeaded:
		return Mode(s), nil
	case "":
		return ModeHeadless, nil
	}
	return "", fmt.Errorf("unknown mode %q, must be one of [headless,headed]", s)
}

const DefaultStartupTimeout = 30 * time.Second

type Params struct {
	Mode Mode
	// URL is opened in the first page. Empty opens about:blank.
	URL string
	// BrowserPath overrides browser discovery.
	BrowserPath string
	// Port is the remote debugging port. Zero picks a free one.
	Port int
	// UserDataDir is the profile directory. Empty uses a fresh temporary one.
	UserDataDir string
	ExtraArgs   []string
	// StartupTimeout defaults to DefaultStartupTimeout.
	StartupTimeout time.Duration
}

// Process is a launched browser.
type Process interface {
	// Done is closed when the browser exits for any reason.
	Done() <-chan struct{}
	// Stop terminates the browser and releases what the launcher created for it. It is idempotent.
	Stop(ctx context.Context) error
}

type Result struct {
	Process Process
	// DirectoryEndpoint is the base URL of the target directory, e.g. http://127.0.0.1:9222.
	DirectoryEndpoint string
	InitialTargetID   string
}

type Launcher interface {
	Launch(ctx context.Context, p Params) (*Result, error)
}

// Func adapts a function to a Launcher.
type Func func(ctx context.Context, p Params) (*Result, error)

func (f Func) Launch(ctx context.Context, p Params) (*Result, error) { return f(ctx, p) }

type Code string

const (
	CodeBrowserNotFound Code = "BROWSER_NOT_FOUND"
	CodePortUnavailable Code = "PORT_UNAVAILABLE"
	CodeStartFailed     Code = "START_FAILED"
	CodeStartupTimeout  Code = "STARTUP_TIMEOUT"
	CodeNoTarget        Code = "NO_TARGET"
)

var defaultHints = map[Code]string{
	CodeBrowserNotFound: "install Chrome or Chromium, or pass the browser path explicitly",
	CodePortUnavailable: "choose another remote debugging port or stop the process using it",
	CodeStartFailed:     "run the browser by hand with the same flags to see why it exits",
	CodeStartupTimeout:  "increase the startup timeout; the first start of a fresh profile can be slow",
	CodeNoTarget:        "the browser started without a page; pass a URL to open",
}

type LaunchError struct {
	Code    Code
	Message string
	Hint    string
	Err     error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) RecoveryHint() string {
	if e.Hint != "" {
		return e.Hint
	}
	return defaultHints[e.Code]
}

// Errorf builds a LaunchError with the default hint for code.
func Errorf(code Code, err error, format string, args ...any) *LaunchError {
	return &LaunchError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// BrowserArgs returns the minimal flag set for a browser exposing its debugging endpoint on port.
func BrowserArgs(p Params, port int, userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--no-first-run",
		"--no-default-browser-check",
	}
	if userDataDir != "" {
		args = append(args, "--user-data-dir="+userDataDir)
	}
	if p.Mode != ModeHeaded {
		args = append(args, "--headless=new")
	}
	args = append(args, p.ExtraArgs...)
	url := p.URL
	if url == "" {
		url = "about:blank"
	}
	return append(args, url)
}

// WaitForTarget polls the directory endpoint until it answers and lists a page, returning the page's id.
// It gives up early if exited is closed. A non-positive timeout means DefaultStartupTimeout.
func WaitForTarget(ctx context.Context, log *zap.SugaredLogger, endpoint string, timeout time.Duration, exited <-chan struct{}) (string, error) {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s := session.New(endpoint, session.WithLogger(log), session.WithRetryMax(0), session.WithRequestTimeout(time.Second))
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	answered := false
	for {
		targets, err := s.ListTargets(ctx)
		if err == nil {
			answered = true
			pages := session.FilterTargets(targets, session.Filter{Type: "page"})
			if len(pages) > 0 {
				return pages[0].ID, nil
			}
			lastErr = errors.New("no page targets")
		} else {
			lastErr = err
		}
		log.Debugw("waiting for browser", "Endpoint", endpoint, "Error", lastErr)

		select {
		case <-exited:
			return "", Errorf(CodeStartFailed, lastErr, "browser exited during startup")
		case <-ctx.Done():
			if answered {
				return "", Errorf(CodeNoTarget, lastErr, "browser at %s has no page target", endpoint)
			}
			return "", Errorf(CodeStartupTimeout, lastErr, "browser did not answer at %s within %s", endpoint, timeout)
		case <-ticker.C:
		}
	}
}
