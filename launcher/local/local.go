// Package local launches a browser as a child process of the current process.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/guseggert/devtrace/internal/files"
	"github.com/guseggert/devtrace/internal/net"
	"github.com/guseggert/devtrace/launcher"
	"go.uber.org/zap"
)

const DefaultStopTimeout = 5 * time.Second

type Launcher struct {
	Log *zap.SugaredLogger
	// FindBrowser resolves the executable when Params.BrowserPath is empty.
	FindBrowser func() (string, error)
	// Stdout and Stderr receive the browser's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
	// StopTimeout is how long Stop waits after interrupting the browser before killing it.
	StopTimeout time.Duration
}

func New() *Launcher {
	return &Launcher{
		Log:         zap.NewNop().Sugar(),
		FindBrowser: files.FindBrowser,
		StopTimeout: DefaultStopTimeout,
	}
}

func (l *Launcher) WithLogger(log *zap.SugaredLogger) *Launcher {
	l.Log = log.Named("local_launcher")
	return l
}

func (l *Launcher) resolveBrowser(p launcher.Params) (string, error) {
	if p.BrowserPath != "" {
		path, err := exec.LookPath(p.BrowserPath)
		if err != nil {
			return "", launcher.Errorf(launcher.CodeBrowserNotFound, err, "browser %q is not executable", p.BrowserPath)
		}
		return path, nil
	}
	path, err := l.FindBrowser()
	if err != nil {
		return "", launcher.Errorf(launcher.CodeBrowserNotFound, err, "finding browser")
	}
	return path, nil
}

func resolvePort(p launcher.Params) (int, error) {
	if p.Port != 0 {
		if err := net.CheckTCPPortFree(p.Port); err != nil {
			return 0, launcher.Errorf(launcher.CodePortUnavailable, err, "remote debugging port %d", p.Port)
		}
		return p.Port, nil
	}
	port, err := net.GetEphemeralTCPPort()
	if err != nil {
		return 0, launcher.Errorf(launcher.CodePortUnavailable, err, "acquiring ephemeral port")
	}
	return port, nil
}

func (l *Launcher) Launch(ctx context.Context, p launcher.Params) (*launcher.Result, error) {
	path, err := l.resolveBrowser(p)
	if err != nil {
		return nil, err
	}
	port, err := resolvePort(p)
	if err != nil {
		return nil, err
	}

	proc := &Process{
		log:         l.Log,
		done:        make(chan struct{}),
		stopTimeout: l.StopTimeout,
	}
	if proc.stopTimeout <= 0 {
		proc.stopTimeout = DefaultStopTimeout
	}

	userDataDir := p.UserDataDir
	if userDataDir == "" {
		userDataDir, err = os.MkdirTemp("", "devtrace-profile-")
		if err != nil {
			return nil, launcher.Errorf(launcher.CodeStartFailed, err, "creating profile directory")
		}
		proc.tempDir = userDataDir
	}

	args := launcher.BrowserArgs(p, port, userDataDir)
	proc.cmd = exec.Command(path, args...)
	proc.cmd.Stdout = l.Stdout
	proc.cmd.Stderr = l.Stderr

	l.Log.Debugw("starting browser", "Path", path, "Args", args)
	if err := proc.cmd.Start(); err != nil {
		proc.removeTempDir()
		return nil, launcher.Errorf(launcher.CodeStartFailed, err, "starting %s", path)
	}
	go proc.wait()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
	targetID, err := launcher.WaitForTarget(ctx, l.Log, endpoint, p.StartupTimeout, proc.done)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), proc.stopTimeout+time.Second)
		defer cancel()
		if stopErr := proc.Stop(stopCtx); stopErr != nil {
			l.Log.Warnw("stopping browser after failed launch", "Error", stopErr)
		}
		var launchErr *launcher.LaunchError
		if errors.As(err, &launchErr) && launchErr.Code == launcher.CodeStartFailed && proc.exitErr != nil {
			launchErr.Message = fmt.Sprintf("%s (%s)", launchErr.Message, proc.exitErr)
		}
		return nil, err
	}

	l.Log.Infow("browser started", "PID", proc.cmd.Process.Pid, "Endpoint", endpoint, "Target", targetID)
	return &launcher.Result{
		Process:           proc,
		DirectoryEndpoint: endpoint,
		InitialTargetID:   targetID,
	}, nil
}

type Process struct {
	log         *zap.SugaredLogger
	cmd         *exec.Cmd
	tempDir     string
	stopTimeout time.Duration

	done    chan struct{}
	exitErr error

	stopOnce sync.Once
	stopErr  error
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		p.exitErr = err
	}
	close(p.done)
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr is the error returned by waiting on the process. It is only meaningful after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stop interrupts the browser, kills it if it has not exited within the stop timeout or
// before ctx is done, and removes the temporary profile directory.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	defer p.removeTempDir()

	select {
	case <-p.done:
		return nil
	default:
	}

	sig := os.Interrupt
	if runtime.GOOS == "windows" {
		sig = os.Kill
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		p.log.Debugw("interrupting browser", "Error", err)
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.log.Warnw("browser did not exit after interrupt, killing it", "PID", p.cmd.Process.Pid)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing browser: %w", err)
	}
	<-p.done
	return nil
}

func (p *Process) removeTempDir() {
	if p.tempDir == "" {
		return
	}
	if err := os.RemoveAll(p.tempDir); err != nil {
		p.log.Warnw("removing profile directory", "Dir", p.tempDir, "Error", err)
	}
}
