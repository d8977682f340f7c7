// Package orchestrator runs collectors against a freshly launched browser for a bounded window
// and always leaves behind whatever they produced.
//
// A run moves through launching, running, draining and finalized. Whatever ends the run, the
// browser is stopped, every collector is finalized into an artifact.Record and summary.json is
// written to the run directory.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/devtrace/artifact"
	"github.com/guseggert/devtrace/cdp"
	"github.com/guseggert/devtrace/collector"
	"github.com/guseggert/devtrace/launcher"
	"github.com/guseggert/devtrace/session"
	"github.com/guseggert/devtrace/summarize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Phase string

const (
	PhaseLaunching Phase = "launching"
	PhaseRunning   Phase = "running"
	PhaseDraining  Phase = "draining"
	PhaseFinalized Phase = "finalized"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Reason is what ended the run.
type Reason string

const (
	ReasonDuration       Reason = "duration"
	ReasonIdle           Reason = "idle"
	ReasonCancelled      Reason = "cancelled"
	ReasonProcessExited  Reason = "process_exited"
	ReasonConnectionLost Reason = "connection_lost"
	ReasonLaunchFailed   Reason = "launch_failed"
	ReasonConnectFailed  Reason = "connect_failed"
)

const (
	ExitCompleted     = 0
	ExitFailure       = 1
	ExitLaunchFailure = 2
	ExitRemoteLost    = 3
	ExitCancelled     = 130
)

const (
	DefaultDuration     = 15 * time.Second
	DefaultGracePeriod  = 5 * time.Second
	DefaultIdleInterval = 100 * time.Millisecond

	SummaryFile    = "summary.json"
	SummaryTxtFile = "summary.txt"
	FinalStateFile = "final-dom.html"

	finalStateTimeout = 5 * time.Second
	stopTimeout       = 15 * time.Second
	// abandonSlack is how long past the grace period a collector's Stop may run before it is abandoned.
	abandonSlack = 500 * time.Millisecond
)

type Config struct {
	Log      *zap.SugaredLogger
	Launcher launcher.Launcher
	Launch   launcher.Params
	// Target selects the target to attach to. The zero value attaches to the launcher's initial target.
	Target session.Selector
	// Duration is the hard ceiling on the running phase.
	Duration time.Duration
	// IdleTimeout ends the run early once every collector has been idle this long. Zero disables it.
	IdleTimeout    time.Duration
	IdleInterval   time.Duration
	GracePeriod    time.Duration
	CommandTimeout time.Duration
	// OutputDir holds one directory per run, named by run id.
	OutputDir  string
	Collectors []collector.Factory
	// NavigateURL is opened once collectors are running.
	NavigateURL       string
	CaptureFinalState bool
	// TextSummary writes summary.txt when a network stream was produced.
	TextSummary    bool
	Compress       bool
	Uploader       artifact.Uploader
	SessionOptions []session.Option
	ConnOptions    []cdp.Option
}

type Result struct {
	RunID        string            `json:"runId"`
	Status       Status            `json:"status"`
	Reason       Reason            `json:"reason"`
	ExitCode     int               `json:"exitCode"`
	URL          string            `json:"url,omitempty"`
	Mode         launcher.Mode     `json:"mode,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	EndedAt      time.Time         `json:"endedAt"`
	OutputDir    string            `json:"outputDir"`
	Counts       artifact.Counts   `json:"counts"`
	OutputPaths  []string          `json:"outputPaths"`
	Artifacts    []artifact.Record `json:"artifacts"`
	Uploaded     []string          `json:"uploaded,omitempty"`
	Error        string            `json:"error,omitempty"`
	RecoveryHint string            `json:"recoveryHint,omitempty"`
}

func (r *Result) setError(err error) {
	r.Error = err.Error()
	r.RecoveryHint = cdp.Hint(err)
}

type Orchestrator struct {
	cfg   Config
	log   *zap.SugaredLogger
	phase atomic.Value
}

func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}
	o := &Orchestrator{cfg: cfg, log: cfg.Log.Named("orchestrator")}
	o.phase.Store(PhaseLaunching)
	return o
}

func (o *Orchestrator) Phase() Phase { return o.phase.Load().(Phase) }

func (o *Orchestrator) setPhase(p Phase) {
	o.phase.Store(p)
	o.log.Debugw("phase", "Phase", p)
}

// Run performs one run. It never returns nil; failures are described by the Result.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	runID := uuid.NewString()
	res := &Result{
		RunID:       runID,
		URL:         o.cfg.Launch.URL,
		Mode:        o.cfg.Launch.Mode,
		StartedAt:   time.Now().UTC(),
		OutputDir:   filepath.Join(o.cfg.OutputDir, runID),
		OutputPaths: []string{},
		Artifacts:   []artifact.Record{},
	}
	if res.Mode == "" {
		res.Mode = launcher.ModeHeadless
	}
	if err := os.MkdirAll(res.OutputDir, 0755); err != nil {
		o.log.Errorw("creating run directory", "Dir", res.OutputDir, "Error", err)
	}
	o.log.Infow("starting run", "RunID", runID, "OutputDir", res.OutputDir)

	o.run(ctx, res)
	o.finalize(ctx, res)
	return res
}

func (o *Orchestrator) run(ctx context.Context, res *Result) {
	o.setPhase(PhaseLaunching)
	launched, err := o.cfg.Launcher.Launch(ctx, o.cfg.Launch)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = ReasonLaunchFailed
		res.ExitCode = ExitLaunchFailure
		res.setError(err)
		o.log.Errorw("launch failed", "Error", err)
		return
	}
	defer o.stopProcess(launched.Process)

	sessOpts := append([]session.Option{
		session.WithLogger(o.cfg.Log),
		session.WithConnOptions(append([]cdp.Option{cdp.WithCommandTimeout(o.cfg.CommandTimeout)}, o.cfg.ConnOptions...)...),
	}, o.cfg.SessionOptions...)
	sess := session.New(launched.DirectoryEndpoint, sessOpts...)
	defer sess.Close()

	sel := o.cfg.Target
	if sel == (session.Selector{}) {
		sel = session.Selector{ID: launched.InitialTargetID}
	}
	conn, err := sess.ConnectToTarget(ctx, sel)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = ReasonConnectFailed
		res.ExitCode = ExitFailure
		if ctx.Err() != nil {
			res.Reason = ReasonCancelled
			res.ExitCode = ExitCancelled
		}
		res.setError(err)
		o.log.Errorw("connecting to target", "Target", sel, "Error", err)
		return
	}

	o.setPhase(PhaseRunning)
	env := collector.Env{
		Conn:           conn,
		OutputDir:      res.OutputDir,
		Log:            o.cfg.Log,
		IdleTimeout:    o.cfg.IdleTimeout,
		CommandTimeout: o.cfg.CommandTimeout,
		Compress:       o.cfg.Compress,
	}
	collectors := make([]collector.Collector, len(o.cfg.Collectors))
	for i, f := range o.cfg.Collectors {
		collectors[i] = f(env)
	}
	startFailed := o.startCollectors(ctx, collectors)

	if o.cfg.NavigateURL != "" {
		if _, err := conn.Execute(ctx, "Page.navigate", map[string]string{"url": o.cfg.NavigateURL}, o.cfg.CommandTimeout); err != nil {
			o.log.Warnw("navigating", "URL", o.cfg.NavigateURL, "Error", err)
		}
	}

	res.Reason = o.wait(ctx, launched.Process, conn, collectors)
	o.log.Infow("run ending", "Reason", res.Reason)

	o.setPhase(PhaseDraining)
	res.Artifacts = o.drain(collectors)

	if o.cfg.CaptureFinalState {
		if path, err := o.captureFinalState(ctx, conn, res.OutputDir); err != nil {
			o.log.Warnw("capturing final state", "Error", err)
		} else {
			res.OutputPaths = append(res.OutputPaths, path)
		}
	}

	o.classify(res, conn, startFailed)
}

// startCollectors starts every collector concurrently and reports whether any failed to start.
func (o *Orchestrator) startCollectors(ctx context.Context, collectors []collector.Collector) bool {
	var failed atomic.Bool
	var g errgroup.Group
	for _, c := range collectors {
		c := c
		g.Go(func() error {
			if err := c.Start(ctx); err != nil {
				o.log.Warnw("starting collector", "Collector", c.Name(), "Error", err)
				failed.Store(true)
			}
			return nil
		})
	}
	g.Wait()
	return failed.Load()
}

func allIdle(collectors []collector.Collector) bool {
	if len(collectors) == 0 {
		return false
	}
	for _, c := range collectors {
		if !c.Idle() {
			return false
		}
	}
	return true
}

// wait blocks until something ends the running phase.
func (o *Orchestrator) wait(ctx context.Context, proc launcher.Process, conn *cdp.Conn, collectors []collector.Collector) Reason {
	deadline := time.NewTimer(o.cfg.Duration)
	defer deadline.Stop()

	var idleTick <-chan time.Time
	if o.cfg.IdleTimeout > 0 {
		ticker := time.NewTicker(o.cfg.IdleInterval)
		defer ticker.Stop()
		idleTick = ticker.C
	}

	for {
		select {
		case <-deadline.C:
			return ReasonDuration
		case <-ctx.Done():
			return ReasonCancelled
		case <-proc.Done():
			return ReasonProcessExited
		case <-conn.Done():
			return ReasonConnectionLost
		case <-idleTick:
			if allIdle(collectors) {
				return ReasonIdle
			}
		}
	}
}

// drain stops every collector concurrently. A collector whose Stop outlives the grace period is
// abandoned and reported from its last snapshot.
func (o *Orchestrator) drain(collectors []collector.Collector) []artifact.Record {
	records := make([]artifact.Record, len(collectors))
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.GracePeriod)
	defer cancel()

	var g errgroup.Group
	for i, c := range collectors {
		i, c := i, c
		g.Go(func() error {
			stopped := make(chan artifact.Record, 1)
			go func() { stopped <- c.Stop(ctx) }()

			timer := time.NewTimer(o.cfg.GracePeriod + abandonSlack)
			defer timer.Stop()
			select {
			case rec := <-stopped:
				records[i] = rec
			case <-timer.C:
				rec := c.Snapshot()
				if rec.Status == artifact.StatusComplete || rec.Status == artifact.StatusPending {
					rec.Status = artifact.StatusPartial
				}
				rec.Error = fmt.Sprintf("abandoned after %s grace period", o.cfg.GracePeriod)
				records[i] = rec
				o.log.Warnw("collector did not stop in time", "Collector", c.Name())
			}
			return nil
		})
	}
	g.Wait()
	return records
}

// captureFinalState writes the page's outer HTML, independent of collector health.
func (o *Orchestrator) captureFinalState(ctx context.Context, conn *cdp.Conn, dir string) (string, error) {
	if conn.State() == cdp.StateDisconnected {
		return "", fmt.Errorf("connection is closed: %w", conn.Err())
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalStateTimeout)
	defer cancel()

	raw, err := conn.Execute(ctx, "DOM.getDocument", map[string]int{"depth": -1}, finalStateTimeout)
	if err != nil {
		return "", err
	}
	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decoding document: %w", err)
	}
	raw, err = conn.Execute(ctx, "DOM.getOuterHTML", map[string]int{"nodeId": doc.Root.NodeID}, finalStateTimeout)
	if err != nil {
		return "", err
	}
	var html struct {
		OuterHTML string `json:"outerHTML"`
	}
	if err := json.Unmarshal(raw, &html); err != nil {
		return "", fmt.Errorf("decoding outer HTML: %w", err)
	}

	path := filepath.Join(dir, FinalStateFile)
	if err := os.WriteFile(path, []byte(html.OuterHTML), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// classify derives the status and exit code from what ended the run and how the collectors fared.
func (o *Orchestrator) classify(res *Result, conn *cdp.Conn, startFailed bool) {
	produced := false
	degraded := startFailed
	for _, rec := range res.Artifacts {
		if rec.Status != artifact.StatusPending {
			produced = true
		}
		if rec.Status != artifact.StatusComplete {
			degraded = true
		}
	}

	res.Status = StatusCompleted
	res.ExitCode = ExitCompleted
	switch res.Reason {
	case ReasonCancelled:
		res.Status = StatusPartial
		res.ExitCode = ExitCancelled
		res.setError(errors.New("run cancelled"))
	case ReasonProcessExited:
		res.Status = StatusPartial
		res.ExitCode = ExitRemoteLost
		res.Error = "browser process exited during the run"
		res.RecoveryHint = "check the browser's output for a crash; the artifacts cover the run up to the exit"
	case ReasonConnectionLost:
		res.Status = StatusPartial
		res.ExitCode = ExitRemoteLost
		if err := conn.Err(); err != nil {
			res.setError(err)
		}
	default:
		if degraded {
			res.Status = StatusPartial
			res.ExitCode = ExitFailure
			for _, rec := range res.Artifacts {
				if rec.Error != "" {
					res.Error = fmt.Sprintf("%s: %s", rec.Collector, rec.Error)
					res.RecoveryHint = rec.RecoveryHint
					break
				}
			}
		}
	}
	if len(res.Artifacts) > 0 && !produced {
		res.Status = StatusFailed
		if res.ExitCode == ExitCompleted {
			res.ExitCode = ExitFailure
		}
	}
}

func (o *Orchestrator) stopProcess(proc launcher.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		o.log.Warnw("stopping browser", "Error", err)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, res *Result) {
	o.setPhase(PhaseFinalized)

	var paths []string
	for _, rec := range res.Artifacts {
		res.Counts = res.Counts.Add(rec.Counts)
		if rec.OutputPath != "" {
			paths = append(paths, rec.OutputPath)
		}
	}
	res.OutputPaths = append(paths, res.OutputPaths...)

	if o.cfg.TextSummary {
		if path, err := o.writeTextSummary(res); err != nil {
			o.log.Warnw("writing text summary", "Error", err)
		} else if path != "" {
			res.OutputPaths = append(res.OutputPaths, path)
		}
	}

	if o.cfg.Uploader != nil {
		o.upload(ctx, res)
	}

	res.EndedAt = time.Now().UTC()
	summaryPath := filepath.Join(res.OutputDir, SummaryFile)
	res.OutputPaths = append(res.OutputPaths, summaryPath)
	if err := writeSummary(summaryPath, res); err != nil {
		o.log.Errorw("writing summary", "Path", summaryPath, "Error", err)
	} else if o.cfg.Uploader != nil {
		if loc, err := o.cfg.Uploader.Upload(context.WithoutCancel(ctx), summaryPath); err != nil {
			o.log.Warnw("uploading summary", "Error", err)
		} else {
			res.Uploaded = append(res.Uploaded, loc)
		}
	}

	o.log.Infow("run finished",
		"RunID", res.RunID,
		"Status", res.Status,
		"Reason", res.Reason,
		"ExitCode", res.ExitCode,
		"Records", res.Counts.Records,
	)
}

func (o *Orchestrator) writeTextSummary(res *Result) (string, error) {
	var opts summarize.Options
	for _, rec := range res.Artifacts {
		switch rec.Collector {
		case collector.NetworkName:
			opts.NetworkPath = rec.OutputPath
		case collector.ConsoleName:
			opts.ConsolePath = rec.OutputPath
		}
	}
	if opts.NetworkPath == "" {
		return "", nil
	}
	opts.Duration = time.Since(res.StartedAt)
	s, err := summarize.Build(opts)
	if err != nil {
		return "", err
	}
	path := filepath.Join(res.OutputDir, SummaryTxtFile)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := s.WriteText(f); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, f.Close()
}

// upload sends every produced file. A failed upload is logged; the local file is kept either way.
func (o *Orchestrator) upload(ctx context.Context, res *Result) {
	ctx = context.WithoutCancel(ctx)
	locations := map[string]string{}
	for _, path := range res.OutputPaths {
		loc, err := o.cfg.Uploader.Upload(ctx, path)
		if err != nil {
			o.log.Warnw("uploading artifact", "Path", path, "Error", err)
			continue
		}
		locations[path] = loc
		res.Uploaded = append(res.Uploaded, loc)
	}
	for i, rec := range res.Artifacts {
		if loc, ok := locations[rec.OutputPath]; ok {
			res.Artifacts[i].Location = loc
		}
	}
}

func writeSummary(path string, res *Result) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}
