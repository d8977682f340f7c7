// Package collector observes one aspect of a target through a shared connection and writes what
// it sees to a record stream.
//
// Collectors share a *cdp.Conn only through Execute and Subscribe. A collector is started once
// and stopped once; Stop always yields an artifact.Record describing what was written, even when
// the connection was lost or the collector never started.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/devtrace/artifact"
	"github.com/guseggert/devtrace/cdp"
	"go.uber.org/zap"
)

// Names of the built-in collectors. A collector's record stream is <OutputDir>/<name>.jsonl.
const (
	ConsoleName = "console"
	NetworkName = "network"
	FormsName   = "forms"
)

type Collector interface {
	Name() string
	// Start enables the collector's domains and begins recording.
	Start(ctx context.Context) error
	// Idle reports whether nothing was recorded within the idle timeout.
	Idle() bool
	// Stop finishes recording. ctx bounds how long in-flight handlers are waited for.
	Stop(ctx context.Context) artifact.Record
	// Snapshot describes what has been recorded so far without stopping.
	Snapshot() artifact.Record
}

// Env is what a collector is built with.
type Env struct {
	Conn      *cdp.Conn
	OutputDir string
	Log       *zap.SugaredLogger
	// IdleTimeout of zero disables idle detection.
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	Compress       bool
}

func (e Env) logger() *zap.SugaredLogger {
	if e.Log == nil {
		return zap.NewNop().Sugar()
	}
	return e.Log
}

// Factory builds a collector for one run.
type Factory func(env Env) Collector

// Fault is a failure to turn one event into a record. It is counted and logged, never returned.
type Fault struct {
	Collector string
	Method    string
	Err       error
	Panic     any
}

func (f *Fault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("%s: handling %s panicked: %v", f.Collector, f.Method, f.Panic)
	}
	return fmt.Sprintf("%s: handling %s: %s", f.Collector, f.Method, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func (f *Fault) RecoveryHint() string {
	return "the event was skipped; the payload may come from a protocol version this collector does not understand"
}
