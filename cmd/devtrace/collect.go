package main

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/devtrace/artifact"
	"github.com/guseggert/devtrace/collector"
	"github.com/urfave/cli/v2"
)

const collectStopTimeout = 5 * time.Second

var collectFlags = append([]cli.Flag{
	&cli.DurationFlag{Name: "duration", Usage: "Stop after this long. Zero runs until interrupted."},
	&cli.DurationFlag{Name: "idle-timeout", Usage: "Stop once nothing was recorded for this long. Zero disables it."},
	&cli.BoolFlag{Name: "compress", Usage: "Write the record stream zstd-compressed."},
}, targetFlags...)

// collect runs one collector against an already running browser and prints its artifact record.
func collect(cctx *cli.Context, s *state, factory collector.Factory) error {
	sess, conn, err := connect(cctx, s)
	defer sess.Close()
	if err != nil {
		return fail(err, 1)
	}

	idleTimeout := cctx.Duration("idle-timeout")
	c := factory(collector.Env{
		Conn:           conn,
		OutputDir:      s.cfg.OutputDir,
		Log:            s.log,
		IdleTimeout:    idleTimeout,
		CommandTimeout: s.cfg.Timeout,
		Compress:       cctx.Bool("compress"),
	})
	if err := c.Start(cctx.Context); err != nil {
		s.printRecord(c.Stop(context.Background()))
		return fail(err, 1)
	}
	s.log.Infow("collecting", "Collector", c.Name(), "Target", conn.URL())

	var deadline <-chan time.Time
	if d := cctx.Duration("duration"); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}
	var idleTick <-chan time.Time
	if idleTimeout > 0 {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		idleTick = ticker.C
	}

wait:
	for {
		select {
		case <-cctx.Context.Done():
			break wait
		case <-deadline:
			break wait
		case <-conn.Done():
			break wait
		case <-idleTick:
			if c.Idle() {
				break wait
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), collectStopTimeout)
	defer cancel()
	rec := c.Stop(ctx)
	s.printRecord(rec)
	if rec.Status != artifact.StatusComplete {
		return cli.Exit(fmt.Sprintf("Error: %s output is %s: %s\nRecovery hint: %s", rec.Collector, rec.Status, rec.Error, rec.RecoveryHint), 1)
	}
	return nil
}

func (s *state) printRecord(rec artifact.Record) {
	if err := s.printJSON(rec); err != nil {
		s.log.Errorw("printing record", "Error", err)
	}
}

func consoleCommand(s *state) *cli.Command {
	return &cli.Command{
		Name:  "console",
		Usage: "record console messages of a target",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "min-level", Usage: "Drop messages below this level. One of [verbose,debug,log,info,warn,error]."},
		}, collectFlags...),
		Action: func(cctx *cli.Context) error {
			opts := collector.ConsoleOptions{MinLevel: cctx.String("min-level")}
			if opts.MinLevel != "" && !collector.ValidConsoleLevel(opts.MinLevel) {
				return cli.Exit(fmt.Sprintf("Error: unknown console level %q", opts.MinLevel), 1)
			}
			return collect(cctx, s, collector.ConsoleFactory(opts))
		},
	}
}

func networkCommand(s *state) *cli.Command {
	return &cli.Command{
		Name:  "network",
		Usage: "record network activity of a target",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "capture-bodies", Usage: "Also record response bodies."},
			&cli.IntFlag{Name: "max-body-size", Usage: "Skip bodies larger than this many bytes.", Value: collector.DefaultMaxBodySize},
		}, collectFlags...),
		Action: func(cctx *cli.Context) error {
			return collect(cctx, s, collector.NetworkFactory(collector.NetworkOptions{
				CaptureBodies: cctx.Bool("capture-bodies"),
				MaxBodySize:   cctx.Int("max-body-size"),
			}))
		},
	}
}

func formsCommand(s *state) *cli.Command {
	return &cli.Command{
		Name:  "forms",
		Usage: "record changes to form fields of a target",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "selector", Usage: "CSS selector of the fields to watch. Defaults to all inputs, textareas and selects."},
			&cli.DurationFlag{Name: "interval", Usage: "How often fields are polled.", Value: time.Second},
		}, collectFlags...),
		Action: func(cctx *cli.Context) error {
			return collect(cctx, s, collector.FormsFactory(collector.FormsOptions{
				Selector: cctx.String("selector"),
				Interval: cctx.Duration("interval"),
			}))
		},
	}
}
