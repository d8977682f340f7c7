package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/guseggert/devtrace/artifact"
	"github.com/guseggert/devtrace/collector"
	"github.com/guseggert/devtrace/launcher"
	"github.com/guseggert/devtrace/launcher/docker"
	"github.com/guseggert/devtrace/launcher/local"
	"github.com/guseggert/devtrace/orchestrator"
	"github.com/guseggert/devtrace/summarize"
	"github.com/urfave/cli/v2"
)

func orchestrateCommand(s *state) *cli.Command {
	return &cli.Command{
		Name:      "orchestrate",
		Usage:     "launch a browser, record a page for a while, and summarize the run",
		ArgsUsage: "<headless|headed> <url>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "duration", Usage: "Hard ceiling on the recording window.", Value: orchestrator.DefaultDuration},
			&cli.DurationFlag{Name: "idle-timeout", Usage: "End early once every collector was idle this long. Zero disables it."},
			&cli.DurationFlag{Name: "grace-period", Usage: "How long collectors get to finish once the window ends.", Value: orchestrator.DefaultGracePeriod},
			&cli.DurationFlag{Name: "startup-timeout", Usage: "How long the browser gets to expose a page.", Value: launcher.DefaultStartupTimeout},
			&cli.BoolFlag{Name: "include-console", Usage: "Record console messages."},
			&cli.BoolFlag{Name: "include-network", Usage: "Record network activity.", Value: true},
			&cli.BoolFlag{Name: "capture-bodies", Usage: "Record response bodies with network activity."},
			&cli.BoolFlag{Name: "include-forms", Usage: "Record form field changes."},
			&cli.BoolFlag{Name: "final-state", Usage: "Save the page's final DOM.", Value: true},
			&cli.StringFlag{Name: "summary", Usage: "Summary printed at the end. One of [text,json,both,none].", Value: "text"},
			&cli.StringFlag{Name: "launcher", Usage: "Where the browser runs. One of [local,docker].", Value: "local"},
			&cli.StringFlag{Name: "browser-path", Usage: "Browser executable for the local launcher. Defaults to $CHROME_PATH or a well-known install."},
			&cli.StringFlag{Name: "image", Usage: "Image for the docker launcher.", Value: docker.DefaultImage},
			&cli.IntFlag{Name: "debug-port", Usage: "Remote debugging port of the launched browser. Zero picks a free one."},
			&cli.BoolFlag{Name: "compress", Usage: "Write record streams zstd-compressed."},
			&cli.StringFlag{Name: "s3-bucket", Usage: "Upload the run's files to this bucket."},
			&cli.StringFlag{Name: "s3-prefix", Usage: "Key prefix for uploads.", Value: "devtrace"},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() != 2 {
				return cli.Exit("Error: expected a mode and a URL", 1)
			}
			mode, err := launcher.ParseMode(cctx.Args().Get(0))
			if err != nil {
				return cli.Exit("Error: "+err.Error(), 1)
			}
			url := cctx.Args().Get(1)
			summaryFormat := cctx.String("summary")
			switch summaryFormat {
			case "text", "json", "both", "none":
			default:
				return cli.Exit(fmt.Sprintf("Error: unknown summary format %q", summaryFormat), 1)
			}

			var l launcher.Launcher
			switch cctx.String("launcher") {
			case "local":
				l = local.New().WithLogger(s.log)
			case "docker":
				d, err := docker.New()
				if err != nil {
					return fail(err, orchestrator.ExitLaunchFailure)
				}
				l = d.WithLogger(s.log).WithImage(cctx.String("image"))
			default:
				return cli.Exit(fmt.Sprintf("Error: unknown launcher %q", cctx.String("launcher")), 1)
			}

			var factories []collector.Factory
			if cctx.Bool("include-network") {
				factories = append(factories, collector.NetworkFactory(collector.NetworkOptions{CaptureBodies: cctx.Bool("capture-bodies")}))
			}
			if cctx.Bool("include-console") {
				factories = append(factories, collector.ConsoleFactory(collector.ConsoleOptions{}))
			}
			if cctx.Bool("include-forms") {
				factories = append(factories, collector.FormsFactory(collector.FormsOptions{}))
			}

			cfg := orchestrator.Config{
				Log:      s.log,
				Launcher: l,
				Launch: launcher.Params{
					Mode:           mode,
					URL:            url,
					BrowserPath:    cctx.String("browser-path"),
					Port:           cctx.Int("debug-port"),
					StartupTimeout: cctx.Duration("startup-timeout"),
				},
				Duration:          cctx.Duration("duration"),
				IdleTimeout:       cctx.Duration("idle-timeout"),
				GracePeriod:       cctx.Duration("grace-period"),
				CommandTimeout:    s.cfg.Timeout,
				OutputDir:         s.cfg.OutputDir,
				Collectors:        factories,
				CaptureFinalState: cctx.Bool("final-state"),
				TextSummary:       summaryFormat == "text" || summaryFormat == "both",
				Compress:          cctx.Bool("compress"),
				ConnOptions:       s.cfg.ConnOptions(),
			}
			if bucket := cctx.String("s3-bucket"); bucket != "" {
				up, err := artifact.NewS3Uploader(bucket, cctx.String("s3-prefix"))
				if err != nil {
					return fail(err, 1)
				}
				up.Log = s.log
				cfg.Uploader = up
			}

			res := orchestrator.New(cfg).Run(cctx.Context)

			switch summaryFormat {
			case "json", "both":
				if err := s.printJSON(res); err != nil {
					return err
				}
			}
			if summaryFormat == "text" || summaryFormat == "both" {
				s.printRunText(res)
			}

			if res.ExitCode != orchestrator.ExitCompleted {
				msg := fmt.Sprintf("Error: run %s: %s", res.Status, res.Error)
				if res.RecoveryHint != "" {
					msg += "\nRecovery hint: " + res.RecoveryHint
				}
				return cli.Exit(msg, res.ExitCode)
			}
			return nil
		},
	}
}

func (s *state) printRunText(res *orchestrator.Result) {
	fmt.Fprintf(s.out, "Run %s %s (%s), %d records\n", res.RunID, res.Status, res.Reason, res.Counts.Records)
	for _, rec := range res.Artifacts {
		fmt.Fprintf(s.out, "  %-8s %-8s %6d records  %s\n", rec.Collector, rec.Status, rec.Counts.Records, rec.OutputPath)
	}
	txt := filepath.Join(res.OutputDir, orchestrator.SummaryTxtFile)
	if b, err := os.ReadFile(txt); err == nil {
		fmt.Fprintln(s.out)
		s.out.Write(b)
	}
	fmt.Fprintf(s.out, "\nSummary: %s\n", filepath.Join(res.OutputDir, orchestrator.SummaryFile))
}

func summarizeCommand(s *state) *cli.Command {
	return &cli.Command{
		Name:  "summarize",
		Usage: "aggregate network and console record streams",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "network", Usage: "Network record stream.", Required: true},
			&cli.StringFlag{Name: "console", Usage: "Console record stream."},
			&cli.DurationFlag{Name: "duration", Usage: "Capture duration, recorded in the report."},
			&cli.StringFlag{Name: "filter", Usage: "Filter used during capture, recorded in the report."},
			&cli.StringFlag{Name: "format", Usage: "One of [text,json].", Value: "text"},
		},
		Action: func(cctx *cli.Context) error {
			sum, err := summarize.Build(summarize.Options{
				NetworkPath: cctx.String("network"),
				ConsolePath: cctx.String("console"),
				Duration:    cctx.Duration("duration"),
				Filter:      cctx.String("filter"),
			})
			if err != nil {
				return fail(err, 1)
			}
			switch cctx.String("format") {
			case "text":
				return sum.WriteText(s.out)
			case "json":
				return sum.WriteJSON(s.out)
			}
			return cli.Exit(fmt.Sprintf("Error: unknown format %q", cctx.String("format")), 1)
		},
	}
}
