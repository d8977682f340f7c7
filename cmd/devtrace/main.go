package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/devtrace/cdp"
	"github.com/guseggert/devtrace/internal/config"
	"github.com/guseggert/devtrace/internal/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// state is what the Before hook resolves for every command.
type state struct {
	log *zap.SugaredLogger
	cfg *config.Config
	out io.Writer
}

func newApp(out io.Writer) *cli.App {
	st := &state{out: out}
	return &cli.App{
		Name:  "devtrace",
		Usage: "observe a browser through its remote debugging protocol",
		Flags: config.Flags(),
		Before: func(ctx *cli.Context) error {
			bootstrap, err := logging.New(logging.Options{Level: "warn", Quiet: ctx.Bool(config.FlagQuiet)})
			if err != nil {
				return err
			}
			cfg, err := config.Load(ctx, bootstrap)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			log, err := logging.New(logging.Options{
				Level:   cfg.LogLevel,
				Format:  cfg.LogFormat,
				Quiet:   ctx.Bool(config.FlagQuiet),
				Verbose: ctx.Bool(config.FlagVerbose),
			})
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			st.cfg = cfg
			st.log = log
			return nil
		},
		After: func(ctx *cli.Context) error {
			if st.log != nil {
				st.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			targetsCommand(st),
			queryCommand(st),
			consoleCommand(st),
			networkCommand(st),
			formsCommand(st),
			orchestrateCommand(st),
			summarizeCommand(st),
		},
	}
}

// fail turns err into an exit error carrying its recovery hint.
func fail(err error, code int) error {
	msg := "Error: " + err.Error()
	if hint := cdp.Hint(err); hint != "" {
		msg += "\nRecovery hint: " + hint
	}
	return cli.Exit(msg, code)
}

func (s *state) printJSON(v any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
