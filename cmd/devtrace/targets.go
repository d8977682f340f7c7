package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/guseggert/devtrace/cdp"
	"github.com/guseggert/devtrace/session"
	"github.com/urfave/cli/v2"
)

func (s *state) session() *session.Session {
	return session.New(s.cfg.Endpoint(),
		session.WithLogger(s.log),
		session.WithConnOptions(s.cfg.ConnOptions()...),
	)
}

var targetFlags = []cli.Flag{
	&cli.StringFlag{Name: "target", Usage: "ID of the target to attach to."},
	&cli.StringFlag{Name: "url-pattern", Usage: "Attach to the first target whose URL contains this (case-insensitive)."},
}

// selector resolves the target flags. Without either flag the first page target is picked.
func selector(ctx context.Context, cctx *cli.Context, sess *session.Session) (session.Selector, error) {
	sel := session.Selector{ID: cctx.String("target"), URLPattern: cctx.String("url-pattern")}
	if sel != (session.Selector{}) {
		return sel, nil
	}
	targets, err := sess.ListTargets(ctx)
	if err != nil {
		return sel, err
	}
	pages := session.FilterTargets(targets, session.Filter{Type: "page"})
	if len(pages) == 0 {
		return sel, &session.TargetNotFoundError{
			Endpoint:  sess.Endpoint(),
			Selector:  session.Selector{URLPattern: "type=page"},
			Available: len(targets),
		}
	}
	return session.Selector{ID: pages[0].ID}, nil
}

func connect(cctx *cli.Context, s *state) (*session.Session, *cdp.Conn, error) {
	sess := s.session()
	sel, err := selector(cctx.Context, cctx, sess)
	if err != nil {
		return sess, nil, err
	}
	conn, err := sess.ConnectToTarget(cctx.Context, sel)
	return sess, conn, err
}

func targetsCommand(s *state) *cli.Command {
	return &cli.Command{
		Name:  "targets",
		Usage: "list the browser's open targets",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Usage: "Only list targets of this type, e.g. page."},
			&cli.StringFlag{Name: "url-pattern", Usage: "Only list targets whose URL contains this (case-insensitive)."},
			&cli.BoolFlag{Name: "json", Usage: "Print JSON instead of a table."},
			&cli.BoolFlag{Name: "browser-version", Usage: "Also print the browser version."},
		},
		Action: func(cctx *cli.Context) error {
			sess := s.session()
			targets, err := sess.ListTargets(cctx.Context)
			if err != nil {
				return fail(err, 1)
			}
			targets = session.FilterTargets(targets, session.Filter{Type: cctx.String("type"), URLPattern: cctx.String("url-pattern")})

			var version *session.Version
			if cctx.Bool("browser-version") {
				version, err = sess.Version(cctx.Context)
				if err != nil {
					return fail(err, 1)
				}
			}

			if cctx.Bool("json") {
				return s.printJSON(struct {
					Version *session.Version `json:"version,omitempty"`
					Targets []session.Target `json:"targets"`
				}{Version: version, Targets: append([]session.Target{}, targets...)})
			}

			if version != nil {
				fmt.Fprintf(s.out, "%s (protocol %s)\n", version.Browser, version.ProtocolVersion)
			}
			tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tURL")
			for _, t := range targets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Title, t.URL)
			}
			return tw.Flush()
		},
	}
}

func queryCommand(s *state) *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "send one protocol command and print its result",
		ArgsUsage: "<Domain.method>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "params", Usage: "Command parameters as a JSON object.", Value: "{}"},
		}, targetFlags...),
		Action: func(cctx *cli.Context) error {
			method := cctx.Args().First()
			if method == "" {
				return cli.Exit("Error: a method such as Runtime.evaluate is required", 1)
			}
			params := json.RawMessage(cctx.String("params"))
			if !json.Valid(params) {
				return cli.Exit(fmt.Sprintf("Error: --params is not valid JSON: %s", params), 1)
			}

			sess, conn, err := connect(cctx, s)
			defer sess.Close()
			if err != nil {
				return fail(err, 1)
			}
			res, err := conn.Execute(cctx.Context, method, params, 0)
			if err != nil {
				return fail(err, 1)
			}
			return s.printJSON(res)
		},
	}
}
