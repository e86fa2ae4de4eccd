package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/splatdelta/delta"
	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Application is the set of operations the CLI dispatches to.
type Application interface {
	SetLogging(level string, asJSON bool) error
	LoadConfig(opts AppOptions) error
	RunDeltas(ctx context.Context) (*delta.RunReport, error)
	ServeHTTP(ctx context.Context) error
	RunInspect(path string, asJSON bool) error
	RunCompare(sourcePath, targetPath string, asJSON bool) error
	RunPreview(opts PreviewOptions) error
	Close()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(nil)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command against app.
func run(args []string, out io.Writer, app Application) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Close()

	return newCLI(out, app).RunContext(ctx, append([]string{"splatdelta"}, args...))
}

func newCLI(out io.Writer, app Application) *cli.App {
	return &cli.App{
		Name:      "splatdelta",
		Usage:     "per-frame delta encoding for dynamic point clouds",
		Version:   Version,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				EnvVars: []string{"SPLATDELTA_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level: debug, info, warn or error",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "emit logs as JSON",
			},
		},
		Before: func(c *cli.Context) error {
			return app.SetLogging(c.String("log-level"), c.Bool("log-json"))
		},
		// Errors are returned to main rather than exiting inside the library.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			runCommand(out, app),
			serveCommand(app),
			inspectCommand(app),
			compareCommand(app),
			previewCommand(app),
		},
	}
}

func runCommand(out io.Writer, app Application) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "compute delta files for the configured frame range",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "first", Usage: "first frame index"},
			&cli.IntFlag{Name: "last", Usage: "last frame index"},
			&cli.IntFlag{Name: "base", Usage: "reference frame index (default: first)"},
			&cli.StringFlag{Name: "strategy", Usage: "frame_to_base or frame_to_previous"},
			&cli.StringFlag{Name: "match-mode", Usage: "auto or spatial"},
			&cli.StringFlag{Name: "source-dir", Usage: "directory holding the frame files"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory for delta files"},
			&cli.IntFlag{Name: "workers", Usage: "worker goroutines (default: GOMAXPROCS)"},
			&cli.BoolFlag{Name: "serve", Usage: "serve artifacts and metrics during and after the run"},
			&cli.IntFlag{Name: "port", Usage: "HTTP port for --serve"},
		},
		Action: func(c *cli.Context) error {
			opts := AppOptions{
				ConfigFile: c.String("config"),
				First:      intIfSet(c, "first"),
				Last:       intIfSet(c, "last"),
				Base:       intIfSet(c, "base"),
				Strategy:   c.String("strategy"),
				MatchMode:  c.String("match-mode"),
				SourceDir:  c.String("source-dir"),
				OutputDir:  c.String("out"),
				Workers:    c.Int("workers"),
				HTTPPort:   c.Int("port"),
				Serve:      c.Bool("serve"),
			}
			if err := app.LoadConfig(opts); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			var serveErr chan error
			if opts.Serve {
				serveErr = make(chan error, 1)
				go func() { serveErr <- app.ServeHTTP(ctx) }()
			}

			report, err := app.RunDeltas(ctx)
			if report != nil {
				fmt.Fprintf(out, "Run %s: %d ok, %d degraded, %d fatal (reference %d points)\n",
					report.RunID, report.OK, report.Degraded, report.Fatal, report.ReferenceSize)
			}
			if err != nil || serveErr == nil {
				return err
			}

			fmt.Fprintln(out, "Run complete, still serving. Press Ctrl+C to stop")
			return <-serveErr
		},
	}
}

func serveCommand(app Application) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve delta files, the run report and metrics over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "output directory to serve"},
			&cli.IntFlag{Name: "port", Usage: "HTTP port"},
		},
		Action: func(c *cli.Context) error {
			opts := AppOptions{
				ConfigFile: c.String("config"),
				OutputDir:  c.String("dir"),
				HTTPPort:   c.Int("port"),
				ServeOnly:  true,
			}
			if err := app.LoadConfig(opts); err != nil {
				return err
			}
			return app.ServeHTTP(c.Context)
		},
	}
}

func inspectCommand(app Application) *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "summarise a delta file",
		ArgsUsage: "<frame.delta>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("inspect takes exactly one delta file")
			}
			return app.RunInspect(c.Args().First(), c.Bool("json"))
		},
	}
}

func compareCommand(app Application) *cli.Command {
	return &cli.Command{
		Name:      "compare",
		Usage:     "check id overlap and id-matched displacement between two frames",
		ArgsUsage: "<source> <target>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("compare takes a source and a target frame")
			}
			return app.RunCompare(c.Args().Get(0), c.Args().Get(1), c.Bool("json"))
		},
	}
}

func previewCommand(app Application) *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "draw a delta file over its reference frame",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reference", Aliases: []string{"r"}, Usage: "reference frame (.ply or buffer prefix)", Required: true},
			&cli.StringFlag{Name: "delta", Aliases: []string{"d"}, Usage: "delta file", Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "preview.svg", Usage: "output file"},
			&cli.StringFlag{Name: "format", Value: "svg", Usage: "svg, png or heatmap"},
			&cli.StringFlag{Name: "axes", Value: "xy", Usage: "projected axes"},
			&cli.Float64Flag{Name: "exaggerate", Value: 1, Usage: "multiplier for drawn deltas"},
			&cli.IntFlag{Name: "width", Value: 1024, Usage: "heatmap width in pixels"},
		},
		Action: func(c *cli.Context) error {
			return app.RunPreview(PreviewOptions{
				Reference:  c.String("reference"),
				Delta:      c.String("delta"),
				Output:     c.String("output"),
				Format:     c.String("format"),
				Axes:       c.String("axes"),
				Exaggerate: c.Float64("exaggerate"),
				Width:      c.Int("width"),
			})
		},
	}
}

func intIfSet(c *cli.Context, name string) *int {
	if !c.IsSet(name) {
		return nil
	}
	v := c.Int(name)
	return &v
}
