package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/splatdelta/delta"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// mqttConnectTimeout bounds the broker dial before a run continues without
// publishing.
const mqttConnectTimeout = 30 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config     *delta.Config
	Log        *logrus.Logger
	Registry   *prometheus.Registry
	Metrics    *delta.Metrics
	MQTTClient *delta.MQTTClient
	Publisher  *delta.ReportPublisher
	Out        io.Writer

	// CLI flags (effectively dependencies)
	ConfigFile string
	Serve      bool
}

// AppOptions carries command line overrides. Nil pointers and empty strings
// leave the configuration value untouched.
type AppOptions struct {
	ConfigFile string
	First      *int
	Last       *int
	Base       *int
	Strategy   string
	MatchMode  string
	SourceDir  string
	OutputDir  string
	Workers    int
	HTTPPort   int
	Serve      bool
	// ServeOnly relaxes validation to what the artifact server needs.
	ServeOnly bool
}

// NewApp creates a new App instance
func NewApp(log *logrus.Logger) *App {
	if log == nil {
		log = logrus.New()
	}
	reg := prometheus.NewRegistry()
	return &App{
		Config:   delta.DefaultConfig(),
		Log:      log,
		Registry: reg,
		Metrics:  delta.NewMetrics(reg),
		Out:      os.Stdout,
	}
}

// SetLogging configures the log level and format.
func (a *App) SetLogging(level string, asJSON bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	a.Log.SetLevel(lvl)
	if asJSON {
		a.Log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		a.Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// LoadConfig reads ConfigFile, applies opts and validates the result.
func (a *App) LoadConfig(opts AppOptions) error {
	a.ConfigFile = opts.ConfigFile
	if a.ConfigFile != "" {
		cfg, err := delta.ReadConfig(a.ConfigFile)
		if err != nil {
			return err
		}
		a.Config = cfg
	} else {
		a.Config.ApplyEnv()
	}
	a.ApplyOptions(opts)
	if opts.ServeOnly {
		if a.Config.Output.Dir == "" {
			return fmt.Errorf("invalid configuration: output.dir is required")
		}
		return nil
	}
	if err := a.Config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ApplyOptions applies CLI options to the configuration
func (a *App) ApplyOptions(opts AppOptions) {
	cfg := a.Config
	if opts.First != nil {
		cfg.Frames.First = *opts.First
	}
	if opts.Last != nil {
		cfg.Frames.Last = *opts.Last
	}
	if opts.Base != nil {
		cfg.Frames.Base = *opts.Base
	} else if cfg.Frames.Base < cfg.Frames.First {
		cfg.Frames.Base = cfg.Frames.First
	}
	if opts.Strategy != "" {
		cfg.Strategy = delta.Strategy(opts.Strategy)
	}
	if opts.MatchMode != "" {
		cfg.MatchMode = delta.MatchMode(opts.MatchMode)
	}
	if opts.SourceDir != "" {
		cfg.Source.Dir = opts.SourceDir
	}
	if opts.OutputDir != "" {
		cfg.Output.Dir = opts.OutputDir
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if opts.HTTPPort > 0 {
		cfg.HTTP.Port = opts.HTTPPort
	}
	a.Serve = opts.Serve
}

// ReportPath returns where the run report is written, or "" when disabled.
func (a *App) ReportPath() string {
	if a.Config.Output.Report == "" {
		return ""
	}
	return filepath.Join(a.Config.Output.Dir, a.Config.Output.Report)
}

// RunDeltas processes the configured frame range and writes the run report.
// The report is returned even when the run fails.
func (a *App) RunDeltas(ctx context.Context) (*delta.RunReport, error) {
	cfg := a.Config
	opts, err := cfg.TrackerOptions()
	if err != nil {
		return nil, err
	}

	frames, err := cfg.Source.NewSource()
	if err != nil {
		return nil, fmt.Errorf("creating frame source: %w", err)
	}
	reference := frames
	if cfg.Source.Reference != nil {
		if reference, err = cfg.Source.Reference.NewSource(); err != nil {
			return nil, fmt.Errorf("creating reference source: %w", err)
		}
	}

	sink, err := delta.NewDirSink(cfg.Output.Dir, cfg.Output.Pattern)
	if err != nil {
		return nil, err
	}

	driver := delta.NewDriver(sink, opts, cfg.Resolver(), a.Log)
	driver.AddObserver(a.Metrics)

	report := delta.NewRunReport(cfg.Frames, opts.Strategy)
	a.Log.WithField("run_id", report.RunID).Info("Run starting")

	if err := a.startPublisher(ctx, report.RunID); err != nil {
		a.Log.WithError(err).Warn("Continuing without MQTT publishing")
	}
	if a.Publisher != nil {
		driver.AddObserver(a.Publisher)
	}

	res, runErr := driver.Run(ctx, cfg.Frames, reference, frames)
	report.Finish(res, runErr)

	if path := a.ReportPath(); path != "" {
		if err := delta.SaveRunReport(path, report); err != nil {
			a.Log.WithError(err).Error("Failed to save run report")
		} else {
			a.Log.WithField("path", path).Info("Run report saved")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishReport(report); err != nil {
			a.Log.WithError(err).Warn("Failed to publish run report")
		}
	}
	return report, runErr
}

// startPublisher connects to the configured broker. Without a broker it
// does nothing.
func (a *App) startPublisher(ctx context.Context, runID string) error {
	client, err := delta.NewMQTTClient(a.Config.MQTT, a.Log)
	if err != nil || client == nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		return err
	}
	a.MQTTClient = client
	a.Publisher = delta.NewReportPublisher(client.Client(), client.TopicPrefix(), runID, a.Log)
	return nil
}

// Close releases the MQTT connection.
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
		a.MQTTClient = nil
	}
}

// Handler returns the artifact server for the configured output directory.
func (a *App) Handler() http.Handler {
	return newHTTPServer(a.Config.Output.Dir, a.ReportPath(), a.Registry, a.Metrics, a.Log)
}

// ServeHTTP runs the artifact server until ctx ends.
func (a *App) ServeHTTP(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.WithField("addr", addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunInspect prints a summary of a delta file.
func (a *App) RunInspect(path string, asJSON bool) error {
	recs, err := delta.ReadRecordsFile(path)
	if err != nil {
		return err
	}
	s := delta.SummarizeRecords(recs)
	if asJSON {
		return a.printJSON(s)
	}

	fmt.Fprintf(a.Out, "=== %s ===\n", filepath.Base(path))
	fmt.Fprintf(a.Out, "Records: %d (non-zero %d)\n", s.Records, s.NonZero)
	if s.FirstNonZero >= 0 {
		fmt.Fprintf(a.Out, "First non-zero: %d\n", s.FirstNonZero)
	}
	fmt.Fprintf(a.Out, "Max |pos|: (%.6g, %.6g, %.6g)\n", s.MaxAbsPos[0], s.MaxAbsPos[1], s.MaxAbsPos[2])
	fmt.Fprintf(a.Out, "Mean |pos|: (%.6g, %.6g, %.6g)\n", s.MeanAbsPos[0], s.MeanAbsPos[1], s.MeanAbsPos[2])
	fmt.Fprintf(a.Out, "Position norm: mean %.6g, max %.6g\n", s.MeanPosNorm, s.MaxPosNorm)
	if s.NonFinite > 0 {
		fmt.Fprintf(a.Out, "WARNING: %d non-finite components\n", s.NonFinite)
	}
	if s.NonZeroPad > 0 {
		fmt.Fprintf(a.Out, "WARNING: %d records with non-zero padding\n", s.NonZeroPad)
	}
	return nil
}

// RunCompare prints the ID overlap between two frame files.
func (a *App) RunCompare(sourcePath, targetPath string, asJSON bool) error {
	source, err := loadPointSet(sourcePath)
	if err != nil {
		return err
	}
	target, err := loadPointSet(targetPath)
	if err != nil {
		return err
	}
	o, err := delta.CompareIDs(source, target)
	if err != nil {
		return err
	}
	if asJSON {
		return a.printJSON(o)
	}

	fmt.Fprintf(a.Out, "Source: %s (%d points, %d duplicate ids, sequential %v)\n",
		sourcePath, o.SourceCount, o.SourceDuplicates, o.SourceSequential)
	fmt.Fprintf(a.Out, "Target: %s (%d points, %d duplicate ids)\n", targetPath, o.TargetCount, o.TargetDuplicates)
	fmt.Fprintf(a.Out, "Common ids: %d, matched points: %d\n", o.Common, o.Matched)
	fmt.Fprintf(a.Out, "Displacement: mean %.6g, max %.6g\n", o.MeanDistance, o.MaxDistance)
	fmt.Fprintf(a.Out, "Verdict: %s\n", o.Verdict)
	return nil
}

// PreviewOptions selects what RunPreview draws.
type PreviewOptions struct {
	Reference  string
	Delta      string
	Output     string
	Format     string // svg, png or heatmap
	Axes       string // two of x, y, z
	Exaggerate float64
	Width      int // heatmap width in pixels
}

// RunPreview renders a delta file over its reference frame.
func (a *App) RunPreview(opts PreviewOptions) error {
	ref, err := loadPointSet(opts.Reference)
	if err != nil {
		return err
	}
	recs, err := delta.ReadRecordsFile(opts.Delta)
	if err != nil {
		return err
	}
	p, err := delta.NewPreview(ref, recs)
	if err != nil {
		return err
	}
	if opts.Axes != "" {
		if p.Axes, err = parseAxes(opts.Axes); err != nil {
			return err
		}
	}
	if opts.Exaggerate > 0 {
		p.Exaggerate = opts.Exaggerate
	}

	f, err := os.Create(opts.Output)
	if err != nil {
		return fmt.Errorf("creating preview: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(opts.Format) {
	case "", "svg":
		err = p.RenderToSVG(f)
	case "png":
		err = p.RenderToPNG(f)
	case "heatmap":
		caption := fmt.Sprintf("%s  max |d| %.4g", filepath.Base(opts.Delta), p.MaxMagnitude())
		err = p.WriteHeatmapPNG(f, opts.Width, caption)
	default:
		return fmt.Errorf("unknown preview format %q (want svg, png or heatmap)", opts.Format)
	}
	if err != nil {
		return fmt.Errorf("rendering preview: %w", err)
	}

	a.Log.WithFields(logrus.Fields{
		"output":  opts.Output,
		"format":  opts.Format,
		"records": len(recs),
	}).Info("Preview written")
	return f.Close()
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadPointSet reads a PLY file, or a buffer set when path is a prefix.
func loadPointSet(path string) (*delta.PointSet, error) {
	var (
		ps  *delta.PointSet
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".ply") {
		ps, err = delta.ReadPLYFile(path)
	} else {
		ps, err = delta.ReadBufferSet(path)
	}
	if err != nil {
		return nil, err
	}
	if err := ps.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// parseAxes parses a projection such as "xy" or "xz".
func parseAxes(s string) ([2]delta.AxisIndex, error) {
	var axes [2]delta.AxisIndex
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2 || s[0] == s[1] {
		return axes, fmt.Errorf("axes %q must name two distinct axes, e.g. xy", s)
	}
	for k := range 2 {
		ax, err := delta.ParseAxis(s[k : k+1])
		if err != nil {
			return axes, err
		}
		axes[k] = ax
	}
	return axes, nil
}
