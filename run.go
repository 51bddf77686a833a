package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"print-sentinel/internal/calibration"
	"print-sentinel/internal/capture"
	"print-sentinel/internal/config"
	"print-sentinel/internal/defect"
	"print-sentinel/internal/gcode"
	imgio "print-sentinel/internal/image"
	"print-sentinel/internal/inspect"
	"print-sentinel/internal/layer"
	"print-sentinel/internal/orchestrator"
	"print-sentinel/internal/printer"
	"print-sentinel/internal/projection"
	"print-sentinel/internal/runlog"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dryRun     bool
	replayDir  string
	layerLimit int
	noCorrect  bool
)

// runCmd prints a sliced file under inspection
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Print a sliced file with per-layer inspection and correction",
	Long: `Splits the configured file into setup, per-layer and shutdown segments,
streams them to the printer and inspects every layer before the next one
starts. Interrupting the command stops after the current printer command and
still writes the run summary.`,
	Args: cobra.NoArgs,
	RunE: runPrint,
}

// link is a printer connection the run owns.
type link interface {
	orchestrator.Printer
	Connect(ctx context.Context) error
	Close() error
}

func runPrint(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dryRun {
		cfg.Printer.Simulate = true
	}
	if replayDir != "" {
		cfg.Camera.ReplayDir = replayDir
	}
	if layerLimit >= 0 {
		cfg.Print.TotalLayers = layerLimit
	}
	if noCorrect {
		cfg.Correction.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Print.GcodePath == "" {
		return errors.New("print.gcode_path is required")
	}

	segs, err := gcode.SplitFile(cfg.Print.GcodePath, cfg.SplitOptions())
	if err != nil {
		return err
	}
	if err := segs.WriteDir(cfg.Print.SegmentDir); err != nil {
		return err
	}
	logger.Info("toolpath split",
		zap.String("path", cfg.Print.GcodePath),
		zap.Int("layers", len(segs.Layers)),
		zap.String("segments", cfg.Print.SegmentDir))
	source := segs.Source()

	profile, err := calibration.New(cfg.CalibrationParams())
	if err != nil {
		return err
	}
	defer profile.Close()

	store, err := imgio.NewStore(cfg.Output.ImageDir, nil, logger.Named("artifacts"))
	if err != nil {
		return err
	}

	inspector, err := newInspector(cfg, profile, inspect.SegmentGeometry{
		Extractor: layer.NewExtractor(cfg.LayerOptions()),
		Toolpaths: source,
	}, store)
	if err != nil {
		return err
	}

	sink, closeSinks, err := openSinks(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	cam, err := openCamera(cfg)
	if err != nil {
		return err
	}

	p, err := openPrinter(ctx, cfg)
	if err != nil {
		cam.Close()
		return err
	}
	defer p.Close()

	photo := cfg.PhotoMove()
	orch := orchestrator.New(orchestrator.Settings{
		TotalLayers:     cfg.Print.TotalLayers,
		SettleDelay:     cfg.Print.SettleDelay,
		DefectThreshold: cfg.Detection.DefectThreshold,
		PhotoMove:       &photo,
		Correction:      cfg.Correction.Enabled,
		Iron:            cfg.IronOptions(),
		ReprintSupport:  cfg.Correction.ReprintSupport,
		LogEntries:      cfg.LogEntries(),
	}, orchestrator.Deps{
		Printer:   p,
		Camera:    cam,
		Detector:  inspector,
		Toolpaths: source,
		Artifacts: store,
		Sink:      sink,
		Logger:    logger.Named("run"),
		OnTransition: func(t orchestrator.Transition) {
			switch t.State {
			case orchestrator.StatePrinting:
				fmt.Printf("Layer %d\n", t.Layer)
			case orchestrator.StateCorrecting:
				fmt.Printf("Layer %d: ironing\n", t.Layer)
			}
		},
	})

	sum, err := orch.Run(ctx)
	fmt.Printf("Layers printed: %d\n", len(sum.Outcomes))
	fmt.Printf("Flagged layers: %s\n", runlog.FormatList(sum.Flagged))
	fmt.Printf("Corrected layers: %s\n", runlog.FormatList(sum.Corrected))
	return err
}

// newInspector builds the detector from the projection and defect settings.
func newInspector(cfg *config.Config, profile *calibration.Profile, geom inspect.GeometrySource, artifacts inspect.Artifacts) (*inspect.Inspector, error) {
	extractor, err := defect.NewExtractor(cfg.DefectParams())
	if err != nil {
		return nil, err
	}
	opts := inspect.Options{
		Report: cfg.ReportKind(),
		Logger: logger.Named("inspect"),
	}
	if cfg.Detection.LocateDefects {
		opts.Locator = defect.NewBedLocator(profile.UndistortedIntrinsics(), profile.NozzleToCamera())
	}
	engine := projection.NewEngine(profile, cfg.ProjectionOptions())
	return inspect.New(geom, engine, extractor, artifacts, opts), nil
}

// openSinks opens the text log and, when configured, the history database.
func openSinks(cfg *config.Config) (runlog.Sink, func(), error) {
	text, err := runlog.OpenTextLog(cfg.Output.LogPath)
	if err != nil {
		return nil, nil, err
	}
	sinks := runlog.Multi{text}
	closers := []func() error{text.Close}

	if cfg.Output.HistoryPath != "" {
		hist, err := runlog.OpenHistory(cfg.Output.HistoryPath)
		if err != nil {
			text.Close()
			return nil, nil, err
		}
		sinks = append(sinks, hist)
		closers = append(closers, hist.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close run log", zap.Error(err))
			}
		}
	}
	return sinks, closeAll, nil
}

// openCamera opens the capture device, or the replay directory when set.
func openCamera(cfg *config.Config) (orchestrator.Camera, error) {
	if cfg.Camera.ReplayDir != "" {
		r, err := capture.NewReplay(cfg.Camera.ReplayDir, logger.Named("replay"))
		if err != nil {
			return nil, err
		}
		logger.Info("replaying frames", zap.String("dir", cfg.Camera.ReplayDir), zap.Int("frames", r.Len()))
		return r, nil
	}
	opts := cfg.CaptureOptions()
	opts.Logger = logger.Named("camera")
	return capture.Open(opts)
}

// openPrinter connects to the controller, or to a simulator for dry runs.
func openPrinter(ctx context.Context, cfg *config.Config) (link, error) {
	var p link
	if cfg.Printer.Simulate {
		p = printer.NewSimulator(logger.Named("printer"))
	} else {
		port, err := printer.OpenPort(cfg.Printer.Port, cfg.Printer.Serial)
		if err != nil {
			return nil, err
		}
		opts := cfg.PrinterOptions()
		opts.Logger = logger.Named("printer")
		p = printer.New(port, opts)
	}
	if err := p.Connect(ctx); err != nil {
		p.Close()
		return nil, err
	}
	logger.Info("printer online", zap.String("port", cfg.Printer.Port), zap.Bool("simulated", cfg.Printer.Simulate))
	return p, nil
}
