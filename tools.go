package main

import (
	"errors"
	"fmt"
	"os"

	"print-sentinel/internal/calibration"
	"print-sentinel/internal/defect"
	"print-sentinel/internal/gcode"
	imgio "print-sentinel/internal/image"
	"print-sentinel/internal/inspect"
	"print-sentinel/internal/layer"
	"print-sentinel/internal/printer"
	"print-sentinel/internal/version"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	splitPhoto bool

	ironExtrusion float64
	ironSpeed     float64

	inspectGcode string
	inspectLayer int
	inspectOut   string
)

// splitCmd writes the per-layer segments of a sliced file
var splitCmd = &cobra.Command{
	Use:   "split <gcode> [dir]",
	Short: "Split a sliced file into setup, layer, support and shutdown segments",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Print.SegmentDir
		if len(args) == 2 {
			dir = args[1]
		}

		segs, err := gcode.SplitFile(args[0], cfg.SplitOptions())
		if err != nil {
			return err
		}
		if splitPhoto {
			move := cfg.PhotoMove()
			for i := range segs.Layers {
				segs.Layers[i].Structure = gcode.AppendPhotoMove(segs.Layers[i].Structure, move)
			}
		}
		if err := segs.WriteDir(dir); err != nil {
			return err
		}

		fmt.Printf("Setup: %d lines\n", len(segs.Setup))
		fmt.Printf("Layers: %d\n", len(segs.Layers))
		fmt.Printf("Shutdown: %d lines\n", len(segs.Shutdown))
		fmt.Printf("Written to %s\n", dir)
		return nil
	},
}

// ironCmd rewrites a layer toolpath as an ironing pass
var ironCmd = &cobra.Command{
	Use:   "iron <in> <out>",
	Short: "Rewrite a layer toolpath as a low-extrusion ironing pass",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := cfg.IronOptions()
		if cmd.Flags().Changed("extrusion-ratio") {
			opts.ExtrusionRatio = ironExtrusion
		}
		if cmd.Flags().Changed("speed-ratio") {
			opts.SpeedRatio = ironSpeed
		}

		lines, err := gcode.ReadLines(args[0])
		if err != nil {
			return err
		}
		ironed, err := gcode.Iron(lines, opts)
		if err != nil {
			return err
		}
		if err := gcode.WriteLines(args[1], ironed); err != nil {
			return err
		}
		logger.Info("ironing pass written",
			zap.String("path", args[1]),
			zap.Int("lines", len(ironed)),
			zap.Float64("extrusion_ratio", opts.ExtrusionRatio),
			zap.Float64("speed_ratio", opts.SpeedRatio))
		return nil
	},
}

// inspectCmd runs the detector on one stored frame
var inspectCmd = &cobra.Command{
	Use:   "inspect <frame>",
	Short: "Inspect a single frame against a layer of a sliced file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if inspectGcode != "" {
			cfg.Print.GcodePath = inspectGcode
		}
		if inspectOut != "" {
			cfg.Output.ImageDir = inspectOut
		}
		if cfg.Print.GcodePath == "" {
			return errors.New("no sliced file: pass --gcode or set print.gcode_path")
		}
		if err := cfg.CalibrationParams().Validate(); err != nil {
			return err
		}
		if err := cfg.DefectParams().Validate(); err != nil {
			return err
		}

		frame, err := imgio.LoadFrame(args[0])
		if err != nil {
			return err
		}
		defer frame.Close()

		profile, err := calibration.New(cfg.CalibrationParams())
		if err != nil {
			return err
		}
		defer profile.Close()

		store, err := imgio.NewStore(cfg.Output.ImageDir, nil, logger.Named("artifacts"))
		if err != nil {
			return err
		}
		inspector, err := newInspector(cfg, profile, inspect.FileGeometry{
			Extractor: layer.NewExtractor(cfg.LayerOptions()),
			Path:      cfg.Print.GcodePath,
		}, store)
		if err != nil {
			return err
		}

		f, err := inspector.Inspect(cmd.Context(), inspectLayer, frame)
		if err != nil {
			return err
		}
		printFinding(f, cfg.Detection.DefectThreshold)
		fmt.Printf("Artifacts in %s\n", store.Dir())
		return nil
	},
}

func printFinding(f *inspect.Finding, threshold int) {
	fmt.Printf("Layer %d at Z=%.2f: %d contours, %d mask pixels\n", f.Layer, f.BuildHeight, f.Contours, f.MaskPixels)
	fmt.Printf("Defects: %d (threshold %d)\n", f.Count(), threshold)

	switch r := f.Report.(type) {
	case defect.CentroidReport:
		fmt.Printf("%-8s %10s %10s\n", "Defect", "U", "V")
		for i, c := range r.Centroids {
			fmt.Printf("%-8d %10.1f %10.1f\n", i, c.X, c.Y)
		}
	case defect.RegionReport:
		fmt.Printf("%-8s %10s\n", "Defect", "Pixels")
		for i, reg := range r.Regions {
			fmt.Printf("%-8d %10d\n", i, len(reg))
		}
	}
	for i, p := range f.Bed {
		fmt.Printf("Defect %d near bed X=%.1f Y=%.1f Z=%.2f\n", i, p.X, p.Y, p.Z)
	}
	if f.Count() >= threshold {
		fmt.Println("Layer would be corrected")
	}
}

// initCmd writes the default configuration
var initCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write the default configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err == nil {
			return fmt.Errorf("%s already exists", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return cfg.Save(args[0])
	},
}

// portsCmd lists serial devices
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := printer.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

// versionCmd prints build information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}
