// Command projecttest projects a layer outline onto a frame and writes the
// overlay, for checking a calibration against a real photo.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"print-sentinel/internal/calibration"
	"print-sentinel/internal/config"
	imgio "print-sentinel/internal/image"
	"print-sentinel/internal/layer"
	"print-sentinel/internal/projection"
	"print-sentinel/pkg/geometry"

	"gocv.io/x/gocv"
)

func main() {
	configPath := flag.String("c", "", "Configuration file (default: built-in rig settings)")
	framePath := flag.String("frame", "", "Path to layer photo (JPEG, PNG, or TIFF)")
	gcodePath := flag.String("gcode", "", "Sliced file")
	layerIndex := flag.Int("layer", 1, "Layer the photo shows")
	out := flag.String("o", "", "Overlay output path (default: <frame>_overlay.png)")
	flag.Parse()

	if *framePath == "" || *gcodePath == "" {
		fmt.Println("Usage: projecttest -frame <photo> -gcode <file> [-layer 1] [-c config.yaml] [-o overlay.png]")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Read(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	frame, err := imgio.LoadFrame(*framePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load frame: %v\n", err)
		os.Exit(1)
	}
	defer frame.Close()
	fmt.Printf("Loaded frame: %dx%d pixels\n", frame.Cols(), frame.Rows())

	profile, err := calibration.New(cfg.CalibrationParams())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid calibration: %v\n", err)
		os.Exit(1)
	}
	defer profile.Close()
	roi := profile.ValidROI()
	fmt.Printf("Calibrated size: %v, valid region %v\n", profile.Size(), roi)

	extractor := layer.NewExtractor(cfg.LayerOptions())
	g, err := extractor.ExtractFromFile(*gcodePath, *layerIndex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read layer %d: %v\n", *layerIndex, err)
		os.Exit(1)
	}
	b := g.Bounds()
	fmt.Printf("\nLayer %d at Z=%.2f: %d contours\n", g.LayerIndex, g.BuildHeight, len(g.Contours))
	fmt.Printf("  Bed bounds: X %.1f..%.1f  Y %.1f..%.1f\n", b.X, b.X+b.Width, b.Y, b.Y+b.Height)

	opts := cfg.ProjectionOptions()
	opts.DrawOverlay = true
	engine := projection.NewEngine(profile, opts)
	res, err := engine.Project(frame, g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Projection failed: %v\n", err)
		os.Exit(1)
	}
	defer res.Close()

	pose := res.Pose
	fmt.Printf("\nNozzle at (%.1f, %.1f, %.2f)\n", pose.Position.X, pose.Position.Y, pose.Position.Z)
	fmt.Printf("  Rotation vector: [%.4f %.4f %.4f]\n", pose.Rotation[0], pose.Rotation[1], pose.Rotation[2])
	fmt.Printf("  Translation:     [%.2f %.2f %.2f]\n", pose.Translation[0], pose.Translation[1], pose.Translation[2])

	fmt.Printf("\n%-8s %8s %22s\n", "Contour", "Points", "Image bounds")
	valid := geometry.Rect{X: float64(roi.Min.X), Y: float64(roi.Min.Y), Width: float64(roi.Dx() - 1), Height: float64(roi.Dy() - 1)}
	outside := 0
	for i, c := range res.Projected {
		pb := geometry.BoundingBox(c)
		fmt.Printf("%-8d %8d %10.0f,%-5.0f %5.0fx%-5.0f\n", i, len(c), pb.X, pb.Y, pb.Width, pb.Height)
		for _, p := range c {
			if !valid.Contains(p) {
				outside++
			}
		}
	}
	if outside > 0 {
		fmt.Printf("\nWarning: %d projected points fall outside the valid region\n", outside)
	}
	fmt.Printf("Mask covers %d pixels\n", gocv.CountNonZero(res.Mask))

	path := *out
	if path == "" {
		ext := filepath.Ext(*framePath)
		path = (*framePath)[:len(*framePath)-len(ext)] + "_overlay.png"
	}
	if ok := gocv.IMWrite(path, res.Overlay); !ok {
		fmt.Fprintf(os.Stderr, "Failed to write %s\n", path)
		os.Exit(1)
	}
	fmt.Printf("Overlay written to %s\n", path)
}
