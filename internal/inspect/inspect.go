// Package inspect runs the per-layer vision pipeline: expected outline,
// projection into the frame, defect extraction and artifact persistence.
package inspect

import (
	"context"
	"fmt"
	"strings"

	"print-sentinel/internal/defect"
	imgio "print-sentinel/internal/image"
	"print-sentinel/internal/layer"
	"print-sentinel/internal/projection"
	"print-sentinel/pkg/geometry"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// GeometrySource yields the expected outline of a layer.
type GeometrySource interface {
	Geometry(layerIndex int) (layer.Geometry, error)
}

// LayerToolpaths serves the toolpath of one layer.
type LayerToolpaths interface {
	Layer(i int) ([]string, error)
}

// SegmentGeometry extracts outlines from per-layer toolpath segments.
type SegmentGeometry struct {
	Extractor *layer.Extractor
	Toolpaths LayerToolpaths
}

// Geometry implements GeometrySource.
func (s SegmentGeometry) Geometry(i int) (layer.Geometry, error) {
	lines, err := s.Toolpaths.Layer(i)
	if err != nil {
		return layer.Geometry{}, err
	}
	return s.Extractor.Extract(strings.NewReader(strings.Join(lines, "\n")), i)
}

// FileGeometry extracts outlines from a whole sliced file by counting layer
// changes.
type FileGeometry struct {
	Extractor *layer.Extractor
	Path      string
}

// Geometry implements GeometrySource.
func (f FileGeometry) Geometry(i int) (layer.Geometry, error) {
	return f.Extractor.ExtractFromFile(f.Path, i)
}

// Artifacts persists inspection images.
type Artifacts interface {
	Save(kind imgio.ArtifactKind, layer int, img gocv.Mat) (string, error)
}

// Finding is the outcome of inspecting one frame.
type Finding struct {
	Layer       int
	BuildHeight float64
	Contours    int
	MaskPixels  int
	Report      defect.Report
	Bed         []geometry.Point3D // approximate bed position per defect, if located
}

// Count returns the number of defects.
func (f *Finding) Count() int {
	return f.Report.Count()
}

// Options configures an Inspector.
type Options struct {
	Report  defect.ReportKind
	Locator *defect.BedLocator // nil skips bed positions
	Logger  *zap.Logger
}

// Inspector implements the orchestrator's Detector.
type Inspector struct {
	geometry  GeometrySource
	engine    *projection.Engine
	defects   *defect.Extractor
	artifacts Artifacts
	opts      Options
	logger    *zap.Logger
}

// New creates an inspector. artifacts may be nil to skip persistence.
func New(geom GeometrySource, engine *projection.Engine, defects *defect.Extractor, artifacts Artifacts, opts Options) *Inspector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		geometry:  geom,
		engine:    engine,
		defects:   defects,
		artifacts: artifacts,
		opts:      opts,
		logger:    logger,
	}
}

// Detect returns the number of defects in the frame of layer i.
func (in *Inspector) Detect(ctx context.Context, i int, frame gocv.Mat) (int, error) {
	f, err := in.Inspect(ctx, i, frame)
	if err != nil {
		return 0, err
	}
	return f.Count(), nil
}

// Inspect runs the full pipeline on a frame of layer i.
func (in *Inspector) Inspect(ctx context.Context, i int, frame gocv.Mat) (*Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := in.geometry.Geometry(i)
	if err != nil {
		return nil, err
	}
	if len(g.Contours) == 0 {
		in.logger.Warn("layer has no outline to inspect", zap.Int("layer", i))
	}

	proj, err := in.engine.Project(frame, g)
	if err != nil {
		return nil, err
	}
	defer proj.Close()

	if !proj.Overlay.Empty() {
		if err := in.save(imgio.ArtifactOverlay, i, proj.Overlay); err != nil {
			return nil, err
		}
	}
	if err := in.save(imgio.ArtifactIsolated, i, proj.Isolated); err != nil {
		return nil, err
	}

	res, err := in.defects.Extract(proj.Isolated)
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", i, err)
	}
	defer res.Close()
	if err := in.save(imgio.ArtifactDefectMask, i, res.Mask); err != nil {
		return nil, err
	}

	f := &Finding{
		Layer:       i,
		BuildHeight: g.BuildHeight,
		Contours:    len(g.Contours),
		MaskPixels:  gocv.CountNonZero(proj.Mask),
		Report:      res.Report(in.opts.Report),
	}

	if in.opts.Locator != nil && res.Count() > 0 {
		centroids := res.Report(defect.ReportCentroids).(defect.CentroidReport).Centroids
		f.Bed = in.opts.Locator.LocateAll(centroids, proj.Pose.Position)
		for k, p := range f.Bed {
			in.logger.Info("defect located",
				zap.Int("layer", i),
				zap.Int("defect", k),
				zap.Float64("x", p.X),
				zap.Float64("y", p.Y),
				zap.Float64("z", p.Z))
		}
	}
	return f, nil
}

func (in *Inspector) save(kind imgio.ArtifactKind, i int, img gocv.Mat) error {
	if in.artifacts == nil {
		return nil
	}
	if _, err := in.artifacts.Save(kind, i, img); err != nil {
		return fmt.Errorf("layer %d: %w", i, err)
	}
	return nil
}
