package projection

import (
	"fmt"
	"image"

	"print-sentinel/internal/calibration"
	"print-sentinel/internal/layer"
	"print-sentinel/pkg/colorutil"
	"print-sentinel/pkg/geometry"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Options configures the projection engine.
type Options struct {
	PhotoX, PhotoY   float64 // bed position of the nozzle when photographing
	ZOffset          float64 // clearance above the layer, mm
	Combine          CombinePolicy
	DrawOverlay      bool
	OutlineThickness int
	Background       uint8 // fill outside the region
	Logger           *zap.Logger
}

// DefaultOptions returns default projection options.
func DefaultOptions() Options {
	return Options{
		Combine:          CombineXOR,
		DrawOverlay:      true,
		OutlineThickness: 2,
		Background:       255,
	}
}

// WithPhotoPosition returns a copy of the options with another photo position.
func (o Options) WithPhotoPosition(x, y float64) Options {
	o.PhotoX, o.PhotoY = x, y
	return o
}

// WithCombine returns a copy of the options with another combine policy.
func (o Options) WithCombine(p CombinePolicy) Options {
	o.Combine = p
	return o
}

// Result holds the images derived from one frame. The caller owns the Mats
// and must call Close.
type Result struct {
	Undistorted gocv.Mat // 3-channel BGR
	Mask        gocv.Mat // 8-bit, 255 inside the expected outline
	Overlay     gocv.Mat // empty unless requested
	Isolated    gocv.Mat // BGRA, background filled, alpha = mask
	Projected   [][]geometry.Point2D
	Pose        NozzlePose
}

// Close releases all images.
func (r *Result) Close() {
	r.Undistorted.Close()
	r.Mask.Close()
	r.Overlay.Close()
	r.Isolated.Close()
}

// Engine projects layer outlines into undistorted frames.
type Engine struct {
	profile *calibration.Profile
	opts    Options
	logger  *zap.Logger
}

// NewEngine creates an engine for a calibrated camera.
func NewEngine(profile *calibration.Profile, opts Options) *Engine {
	if opts.OutlineThickness <= 0 {
		opts.OutlineThickness = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{profile: profile, opts: opts, logger: logger}
}

// Pose returns the photographing pose for a layer built at height z.
func (e *Engine) Pose(z float64) NozzlePose {
	return NewNozzlePose(
		geometry.Point2D{X: e.opts.PhotoX, Y: e.opts.PhotoY},
		z+e.opts.ZOffset,
		e.profile.NozzleToCamera(),
	)
}

// Project undistorts the frame, projects the layer's contours into it and
// isolates the covered region.
func (e *Engine) Project(frame gocv.Mat, g layer.Geometry) (*Result, error) {
	pose := e.Pose(g.BuildHeight)

	undistorted, err := e.profile.Undistort(frame)
	if err != nil {
		undistorted.Close()
		return nil, fmt.Errorf("layer %d: %w", g.LayerIndex, err)
	}
	if err := toBGR(&undistorted); err != nil {
		undistorted.Close()
		return nil, fmt.Errorf("layer %d: %w", g.LayerIndex, err)
	}

	res := &Result{
		Undistorted: undistorted,
		Overlay:     gocv.NewMat(),
		Pose:        pose,
	}

	res.Projected = make([][]geometry.Point2D, 0, len(g.Contours))
	for _, c := range g.Contours {
		res.Projected = append(res.Projected,
			e.profile.ProjectPoints(c.Lift(g.BuildHeight), pose.Rotation, pose.Translation))
	}

	res.Mask = e.buildMask(res.Projected, undistorted.Rows(), undistorted.Cols())
	res.Isolated = isolate(undistorted, res.Mask, e.opts.Background)

	if e.opts.DrawOverlay {
		res.Overlay.Close()
		res.Overlay = drawOutline(undistorted, res.Projected, e.opts.OutlineThickness)
	}

	e.logger.Debug("layer projected",
		zap.Int("layer", g.LayerIndex),
		zap.Int("contours", len(g.Contours)),
		zap.Int("mask_pixels", gocv.CountNonZero(res.Mask)),
		zap.Float64("nozzle_z", pose.Position.Z))
	return res, nil
}

// buildMask rasterises each contour as a filled polygon and merges the
// per-contour masks with the configured policy.
func (e *Engine) buildMask(contours [][]geometry.Point2D, rows, cols int) gocv.Mat {
	mask := gocv.NewMatWithSizeFromScalar(colorutil.Gray(0), rows, cols, gocv.MatTypeCV8UC1)

	for _, c := range contours {
		if len(c) < 3 {
			continue
		}
		single := gocv.NewMatWithSizeFromScalar(colorutil.Gray(0), rows, cols, gocv.MatTypeCV8UC1)
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{toPixels(c)})
		gocv.FillPoly(&single, pv, colorutil.White)
		pv.Close()

		switch e.opts.Combine {
		case CombineUnion:
			gocv.BitwiseOr(mask, single, &mask)
		default:
			gocv.BitwiseXor(mask, single, &mask)
		}
		single.Close()
	}
	return mask
}

// isolate copies the frame under the mask onto a uniform background and
// attaches the mask as alpha channel.
func isolate(frame, mask gocv.Mat, background uint8) gocv.Mat {
	filled := gocv.NewMatWithSizeFromScalar(colorutil.Gray(background), frame.Rows(), frame.Cols(), gocv.MatTypeCV8UC3)
	defer filled.Close()
	frame.CopyToWithMask(&filled, mask)

	channels := gocv.Split(filled)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	out := gocv.NewMat()
	gocv.Merge([]gocv.Mat{channels[0], channels[1], channels[2], mask}, &out)
	return out
}

func drawOutline(frame gocv.Mat, contours [][]geometry.Point2D, thickness int) gocv.Mat {
	overlay := frame.Clone()
	if len(contours) == 0 {
		return overlay
	}

	pts := make([][]image.Point, 0, len(contours))
	for _, c := range contours {
		if len(c) >= 2 {
			pts = append(pts, toPixels(c))
		}
	}
	pv := gocv.NewPointsVectorFromPoints(pts)
	defer pv.Close()
	gocv.Polylines(&overlay, pv, true, colorutil.Blue, thickness)
	return overlay
}

// toBGR converts single and four channel frames to 3-channel BGR in place.
func toBGR(m *gocv.Mat) error {
	var code gocv.ColorConversionCode
	switch m.Channels() {
	case 3:
		return nil
	case 1:
		code = gocv.ColorGrayToBGR
	case 4:
		code = gocv.ColorBGRAToBGR
	default:
		return fmt.Errorf("unsupported frame with %d channels", m.Channels())
	}
	converted := gocv.NewMat()
	gocv.CvtColor(*m, &converted, code)
	m.Close()
	*m = converted
	return nil
}

func toPixels(pts []geometry.Point2D) []image.Point {
	out := make([]image.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Pixel()
	}
	return out
}
