package inspect

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"print-sentinel/internal/calibration"
	"print-sentinel/internal/defect"
	"print-sentinel/internal/gcode"
	imgio "print-sentinel/internal/image"
	"print-sentinel/internal/layer"
	"print-sentinel/internal/projection"
	"print-sentinel/pkg/colorutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// A camera 50mm above the nozzle looking straight down; the bed maps at
// 2px/mm and the nozzle at (100, 120) lands on pixel (100, 75).
func testProfile(t *testing.T) *calibration.Profile {
	t.Helper()
	prof, err := calibration.New(calibration.Params{
		Intrinsic:  [][]float64{{100, 0, 100}, {0, 100, 75}, {0, 0, 1}},
		Distortion: []float64{0, 0, 0, 0, 0},
		NozzleToCamera: [][]float64{
			{1, 0, 0, 0},
			{0, -1, 0, 0},
			{0, 0, -1, 50},
			{0, 0, 0, 1},
		},
		Width:  200,
		Height: 150,
	})
	require.NoError(t, err)
	t.Cleanup(func() { prof.Close() })
	return prof
}

// A 20mm square perimeter centred under the photo position.
var squareLayer = []string{
	";LAYER_CHANGE",
	";Z:0.2",
	";TYPE:External perimeter",
	"G1 X90 Y110 F9000",
	"G1 X110 Y110 E0.8",
	"G1 X110 Y130 E0.8",
	"G1 X90 Y130 E0.8",
	"G1 X90 Y110 E0.8",
	"G1 E-0.8 F2100",
	"; stop printing object SmallBellow",
}

func frameWithBlob(dark bool) gocv.Mat {
	frame := gocv.NewMatWithSizeFromScalar(colorutil.Gray(200), 150, 200, gocv.MatTypeCV8UC3)
	if dark {
		blob := frame.Region(image.Rect(96, 71, 104, 79))
		blob.SetTo(colorutil.Gray(20))
		blob.Close()
	}
	return frame
}

func newInspector(t *testing.T, store *imgio.Store, opts Options) *Inspector {
	t.Helper()
	prof := testProfile(t)
	segs := &gcode.Segments{Layers: []gcode.Layer{{Index: 1, Structure: squareLayer}}}

	engine := projection.NewEngine(prof, projection.DefaultOptions().WithPhotoPosition(100, 120))
	defects, err := defect.NewExtractor(defect.DefaultParams())
	require.NoError(t, err)

	geom := SegmentGeometry{
		Extractor: layer.NewExtractor(layer.DefaultOptions()),
		Toolpaths: segs.Source(),
	}
	var artifacts Artifacts
	if store != nil {
		artifacts = store
	}
	return New(geom, engine, defects, artifacts, opts)
}

func TestInspectFindsBlob(t *testing.T) {
	store, err := imgio.NewStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	prof := testProfile(t)
	opts := Options{Locator: defect.NewBedLocator(prof.UndistortedIntrinsics(), prof.NozzleToCamera())}
	in := newInspector(t, store, opts)

	frame := frameWithBlob(true)
	defer frame.Close()

	f, err := in.Inspect(context.Background(), 1, frame)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Count())
	assert.Equal(t, 1, f.Contours)
	assert.InDelta(t, 0.2, f.BuildHeight, 1e-9)
	assert.Greater(t, f.MaskPixels, 1000)

	// The blob sits under the photo position.
	require.Len(t, f.Bed, 1)
	assert.InDelta(t, 100, f.Bed[0].X, 1.5)
	assert.InDelta(t, 120, f.Bed[0].Y, 1.5)

	for _, kind := range []imgio.ArtifactKind{imgio.ArtifactOverlay, imgio.ArtifactIsolated, imgio.ArtifactDefectMask} {
		_, err := os.Stat(store.Path(kind, 1))
		assert.NoError(t, err, kind.String())
	}
}

func TestDetectCleanLayer(t *testing.T) {
	in := newInspector(t, nil, Options{})
	frame := frameWithBlob(false)
	defer frame.Close()

	n, err := in.Detect(context.Background(), 1, frame)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInspectRegionsReport(t *testing.T) {
	in := newInspector(t, nil, Options{Report: defect.ReportRegions})
	frame := frameWithBlob(true)
	defer frame.Close()

	f, err := in.Inspect(context.Background(), 1, frame)
	require.NoError(t, err)
	regions, ok := f.Report.(defect.RegionReport)
	require.True(t, ok)
	require.Len(t, regions.Regions, 1)
	assert.GreaterOrEqual(t, len(regions.Regions[0]), 10)
}

func TestInspectMissingLayer(t *testing.T) {
	in := newInspector(t, nil, Options{})
	frame := frameWithBlob(false)
	defer frame.Close()

	_, err := in.Detect(context.Background(), 7, frame)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInspectParseError(t *testing.T) {
	prof := testProfile(t)
	segs := &gcode.Segments{Layers: []gcode.Layer{{Index: 1, Structure: []string{
		";TYPE:External perimeter",
		"G1 X1..5 Y2 E0.3",
	}}}}
	defects, err := defect.NewExtractor(defect.DefaultParams())
	require.NoError(t, err)
	in := New(SegmentGeometry{Extractor: layer.NewExtractor(layer.DefaultOptions()), Toolpaths: segs.Source()},
		projection.NewEngine(prof, projection.DefaultOptions()), defects, nil, Options{})

	frame := frameWithBlob(false)
	defer frame.Close()
	_, err = in.Detect(context.Background(), 1, frame)
	var parseErr *layer.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
}

func TestFileGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, gcode.WriteLines(path, append([]string{"M107"}, squareLayer...)))

	g, err := FileGeometry{Extractor: layer.NewExtractor(layer.DefaultOptions()), Path: path}.Geometry(1)
	require.NoError(t, err)
	require.Len(t, g.Contours, 1)
	assert.Len(t, g.Contours[0], 5)
}
