package projection

import (
	"image"
	"math"
	"testing"

	"print-sentinel/internal/calibration"
	"print-sentinel/internal/layer"
	"print-sentinel/pkg/colorutil"
	"print-sentinel/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// A camera looking straight down from 50mm above the nozzle tip, 2px/mm at
// the bed.
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

func square(cx, cy, half float64) layer.Contour {
	return layer.Contour{
		{X: cx - half, Y: cy - half},
		{X: cx + half, Y: cy - half},
		{X: cx + half, Y: cy + half},
		{X: cx - half, Y: cy + half},
		{X: cx - half, Y: cy - half},
	}
}

func grayFrame(v uint8) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(colorutil.Gray(v), 150, 200, gocv.MatTypeCV8UC3)
}

func TestNozzlePose(t *testing.T) {
	t2 := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, -1, 50,
		0, 0, 0, 1,
	})
	pose := NewNozzlePose(geometry.Point2D{X: 100, Y: 120}, 0.6, t2)

	assert.Equal(t, geometry.Point3D{X: 100, Y: 120, Z: 0.6}, pose.Position)
	assert.InDelta(t, -100, pose.Translation[0], 1e-9)
	assert.InDelta(t, 120, pose.Translation[1], 1e-9)
	assert.InDelta(t, 50.6, pose.Translation[2], 1e-9)
	assert.InDelta(t, math.Pi, math.Abs(pose.Rotation[0]), 1e-9)

	// The nozzle itself sits 50mm in front of the camera.
	nozzle := mat.NewVecDense(4, []float64{100, 120, 0.6, 1})
	var cam mat.VecDense
	cam.MulVec(pose.CameraToPrinter, nozzle)
	assert.InDelta(t, 0, cam.AtVec(0), 1e-9)
	assert.InDelta(t, 0, cam.AtVec(1), 1e-9)
	assert.InDelta(t, 50, cam.AtVec(2), 1e-9)
}

func TestProjectMaskWithinOutline(t *testing.T) {
	engine := NewEngine(testProfile(t), DefaultOptions().WithPhotoPosition(100, 120))
	frame := grayFrame(120)
	defer frame.Close()

	g := layer.Geometry{LayerIndex: 1, Contours: []layer.Contour{square(100, 120, 10)}}
	res, err := engine.Project(frame, g)
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, res.Undistorted.Rows(), res.Mask.Rows())
	assert.Equal(t, res.Undistorted.Cols(), res.Mask.Cols())
	assert.Equal(t, gocv.MatTypeCV8UC1, res.Mask.Type())

	total := gocv.CountNonZero(res.Mask)
	assert.Greater(t, total, 1000)

	// Nothing outside the bounding box of the projected outline.
	var px []geometry.Point2D
	for _, c := range res.Projected {
		px = append(px, c...)
	}
	box := geometry.BoundingBox(px)
	rect := image.Rect(int(box.X), int(box.Y), int(box.X+box.Width)+2, int(box.Y+box.Height)+2)
	inside := res.Mask.Region(rect)
	defer inside.Close()
	assert.Equal(t, total, gocv.CountNonZero(inside))
}

func TestProjectXORCancelsDuplicates(t *testing.T) {
	frame := grayFrame(120)
	defer frame.Close()
	contour := square(100, 120, 10)
	g := layer.Geometry{LayerIndex: 1, Contours: []layer.Contour{contour, contour}}

	xor := NewEngine(testProfile(t), DefaultOptions().WithPhotoPosition(100, 120))
	res, err := xor.Project(frame, g)
	require.NoError(t, err)
	defer res.Close()
	assert.Zero(t, gocv.CountNonZero(res.Mask))

	union := NewEngine(testProfile(t), DefaultOptions().WithPhotoPosition(100, 120).WithCombine(CombineUnion))
	ures, err := union.Project(frame, g)
	require.NoError(t, err)
	defer ures.Close()
	assert.Greater(t, gocv.CountNonZero(ures.Mask), 1000)
}

func TestProjectNestedContoursLeaveRing(t *testing.T) {
	frame := grayFrame(120)
	defer frame.Close()
	engine := NewEngine(testProfile(t), DefaultOptions().WithPhotoPosition(100, 120))

	outer := layer.Geometry{Contours: []layer.Contour{square(100, 120, 20)}}
	ring := layer.Geometry{Contours: []layer.Contour{square(100, 120, 20), square(100, 120, 10)}}

	a, err := engine.Project(frame, outer)
	require.NoError(t, err)
	defer a.Close()
	b, err := engine.Project(frame, ring)
	require.NoError(t, err)
	defer b.Close()

	assert.Less(t, gocv.CountNonZero(b.Mask), gocv.CountNonZero(a.Mask))
	// The centre of the ring is cut out.
	assert.Equal(t, uint8(0), b.Mask.GetUCharAt(75, 100))
	assert.Equal(t, uint8(255), a.Mask.GetUCharAt(75, 100))
}

func TestProjectIsolated(t *testing.T) {
	engine := NewEngine(testProfile(t), DefaultOptions().WithPhotoPosition(100, 120))
	frame := grayFrame(40)
	defer frame.Close()

	g := layer.Geometry{LayerIndex: 2, Contours: []layer.Contour{square(100, 120, 10)}}
	res, err := engine.Project(frame, g)
	require.NoError(t, err)
	defer res.Close()

	require.Equal(t, 4, res.Isolated.Channels())
	channels := gocv.Split(res.Isolated)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.BitwiseXor(channels[3], res.Mask, &diff)
	assert.Zero(t, gocv.CountNonZero(diff), "alpha must equal the mask")

	// Inside keeps the frame, outside is the neutral background.
	assert.Equal(t, uint8(40), channels[0].GetUCharAt(75, 100))
	assert.Equal(t, uint8(255), channels[0].GetUCharAt(2, 2))
}

func TestProjectOverlayOptional(t *testing.T) {
	frame := grayFrame(120)
	defer frame.Close()
	g := layer.Geometry{Contours: []layer.Contour{square(100, 120, 10)}}

	opts := DefaultOptions().WithPhotoPosition(100, 120)
	opts.DrawOverlay = false
	res, err := NewEngine(testProfile(t), opts).Project(frame, g)
	require.NoError(t, err)
	defer res.Close()
	assert.True(t, res.Overlay.Empty())

	with, err := NewEngine(testProfile(t), DefaultOptions().WithPhotoPosition(100, 120)).Project(frame, g)
	require.NoError(t, err)
	defer with.Close()
	assert.False(t, with.Overlay.Empty())
}

func TestProjectEmptyGeometry(t *testing.T) {
	frame := grayFrame(120)
	defer frame.Close()
	res, err := NewEngine(testProfile(t), DefaultOptions()).Project(frame, layer.Geometry{LayerIndex: 1})
	require.NoError(t, err)
	defer res.Close()
	assert.Zero(t, gocv.CountNonZero(res.Mask))
}

func TestParseCombinePolicy(t *testing.T) {
	p, err := ParseCombinePolicy("union")
	require.NoError(t, err)
	assert.Equal(t, CombineUnion, p)

	p, err = ParseCombinePolicy("")
	require.NoError(t, err)
	assert.Equal(t, CombineXOR, p)

	_, err = ParseCombinePolicy("and")
	assert.Error(t, err)
	assert.Equal(t, "xor", CombineXOR.String())
}
