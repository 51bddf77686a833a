package image

import (
	goimage "image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"print-sentinel/pkg/colorutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"golang.org/x/image/tiff"
)

func testImage() *goimage.RGBA {
	img := goimage.NewRGBA(goimage.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	img.Set(2, 1, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	return img
}

func TestToMatBGR(t *testing.T) {
	m, err := ToMat(testImage())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 3, m.Rows())
	assert.Equal(t, 4, m.Cols())
	assert.Equal(t, 3, m.Channels())

	vec := m.GetVecbAt(1, 2)
	assert.Equal(t, []uint8{50, 100, 200}, []uint8{vec[0], vec[1], vec[2]})
}

func TestLoadFrameFormats(t *testing.T) {
	dir := t.TempDir()

	pngPath := filepath.Join(dir, "layer_1.png")
	f, err := os.Create(pngPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, testImage()))
	require.NoError(t, f.Close())

	tiffPath := filepath.Join(dir, "layer_2.tiff")
	f, err = os.Create(tiffPath)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, testImage(), nil))
	require.NoError(t, f.Close())

	for _, path := range []string{pngPath, tiffPath} {
		m, err := LoadFrame(path)
		require.NoError(t, err, path)
		assert.Equal(t, uint8(30), m.GetVecbAt(0, 0)[0], path)
		assert.Equal(t, uint8(200), m.GetVecbAt(1, 2)[2], path)
		m.Close()
	}

	_, err = LoadFrame(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestListFramesNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"layer_10.jpg", "layer_2.jpg", "layer_1.png", "notes.txt", "cover.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	paths, err := ListFrames(dir)
	require.NoError(t, err)

	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"layer_1.png", "layer_2.jpg", "layer_10.jpg", "cover.png"}, names)
}

func TestStoreSaveLoad(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "run"), nil, nil)
	require.NoError(t, err)

	mask := gocv.NewMatWithSizeFromScalar(colorutil.Gray(0), 10, 12, gocv.MatTypeCV8UC1)
	defer mask.Close()
	mask.SetUCharAt(4, 5, 255)

	path, err := store.Save(ArtifactDefectMask, 7, mask)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "layer_7_defect.png"), path)

	back, err := store.Load(ArtifactDefectMask, 7)
	require.NoError(t, err)
	defer back.Close()
	assert.Equal(t, 12, back.Cols())
	assert.Equal(t, uint8(255), back.GetVecbAt(4, 5)[0])
	assert.Equal(t, uint8(0), back.GetVecbAt(0, 0)[0])

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = store.Save(ArtifactFrame, 1, empty)
	assert.Error(t, err)
}

func TestStoreTemplates(t *testing.T) {
	store, err := NewStore(t.TempDir(), Templates{ArtifactFrame: "frame_%03d.png"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "frame_004.png", filepath.Base(store.Path(ArtifactFrame, 4)))
	assert.Equal(t, "layer_4_w_contour.jpg", filepath.Base(store.Path(ArtifactOverlay, 4)))
	assert.Equal(t, "layer_4_corrected.jpg", filepath.Base(store.Path(ArtifactCorrected, 4)))
	assert.Equal(t, filepath.Join(store.Dir(), "iron", "layer_4_cor.gcode"), store.ToolpathPath(4))
}

func TestStoreSaveToolpath(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	path, err := store.SaveToolpath(3, []string{"G1 X1 Y1 E0.2", "M106 S153"})
	require.NoError(t, err)
	assert.Equal(t, store.ToolpathPath(3), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "G1 X1 Y1 E0.2\nM106 S153\n", string(data))
}
