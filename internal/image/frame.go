// Package image provides frame loading and conversion plus the on-disk
// store for per-layer inspection artifacts.
package image

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/tiff"
)

// LoadFrame decodes an image file into a BGR Mat. TIFF, PNG and JPEG are
// supported. The caller owns the returned Mat.
func LoadFrame(path string) (gocv.Mat, error) {
	file, err := os.Open(path)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return ToMat(img)
}

// ToMat converts a Go image.Image to a gocv.Mat in BGR format.
func ToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image")
	}

	data := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			data = append(data, uint8(b>>8), uint8(g>>8), uint8(r>>8))
		}
	}

	view, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create mat: %w", err)
	}
	defer view.Close()

	// view borrows data; the clone owns its pixels.
	m := view.Clone()
	runtime.KeepAlive(data)
	return m, nil
}

// SupportedFormats returns the list of supported frame formats.
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".png", ".jpg", ".jpeg"}
}

// IsSupportedFormat checks if the given path has a supported frame format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}

// ListFrames returns the supported image files in dir, ordered by the first
// number in their name (so layer_2 sorts before layer_10), then by name.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsSupportedFormat(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	sort.SliceStable(paths, func(i, j int) bool {
		ni, oki := NumberInName(paths[i])
		nj, okj := NumberInName(paths[j])
		if oki && okj && ni != nj {
			return ni < nj
		}
		if oki != okj {
			return oki
		}
		return paths[i] < paths[j]
	})
	return paths, nil
}

// NumberInName returns the first decimal number in the base name of path.
func NumberInName(path string) (int, bool) {
	base := filepath.Base(path)
	start := strings.IndexAny(base, "0123456789")
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(base) && base[end] >= '0' && base[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(base[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
