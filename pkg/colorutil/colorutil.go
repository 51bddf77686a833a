// Package colorutil provides shared colours for overlays and masks.
package colorutil

import (
	"image/color"

	"gocv.io/x/gocv"
)

// Overlay and mask colours. OpenCV draws in BGR order, the RGBA values here are
// converted by gocv when drawing.
var (
	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Blue  = color.RGBA{R: 0, G: 0, B: 255, A: 255}
)

// MaskOn is the foreground value of a binary mask.
const MaskOn = 255

// Gray returns a uniform BGR scalar with every channel set to v.
func Gray(v uint8) gocv.Scalar {
	f := float64(v)
	return gocv.NewScalar(f, f, f, 0)
}
