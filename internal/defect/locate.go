package defect

import (
	"print-sentinel/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// BedLocator converts image pixels of an undistorted frame into approximate
// bed coordinates. It assumes the camera looks straight down and that the
// layer lies at the camera's standoff distance.
type BedLocator struct {
	focal   float64
	cx, cy  float64
	depth   float64
	offsetX float64
	offsetY float64
}

// NewBedLocator builds a locator from the undistorted intrinsics and the
// nozzle-to-camera transform.
func NewBedLocator(intrinsics, nozzleToCamera mat.Matrix) *BedLocator {
	return &BedLocator{
		focal:   (intrinsics.At(0, 0) + intrinsics.At(1, 1)) / 2,
		cx:      intrinsics.At(0, 2),
		cy:      intrinsics.At(1, 2),
		depth:   nozzleToCamera.At(2, 3),
		offsetX: nozzleToCamera.At(0, 3),
		offsetY: nozzleToCamera.At(1, 3),
	}
}

// Locate maps a pixel to bed coordinates given the nozzle position at the
// time the frame was taken.
func (l *BedLocator) Locate(pixel geometry.Point2D, nozzle geometry.Point3D) geometry.Point3D {
	// Bed position under the optical axis.
	cx := nozzle.X - l.offsetX
	cy := nozzle.Y + l.offsetY

	scale := l.depth / l.focal
	return geometry.Point3D{
		X: cx + scale*(pixel.X-l.cx),
		Y: cy - scale*(pixel.Y-l.cy),
		Z: nozzle.Z,
	}
}

// LocateAll maps every pixel.
func (l *BedLocator) LocateAll(pixels []geometry.Point2D, nozzle geometry.Point3D) []geometry.Point3D {
	out := make([]geometry.Point3D, len(pixels))
	for i, p := range pixels {
		out[i] = l.Locate(p, nozzle)
	}
	return out
}
