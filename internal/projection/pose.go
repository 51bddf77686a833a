// Package projection maps a layer's expected outline into the camera image
// and isolates the region it covers.
package projection

import (
	"print-sentinel/internal/calibration"
	"print-sentinel/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// NozzlePose is the camera pose at the moment a layer is photographed. It is
// derived fresh for every layer.
type NozzlePose struct {
	Position geometry.Point3D

	// CameraToPrinter maps homogeneous printer coordinates into the camera
	// frame (T_printer_cam = T_nozzle_cam * T_printer_nozzle).
	CameraToPrinter *mat.Dense
	Translation     [3]float64
	Rotation        [3]float64 // Rodrigues vector
}

// NewNozzlePose composes the rigid nozzle-to-camera transform with the
// translation that moves the printer origin onto the nozzle.
func NewNozzlePose(photo geometry.Point2D, z float64, nozzleToCamera mat.Matrix) NozzlePose {
	pos := photo.Lift(z)

	printerToNozzle := mat.NewDense(4, 4, []float64{
		1, 0, 0, -pos.X,
		0, 1, 0, -pos.Y,
		0, 0, 1, -pos.Z,
		0, 0, 0, 1,
	})

	var t mat.Dense
	t.Mul(nozzleToCamera, printerToNozzle)

	return NozzlePose{
		Position:        pos,
		CameraToPrinter: &t,
		Translation:     [3]float64{t.At(0, 3), t.At(1, 3), t.At(2, 3)},
		Rotation:        calibration.RotationVector(t.Slice(0, 3, 0, 3)),
	}
}
