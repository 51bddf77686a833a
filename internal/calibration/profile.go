// Package calibration holds the camera model of the nozzle-mounted camera:
// intrinsics, lens distortion, the rigid nozzle-to-camera transform and the
// undistortion remap that is computed once per run.
package calibration

import (
	"fmt"
	"image"
	"image/color"

	"print-sentinel/pkg/geometry"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Params are the raw calibration values, typically read from the run
// configuration.
type Params struct {
	Intrinsic      [][]float64 // 3x3 camera matrix
	Distortion     []float64   // k1 k2 p1 p2 k3
	NozzleToCamera [][]float64 // 4x4 rigid transform
	Width          int
	Height         int
}

// Profile is an immutable camera model. The undistortion maps are native
// buffers, call Close when the profile is no longer needed.
type Profile struct {
	intrinsic      *mat.Dense
	undistorted    *mat.Dense
	distortion     []float64
	nozzleToCamera *mat.Dense
	size           image.Point
	validROI       image.Rectangle

	mapX gocv.Mat
	mapY gocv.Mat
}

// New validates the parameters and precomputes the optimal undistorted
// camera matrix and the remap tables.
func New(p Params) (*Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	intrinsic := denseFromRows(p.Intrinsic)
	prof := &Profile{
		intrinsic:      intrinsic,
		distortion:     append([]float64(nil), p.Distortion...),
		nozzleToCamera: denseFromRows(p.NozzleToCamera),
		size:           image.Pt(p.Width, p.Height),
	}

	cameraMat := matFromDense(intrinsic)
	defer cameraMat.Close()
	distMat := gocv.NewMatWithSize(1, len(p.Distortion), gocv.MatTypeCV64F)
	defer distMat.Close()
	for i, v := range p.Distortion {
		distMat.SetDoubleAt(0, i, v)
	}

	// alpha=1 keeps every source pixel in the undistorted frame
	newCamera, roi := gocv.GetOptimalNewCameraMatrixWithParams(cameraMat, distMat, prof.size, 1, prof.size, false)
	defer newCamera.Close()
	if newCamera.Empty() {
		return nil, &Error{Field: "intrinsic", Reason: "optimal camera matrix could not be computed"}
	}
	prof.undistorted = denseFromMat(newCamera)
	prof.validROI = roi

	identity := gocv.NewMat()
	defer identity.Close()
	prof.mapX = gocv.NewMat()
	prof.mapY = gocv.NewMat()
	gocv.InitUndistortRectifyMap(cameraMat, distMat, identity, newCamera, prof.size,
		int(gocv.MatTypeCV32FC1), prof.mapX, prof.mapY)
	if prof.mapX.Empty() || prof.mapY.Empty() {
		prof.Close()
		return nil, &Error{Field: "distortion", Reason: "undistortion map could not be computed"}
	}

	return prof, nil
}

// Validate checks the matrix shapes and value ranges.
func (p Params) Validate() error {
	if len(p.Intrinsic) != 3 {
		return &Error{Field: "intrinsic", Reason: fmt.Sprintf("expected 3 rows, got %d", len(p.Intrinsic))}
	}
	for i, row := range p.Intrinsic {
		if len(row) != 3 {
			return &Error{Field: "intrinsic", Reason: fmt.Sprintf("row %d has %d columns, expected 3", i, len(row))}
		}
	}
	if p.Intrinsic[0][0] <= 0 || p.Intrinsic[1][1] <= 0 {
		return &Error{Field: "intrinsic", Reason: "focal lengths must be positive"}
	}
	if len(p.Distortion) != 5 {
		return &Error{Field: "distortion", Reason: fmt.Sprintf("expected 5 coefficients, got %d", len(p.Distortion))}
	}
	if len(p.NozzleToCamera) != 4 {
		return &Error{Field: "nozzle_to_camera", Reason: fmt.Sprintf("expected 4 rows, got %d", len(p.NozzleToCamera))}
	}
	for i, row := range p.NozzleToCamera {
		if len(row) != 4 {
			return &Error{Field: "nozzle_to_camera", Reason: fmt.Sprintf("row %d has %d columns, expected 4", i, len(row))}
		}
	}
	last := p.NozzleToCamera[3]
	if last[0] != 0 || last[1] != 0 || last[2] != 0 || last[3] != 1 {
		return &Error{Field: "nozzle_to_camera", Reason: "last row must be 0 0 0 1"}
	}
	if p.Width <= 0 || p.Height <= 0 {
		return &Error{Field: "image_size", Reason: fmt.Sprintf("resolution must be positive, got %dx%d", p.Width, p.Height)}
	}
	return nil
}

// Close releases the undistortion maps.
func (p *Profile) Close() error {
	if err := p.mapX.Close(); err != nil {
		return err
	}
	return p.mapY.Close()
}

// Size returns the calibrated image resolution.
func (p *Profile) Size() image.Point {
	return p.size
}

// ValidROI returns the region of the undistorted frame that contains only
// valid source pixels.
func (p *Profile) ValidROI() image.Rectangle {
	return p.validROI
}

// Intrinsic returns a copy of the original camera matrix.
func (p *Profile) Intrinsic() *mat.Dense {
	return mat.DenseCopyOf(p.intrinsic)
}

// UndistortedIntrinsics returns a copy of the camera matrix of undistorted frames.
func (p *Profile) UndistortedIntrinsics() *mat.Dense {
	return mat.DenseCopyOf(p.undistorted)
}

// NozzleToCamera returns a copy of the rigid nozzle-to-camera transform.
func (p *Profile) NozzleToCamera() *mat.Dense {
	return mat.DenseCopyOf(p.nozzleToCamera)
}

// Undistort resizes the frame to the calibrated resolution if needed and
// removes lens distortion with the precomputed maps. The caller owns the
// returned Mat.
func (p *Profile) Undistort(frame gocv.Mat) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), fmt.Errorf("undistort: empty frame")
	}

	src := frame
	if frame.Cols() != p.size.X || frame.Rows() != p.size.Y {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(frame, &resized, p.size, 0, 0, gocv.InterpolationLinear)
		src = resized
	}

	dst := gocv.NewMat()
	gocv.Remap(src, &dst, &p.mapX, &p.mapY, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return dst, nil
}

// ProjectPoints maps printer-space points into pixel coordinates of the
// undistorted frame. rvec is a Rodrigues rotation vector and tvec the
// translation of the printer origin in the camera frame. Residual distortion is
// zero because it has already been removed from the image.
func (p *Profile) ProjectPoints(points []geometry.Point3D, rvec, tvec [3]float64) []geometry.Point2D {
	r := RotationMatrix(rvec)
	k := p.undistorted
	fx, skew, cx := k.At(0, 0), k.At(0, 1), k.At(0, 2)
	fy, cy := k.At(1, 1), k.At(1, 2)

	out := make([]geometry.Point2D, len(points))
	src := mat.NewVecDense(3, nil)
	var cam mat.VecDense
	for i, pt := range points {
		src.SetVec(0, pt.X)
		src.SetVec(1, pt.Y)
		src.SetVec(2, pt.Z)
		cam.MulVec(r, src)

		x := cam.AtVec(0) + tvec[0]
		y := cam.AtVec(1) + tvec[1]
		z := cam.AtVec(2) + tvec[2]
		if z != 0 {
			x /= z
			y /= z
		}
		out[i] = geometry.Point2D{
			X: fx*x + skew*y + cx,
			Y: fy*y + cy,
		}
	}
	return out
}

func denseFromRows(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m
}

func matFromDense(d *mat.Dense) gocv.Mat {
	r, c := d.Dims()
	m := gocv.NewMatWithSize(r, c, gocv.MatTypeCV64F)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.SetDoubleAt(i, j, d.At(i, j))
		}
	}
	return m
}

func denseFromMat(m gocv.Mat) *mat.Dense {
	d := mat.NewDense(m.Rows(), m.Cols(), nil)
	for i := 0; i < m.Rows(); i++ {
		for j := 0; j < m.Cols(); j++ {
			d.Set(i, j, m.GetDoubleAt(i, j))
		}
	}
	return d
}
