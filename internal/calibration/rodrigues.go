package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// RotationVector converts a 3x3 rotation matrix to its Rodrigues
// (axis * angle) form. Rotations close to pi are resolved from the symmetric
// part of the matrix, where the antisymmetric part vanishes.
func RotationVector(r mat.Matrix) [3]float64 {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosT := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cosT)

	if theta < 1e-9 {
		return [3]float64{}
	}

	if math.Pi-theta < 1e-6 {
		x := math.Sqrt(math.Max(0, (r.At(0, 0)+1)/2))
		y := math.Sqrt(math.Max(0, (r.At(1, 1)+1)/2))
		z := math.Sqrt(math.Max(0, (r.At(2, 2)+1)/2))
		switch {
		case x >= y && x >= z:
			y = math.Copysign(y, r.At(0, 1))
			z = math.Copysign(z, r.At(0, 2))
		case y >= x && y >= z:
			x = math.Copysign(x, r.At(0, 1))
			z = math.Copysign(z, r.At(1, 2))
		default:
			x = math.Copysign(x, r.At(0, 2))
			y = math.Copysign(y, r.At(1, 2))
		}
		n := math.Sqrt(x*x + y*y + z*z)
		return [3]float64{theta * x / n, theta * y / n, theta * z / n}
	}

	s := 2 * math.Sin(theta)
	return [3]float64{
		theta * (r.At(2, 1) - r.At(1, 2)) / s,
		theta * (r.At(0, 2) - r.At(2, 0)) / s,
		theta * (r.At(1, 0) - r.At(0, 1)) / s,
	}
}

// RotationMatrix converts a Rodrigues vector back to a 3x3 rotation matrix.
func RotationMatrix(rvec [3]float64) *mat.Dense {
	theta := math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
	if theta < 1e-12 {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}

	kx, ky, kz := rvec[0]/theta, rvec[1]/theta, rvec[2]/theta
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c

	// R = cos*I + (1-cos)*k*k^T + sin*[k]x
	return mat.NewDense(3, 3, []float64{
		c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s,
		ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s,
		kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v,
	})
}
