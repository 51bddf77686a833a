// Package layer extracts the printed outline of one build layer from its
// toolpath text.
package layer

import (
	"fmt"

	"print-sentinel/pkg/geometry"
)

// Contour is one closed printed loop in bed millimetres. The last point
// equals the first.
type Contour []geometry.Point2D

// Lift places the contour at height z.
func (c Contour) Lift(z float64) []geometry.Point3D {
	out := make([]geometry.Point3D, len(c))
	for i, p := range c {
		out[i] = p.Lift(z)
	}
	return out
}

// Closed reports whether the contour ends where it starts.
func (c Contour) Closed() bool {
	return len(c) > 1 && c[0] == c[len(c)-1]
}

// Geometry is the expected outline of a layer.
type Geometry struct {
	LayerIndex  int
	Contours    []Contour
	BuildHeight float64 // mm
}

// Bounds returns the bed-space bounding box of all contours.
func (g Geometry) Bounds() geometry.Rect {
	var all []geometry.Point2D
	for _, c := range g.Contours {
		all = append(all, c...)
	}
	return geometry.BoundingBox(all)
}

// ParseError reports a toolpath line whose numeric tokens cannot be read.
type ParseError struct {
	Line int // 1-based
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("toolpath line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
