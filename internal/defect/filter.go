package defect

import (
	"image"

	"print-sentinel/pkg/geometry"

	"gocv.io/x/gocv"
)

// Columns of the stats matrix returned by connected component labelling.
const (
	statLeft = iota
	statTop
	statWidth
	statHeight
	statArea
)

// Region is one connected group of candidate pixels.
type Region struct {
	Label    int
	Area     int
	Centroid geometry.Point2D
	Bounds   image.Rectangle
	Pixels   []image.Point
}

// FilterComponents labels the 8-connected foreground of binary and erases,
// in place, every component whose area lies outside [minArea, maxArea]. The
// kept components are returned in label order.
func FilterComponents(binary *gocv.Mat, minArea, maxArea int) []Region {
	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()

	n := gocv.ConnectedComponentsWithStats(*binary, &labels, &stats, &centroids)

	var regions []Region
	for label := 1; label < n; label++ {
		area := int(stats.GetIntAt(label, statArea))
		bounds := image.Rect(
			int(stats.GetIntAt(label, statLeft)),
			int(stats.GetIntAt(label, statTop)),
			int(stats.GetIntAt(label, statLeft)+stats.GetIntAt(label, statWidth)),
			int(stats.GetIntAt(label, statTop)+stats.GetIntAt(label, statHeight)),
		)
		keep := area >= minArea && area <= maxArea

		var pixels []image.Point
		if keep {
			pixels = make([]image.Point, 0, area)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				if int(labels.GetIntAt(y, x)) != label {
					continue
				}
				if keep {
					pixels = append(pixels, image.Pt(x, y))
				} else {
					binary.SetUCharAt(y, x, 0)
				}
			}
		}

		if !keep {
			continue
		}
		regions = append(regions, Region{
			Label: label,
			Area:  area,
			Centroid: geometry.Point2D{
				X: centroids.GetDoubleAt(label, 0),
				Y: centroids.GetDoubleAt(label, 1),
			},
			Bounds: bounds,
			Pixels: pixels,
		})
	}
	return regions
}
