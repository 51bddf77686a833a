package defect

import (
	"fmt"
	"strings"

	"print-sentinel/pkg/geometry"
)

// ReportKind selects the shape of a defect report.
type ReportKind int

const (
	// ReportCentroids reports one point per defect.
	ReportCentroids ReportKind = iota
	// ReportRegions reports every pixel of every defect.
	ReportRegions
)

func (k ReportKind) String() string {
	switch k {
	case ReportCentroids:
		return "centroids"
	case ReportRegions:
		return "regions"
	default:
		return fmt.Sprintf("ReportKind(%d)", int(k))
	}
}

// ParseReportKind parses "centroids" or "regions".
func ParseReportKind(s string) (ReportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "centroid", "centroids":
		return ReportCentroids, nil
	case "region", "regions":
		return ReportRegions, nil
	default:
		return ReportCentroids, fmt.Errorf("unknown report kind %q", s)
	}
}

// Report is either a CentroidReport or a RegionReport.
type Report interface {
	Count() int
	report()
}

// CentroidReport lists the image-space centroid of each defect.
type CentroidReport struct {
	Centroids []geometry.Point2D
}

// Count returns the number of defects.
func (r CentroidReport) Count() int { return len(r.Centroids) }

func (CentroidReport) report() {}

// RegionReport lists the pixels of each defect.
type RegionReport struct {
	Regions [][]geometry.Point2D
}

// Count returns the number of defects.
func (r RegionReport) Count() int { return len(r.Regions) }

func (RegionReport) report() {}

// Report builds a report of the requested kind.
func (r *Result) Report(kind ReportKind) Report {
	switch kind {
	case ReportRegions:
		out := RegionReport{Regions: make([][]geometry.Point2D, len(r.Regions))}
		for i, reg := range r.Regions {
			pts := make([]geometry.Point2D, len(reg.Pixels))
			for j, p := range reg.Pixels {
				pts[j] = geometry.Point2D{X: float64(p.X), Y: float64(p.Y)}
			}
			out.Regions[i] = pts
		}
		return out
	default:
		out := CentroidReport{Centroids: make([]geometry.Point2D, len(r.Regions))}
		for i, reg := range r.Regions {
			out.Centroids[i] = reg.Centroid
		}
		return out
	}
}
