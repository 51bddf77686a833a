// Package defect finds dark anomalies inside the isolated region of a layer.
package defect

import (
	"errors"
	"fmt"
	"image"

	"print-sentinel/pkg/colorutil"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Params configures defect extraction.
type Params struct {
	BinaryThreshold float64 // pixels darker than this become candidates
	MinArea         int     // pixels, inclusive
	MaxArea         int     // pixels, inclusive
	BlurKernel      int     // odd Gaussian kernel size
	Logger          *zap.Logger
}

// DefaultParams returns default extraction parameters.
func DefaultParams() Params {
	return Params{
		BinaryThreshold: 90,
		MinArea:         10,
		MaxArea:         200,
		BlurKernel:      5,
	}
}

// WithThreshold returns a copy of the params with another binary threshold.
func (p Params) WithThreshold(t float64) Params {
	p.BinaryThreshold = t
	return p
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.BinaryThreshold < 0 || p.BinaryThreshold > 255 {
		return fmt.Errorf("binary threshold must be in [0, 255], got %g", p.BinaryThreshold)
	}
	if p.MinArea < 0 || p.MaxArea < p.MinArea {
		return fmt.Errorf("invalid area range [%d, %d]", p.MinArea, p.MaxArea)
	}
	if p.BlurKernel < 1 || p.BlurKernel%2 == 0 {
		return fmt.Errorf("blur kernel must be odd and positive, got %d", p.BlurKernel)
	}
	return nil
}

// Result holds the filtered defect mask and its regions. Close releases the
// mask.
type Result struct {
	Mask    gocv.Mat // 8-bit, 255 on kept components
	Regions []Region
}

// Count returns the number of defects.
func (r *Result) Count() int {
	return len(r.Regions)
}

// Close releases the mask.
func (r *Result) Close() error {
	return r.Mask.Close()
}

// Extractor detects defects with fixed parameters.
type Extractor struct {
	params Params
	logger *zap.Logger
}

// NewExtractor creates an extractor. Parameters are validated.
func NewExtractor(p Params) (*Extractor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{params: p, logger: logger}, nil
}

// Extract runs grayscale conversion, Gaussian smoothing, inverse binary
// thresholding and area filtering on img. A 4-channel input is treated as
// BGRA and only pixels with non-zero alpha are considered. An image with no
// valid pixel, or with no intensity variation over its valid pixels, has no
// defects.
func (e *Extractor) Extract(img gocv.Mat) (*Result, error) {
	if img.Empty() {
		return nil, errors.New("defect extraction: empty image")
	}

	gray, alpha, err := splitGray(img)
	defer gray.Close()
	defer alpha.Close()
	if err != nil {
		return nil, err
	}

	if uniform(gray, alpha) {
		e.logger.Debug("no valid intensity variation, skipping")
		return &Result{Mask: zeroMask(img.Rows(), img.Cols())}, nil
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := e.params.BlurKernel
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	binary := gocv.NewMat()
	gocv.Threshold(blurred, &binary, float32(e.params.BinaryThreshold), colorutil.MaskOn, gocv.ThresholdBinaryInv)
	if !alpha.Empty() {
		gocv.BitwiseAnd(binary, alpha, &binary)
	}

	regions := FilterComponents(&binary, e.params.MinArea, e.params.MaxArea)
	e.logger.Debug("defects extracted",
		zap.Int("count", len(regions)),
		zap.Float64("threshold", e.params.BinaryThreshold))
	return &Result{Mask: binary, Regions: regions}, nil
}

// splitGray returns the grayscale image and, for BGRA input, the alpha
// channel. alpha is an empty Mat otherwise. Both Mats are returned even on
// error and must be closed.
func splitGray(img gocv.Mat) (gray, alpha gocv.Mat, err error) {
	gray = gocv.NewMat()
	alpha = gocv.NewMat()

	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 3:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
		channels := gocv.Split(img)
		channels[3].CopyTo(&alpha)
		for _, ch := range channels {
			ch.Close()
		}
	default:
		return gray, alpha, fmt.Errorf("unsupported image with %d channels", img.Channels())
	}
	return gray, alpha, nil
}

// uniform reports whether the valid pixels of gray all share one value, or
// whether there are no valid pixels at all.
func uniform(gray, alpha gocv.Mat) bool {
	g := gray.ToBytes()
	var a []byte
	if !alpha.Empty() {
		a = alpha.ToBytes()
	}

	seen := false
	var lo, hi byte
	for i, v := range g {
		if a != nil && a[i] == 0 {
			continue
		}
		if !seen {
			lo, hi, seen = v, v, true
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		if lo != hi {
			return false
		}
	}
	return true
}

func zeroMask(rows, cols int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(colorutil.Gray(0), rows, cols, gocv.MatTypeCV8UC1)
}
