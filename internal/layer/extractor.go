package layer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"print-sentinel/internal/gcode"
	"print-sentinel/pkg/geometry"

	"go.uber.org/zap"
)

// Feature types written by the slicer in ";TYPE:" comments.
const (
	TypePerimeter         = "Perimeter"
	TypeExternalPerimeter = "External perimeter"
	TypeOverhangPerimeter = "Overhang perimeter"
	TypeInternalInfill    = "Internal infill"
	TypeSolidInfill       = "Solid infill"
	TypeTopSolidInfill    = "Top solid infill"
	TypeBridgeInfill      = "Bridge infill"
	TypeSkirtBrim         = "Skirt/Brim"
	TypeCustom            = "Custom"
)

const (
	typePrefix  = ";TYPE:"
	zPrefix     = ";Z:"
	layerChange = ";LAYER_CHANGE"
)

// Options configures outline extraction.
type Options struct {
	Type             string  // feature type whose loops are collected
	LayerHeight      float64 // mm, used when the toolpath carries no height
	FirstLayerHeight float64 // mm
	Logger           *zap.Logger
}

// DefaultOptions returns options collecting the external perimeter of a
// 0.2mm layer print.
func DefaultOptions() Options {
	return Options{
		Type:             TypeExternalPerimeter,
		LayerHeight:      0.2,
		FirstLayerHeight: 0.2,
	}
}

// WithType returns a copy of the options targeting another feature type.
func (o Options) WithType(t string) Options {
	o.Type = t
	return o
}

// Extractor turns layer toolpaths into Geometry.
type Extractor struct {
	opts   Options
	logger *zap.Logger
}

// NewExtractor creates an extractor. An empty Type selects the external
// perimeter.
func NewExtractor(opts Options) *Extractor {
	if opts.Type == "" {
		opts.Type = TypeExternalPerimeter
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{opts: opts, logger: logger}
}

// FallbackHeight is the nominal build height of a 1-based layer index.
func (e *Extractor) FallbackHeight(index int) float64 {
	if index < 1 {
		return e.opts.FirstLayerHeight
	}
	return float64(index-1)*e.opts.LayerHeight + e.opts.FirstLayerHeight
}

// Extract reads one layer's toolpath and collects the loops printed with the
// target feature type.
//
// A loop ends when, with points collected, a non-extruding G or T command of
// the target section is seen, or the feature type changes. M commands and
// feed-rate-only moves never end a loop. Each loop is closed explicitly;
// loops with fewer than three distinct points are dropped.
func (e *Extractor) Extract(r io.Reader, index int) (Geometry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	st := &extractState{target: e.opts.Type}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := st.feed(lineNo, scanner.Text()); err != nil {
			return Geometry{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Geometry{}, fmt.Errorf("failed to read toolpath: %w", err)
	}
	st.closeLoop()

	g := st.geometry(index, e.FallbackHeight(index))

	e.logger.Debug("layer outline extracted",
		zap.Int("layer", index),
		zap.String("type", e.opts.Type),
		zap.Int("contours", len(g.Contours)),
		zap.Int("dropped", st.dropped),
		zap.Float64("z", g.BuildHeight))
	return g, nil
}

// ExtractFile reads a per-layer toolpath file.
func (e *Extractor) ExtractFile(path string, index int) (Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Geometry{}, fmt.Errorf("failed to open layer toolpath: %w", err)
	}
	defer f.Close()
	return e.Extract(f, index)
}

// ExtractFromFile selects the index-th layer of a whole sliced file by
// counting ";LAYER_CHANGE" markers and extracts it. Line numbers in parse
// errors refer to the whole file.
func (e *Extractor) ExtractFromFile(path string, index int) (Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Geometry{}, fmt.Errorf("failed to open toolpath: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	st := &extractState{target: e.opts.Type}
	current := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == layerChange {
			current++
			if current > index {
				break
			}
			continue
		}
		if current != index {
			continue
		}
		if err := st.feed(lineNo, line); err != nil {
			return Geometry{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Geometry{}, fmt.Errorf("failed to read toolpath: %w", err)
	}
	if current < index {
		return Geometry{}, fmt.Errorf("layer %d not found, file has %d layers", index, current)
	}
	st.closeLoop()

	return st.geometry(index, e.FallbackHeight(index)), nil
}

type extractState struct {
	target      string
	currentType string

	points   []geometry.Point2D
	x, y     float64
	contours []Contour
	dropped  int

	zComment    float64
	hasZComment bool
	lastZ       float64
	hasZ        bool
}

func (s *extractState) feed(lineNo int, raw string) error {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil
	}

	if gcode.IsComment(line) {
		switch {
		case strings.HasPrefix(line, typePrefix):
			next := strings.TrimSpace(strings.TrimPrefix(line, typePrefix))
			if s.currentType == s.target && next != s.target {
				s.closeLoop()
			}
			s.currentType = next
		case strings.HasPrefix(line, zPrefix):
			z, err := strconv.ParseFloat(strings.TrimSpace(line[len(zPrefix):]), 64)
			if err != nil {
				return &ParseError{Line: lineNo, Text: line, Err: err}
			}
			s.zComment = z
			s.hasZComment = true
		}
		return nil
	}

	if first := line[0]; first == 'M' || first == 'm' {
		return nil
	}
	cmd, err := gcode.Parse(line)
	if err != nil {
		return &ParseError{Line: lineNo, Text: line, Err: err}
	}
	if cmd.Name == "" {
		return nil
	}

	if z, ok := cmd.Params['Z']; ok && cmd.IsMove() {
		s.lastZ = z
		s.hasZ = true
	}
	if cmd.IsMove() {
		// Track position so moves giving only X or only Y stay on the path.
		defer s.track(cmd)
	}

	if s.currentType != s.target {
		return nil
	}

	switch {
	case cmd.IsFeedOnly():
	case cmd.IsExtrusion():
		x, y := s.x, s.y
		if v, ok := cmd.Params['X']; ok {
			x = v
		}
		if v, ok := cmd.Params['Y']; ok {
			y = v
		}
		s.points = append(s.points, geometry.Point2D{X: x, Y: y})
	default:
		s.closeLoop()
	}
	return nil
}

// geometry resolves the build height from a ";Z:" comment, else the last Z
// move, else the fallback.
func (s *extractState) geometry(index int, fallback float64) Geometry {
	g := Geometry{LayerIndex: index, Contours: s.contours, BuildHeight: fallback}
	switch {
	case s.hasZComment:
		g.BuildHeight = s.zComment
	case s.hasZ:
		g.BuildHeight = s.lastZ
	}
	return g
}

func (s *extractState) track(cmd gcode.Command) {
	if v, ok := cmd.Params['X']; ok {
		s.x = v
	}
	if v, ok := cmd.Params['Y']; ok {
		s.y = v
	}
}

func (s *extractState) closeLoop() {
	if len(s.points) == 0 {
		return
	}
	pts := s.points
	s.points = nil

	if geometry.DistinctCount(pts) < 3 {
		s.dropped++
		return
	}
	c := make(Contour, 0, len(pts)+1)
	c = append(c, pts...)
	if pts[len(pts)-1] != pts[0] {
		c = append(c, pts[0])
	}
	s.contours = append(s.contours, c)
}
