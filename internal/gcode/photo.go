package gcode

import (
	"fmt"
	"strconv"
)

// PhotoMove describes where the head parks to photograph a finished layer.
type PhotoMove struct {
	X, Y    float64
	Retract float64 // negative E applied before travelling
	Feed    float64 // travel feed rate in mm/min
}

// DefaultPhotoMove returns the parking move used when only the position is
// configured.
func DefaultPhotoMove(x, y float64) PhotoMove {
	return PhotoMove{X: x, Y: y, Retract: -1, Feed: 9000}
}

// Lines renders the retraction and the travel move.
func (p PhotoMove) Lines() []string {
	return []string{
		fmt.Sprintf("G1 E%s", formatRetract(p.Retract)),
		fmt.Sprintf("G1 X%s Y%s F%s", formatCoord(p.X), formatCoord(p.Y), formatCoord(p.Feed)),
	}
}

// AppendPhotoMove returns a copy of lines with the photo move appended.
func AppendPhotoMove(lines []string, move PhotoMove) []string {
	out := make([]string, 0, len(lines)+2)
	out = append(out, lines...)
	return append(out, move.Lines()...)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatRetract keeps a trailing dot on whole numbers ("-1."), the way
// slicers write retractions.
func formatRetract(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if v == float64(int64(v)) {
		s += "."
	}
	return s
}
