package calibration

import "fmt"

// Error reports malformed camera parameters. It is fatal: a run must not
// start printing with an unusable camera model.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("calibration: %s: %s", e.Field, e.Reason)
}
