package orchestrator

import "fmt"

// UnavailableError reports a collaborator that failed or never became
// ready. The run cannot continue past it.
type UnavailableError struct {
	Collaborator string // printer, camera, toolpaths, artifacts or runlog
	Layer        int
	Err          error
}

func (e *UnavailableError) Error() string {
	if e.Layer > 0 {
		return fmt.Sprintf("%s unavailable at layer %d: %v", e.Collaborator, e.Layer, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
