// Package runlog records the configuration, per-layer outcomes and summary
// of an inspection run. Records are append-only.
package runlog

import (
	"errors"
	"time"
)

// Entry is one configuration item written when a run begins.
type Entry struct {
	Key   string
	Value string
}

// LayerOutcome is the record of one processed layer.
type LayerOutcome struct {
	LayerIndex  int
	DefectCount int
	Flagged     bool // count reached the defect threshold
	Corrected   bool // an ironing pass was printed
	StartedAt   time.Time
	CapturedAt  time.Time
	FinishedAt  time.Time
}

// Summary closes a run.
type Summary struct {
	Layers    int
	Flagged   []int
	Corrected []int
	Err       error // fatal error that ended the run, if any
}

// Sink receives run records in order: Begin once, Record once per layer,
// Finish once.
type Sink interface {
	Begin(config []Entry) error
	Record(outcome LayerOutcome) error
	Finish(summary Summary) error
}

// Multi fans records out to several sinks. Every sink is called even if an
// earlier one fails; the errors are joined.
type Multi []Sink

// Begin implements Sink.
func (m Multi) Begin(config []Entry) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Begin(config))
	}
	return errors.Join(errs...)
}

// Record implements Sink.
func (m Multi) Record(outcome LayerOutcome) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Record(outcome))
	}
	return errors.Join(errs...)
}

// Finish implements Sink.
func (m Multi) Finish(summary Summary) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Finish(summary))
	}
	return errors.Join(errs...)
}
