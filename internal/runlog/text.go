package runlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

const separator = "---------------------------------------------------------"

// TextLog writes the human-readable run log. Each record is flushed as soon
// as it is written so the log survives a crash mid-run.
type TextLog struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewTextLog writes to w.
func NewTextLog(w io.Writer) *TextLog {
	t := &TextLog{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		t.c = c
	}
	return t
}

// OpenTextLog appends to the file at path, creating it if needed.
func OpenTextLog(path string) (*TextLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return NewTextLog(f), nil
}

// Begin writes one "Key: value" line per entry and a separator.
func (t *TextLog) Begin(config []Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range config {
		fmt.Fprintf(t.w, "%s: %s\n", e.Key, e.Value)
	}
	fmt.Fprintln(t.w, separator)
	return t.w.Flush()
}

// Record writes the layer line, suffixed with FIXED when the layer was
// ironed and FLAGGED when it crossed the threshold but was left alone.
func (t *TextLog) Record(o LayerOutcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "layer %d, num of defect: %d", o.LayerIndex, o.DefectCount)
	switch {
	case o.Corrected:
		fmt.Fprint(t.w, " FIXED")
	case o.Flagged:
		fmt.Fprint(t.w, " FLAGGED")
	}
	fmt.Fprintln(t.w)
	return t.w.Flush()
}

// Finish writes the summary lines.
func (t *TextLog) Finish(s Summary) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Err != nil {
		fmt.Fprintf(t.w, "RUN ABORTED: %v\n", s.Err)
	}
	fmt.Fprintf(t.w, "TOTAL NUM OF FIXED LAYER: %d\n", len(s.Corrected))
	fmt.Fprintf(t.w, "Fixed layer list: %s\n", FormatList(s.Corrected))
	if len(s.Flagged) > len(s.Corrected) {
		fmt.Fprintf(t.w, "Flagged layer list: %s\n", FormatList(s.Flagged))
	}
	return t.w.Flush()
}

// Close closes the underlying writer when it is closable.
func (t *TextLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Flush(); err != nil {
		return err
	}
	if t.c != nil {
		return t.c.Close()
	}
	return nil
}

// FormatList renders indices as "[1, 2, 3]".
func FormatList(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
