package gcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSetupMarker is returned by Split when the setup marker never appears.
var ErrNoSetupMarker = errors.New("setup marker not found")

// SplitOptions names the marker lines that delimit segments. Markers are
// matched against whole trimmed lines.
type SplitOptions struct {
	SetupMarker     string // last line of the setup segment
	StructureMarker string // ends the structural segment of a layer
	SupportMarker   string // ends the support segment of a layer
}

// DefaultSplitOptions returns the markers emitted for the bellow test part
// printed next to its wiping tower.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{
		SetupMarker:     "M107",
		StructureMarker: "; stop printing object SmallBellow",
		SupportMarker:   "; stop printing object wiping_pattern_z",
	}
}

// Layer holds the toolpath of one build layer.
type Layer struct {
	Index     int // 1-based
	Structure []string
	Support   []string
}

// Segments is a sliced file cut into printable pieces.
type Segments struct {
	Setup    []string
	Layers   []Layer
	Shutdown []string
}

// LineCount returns the total number of lines across all segments.
func (s *Segments) LineCount() int {
	n := len(s.Setup) + len(s.Shutdown)
	for _, l := range s.Layers {
		n += len(l.Structure) + len(l.Support)
	}
	return n
}

// Split reads a whole sliced file and cuts it into segments. Lines are
// trimmed and blank lines dropped. Setup runs up to and including the setup
// marker. Each structure marker closes the structural segment of the current
// layer, each support marker closes its support segment and advances to the
// next layer. Whatever follows the last marker becomes the shutdown segment.
func Split(r io.Reader, opts SplitOptions) (*Segments, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	segs := &Segments{}
	var pending []string
	inSetup := true
	current := Layer{Index: 1}
	hasCurrent := false

	flushLayer := func() {
		segs.Layers = append(segs.Layers, current)
		current = Layer{Index: current.Index + 1}
		hasCurrent = false
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pending = append(pending, line)

		if inSetup {
			if StripComment(line) == opts.SetupMarker {
				segs.Setup = pending
				pending = nil
				inSetup = false
			}
			continue
		}

		switch line {
		case opts.StructureMarker:
			// Two structural segments in a row belong to two layers.
			if hasCurrent {
				flushLayer()
			}
			current.Structure = pending
			hasCurrent = true
			pending = nil
		case opts.SupportMarker:
			current.Support = pending
			pending = nil
			flushLayer()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read toolpath: %w", err)
	}
	if inSetup {
		return nil, fmt.Errorf("%w: %q", ErrNoSetupMarker, opts.SetupMarker)
	}

	if hasCurrent {
		flushLayer()
	}
	segs.Shutdown = pending
	return segs, nil
}

// SplitFile is Split on a file path.
func SplitFile(path string, opts SplitOptions) (*Segments, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open toolpath: %w", err)
	}
	defer f.Close()
	return Split(f, opts)
}

// File names used by WriteDir and the toolpath directory reader.
const (
	SetupFile    = "layer_0.gcode"
	ShutdownFile = "end.gcode"
	SupportDir   = "support"
)

// LayerFile returns the file name of a layer segment.
func LayerFile(index int) string {
	return fmt.Sprintf("layer_%d.gcode", index)
}

// WriteDir writes the segments below dir: layer_0.gcode, layer_N.gcode,
// support/layer_N.gcode and end.gcode.
func (s *Segments) WriteDir(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, SupportDir), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := WriteLines(filepath.Join(dir, SetupFile), s.Setup); err != nil {
		return err
	}
	for _, l := range s.Layers {
		if len(l.Structure) > 0 {
			if err := WriteLines(filepath.Join(dir, LayerFile(l.Index)), l.Structure); err != nil {
				return err
			}
		}
		if len(l.Support) > 0 {
			if err := WriteLines(filepath.Join(dir, SupportDir, LayerFile(l.Index)), l.Support); err != nil {
				return err
			}
		}
	}
	return WriteLines(filepath.Join(dir, ShutdownFile), s.Shutdown)
}

// ReadLines reads a toolpath file into trimmed lines.
func ReadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// WriteLines writes lines to path, one per line.
func WriteLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
