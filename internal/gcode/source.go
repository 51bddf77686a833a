package gcode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DirSource serves segments previously written by Segments.WriteDir.
type DirSource struct {
	dir    string
	layers int
}

// OpenDir checks that dir holds a setup segment and counts the consecutive
// layer files starting at layer 1.
func OpenDir(dir string) (*DirSource, error) {
	if _, err := os.Stat(filepath.Join(dir, SetupFile)); err != nil {
		return nil, fmt.Errorf("not a segment directory: %w", err)
	}
	n := 0
	for {
		if _, err := os.Stat(filepath.Join(dir, LayerFile(n+1))); err != nil {
			break
		}
		n++
	}
	return &DirSource{dir: dir, layers: n}, nil
}

// LayerCount returns the number of structural layers.
func (d *DirSource) LayerCount() int { return d.layers }

// Setup returns the setup segment.
func (d *DirSource) Setup() ([]string, error) {
	return ReadLines(filepath.Join(d.dir, SetupFile))
}

// Layer returns the structural segment of layer i.
func (d *DirSource) Layer(i int) ([]string, error) {
	return ReadLines(filepath.Join(d.dir, LayerFile(i)))
}

// Support returns the support segment of layer i, or nil when the layer
// has none.
func (d *DirSource) Support(i int) ([]string, error) {
	lines, err := ReadLines(filepath.Join(d.dir, SupportDir, LayerFile(i)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return lines, err
}

// Shutdown returns the shutdown segment.
func (d *DirSource) Shutdown() ([]string, error) {
	return ReadLines(filepath.Join(d.dir, ShutdownFile))
}

// MemSource serves segments held in memory.
type MemSource struct {
	segs *Segments
	byID map[int]Layer
}

// Source returns an in-memory segment source.
func (s *Segments) Source() *MemSource {
	byID := make(map[int]Layer, len(s.Layers))
	for _, l := range s.Layers {
		byID[l.Index] = l
	}
	return &MemSource{segs: s, byID: byID}
}

// LayerCount returns the number of structural layers.
func (m *MemSource) LayerCount() int { return len(m.segs.Layers) }

// Setup returns the setup segment.
func (m *MemSource) Setup() ([]string, error) { return m.segs.Setup, nil }

// Layer returns the structural segment of layer i.
func (m *MemSource) Layer(i int) ([]string, error) {
	l, ok := m.byID[i]
	if !ok || len(l.Structure) == 0 {
		return nil, fmt.Errorf("layer %d: %w", i, os.ErrNotExist)
	}
	return l.Structure, nil
}

// Support returns the support segment of layer i, or nil.
func (m *MemSource) Support(i int) ([]string, error) { return m.byID[i].Support, nil }

// Shutdown returns the shutdown segment.
func (m *MemSource) Shutdown() ([]string, error) { return m.segs.Shutdown, nil }
