package image

import (
	"fmt"
	"os"
	"path/filepath"

	"print-sentinel/internal/gcode"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ArtifactKind identifies one of the images kept per layer.
type ArtifactKind int

const (
	ArtifactFrame      ArtifactKind = iota // raw capture
	ArtifactOverlay                        // frame with projected outline
	ArtifactIsolated                       // isolated region with alpha
	ArtifactDefectMask                     // filtered defect mask
	ArtifactCorrected                      // capture after the ironing pass
)

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactFrame:
		return "frame"
	case ArtifactOverlay:
		return "overlay"
	case ArtifactIsolated:
		return "isolated"
	case ArtifactDefectMask:
		return "defect"
	case ArtifactCorrected:
		return "corrected"
	default:
		return "unknown"
	}
}

// Templates maps each artifact kind to its file name template.
type Templates map[ArtifactKind]string

// DefaultTemplates returns the file names used by the inspection tools.
// PNG keeps the alpha channel of the isolated region.
func DefaultTemplates() Templates {
	return Templates{
		ArtifactFrame:      "layer_%d.jpg",
		ArtifactOverlay:    "layer_%d_w_contour.jpg",
		ArtifactIsolated:   "layer_%d_crop.png",
		ArtifactDefectMask: "layer_%d_defect.png",
		ArtifactCorrected:  "layer_%d_corrected.jpg",
	}
}

// Store writes and reads per-layer artifacts below a directory.
type Store struct {
	dir       string
	templates Templates
	logger    *zap.Logger
}

// NewStore creates the directory if needed. A nil logger disables logging;
// missing templates fall back to the defaults.
func NewStore(dir string, templates Templates, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	merged := DefaultTemplates()
	for k, v := range templates {
		merged[k] = v
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, templates: merged, logger: logger}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of an artifact.
func (s *Store) Path(kind ArtifactKind, layer int) string {
	return filepath.Join(s.dir, fmt.Sprintf(s.templates[kind], layer))
}

// Save writes img as the given artifact and returns its path.
func (s *Store) Save(kind ArtifactKind, layer int, img gocv.Mat) (string, error) {
	if img.Empty() {
		return "", fmt.Errorf("layer %d: empty %s image", layer, kind)
	}
	path := s.Path(kind, layer)
	if !gocv.IMWrite(path, img) {
		return "", fmt.Errorf("failed to write %s", path)
	}
	s.logger.Debug("artifact saved",
		zap.Int("layer", layer),
		zap.Stringer("kind", kind),
		zap.String("path", path))
	return path, nil
}

// Load reads an artifact back as a BGR Mat.
func (s *Store) Load(kind ArtifactKind, layer int) (gocv.Mat, error) {
	return LoadFrame(s.Path(kind, layer))
}

// ToolpathPath returns where the ironing toolpath of a layer is kept.
func (s *Store) ToolpathPath(layer int) string {
	return filepath.Join(s.dir, "iron", fmt.Sprintf("layer_%d_cor.gcode", layer))
}

// SaveToolpath writes the ironing toolpath of a layer and returns its path.
func (s *Store) SaveToolpath(layer int, lines []string) (string, error) {
	path := s.ToolpathPath(layer)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create toolpath directory: %w", err)
	}
	if err := gcode.WriteLines(path, lines); err != nil {
		return "", err
	}
	s.logger.Debug("toolpath saved", zap.Int("layer", layer), zap.String("path", path))
	return path, nil
}
