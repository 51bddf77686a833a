package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	imgio "print-sentinel/internal/image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// correctedSuffix marks the frame recorded after an ironing pass.
const correctedSuffix = "_corrected"

// Replay serves previously recorded frames. Recorded frames are already
// still, so no stability wait is performed.
//
// Without Seek, frames are served in layer order. After Seek, the next
// acquisition returns the frame recorded for that layer, or its corrected
// frame when reverifying.
type Replay struct {
	mu        sync.Mutex
	paths     []string
	byLayer   map[int]string
	corrected map[int]string
	next      int
	seek      *replayCursor
	logger    *zap.Logger
}

type replayCursor struct {
	layer    int
	reverify bool
}

// NewReplay lists the frames of dir. Files whose name carries a layer number
// and no suffix beyond it (layer_N.jpg, frame_N.tiff) are layer frames;
// layer_N_corrected frames are served on reverification. Other artifacts
// written next to them are skipped.
func NewReplay(dir string, logger *zap.Logger) (*Replay, error) {
	all, err := imgio.ListFrames(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	r := &Replay{
		byLayer:   make(map[int]string),
		corrected: make(map[int]string),
		logger:    logger,
	}
	for _, p := range all {
		n, ok := imgio.NumberInName(p)
		switch {
		case isPlainFrame(p):
			r.paths = append(r.paths, p)
			if ok {
				r.byLayer[n] = p
			}
		case ok && isCorrectedFrame(p):
			r.corrected[n] = p
		}
	}
	if len(r.paths) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", ErrUnavailable, dir)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// Len returns the number of layer frames.
func (r *Replay) Len() int {
	return len(r.paths)
}

// Seek selects the frame served by the next acquisition.
func (r *Replay) Seek(layer int, reverify bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seek = &replayCursor{layer: layer, reverify: reverify}
}

// AcquireStableFrame returns the selected or next recorded frame.
func (r *Replay) AcquireStableFrame(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.NewMat(), err
	}

	path, err := r.pick()
	if err != nil {
		return gocv.NewMat(), err
	}

	m, err := imgio.LoadFrame(path)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.logger.Debug("replayed frame", zap.String("path", path))
	return m, nil
}

func (r *Replay) pick() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.seek; c != nil {
		r.seek = nil
		if c.reverify {
			if p, ok := r.corrected[c.layer]; ok {
				return p, nil
			}
		}
		p, ok := r.byLayer[c.layer]
		if !ok {
			return "", fmt.Errorf("%w: no recorded frame for layer %d", ErrUnavailable, c.layer)
		}
		return p, nil
	}

	if r.next >= len(r.paths) {
		return "", fmt.Errorf("%w: replay exhausted after %d frames", ErrUnavailable, len(r.paths))
	}
	p := r.paths[r.next]
	r.next++
	return p, nil
}

// Close is a no-op.
func (r *Replay) Close() error {
	return nil
}

// isPlainFrame accepts names whose stem ends with the layer number.
func isPlainFrame(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if stem == "" {
		return false
	}
	last := stem[len(stem)-1]
	return last >= '0' && last <= '9'
}

func isCorrectedFrame(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(stem, correctedSuffix)
}
