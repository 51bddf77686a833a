package printer

import (
	"context"
	"sync"

	"print-sentinel/internal/gcode"

	"go.uber.org/zap"
)

// Simulator accepts toolpaths without a controller attached. Every line is
// acknowledged immediately, so it is always idle. Used for dry runs and
// replayed inspections.
type Simulator struct {
	mu     sync.Mutex
	lines  []string
	sends  int
	logger *zap.Logger
}

// NewSimulator creates a simulator.
func NewSimulator(logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{logger: logger}
}

// Connect is a no-op.
func (s *Simulator) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Send records the command lines of a toolpath.
func (s *Simulator) Send(ctx context.Context, lines []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, line := range lines {
		if cmd := gcode.StripComment(line); cmd != "" {
			s.lines = append(s.lines, cmd)
			n++
		}
	}
	s.sends++
	s.logger.Debug("simulated toolpath", zap.Int("lines", n))
	return nil
}

// IsIdle always reports true.
func (s *Simulator) IsIdle() bool { return true }

// WaitIdle returns immediately unless ctx is done.
func (s *Simulator) WaitIdle(ctx context.Context) error {
	return ctx.Err()
}

// Lines returns every command received so far.
func (s *Simulator) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Sends returns the number of Send calls.
func (s *Simulator) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// Close is a no-op.
func (s *Simulator) Close() error {
	return nil
}
