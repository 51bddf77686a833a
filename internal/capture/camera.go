// Package capture acquires still frames of the finished layer, either from a
// live camera that must first settle or from previously recorded frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"print-sentinel/internal/timeutil"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	// ErrUnavailable is returned when the device cannot be opened or read.
	ErrUnavailable = errors.New("capture device unavailable")
	// ErrUnstable is returned when the scene never settles within the
	// attempt budget.
	ErrUnstable = errors.New("capture did not stabilise")
)

// FrameReader is the part of gocv.VideoCapture the camera needs.
type FrameReader interface {
	Read(m *gocv.Mat) bool
	IsOpened() bool
	Close() error
}

// Options configures a camera.
type Options struct {
	DeviceID      int
	Width, Height int

	// Stability: consecutive grayscale frames are compared every Delay and
	// a frame is accepted when the mean saturating difference lies in
	// (0, DiffThreshold]. A zero difference indicates a frozen feed.
	Delay         time.Duration
	DiffThreshold float64
	MaxAttempts   int
	OpenTimeout   time.Duration

	Clock  timeutil.Clock
	Logger *zap.Logger
}

// DefaultOptions returns options for a 1080p camera.
func DefaultOptions() Options {
	return Options{
		Width:         1920,
		Height:        1080,
		Delay:         500 * time.Millisecond,
		DiffThreshold: 1.0,
		MaxAttempts:   40,
		OpenTimeout:   10 * time.Second,
	}
}

// Camera returns frames once the scene has stopped moving.
type Camera struct {
	reader FrameReader
	opts   Options
	clock  timeutil.Clock
	logger *zap.Logger
}

// Open opens a video device and sets its resolution.
func Open(opts Options) (*Camera, error) {
	vc, err := gocv.OpenVideoCapture(opts.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", ErrUnavailable, opts.DeviceID, err)
	}
	if opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	return New(vc, opts), nil
}

// New wraps an opened reader.
func New(reader FrameReader, opts Options) *Camera {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Camera{reader: reader, opts: opts, clock: clock, logger: logger}
}

// Close releases the device.
func (c *Camera) Close() error {
	return c.reader.Close()
}

// AcquireStableFrame samples frames until two consecutive ones differ by a
// small non-zero amount and returns the latest. The caller owns the Mat.
func (c *Camera) AcquireStableFrame(ctx context.Context) (gocv.Mat, error) {
	if err := c.waitOpen(ctx); err != nil {
		return gocv.NewMat(), err
	}

	prev, err := c.read()
	if err != nil {
		return gocv.NewMat(), err
	}
	prevGray := grayOf(prev)
	defer func() { prevGray.Close() }()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := c.clock.Sleep(ctx, c.opts.Delay); err != nil {
			prev.Close()
			return gocv.NewMat(), err
		}

		cur, err := c.read()
		if err != nil {
			prev.Close()
			return gocv.NewMat(), err
		}
		curGray := grayOf(cur)

		diff := meanDifference(prevGray, curGray)
		c.logger.Debug("frame difference",
			zap.Int("attempt", attempt),
			zap.Float64("diff", diff))

		prev.Close()
		prevGray.Close()
		prev, prevGray = cur, curGray

		if diff > 0 && diff <= c.opts.DiffThreshold {
			return prev, nil
		}
	}

	prev.Close()
	return gocv.NewMat(), fmt.Errorf("%w after %d attempts", ErrUnstable, c.opts.MaxAttempts)
}

func (c *Camera) waitOpen(ctx context.Context) error {
	if c.reader.IsOpened() {
		return nil
	}
	deadline := c.clock.Now().Add(c.opts.OpenTimeout)
	backoff := timeutil.Backoff{Initial: 50 * time.Millisecond, Max: time.Second}
	for !c.reader.IsOpened() {
		if !c.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: device %d did not open within %s", ErrUnavailable, c.opts.DeviceID, c.opts.OpenTimeout)
		}
		if err := c.clock.Sleep(ctx, backoff.Next()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Camera) read() (gocv.Mat, error) {
	m := gocv.NewMat()
	if !c.reader.Read(&m) || m.Empty() {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("%w: read failed", ErrUnavailable)
	}
	return m, nil
}

func grayOf(m gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch m.Channels() {
	case 1:
		m.CopyTo(&gray)
	case 4:
		gocv.CvtColor(m, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

// meanDifference is the mean of the saturating difference a - b.
func meanDifference(a, b gocv.Mat) float64 {
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		// A resolution change counts as movement.
		return 255
	}
	d := gocv.NewMat()
	defer d.Close()
	gocv.Subtract(a, b, &d)
	return d.Mean().Val1
}
