// Package orchestrator drives a print layer by layer: print, photograph,
// inspect, and iron the layer again when too many defects are found.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"print-sentinel/internal/gcode"
	imgio "print-sentinel/internal/image"
	"print-sentinel/internal/runlog"
	"print-sentinel/internal/timeutil"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Printer executes toolpaths.
type Printer interface {
	Send(ctx context.Context, lines []string) error
	IsIdle() bool
	WaitIdle(ctx context.Context) error
}

// Camera returns settled frames. The caller owns each returned Mat.
type Camera interface {
	AcquireStableFrame(ctx context.Context) (gocv.Mat, error)
	Close() error
}

// FrameSeeker is implemented by cameras that serve recorded frames. Seek is
// called before every acquisition with the layer being photographed and
// whether the shot follows an ironing pass.
type FrameSeeker interface {
	Seek(layer int, reverify bool)
}

// Detector counts the defects of a layer in a captured frame. Errors other
// than collaborator failures (malformed toolpath, bad calibration) abort
// the run.
type Detector interface {
	Detect(ctx context.Context, layer int, frame gocv.Mat) (int, error)
}

// Toolpaths serves the segmented print job.
type Toolpaths interface {
	LayerCount() int
	Setup() ([]string, error)
	Layer(i int) ([]string, error)
	Support(i int) ([]string, error)
	Shutdown() ([]string, error)
}

// Artifacts persists frames and correction toolpaths.
type Artifacts interface {
	Save(kind imgio.ArtifactKind, layer int, img gocv.Mat) (string, error)
	SaveToolpath(layer int, lines []string) (string, error)
}

// Settings are the fixed parameters of a run.
type Settings struct {
	TotalLayers     int // 0 runs every layer the toolpaths provide
	SettleDelay     time.Duration
	DefectThreshold int
	PhotoMove       *gcode.PhotoMove // nil when layers already end at the photo position
	Correction      bool
	Iron            gcode.IronOptions
	ReprintSupport  bool // print the support segment again after ironing
	LogEntries      []runlog.Entry
}

// Deps are the collaborators of a run.
type Deps struct {
	Printer      Printer
	Camera       Camera
	Detector     Detector
	Toolpaths    Toolpaths
	Artifacts    Artifacts
	Sink         runlog.Sink
	Clock        timeutil.Clock
	Logger       *zap.Logger
	OnTransition func(Transition)
}

// Summary is the result of a run, complete up to the point of failure.
type Summary struct {
	Outcomes  []runlog.LayerOutcome
	Flagged   []int
	Corrected []int
}

// Orchestrator runs one print. It is not safe for concurrent use.
type Orchestrator struct {
	cfg    Settings
	deps   Deps
	clock  timeutil.Clock
	logger *zap.Logger
}

// New creates an orchestrator.
func New(cfg Settings, deps Deps) *Orchestrator {
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = runlog.Multi{}
	}
	return &Orchestrator{cfg: cfg, deps: deps, clock: clock, logger: logger}
}

// Run prints the setup segment, every layer and the shutdown segment. The
// camera is released and the sink receives a summary whether or not the run
// succeeds.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	if err := o.deps.Sink.Begin(o.cfg.LogEntries); err != nil {
		o.closeCamera()
		return sum, &UnavailableError{Collaborator: "runlog", Err: err}
	}

	err := o.run(ctx, sum)
	o.closeCamera()

	final := runlog.Summary{
		Layers:    len(sum.Outcomes),
		Flagged:   sum.Flagged,
		Corrected: sum.Corrected,
		Err:       err,
	}
	if ferr := o.deps.Sink.Finish(final); ferr != nil {
		o.logger.Error("failed to write run summary", zap.Error(ferr))
		if err == nil {
			err = &UnavailableError{Collaborator: "runlog", Err: ferr}
		}
	}

	if err != nil {
		o.logger.Error("run aborted", zap.Int("layers_done", len(sum.Outcomes)), zap.Error(err))
		return sum, err
	}
	o.enter(0, StateDone)
	o.logger.Info("run complete",
		zap.Int("layers", len(sum.Outcomes)),
		zap.Ints("flagged", sum.Flagged),
		zap.Ints("corrected", sum.Corrected))
	return sum, nil
}

func (o *Orchestrator) run(ctx context.Context, sum *Summary) error {
	total := o.cfg.TotalLayers
	if total <= 0 {
		total = o.deps.Toolpaths.LayerCount()
	}

	o.enter(0, StateSetup)
	setup, err := o.deps.Toolpaths.Setup()
	if err != nil {
		return &UnavailableError{Collaborator: "toolpaths", Err: err}
	}
	o.logger.Info("printing setup", zap.Int("lines", len(setup)))
	if err := o.print(ctx, 0, setup); err != nil {
		return err
	}

	for i := 1; i <= total; i++ {
		out, err := o.layer(ctx, i)
		if err != nil {
			return err
		}

		o.enter(i, StateLogging)
		if err := o.deps.Sink.Record(out); err != nil {
			return &UnavailableError{Collaborator: "runlog", Layer: i, Err: err}
		}
		sum.Outcomes = append(sum.Outcomes, out)
		if out.Flagged {
			sum.Flagged = append(sum.Flagged, i)
		}
		if out.Corrected {
			sum.Corrected = append(sum.Corrected, i)
		}
	}

	o.enter(0, StateShutdown)
	shutdown, err := o.deps.Toolpaths.Shutdown()
	if err != nil {
		return &UnavailableError{Collaborator: "toolpaths", Err: err}
	}
	return o.print(ctx, 0, shutdown)
}

func (o *Orchestrator) layer(ctx context.Context, i int) (runlog.LayerOutcome, error) {
	out := runlog.LayerOutcome{LayerIndex: i, StartedAt: o.clock.Now()}
	log := o.logger.With(zap.Int("layer", i))

	o.enter(i, StatePrinting)
	lines, err := o.deps.Toolpaths.Layer(i)
	if err != nil {
		return out, &UnavailableError{Collaborator: "toolpaths", Layer: i, Err: err}
	}
	if o.cfg.PhotoMove != nil {
		lines = gcode.AppendPhotoMove(lines, *o.cfg.PhotoMove)
	}
	log.Info("printing layer", zap.Int("lines", len(lines)))
	if err := o.print(ctx, i, lines); err != nil {
		return out, err
	}

	o.enter(i, StateCapturing)
	frame, err := o.capture(ctx, i, imgio.ArtifactFrame)
	if err != nil {
		return out, err
	}
	out.CapturedAt = o.clock.Now()

	o.enter(i, StateDetecting)
	count, err := o.deps.Detector.Detect(ctx, i, frame)
	frame.Close()
	if err != nil {
		return out, fmt.Errorf("layer %d: %w", i, err)
	}
	out.DefectCount = count
	log.Info("layer inspected", zap.Int("defects", count))

	support, err := o.deps.Toolpaths.Support(i)
	if err != nil {
		return out, &UnavailableError{Collaborator: "toolpaths", Layer: i, Err: err}
	}
	if len(support) > 0 {
		if err := o.print(ctx, i, support); err != nil {
			return out, err
		}
	}

	o.enter(i, StateDeciding)
	out.Flagged = count >= o.cfg.DefectThreshold
	if out.Flagged && o.cfg.Correction {
		if err := o.correct(ctx, i, lines); err != nil {
			return out, err
		}
		out.Corrected = true
		if o.cfg.ReprintSupport && len(support) > 0 {
			if err := o.print(ctx, i, support); err != nil {
				return out, err
			}
		}
	} else if out.Flagged {
		log.Warn("layer flagged, correction disabled", zap.Int("defects", count))
	}

	out.FinishedAt = o.clock.Now()
	return out, nil
}

// correct prints an ironing pass of the layer and photographs the result.
// The second frame is kept for audit and does not affect control flow.
func (o *Orchestrator) correct(ctx context.Context, i int, lines []string) error {
	o.enter(i, StateCorrecting)
	iron, err := gcode.Iron(lines, o.cfg.Iron)
	if err != nil {
		return fmt.Errorf("layer %d: %w", i, err)
	}
	path, err := o.deps.Artifacts.SaveToolpath(i, iron)
	if err != nil {
		return &UnavailableError{Collaborator: "artifacts", Layer: i, Err: err}
	}
	o.logger.Info("ironing layer", zap.Int("layer", i), zap.String("toolpath", path))
	if err := o.print(ctx, i, iron); err != nil {
		return err
	}

	o.enter(i, StateReverifying)
	frame, err := o.capture(ctx, i, imgio.ArtifactCorrected)
	if err != nil {
		return err
	}
	frame.Close()
	return nil
}

func (o *Orchestrator) print(ctx context.Context, layer int, lines []string) error {
	if err := o.deps.Printer.Send(ctx, lines); err != nil {
		return unavailable("printer", layer, err)
	}
	if err := o.deps.Printer.WaitIdle(ctx); err != nil {
		return unavailable("printer", layer, err)
	}
	return nil
}

// capture waits for the settle delay, grabs a stable frame and persists it
// as kind. The caller owns the returned Mat.
func (o *Orchestrator) capture(ctx context.Context, layer int, kind imgio.ArtifactKind) (gocv.Mat, error) {
	if err := o.clock.Sleep(ctx, o.cfg.SettleDelay); err != nil {
		return gocv.NewMat(), err
	}
	if s, ok := o.deps.Camera.(FrameSeeker); ok {
		s.Seek(layer, kind == imgio.ArtifactCorrected)
	}
	frame, err := o.deps.Camera.AcquireStableFrame(ctx)
	if err != nil {
		frame.Close()
		return gocv.NewMat(), unavailable("camera", layer, err)
	}
	if _, err := o.deps.Artifacts.Save(kind, layer, frame); err != nil {
		frame.Close()
		return gocv.NewMat(), &UnavailableError{Collaborator: "artifacts", Layer: layer, Err: err}
	}
	return frame, nil
}

func (o *Orchestrator) closeCamera() {
	if o.deps.Camera == nil {
		return
	}
	if err := o.deps.Camera.Close(); err != nil {
		o.logger.Warn("failed to release camera", zap.Error(err))
	}
}

func (o *Orchestrator) enter(layer int, s State) {
	o.logger.Debug("state", zap.Int("layer", layer), zap.Stringer("state", s))
	if o.deps.OnTransition != nil {
		o.deps.OnTransition(Transition{Layer: layer, State: s})
	}
}

// unavailable wraps a collaborator failure. Cancellation is passed through
// so callers can tell an interrupted run from a broken device.
func unavailable(who string, layer int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &UnavailableError{Collaborator: who, Layer: layer, Err: err}
}
