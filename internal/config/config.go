// Package config loads the run configuration. A Config is built once,
// validated, and then treated as read-only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"print-sentinel/internal/calibration"
	"print-sentinel/internal/capture"
	"print-sentinel/internal/defect"
	"print-sentinel/internal/gcode"
	"print-sentinel/internal/layer"
	"print-sentinel/internal/printer"
	"print-sentinel/internal/projection"
	"print-sentinel/internal/runlog"

	"gopkg.in/yaml.v3"
)

// Config holds all print-sentinel settings.
type Config struct {
	Print       PrintConfig       `yaml:"print"`
	Printer     PrinterConfig     `yaml:"printer"`
	Camera      CameraConfig      `yaml:"camera"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Detection   DetectionConfig   `yaml:"detection"`
	Correction  CorrectionConfig  `yaml:"correction"`
	Output      OutputConfig      `yaml:"output"`
}

// PrintConfig describes the job.
type PrintConfig struct {
	GcodePath   string        `yaml:"gcode_path"`
	SegmentDir  string        `yaml:"segment_dir"`  // where split segments are written
	TotalLayers int           `yaml:"total_layers"` // 0 prints every segmented layer
	SettleDelay time.Duration `yaml:"settle_delay"`
	PhotoX      float64       `yaml:"photo_x"`
	PhotoY      float64       `yaml:"photo_y"`
	Retract     float64       `yaml:"retract"`
	PhotoFeed   float64       `yaml:"photo_feed"`

	SetupMarker     string `yaml:"setup_marker"`
	StructureMarker string `yaml:"structure_marker"`
	SupportMarker   string `yaml:"support_marker"`
}

// PrinterConfig describes the serial link.
type PrinterConfig struct {
	Port          string              `yaml:"port"`
	Simulate      bool                `yaml:"simulate"`
	Serial        printer.PortOptions `yaml:"serial"`
	OnlineTimeout time.Duration       `yaml:"online_timeout"`
	PollInterval  time.Duration       `yaml:"poll_interval"`
	MaxPoll       time.Duration       `yaml:"max_poll"`
}

// CameraConfig describes the frame source.
type CameraConfig struct {
	DeviceID      int           `yaml:"device_id"`
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	ReplayDir     string        `yaml:"replay_dir"` // replaces the device when set
	Delay         time.Duration `yaml:"stability_delay"`
	DiffThreshold float64       `yaml:"diff_threshold"`
	MaxAttempts   int           `yaml:"max_attempts"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
}

// CalibrationConfig holds the camera model.
type CalibrationConfig struct {
	Intrinsic      [][]float64 `yaml:"intrinsic"`
	Distortion     []float64   `yaml:"distortion"`
	NozzleToCamera [][]float64 `yaml:"nozzle_to_camera"`
	Width          int         `yaml:"width"`
	Height         int         `yaml:"height"`
}

// DetectionConfig configures projection and defect extraction.
type DetectionConfig struct {
	FeatureType      string  `yaml:"feature_type"`
	LayerHeight      float64 `yaml:"layer_height"`
	FirstLayerHeight float64 `yaml:"first_layer_height"`
	ZOffset          float64 `yaml:"z_offset"`
	Combine          string  `yaml:"combine"` // xor or union
	Overlay          bool    `yaml:"overlay"`
	BinaryThreshold  float64 `yaml:"binary_threshold"`
	MinArea          int     `yaml:"min_area"`
	MaxArea          int     `yaml:"max_area"`
	BlurKernel       int     `yaml:"blur_kernel"`
	DefectThreshold  int     `yaml:"defect_threshold"`
	Report           string  `yaml:"report"`         // centroids or regions
	LocateDefects    bool    `yaml:"locate_defects"` // log approximate bed positions
}

// CorrectionConfig configures the ironing pass.
type CorrectionConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ExtrusionRatio float64 `yaml:"extrusion_ratio"`
	SpeedRatio     float64 `yaml:"speed_ratio"`
	ReprintSupport bool    `yaml:"reprint_support"`
}

// OutputConfig names where results go.
type OutputConfig struct {
	ImageDir    string `yaml:"image_dir"`
	LogPath     string `yaml:"log_path"`
	HistoryPath string `yaml:"history_path"` // empty disables the history database
}

// Default returns the configuration of the reference rig: a 1080p camera
// mounted beside the nozzle and 0.3mm layers.
func Default() *Config {
	split := gcode.DefaultSplitOptions()
	iron := gcode.DefaultIronOptions()
	cam := capture.DefaultOptions()
	link := printer.DefaultOptions()
	det := defect.DefaultParams()

	return &Config{
		Print: PrintConfig{
			SegmentDir:      "segments",
			TotalLayers:     0,
			SettleDelay:     3 * time.Second,
			PhotoX:          180,
			PhotoY:          152,
			Retract:         -1,
			PhotoFeed:       9000,
			SetupMarker:     split.SetupMarker,
			StructureMarker: split.StructureMarker,
			SupportMarker:   split.SupportMarker,
		},
		Printer: PrinterConfig{
			Serial:        printer.PortOptions{BaudRate: 115200},
			OnlineTimeout: link.OnlineTimeout,
			PollInterval:  link.PollInterval,
			MaxPoll:       link.MaxPoll,
		},
		Camera: CameraConfig{
			Width:         cam.Width,
			Height:        cam.Height,
			Delay:         cam.Delay,
			DiffThreshold: cam.DiffThreshold,
			MaxAttempts:   cam.MaxAttempts,
			OpenTimeout:   cam.OpenTimeout,
		},
		Calibration: CalibrationConfig{
			Intrinsic: [][]float64{
				{2127.41066162, 0, 953.47149911},
				{0, 2121.27521857, 510.30244235},
				{0, 0, 1},
			},
			Distortion: []float64{-0.34400936, -0.11276819, 0.0018658, -0.00130213, 0.83558632},
			NozzleToCamera: [][]float64{
				{1, 0, 0, 55.3},
				{0, -1, 0, -44.3},
				{0, 0, -1, 56.0},
				{0, 0, 0, 1},
			},
			Width:  1920,
			Height: 1080,
		},
		Detection: DetectionConfig{
			FeatureType:      layer.TypeExternalPerimeter,
			LayerHeight:      0.3,
			FirstLayerHeight: 0.2,
			Combine:          projection.CombineXOR.String(),
			Overlay:          true,
			BinaryThreshold:  85,
			MinArea:          det.MinArea,
			MaxArea:          det.MaxArea,
			BlurKernel:       det.BlurKernel,
			DefectThreshold:  2,
			Report:           defect.ReportCentroids.String(),
		},
		Correction: CorrectionConfig{
			Enabled:        true,
			ExtrusionRatio: iron.ExtrusionRatio,
			SpeedRatio:     iron.SpeedRatio,
			ReprintSupport: true,
		},
		Output: OutputConfig{
			ImageDir: "images",
			LogPath:  "run.log",
		},
	}
}

// Load decodes the YAML file at path over Default and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes the YAML file at path over Default without validating it, for
// callers that apply overrides first.
func Read(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks every section and returns all problems found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Print.TotalLayers < 0 {
		add("print.total_layers must not be negative")
	}
	if c.Print.SettleDelay < 0 {
		add("print.settle_delay must not be negative")
	}
	if c.Print.SetupMarker == "" || c.Print.StructureMarker == "" || c.Print.SupportMarker == "" {
		add("print markers must not be empty")
	}
	if !c.Printer.Simulate && c.Printer.Port == "" {
		add("printer.port is required unless printer.simulate is set")
	}
	if _, err := c.Printer.Serial.Normalize(); err != nil {
		add("printer.serial: %v", err)
	}
	if c.Camera.DiffThreshold <= 0 {
		add("camera.diff_threshold must be positive")
	}
	if err := c.CalibrationParams().Validate(); err != nil {
		add("calibration: %w", err)
	}
	if _, err := projection.ParseCombinePolicy(c.Detection.Combine); err != nil {
		add("detection.combine: %v", err)
	}
	if c.Detection.LayerHeight <= 0 || c.Detection.FirstLayerHeight <= 0 {
		add("detection layer heights must be positive")
	}
	if err := c.DefectParams().Validate(); err != nil {
		add("detection: %v", err)
	}
	if _, err := defect.ParseReportKind(c.Detection.Report); err != nil {
		add("detection.report: %v", err)
	}
	if c.Detection.DefectThreshold < 1 {
		add("detection.defect_threshold must be at least 1")
	}
	if err := c.IronOptions().Validate(); err != nil {
		add("correction: %v", err)
	}
	if c.Output.ImageDir == "" {
		add("output.image_dir is required")
	}
	return errors.Join(errs...)
}

// CalibrationParams returns the camera model parameters.
func (c *Config) CalibrationParams() calibration.Params {
	return calibration.Params{
		Intrinsic:      c.Calibration.Intrinsic,
		Distortion:     c.Calibration.Distortion,
		NozzleToCamera: c.Calibration.NozzleToCamera,
		Width:          c.Calibration.Width,
		Height:         c.Calibration.Height,
	}
}

// SplitOptions returns the segmentation markers.
func (c *Config) SplitOptions() gcode.SplitOptions {
	return gcode.SplitOptions{
		SetupMarker:     c.Print.SetupMarker,
		StructureMarker: c.Print.StructureMarker,
		SupportMarker:   c.Print.SupportMarker,
	}
}

// PhotoMove returns the move appended to every layer.
func (c *Config) PhotoMove() gcode.PhotoMove {
	return gcode.PhotoMove{X: c.Print.PhotoX, Y: c.Print.PhotoY, Retract: c.Print.Retract, Feed: c.Print.PhotoFeed}
}

// LayerOptions returns the outline extraction options.
func (c *Config) LayerOptions() layer.Options {
	return layer.Options{
		Type:             c.Detection.FeatureType,
		LayerHeight:      c.Detection.LayerHeight,
		FirstLayerHeight: c.Detection.FirstLayerHeight,
	}
}

// ProjectionOptions returns the projection options. Combine must have been
// validated.
func (c *Config) ProjectionOptions() projection.Options {
	policy, _ := projection.ParseCombinePolicy(c.Detection.Combine)
	opts := projection.DefaultOptions().
		WithPhotoPosition(c.Print.PhotoX, c.Print.PhotoY).
		WithCombine(policy)
	opts.ZOffset = c.Detection.ZOffset
	opts.DrawOverlay = c.Detection.Overlay
	return opts
}

// DefectParams returns the defect extraction parameters.
func (c *Config) DefectParams() defect.Params {
	return defect.Params{
		BinaryThreshold: c.Detection.BinaryThreshold,
		MinArea:         c.Detection.MinArea,
		MaxArea:         c.Detection.MaxArea,
		BlurKernel:      c.Detection.BlurKernel,
	}
}

// ReportKind returns the defect report kind. Report must have been
// validated.
func (c *Config) ReportKind() defect.ReportKind {
	kind, _ := defect.ParseReportKind(c.Detection.Report)
	return kind
}

// IronOptions returns the correction rewrite options.
func (c *Config) IronOptions() gcode.IronOptions {
	return gcode.IronOptions{ExtrusionRatio: c.Correction.ExtrusionRatio, SpeedRatio: c.Correction.SpeedRatio}
}

// CaptureOptions returns the camera options.
func (c *Config) CaptureOptions() capture.Options {
	return capture.Options{
		DeviceID:      c.Camera.DeviceID,
		Width:         c.Camera.Width,
		Height:        c.Camera.Height,
		Delay:         c.Camera.Delay,
		DiffThreshold: c.Camera.DiffThreshold,
		MaxAttempts:   c.Camera.MaxAttempts,
		OpenTimeout:   c.Camera.OpenTimeout,
	}
}

// PrinterOptions returns the link options.
func (c *Config) PrinterOptions() printer.Options {
	return printer.Options{
		OnlineTimeout: c.Printer.OnlineTimeout,
		PollInterval:  c.Printer.PollInterval,
		MaxPoll:       c.Printer.MaxPoll,
	}
}

// LogEntries lists the settings written at the head of the run log.
func (c *Config) LogEntries() []runlog.Entry {
	return []runlog.Entry{
		{Key: "Gcode path", Value: c.Print.GcodePath},
		{Key: "Image folder path", Value: c.Output.ImageDir},
		{Key: "Picture taking position", Value: "[" + fmtFloat(c.Print.PhotoX) + ", " + fmtFloat(c.Print.PhotoY) + "]"},
		{Key: "Total layer", Value: strconv.Itoa(c.Print.TotalLayers)},
		{Key: "Defect binary threshold", Value: fmtFloat(c.Detection.BinaryThreshold)},
		{Key: "Defect number threshold", Value: strconv.Itoa(c.Detection.DefectThreshold)},
		{Key: "Layer height", Value: fmtFloat(c.Detection.LayerHeight)},
		{Key: "Correction enabled", Value: strconv.FormatBool(c.Correction.Enabled)},
		{Key: "Ironing layer extrusion ratio", Value: fmtFloat(c.Correction.ExtrusionRatio)},
		{Key: "Ironing layer speed ratio", Value: fmtFloat(c.Correction.SpeedRatio)},
		{Key: "Mask combine policy", Value: c.Detection.Combine},
	}
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
