// Package main provides the print-sentinel command line.
package main

import (
	"fmt"
	"os"

	"print-sentinel/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "print-sentinel",
	Short: "Layer-by-layer print inspection and correction",
	Long: `print-sentinel drives a printer one layer at a time. After every layer
the nozzle parks at the photo position, a camera frame is compared against
the outline the slicer planned, and layers with surface defects are ironed
before printing continues.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: built-in rig settings)")

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stream to a simulated printer")
	runCmd.Flags().StringVar(&replayDir, "replay", "", "Serve recorded frames from this directory instead of the camera")
	runCmd.Flags().IntVar(&layerLimit, "layers", -1, "Number of layers to print (0 prints all)")
	runCmd.Flags().BoolVar(&noCorrect, "no-correct", false, "Detect and log defects without ironing")

	splitCmd.Flags().BoolVar(&splitPhoto, "photo", false, "End every layer with the photo move")

	ironCmd.Flags().Float64Var(&ironExtrusion, "extrusion-ratio", 0, "Extrusion multiplier (default from config)")
	ironCmd.Flags().Float64Var(&ironSpeed, "speed-ratio", 0, "Feed rate multiplier (default from config)")

	inspectCmd.Flags().StringVar(&inspectGcode, "gcode", "", "Sliced file (default from config)")
	inspectCmd.Flags().IntVar(&inspectLayer, "layer", 1, "Layer the frame shows")
	inspectCmd.Flags().StringVar(&inspectOut, "out", "", "Artifact directory (default from config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(ironCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig returns the file named by --config, or the defaults. The result
// is not validated so commands can apply their overrides first.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Read(configPath)
}
